// Package store holds the conversation.Store backends: an in-process map, an
// embedded bbolt file and a Redis keyspace.
package store

import (
	"context"
	"sync"
	"time"

	"chat-relay/internal/conversation"
)

type memConversation struct {
	mu    sync.Mutex
	seq   uint64
	turns []conversation.Turn
}

// Memory keeps conversations in process memory. The outer lock only guards
// the map; appends lock the single conversation they touch.
type Memory struct {
	mu    sync.RWMutex
	convs map[string]*memConversation
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{convs: make(map[string]*memConversation), now: time.Now}
}

func (m *Memory) get(key string, create bool) *memConversation {
	m.mu.RLock()
	c, ok := m.convs[key]
	m.mu.RUnlock()
	if ok || !create {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.convs[key]; !ok {
		c = &memConversation{}
		m.convs[key] = c
	}
	return c
}

func (m *Memory) ReadRecent(ctx context.Context, key conversation.Key, limit int) ([]conversation.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapUnavailable("read", err)
	}
	if limit <= 0 {
		return nil, nil
	}
	c := m.get(key.String(), false)
	if c == nil {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	start := len(c.turns) - limit
	if start < 0 {
		start = 0
	}
	// copy so callers can't mutate stored turns
	out := make([]conversation.Turn, len(c.turns)-start)
	copy(out, c.turns[start:])
	return out, nil
}

func (m *Memory) Append(ctx context.Context, key conversation.Key, turns ...conversation.Turn) ([]conversation.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapUnavailable("append", err)
	}
	if len(turns) == 0 {
		return nil, nil
	}
	c := m.get(key.String(), true)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]conversation.Turn, len(turns))
	for i, t := range turns {
		c.seq++
		t.Seq = c.seq
		if t.Timestamp.IsZero() {
			t.Timestamp = m.now().UTC()
		}
		out[i] = t
	}
	c.turns = append(c.turns, out...)
	return out, nil
}

func (m *Memory) Reset(ctx context.Context, key conversation.Key) error {
	if err := ctx.Err(); err != nil {
		return wrapUnavailable("reset", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, key.String())
	return nil
}

// Len reports how many turns a conversation holds.
func (m *Memory) Len(key conversation.Key) int {
	c := m.get(key.String(), false)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}
