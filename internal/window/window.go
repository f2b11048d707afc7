// Package window assembles the bounded context that is sent to the model.
package window

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-relay/internal/conversation"
)

const (
	defaultReadAttempts = 3
	defaultReadPause    = 50 * time.Millisecond
)

// Window is the transient, chronologically ordered context for one call.
// Size is measured in runes.
type Window struct {
	Turns     []conversation.Turn
	Truncated bool
	Size      int
}

type Builder struct {
	store    conversation.Store
	attempts int
	pause    time.Duration
}

type Option func(*Builder)

// WithReadRetry overrides how often a failed history read is retried.
func WithReadRetry(attempts int, pause time.Duration) Option {
	return func(b *Builder) {
		if attempts > 0 {
			b.attempts = attempts
		}
		b.pause = pause
	}
}

func NewBuilder(store conversation.Store, opts ...Option) *Builder {
	b := &Builder{store: store, attempts: defaultReadAttempts, pause: defaultReadPause}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build reads up to limit recent turns, appends newTurn and drops the
// oldest turns until the total size fits budget. The newest turn is always
// kept; when it alone exceeds budget its content is cut to budget runes and
// Truncated is set. limit 0 skips the read entirely.
func (b *Builder) Build(ctx context.Context, key conversation.Key, newTurn conversation.Turn, limit, budget int) (Window, error) {
	var history []conversation.Turn
	if limit > 0 {
		var err error
		history, err = b.read(ctx, key, limit)
		if err != nil {
			return Window{}, err
		}
	}
	return Fit(history, newTurn, budget), nil
}

func (b *Builder) read(ctx context.Context, key conversation.Key, limit int) ([]conversation.Turn, error) {
	var lastErr error
	for i := 0; i < b.attempts; i++ {
		turns, err := b.store.ReadRecent(ctx, key, limit)
		if err == nil {
			return turns, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < b.attempts-1 && b.pause > 0 {
			select {
			case <-ctx.Done():
				return nil, readError(key, ctx.Err())
			case <-time.After(b.pause):
			}
		}
	}
	return nil, readError(key, lastErr)
}

func readError(key conversation.Key, err error) error {
	if errors.Is(err, conversation.ErrStoreUnavailable) {
		return fmt.Errorf("read history %s: %w", key, err)
	}
	return fmt.Errorf("read history %s: %w: %w", key, conversation.ErrStoreUnavailable, err)
}

// Fit is the pure trimming step of Build.
func Fit(history []conversation.Turn, newTurn conversation.Turn, budget int) Window {
	if budget <= 0 {
		budget = 1
	}
	w := Window{}
	newSize := newTurn.Size()
	if newSize > budget {
		r := []rune(newTurn.Content)
		newTurn.Content = string(r[:budget])
		w.Turns = []conversation.Turn{newTurn}
		w.Truncated = true
		w.Size = budget
		return w
	}

	total := newSize
	start := len(history)
	for start > 0 {
		s := history[start-1].Size()
		if total+s > budget {
			break
		}
		total += s
		start--
	}
	w.Turns = make([]conversation.Turn, 0, len(history)-start+1)
	w.Turns = append(w.Turns, history[start:]...)
	w.Turns = append(w.Turns, newTurn)
	w.Truncated = start > 0
	w.Size = total
	return w
}
