// Package conversation defines the turn model shared by the store backends,
// the context builder and the orchestrator.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrStoreUnavailable wraps every read or append failure of a backend.
var ErrStoreUnavailable = errors.New("conversation store unavailable")

// Key identifies a conversation: a channel, optionally narrowed to one user.
type Key struct {
	ChannelID string
	UserID    string
}

func NewKey(channelID, userID string) Key {
	return Key{ChannelID: channelID, UserID: userID}
}

// String renders "<channel>" or "<channel>:<user>". Backends use it as the record key.
func (k Key) String() string {
	if k.UserID == "" {
		return k.ChannelID
	}
	return k.ChannelID + ":" + k.UserID
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) Key {
	channel, user, _ := strings.Cut(s, ":")
	return Key{ChannelID: channel, UserID: user}
}

// Turn is one immutable message of a conversation. Seq is assigned by the store.
type Turn struct {
	Seq        uint64    `json:"seq"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Author     string    `json:"author,omitempty"`
	ExchangeID string    `json:"exchange_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Size is the budget cost of a turn, in runes.
func (t Turn) Size() int { return len([]rune(t.Content)) }

// Store is the narrow persistence contract used by the orchestration layer.
// Implementations must be safe for concurrent use.
//
// ReadRecent returns at most limit newest turns in chronological order.
// Append commits all given turns atomically, assigning consecutive sequence
// numbers, and returns the committed copies.
// Reset removes the conversation entirely.
type Store interface {
	ReadRecent(ctx context.Context, key Key, limit int) ([]Turn, error)
	Append(ctx context.Context, key Key, turns ...Turn) ([]Turn, error)
	Reset(ctx context.Context, key Key) error
}
