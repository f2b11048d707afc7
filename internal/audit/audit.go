// Package audit keeps an append-only record of every finished exchange,
// including the ones whose conversation write was lost.
package audit

import (
	"time"
)

type Outcome string

const (
	OutcomeReplied       Outcome = "replied"
	OutcomeDenied        Outcome = "denied"
	OutcomeLLMFailed     Outcome = "llm_failed"
	OutcomePersistFailed Outcome = "persist_failed"
	OutcomeStoreFailed   Outcome = "store_failed"
)

// Event is one orchestration cycle as seen by operators. For
// persist_failed events AssistantResponse holds the reply that was not
// stored, so the exchange can be recovered by hand.
type Event struct {
	Timestamp         time.Time `json:"timestamp"`
	ExchangeID        string    `json:"exchange_id,omitempty"`
	Conversation      string    `json:"conversation"`
	ChannelID         string    `json:"channel_id"`
	UserID            string    `json:"user_id"`
	Outcome           Outcome   `json:"outcome"`
	Reason            string    `json:"reason,omitempty"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response,omitempty"`
	Attempts          int       `json:"attempts,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// Recorder abstracts persistence of audit events.
// Load returns events in chronological order.
// Implementations must be safe for concurrent use.
type Recorder interface {
	Record(event Event) error
	Load() ([]Event, error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(Event) error { return nil }
func (Nop) Load() ([]Event, error) { return nil, nil }
