// Package orchestrator runs one inbound message through policy, context
// assembly, the model call and persistence, and decides what the transport
// should send back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chat-relay/internal/admin"
	"chat-relay/internal/audit"
	"chat-relay/internal/conversation"
	"chat-relay/internal/llm"
	"chat-relay/internal/metrics"
	"chat-relay/internal/policy"
	"chat-relay/internal/window"
)

type State string

const (
	StateReceived      State = "received"
	StatePolicyChecked State = "policy_checked"
	StateContextBuilt  State = "context_built"
	StateLLMCalled     State = "llm_called"
	StatePersisted     State = "persisted"
	StateReplied       State = "replied"

	StateDenied        State = "denied"
	StateContextFailed State = "context_failed"
	StateLLMFailed     State = "llm_failed"
	StatePersistFailed State = "persist_failed"
)

const DefaultPersistTimeout = 5 * time.Second

// Message is one inbound chat message.
type Message struct {
	ChannelID string
	UserID    string
	Author    string
	Text      string
	Timestamp time.Time
}

// Outcome tells the transport what to do. When Send is false nothing is
// sent. Stage is the last state reached before the terminal one.
type Outcome struct {
	State      State
	Reason     string
	Send       bool
	Reply      string
	Key        conversation.Key
	ExchangeID string
	Attempts   int
	Stage      State
	Err        error
	// Generated is the model's text, set once the call succeeded, even if
	// it was never sent.
	Generated string
}

type SnapshotProvider interface {
	Snapshot() *admin.Snapshot
}

type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, deadline time.Time) llm.Result
}

type Deps struct {
	Settings SnapshotProvider
	Store    conversation.Store
	// Builder defaults to window.NewBuilder(Store).
	Builder   *window.Builder
	Completer Completer
	// Audit defaults to audit.Nop.
	Audit          audit.Recorder
	PersistTimeout time.Duration
	// LLMDeadline bounds the whole model call including retries; zero
	// leaves it to the completer.
	LLMDeadline time.Duration
}

type Orchestrator struct {
	settings       SnapshotProvider
	store          conversation.Store
	builder        *window.Builder
	completer      Completer
	audit          audit.Recorder
	locks          *conversation.KeyedMutex
	persistTimeout time.Duration
	llmDeadline    time.Duration
	log            zerolog.Logger
	now            func() time.Time
	newID          func() string
}

func New(d Deps, log zerolog.Logger) *Orchestrator {
	if d.Builder == nil {
		d.Builder = window.NewBuilder(d.Store)
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.PersistTimeout <= 0 {
		d.PersistTimeout = DefaultPersistTimeout
	}
	return &Orchestrator{
		settings:       d.Settings,
		store:          d.Store,
		builder:        d.Builder,
		completer:      d.Completer,
		audit:          d.Audit,
		locks:          conversation.NewKeyedMutex(),
		persistTimeout: d.PersistTimeout,
		llmDeadline:    d.LLMDeadline,
		log:            log.With().Str("component", "orchestrator").Logger(),
		now:            time.Now,
		newID:          func() string { return uuid.NewString() },
	}
}

// Key returns the conversation a message belongs to under the current
// settings: the channel in multi mode, channel and user otherwise.
func (o *Orchestrator) Key(msg Message) conversation.Key {
	return keyFor(msg, policy.ProfileFor(o.settings.Snapshot(), msg.ChannelID).ChatMode)
}

func keyFor(msg Message, mode admin.ChatMode) conversation.Key {
	if mode == admin.ChatModeMulti {
		return conversation.NewKey(msg.ChannelID, "")
	}
	return conversation.NewKey(msg.ChannelID, msg.UserID)
}

// Handle runs one orchestration cycle. It never returns an error: every
// failure ends in a terminal State and, where the user should hear about
// it, a Reply.
func (o *Orchestrator) Handle(ctx context.Context, msg Message) Outcome {
	started := o.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = started
	}
	snap := o.settings.Snapshot()
	bot := snap.Bot()
	log := o.log.With().
		Str("channel_id", msg.ChannelID).
		Str("user_id", msg.UserID).
		Logger()

	out := o.run(ctx, snap, bot, msg, log)

	metrics.RecordOutcome(string(out.State), out.Reason, o.now().Sub(started).Seconds())
	o.record(msg, out, log)

	ev := log.Info()
	switch out.State {
	case StateLLMFailed:
		if out.Reason == llm.CategoryPermanent {
			ev = log.Error()
		} else {
			ev = log.Warn()
		}
	case StatePersistFailed, StateContextFailed:
		ev = log.Error()
	case StateDenied:
		ev = log.Debug()
	}
	ev.Err(out.Err).
		Str("conversation", out.Key.String()).
		Str("exchange_id", out.ExchangeID).
		Str("state", string(out.State)).
		Str("stage", string(out.Stage)).
		Str("reason", out.Reason).
		Int("attempts", out.Attempts).
		Dur("took", o.now().Sub(started)).
		Msg("message handled")
	return out
}

func (o *Orchestrator) run(ctx context.Context, snap *admin.Snapshot, bot admin.BotSettings, msg Message, log zerolog.Logger) Outcome {
	decision := policy.Evaluate(snap, msg.ChannelID, msg.UserID, msg.Timestamp)
	if !decision.Allowed {
		return denied(string(decision.Reason), decision.Reply)
	}
	if ok, why := policy.Check(snap, msg.Text); !ok {
		out := denied(string(policy.ReasonFiltered), bot.FilteredReply)
		out.Err = errors.New(why)
		return out
	}
	profile := decision.Profile

	key := keyFor(msg, profile.ChatMode)
	unlock := o.locks.Lock(key.String())
	defer unlock()

	out := Outcome{Key: key, ExchangeID: o.newID(), Stage: StatePolicyChecked}
	userTurn := conversation.Turn{
		Role:       conversation.RoleUser,
		Content:    msg.Text,
		Author:     msg.Author,
		ExchangeID: out.ExchangeID,
		Timestamp:  msg.Timestamp,
	}

	win, err := o.builder.Build(ctx, key, userTurn, profile.ContextLimit, profile.Budget)
	if err != nil {
		out.State = StateContextFailed
		out.Reason = "store_unavailable"
		out.Err = err
		out.Send, out.Reply = true, bot.UnavailableReply
		return out
	}
	out.Stage = StateContextBuilt
	if win.Truncated {
		log.Debug().Str("conversation", key.String()).Int("turns", len(win.Turns)).Int("size", win.Size).Msg("context truncated")
	}

	var deadline time.Time
	if o.llmDeadline > 0 {
		deadline = o.now().Add(o.llmDeadline)
	}
	res := o.completer.Complete(ctx, promptFor(profile, win), deadline)
	out.Attempts = res.Attempts
	if res.Err != nil {
		out.State = StateLLMFailed
		out.Reason = res.Err.Category()
		out.Err = res.Err
		out.Send = true
		out.Reply = bot.UnavailableReply
		if res.Err.Category() == llm.CategoryPermanent {
			out.Reply = bot.MisconfiguredReply
		}
		return out
	}
	out.Stage = StateLLMCalled
	out.Generated = res.Response.Content

	assistantTurn := conversation.Turn{
		Role:       conversation.RoleAssistant,
		Content:    res.Response.Content,
		ExchangeID: out.ExchangeID,
		Timestamp:  o.now(),
	}
	// the write outlives cancellation of ctx, bounded by persistTimeout
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()
	if _, err := o.store.Append(pctx, key, userTurn, assistantTurn); err != nil {
		out.State = StatePersistFailed
		out.Reason = string(bot.PersistPolicy)
		out.Err = fmt.Errorf("append exchange: %w", err)
		metrics.RecordPersistFailure(string(bot.PersistPolicy))
		if bot.PersistPolicy == admin.PersistBestEffort {
			out.Send, out.Reply = true, res.Response.Content
		} else {
			out.Send, out.Reply = true, bot.PersistErrorReply
		}
		return out
	}
	out.Stage = StatePersisted
	out.State = StateReplied
	out.Send, out.Reply = true, res.Response.Content
	return out
}

func denied(reason, reply string) Outcome {
	return Outcome{
		State:  StateDenied,
		Stage:  StateReceived,
		Reason: reason,
		Send:   reply != "",
		Reply:  reply,
	}
}

// promptFor renders the window for the model. In multi mode several people
// share one conversation, so user turns carry the author's name.
func promptFor(p policy.Profile, w window.Window) []llm.Message {
	msgs := make([]llm.Message, 0, len(w.Turns)+1)
	if p.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: p.SystemPrompt})
	}
	for _, t := range w.Turns {
		content := t.Content
		if t.Role == conversation.RoleUser && p.ChatMode == admin.ChatModeMulti && t.Author != "" {
			content = "[" + t.Author + "]: " + content
		}
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: content})
	}
	return msgs
}

func (o *Orchestrator) record(msg Message, out Outcome, log zerolog.Logger) {
	ev := audit.Event{
		Timestamp:    o.now().UTC(),
		ExchangeID:   out.ExchangeID,
		Conversation: out.Key.String(),
		ChannelID:    msg.ChannelID,
		UserID:       msg.UserID,
		Reason:       out.Reason,
		UserMessage:  msg.Text,
		Attempts:     out.Attempts,
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	switch out.State {
	case StateReplied:
		ev.Outcome = audit.OutcomeReplied
		ev.AssistantResponse = out.Reply
	case StateDenied:
		ev.Outcome = audit.OutcomeDenied
	case StatePersistFailed:
		ev.Outcome = audit.OutcomePersistFailed
		ev.AssistantResponse = out.Generated
	case StateContextFailed:
		ev.Outcome = audit.OutcomeStoreFailed
	default:
		ev.Outcome = audit.OutcomeLLMFailed
	}
	if err := o.audit.Record(ev); err != nil {
		l := log.Error().Err(err).Str("exchange_id", out.ExchangeID)
		if out.State == StatePersistFailed {
			l = l.Str("lost_reply", ev.AssistantResponse)
		}
		l.Msg("audit record failed")
	}
}
