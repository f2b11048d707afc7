package main

import (
	"testing"
	"time"

	"chat-relay/internal/conversation"
	"chat-relay/internal/orchestrator"
)

func turns(contents ...string) []conversation.Turn {
	out := make([]conversation.Turn, 0, len(contents))
	for i, c := range contents {
		role := conversation.RoleUser
		if c == "" {
			role = conversation.RoleAssistant
			c = "reply"
		}
		out = append(out, conversation.Turn{Seq: uint64(i + 1), Role: role, Content: c})
	}
	return out
}

func TestCheckOrder(t *testing.T) {
	key := conversation.NewKey("bench", "0")

	if p := checkOrder(key, turns("#0 q", "", "#2 q", "")); len(p) != 0 {
		t.Fatalf("gap after a failed cycle reported: %v", p)
	}
	if p := checkOrder(key, turns("#1 q", "", "#0 q", "")); len(p) != 1 {
		t.Fatalf("expected one order violation, got %v", p)
	}
	if p := checkOrder(key, turns("#0 q")); len(p) != 1 {
		t.Fatalf("expected a missing reply, got %v", p)
	}
}

func TestSummarize(t *testing.T) {
	var results []result
	for i := 1; i <= 20; i++ {
		state := orchestrator.StateReplied
		if i == 20 {
			state = orchestrator.StateLLMFailed
		}
		results = append(results, result{
			outcome:  orchestrator.Outcome{State: state, Attempts: 1},
			duration: time.Duration(i) * time.Millisecond,
		})
	}

	s := summarize(results)
	if s.total != 20 || s.attempts != 20 {
		t.Fatalf("unexpected totals: %+v", s)
	}
	if s.byState[orchestrator.StateReplied] != 19 || s.byState[orchestrator.StateLLMFailed] != 1 {
		t.Fatalf("unexpected states: %v", s.byState)
	}
	if s.min != time.Millisecond || s.max != 20*time.Millisecond {
		t.Fatalf("unexpected range: %v - %v", s.min, s.max)
	}
	if s.p50 != 10*time.Millisecond || s.p95 != 19*time.Millisecond {
		t.Fatalf("unexpected percentiles: p50=%v p95=%v", s.p50, s.p95)
	}
	if s.avg != 10500*time.Microsecond {
		t.Fatalf("unexpected avg: %v", s.avg)
	}
}
