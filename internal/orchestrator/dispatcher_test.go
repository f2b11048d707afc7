package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/conversation"
	"chat-relay/internal/llm"
)

type blockingHandler struct {
	started chan string
	release chan struct{}
}

func (h *blockingHandler) Key(msg Message) conversation.Key {
	return conversation.NewKey(msg.ChannelID, "")
}

func (h *blockingHandler) Handle(_ context.Context, msg Message) Outcome {
	h.started <- msg.Text
	<-h.release
	return Outcome{State: StateReplied, Send: true, Reply: msg.Text}
}

func TestDispatcher_EndToEndOrdering(t *testing.T) {
	f := newFixture(t, defaultSettings(), nil)
	f.llm.respond = func(_ context.Context, msgs []llm.Message) llm.Result {
		time.Sleep(2 * time.Millisecond)
		return llm.Result{Response: llm.Response{Content: "re: " + msgs[len(msgs)-1].Content}, Attempts: 1}
	}
	d := NewDispatcher(context.Background(), f.orch, 8, zerolog.Nop())

	var mu sync.Mutex
	var replies []string
	var wg sync.WaitGroup
	texts := []string{"a", "b", "c", "d"}
	for _, text := range texts {
		wg.Add(1)
		require.NoError(t, d.Submit(Message{ChannelID: "C1", UserID: "u1", Text: text}, func(o Outcome) {
			defer wg.Done()
			mu.Lock()
			replies = append(replies, o.Reply)
			mu.Unlock()
		}))
	}
	wg.Wait()

	assert.Equal(t, []string{"re: a", "re: b", "re: c", "re: d"}, replies)
	turns := f.turns(t, conversation.NewKey("C1", ""))
	require.Len(t, turns, 8)
	for i, turn := range turns {
		assert.Equal(t, uint64(i+1), turn.Seq)
	}
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_LanesAreIndependent(t *testing.T) {
	h := &blockingHandler{started: make(chan string, 4), release: make(chan struct{})}
	d := NewDispatcher(context.Background(), h, 4, zerolog.Nop())

	require.NoError(t, d.Submit(Message{ChannelID: "C1", Text: "one"}, nil))
	require.NoError(t, d.Submit(Message{ChannelID: "C2", Text: "two"}, nil))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case text := <-h.started:
			got[text] = true
		case <-time.After(2 * time.Second):
			t.Fatal("second conversation did not start while the first was busy")
		}
	}
	assert.True(t, got["one"] && got["two"])
	assert.Equal(t, 2, d.Lanes())

	close(h.release)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 0, d.Lanes())
}

func TestDispatcher_QueueFullAndClosed(t *testing.T) {
	h := &blockingHandler{started: make(chan string, 4), release: make(chan struct{})}
	d := NewDispatcher(context.Background(), h, 1, zerolog.Nop())

	require.NoError(t, d.Submit(Message{ChannelID: "C1", Text: "1"}, nil))
	<-h.started // the worker holds job 1, the buffer is empty again
	require.NoError(t, d.Submit(Message{ChannelID: "C1", Text: "2"}, nil))
	err := d.Submit(Message{ChannelID: "C1", Text: "3"}, nil)
	require.ErrorIs(t, err, ErrQueueFull)

	// other conversations are unaffected
	require.NoError(t, d.Submit(Message{ChannelID: "C2", Text: "x"}, nil))

	close(h.release)
	require.NoError(t, d.Close(context.Background()))
	assert.ErrorIs(t, d.Submit(Message{ChannelID: "C1", Text: "4"}, nil), ErrClosed)
}

func TestDispatcher_CloseTimesOut(t *testing.T) {
	h := &blockingHandler{started: make(chan string, 1), release: make(chan struct{})}
	d := NewDispatcher(context.Background(), h, 1, zerolog.Nop())
	require.NoError(t, d.Submit(Message{ChannelID: "C1", Text: "stuck"}, nil))
	<-h.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	close(h.release)
}
