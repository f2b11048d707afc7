package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/admin"
	"chat-relay/internal/audit"
	"chat-relay/internal/conversation"
	"chat-relay/internal/llm"
	"chat-relay/internal/store"
)

type staticSettings struct{ snap *admin.Snapshot }

func (s staticSettings) Snapshot() *admin.Snapshot { return s.snap }

type fakeCompleter struct {
	mu      sync.Mutex
	calls   int
	prompts [][]llm.Message
	respond func(ctx context.Context, msgs []llm.Message) llm.Result
}

func (f *fakeCompleter) Complete(ctx context.Context, msgs []llm.Message, _ time.Time) llm.Result {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, msgs)
	f.mu.Unlock()
	if f.respond == nil {
		return llm.Result{Response: llm.Response{Content: "hi there"}, Attempts: 1}
	}
	return f.respond(ctx, msgs)
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) Record(ev audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memAudit) Load() ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Event(nil), m.events...), nil
}

type failingAppend struct {
	conversation.Store
}

func (failingAppend) Append(context.Context, conversation.Key, ...conversation.Turn) ([]conversation.Turn, error) {
	return nil, fmt.Errorf("append: %w", conversation.ErrStoreUnavailable)
}

type fixture struct {
	orch  *Orchestrator
	store conversation.Store
	llm   *fakeCompleter
	audit *memAudit
}

func defaultSettings() admin.Settings {
	return admin.Settings{
		Bot: admin.BotSettings{
			DenyReply: "This channel is not enabled.",
		},
		Channels: []admin.Channel{{ChannelID: "C1"}, {ChannelID: "C2"}},
	}
}

func newFixture(t *testing.T, s admin.Settings, st conversation.Store) *fixture {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	f := &fixture{store: st, llm: &fakeCompleter{}, audit: &memAudit{}}
	f.orch = New(Deps{
		Settings:  staticSettings{snap: admin.NewSnapshot(s, 1, time.Now())},
		Store:     st,
		Completer: f.llm,
		Audit:     f.audit,
	}, zerolog.Nop())
	return f
}

func (f *fixture) turns(t *testing.T, key conversation.Key) []conversation.Turn {
	t.Helper()
	turns, err := f.store.ReadRecent(context.Background(), key, 100)
	require.NoError(t, err)
	return turns
}

func TestHandle_HelloHiThere(t *testing.T) {
	f := newFixture(t, defaultSettings(), nil)

	out := f.orch.Handle(context.Background(), Message{ChannelID: "C1", UserID: "u1", Text: "hello"})

	assert.Equal(t, StateReplied, out.State)
	assert.True(t, out.Send)
	assert.Equal(t, "hi there", out.Reply)
	assert.Equal(t, 1, out.Attempts)
	assert.NotEmpty(t, out.ExchangeID)

	turns := f.turns(t, conversation.NewKey("C1", ""))
	require.Len(t, turns, 2)
	assert.Equal(t, conversation.RoleUser, turns[0].Role)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, conversation.RoleAssistant, turns[1].Role)
	assert.Equal(t, "hi there", turns[1].Content)
	assert.Equal(t, []uint64{1, 2}, []uint64{turns[0].Seq, turns[1].Seq})
	assert.Equal(t, out.ExchangeID, turns[0].ExchangeID)
	assert.Equal(t, out.ExchangeID, turns[1].ExchangeID)

	events, _ := f.audit.Load()
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeReplied, events[0].Outcome)
}

func TestHandle_DeniedNeverCallsModel(t *testing.T) {
	f := newFixture(t, defaultSettings(), nil)

	out := f.orch.Handle(context.Background(), Message{ChannelID: "C9", UserID: "u1", Text: "hello"})

	assert.Equal(t, StateDenied, out.State)
	assert.Equal(t, "not_whitelisted", out.Reason)
	assert.True(t, out.Send)
	assert.Equal(t, "This channel is not enabled.", out.Reply)
	assert.Equal(t, 0, f.llm.Calls())
	assert.Empty(t, f.turns(t, conversation.NewKey("C9", "")))
}

func TestHandle_BannedIsSilent(t *testing.T) {
	s := defaultSettings()
	s.Blacklist = []admin.Ban{{UserID: "troll"}}
	f := newFixture(t, s, nil)

	out := f.orch.Handle(context.Background(), Message{ChannelID: "C1", UserID: "troll", Text: "hello"})
	assert.Equal(t, StateDenied, out.State)
	assert.Equal(t, "banned", out.Reason)
	assert.False(t, out.Send)
	assert.Equal(t, 0, f.llm.Calls())
}

func TestHandle_FilteredMessage(t *testing.T) {
	s := defaultSettings()
	s.SensitiveWords = []string{"casino"}
	f := newFixture(t, s, nil)

	out := f.orch.Handle(context.Background(), Message{ChannelID: "C1", UserID: "u1", Text: "best casino deals"})
	assert.Equal(t, StateDenied, out.State)
	assert.Equal(t, "filtered", out.Reason)
	assert.Equal(t, admin.DefaultFilteredReply, out.Reply)
	assert.Equal(t, 0, f.llm.Calls())
}

func TestHandle_LLMFailureKeepsStoreUntouched(t *testing.T) {
	tests := []struct {
		name  string
		kind  llm.Kind
		reply string
	}{
		{"transient", llm.KindTimeout, admin.DefaultUnavailableReply},
		{"malformed", llm.KindMalformed, admin.DefaultUnavailableReply},
		{"permanent", llm.KindAuth, admin.DefaultMisconfiguredReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultSettings(), nil)
			f.llm.respond = func(context.Context, []llm.Message) llm.Result {
				return llm.Result{Err: &llm.Error{Kind: tt.kind, Attempts: 3, Err: errors.New("upstream")}, Attempts: 3}
			}

			out := f.orch.Handle(context.Background(), Message{ChannelID: "C1", UserID: "u1", Text: "hello"})

			assert.Equal(t, StateLLMFailed, out.State)
			assert.Equal(t, StateContextBuilt, out.Stage)
			assert.Equal(t, 3, out.Attempts)
			assert.True(t, out.Send)
			assert.Equal(t, tt.reply, out.Reply)
			assert.NotContains(t, out.Reply, "upstream")
			assert.Empty(t, f.turns(t, conversation.NewKey("C1", "")))
		})
	}
}

type blockingClient struct{ started chan struct{} }

func (c blockingClient) Generate(ctx context.Context, _ []llm.Message) (llm.Response, error) {
	close(c.started)
	<-ctx.Done()
	return llm.Response{}, fmt.Errorf("post: %w", ctx.Err())
}

type clientSource struct{ client llm.Client }

func (s clientSource) Current(context.Context) (llm.Client, llm.ModelConfig, error) {
	return s.client, llm.ModelConfig{Provider: "openai", Model: "m"}, nil
}

func TestHandle_CanceledMidCallIsUnavailable(t *testing.T) {
	client := blockingClient{started: make(chan struct{})}
	st := store.NewMemory()
	audits := &memAudit{}
	orch := New(Deps{
		Settings:  staticSettings{snap: admin.NewSnapshot(defaultSettings(), 1, time.Now())},
		Store:     st,
		Completer: llm.NewCompleter(clientSource{client: client}, llm.DefaultRetryPolicy(), zerolog.Nop()),
		Audit:     audits,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-client.started
		cancel()
	}()
	out := orch.Handle(ctx, Message{ChannelID: "C1", UserID: "u1", Text: "hello"})

	assert.Equal(t, StateLLMFailed, out.State)
	assert.Equal(t, llm.CategoryTransient, out.Reason)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, admin.DefaultUnavailableReply, out.Reply)
	turns, err := st.ReadRecent(context.Background(), conversation.NewKey("C1", ""), 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestHandle_PersistPolicy(t *testing.T) {
	for _, policy := range []admin.PersistPolicy{admin.PersistMandatory, admin.PersistBestEffort} {
		t.Run(string(policy), func(t *testing.T) {
			s := defaultSettings()
			s.Bot.PersistPolicy = policy
			f := newFixture(t, s, failingAppend{Store: store.NewMemory()})

			out := f.orch.Handle(context.Background(), Message{ChannelID: "C1", UserID: "u1", Text: "hello"})

			assert.Equal(t, StatePersistFailed, out.State)
			assert.Equal(t, StateLLMCalled, out.Stage)
			assert.ErrorIs(t, out.Err, conversation.ErrStoreUnavailable)
			assert.True(t, out.Send)
			if policy == admin.PersistBestEffort {
				assert.Equal(t, "hi there", out.Reply)
			} else {
				assert.Equal(t, admin.DefaultPersistErrorReply, out.Reply)
			}

			events, _ := f.audit.Load()
			require.Len(t, events, 1)
			assert.Equal(t, audit.OutcomePersistFailed, events[0].Outcome)
			assert.Equal(t, "hi there", events[0].AssistantResponse)
		})
	}
}

func TestHandle_PersistsAfterCallerCancels(t *testing.T) {
	f := newFixture(t, defaultSettings(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.llm.respond = func(context.Context, []llm.Message) llm.Result {
		cancel()
		return llm.Result{Response: llm.Response{Content: "late answer"}, Attempts: 1}
	}

	out := f.orch.Handle(ctx, Message{ChannelID: "C1", UserID: "u1", Text: "hello"})
	assert.Equal(t, StateReplied, out.State)
	assert.Len(t, f.turns(t, conversation.NewKey("C1", "")), 2)
}

func TestHandle_PromptCarriesHistoryAndSystemPrompt(t *testing.T) {
	s := defaultSettings()
	s.Bot.SystemPrompt = "You are helpful."
	f := newFixture(t, s, nil)

	f.orch.Handle(context.Background(), Message{ChannelID: "C1", UserID: "u1", Author: "alice", Text: "hello"})
	f.orch.Handle(context.Background(), Message{ChannelID: "C1", UserID: "u2", Author: "bob", Text: "and me?"})

	require.Equal(t, 2, f.llm.Calls())
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleSystem, Content: "You are helpful."},
		{Role: llm.RoleUser, Content: "[alice]: hello"},
		{Role: llm.RoleAssistant, Content: "hi there"},
		{Role: llm.RoleUser, Content: "[bob]: and me?"},
	}, f.llm.prompts[1])
}

func TestHandle_ChatModes(t *testing.T) {
	s := defaultSettings()
	s.Channels = []admin.Channel{
		{ChannelID: "single", ChatMode: admin.ChatModeSingle},
		{ChannelID: "qa", ChatMode: admin.ChatModeQA},
	}
	f := newFixture(t, s, nil)

	out := f.orch.Handle(context.Background(), Message{ChannelID: "single", UserID: "u1", Author: "alice", Text: "one"})
	assert.Equal(t, conversation.NewKey("single", "u1"), out.Key)
	f.orch.Handle(context.Background(), Message{ChannelID: "single", UserID: "u1", Author: "alice", Text: "two"})
	assert.Len(t, f.llm.prompts[1], 3, "single mode keeps the user's history")
	assert.Equal(t, "two", f.llm.prompts[1][2].Content, "no author prefix outside multi mode")

	f.orch.Handle(context.Background(), Message{ChannelID: "qa", UserID: "u1", Text: "q1"})
	f.orch.Handle(context.Background(), Message{ChannelID: "qa", UserID: "u1", Text: "q2"})
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "q2"}}, f.llm.prompts[3], "qa mode sends no history")
	assert.Len(t, f.turns(t, conversation.NewKey("qa", "u1")), 4, "qa exchanges are still stored")
}

func TestHandle_SameKeyNeverInterleaves(t *testing.T) {
	f := newFixture(t, defaultSettings(), nil)
	f.llm.respond = func(_ context.Context, msgs []llm.Message) llm.Result {
		time.Sleep(10 * time.Millisecond)
		return llm.Result{Response: llm.Response{Content: "re: " + msgs[len(msgs)-1].Content}, Attempts: 1}
	}

	var wg sync.WaitGroup
	for _, text := range []string{"first", "second"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			f.orch.Handle(context.Background(), Message{ChannelID: "C1", UserID: "u1", Text: text})
		}(text)
	}
	wg.Wait()

	turns := f.turns(t, conversation.NewKey("C1", ""))
	require.Len(t, turns, 4)
	for i, turn := range turns {
		assert.Equal(t, uint64(i+1), turn.Seq)
	}
	assert.Equal(t, turns[0].ExchangeID, turns[1].ExchangeID)
	assert.Equal(t, turns[2].ExchangeID, turns[3].ExchangeID)
	assert.NotEqual(t, turns[0].ExchangeID, turns[2].ExchangeID)
	assert.Equal(t, "re: "+turns[0].Content, turns[1].Content)
	assert.Equal(t, "re: "+turns[2].Content, turns[3].Content)
}

func TestHandle_DifferentKeysDoNotBlock(t *testing.T) {
	f := newFixture(t, defaultSettings(), nil)
	release := make(chan struct{})
	f.llm.respond = func(_ context.Context, msgs []llm.Message) llm.Result {
		if msgs[len(msgs)-1].Content == "slow" {
			<-release
		}
		return llm.Result{Response: llm.Response{Content: "ok"}, Attempts: 1}
	}

	slowDone := make(chan Outcome, 1)
	go func() {
		slowDone <- f.orch.Handle(context.Background(), Message{ChannelID: "C1", UserID: "u1", Text: "slow"})
	}()

	fast := make(chan Outcome, 1)
	go func() {
		fast <- f.orch.Handle(context.Background(), Message{ChannelID: "C2", UserID: "u2", Text: "fast"})
	}()

	select {
	case out := <-fast:
		assert.Equal(t, StateReplied, out.State)
	case <-time.After(2 * time.Second):
		t.Fatal("C2 waited on C1")
	}
	close(release)
	assert.Equal(t, StateReplied, (<-slowDone).State)
}
