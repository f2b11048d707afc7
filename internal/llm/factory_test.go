package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/admin"
)

func TestFactory_CachesPerConfig(t *testing.T) {
	f := NewFactory(FactoryOptions{})
	cfg := ModelConfig{Provider: "openai", APIKey: "sk-1", Model: "m1"}

	a, err := f.Client(context.Background(), cfg)
	require.NoError(t, err)
	b, err := f.Client(context.Background(), cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)

	cfg.Model = "m2"
	c, err := f.Client(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestFactory_NotConfigured(t *testing.T) {
	f := NewFactory(FactoryOptions{})
	_, err := f.Client(context.Background(), ModelConfig{Provider: "openai", APIKey: "sk"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = f.Client(context.Background(), ModelConfig{Provider: "openai", Model: "m"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = f.Client(context.Background(), ModelConfig{Provider: "yandex"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = f.Client(context.Background(), ModelConfig{Provider: "claude", Model: "m"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestConfigFromSettings(t *testing.T) {
	temp := float32(0.7)
	cfg := ConfigFromSettings(admin.LLMSettings{Provider: "OpenAI", APIKey: "k", Model: "m", Temperature: &temp, MaxTokens: 256})
	assert.Equal(t, ModelConfig{Provider: "openai", APIKey: "k", Model: "m", Temperature: 0.7, MaxTokens: 256}, cfg)
}

func TestSnapshotSource_FollowsSnapshot(t *testing.T) {
	snap := admin.NewSnapshot(admin.Settings{LLM: admin.LLMSettings{APIKey: "k", Model: "m1"}}, 1, time.Now())
	src := SnapshotSource{Settings: func() *admin.Snapshot { return snap }, Factory: NewFactory(FactoryOptions{})}

	_, cfg, err := src.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", cfg.Model)

	snap = admin.NewSnapshot(admin.Settings{LLM: admin.LLMSettings{APIKey: "k", Model: "m2"}}, 2, time.Now())
	_, cfg, err = src.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m2", cfg.Model)
}

func TestFactory_ListModelsAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "https://example.org", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "relay", r.Header.Get("X-Title"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]any{{"id": "gpt-a", "object": "model"}, {"id": "gpt-b", "object": "model"}},
		})
	}))
	defer srv.Close()

	f := NewFactory(FactoryOptions{OpenRouterReferrer: "https://example.org", OpenRouterTitle: "relay"})
	ids, err := f.ListModels(context.Background(), ModelConfig{Provider: "openai", BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-a", "gpt-b"}, ids)
}

func TestFactory_ConcurrentCallersShareOneBuild(t *testing.T) {
	f := NewFactory(FactoryOptions{})
	release := make(chan struct{})
	var builds atomic.Int32
	f.build = func(ctx context.Context, cfg ModelConfig) (Client, error) {
		builds.Add(1)
		<-release
		return &scriptedClient{reply: cfg.Model}, nil
	}
	cfg := ModelConfig{Provider: "yandex", Model: "lite"}

	var wg sync.WaitGroup
	clients := make([]Client, 8)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := f.Client(context.Background(), cfg)
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, c := range clients[1:] {
		assert.Same(t, clients[0], c)
	}
}

func TestFactory_SlowBuildDoesNotBlockOthers(t *testing.T) {
	f := NewFactory(FactoryOptions{})
	release := make(chan struct{})
	defer close(release)
	f.build = func(ctx context.Context, cfg ModelConfig) (Client, error) {
		if cfg.Provider == "yandex" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &scriptedClient{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.Client(ctx, ModelConfig{Provider: "yandex", Model: "lite"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, Classify(err).Kind)

	// the stuck build holds no lock
	done := make(chan error, 1)
	go func() {
		_, err := f.Client(context.Background(), ModelConfig{Provider: "openai", APIKey: "k", Model: "m"})
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("client for another config waited on the slow build")
	}
}
