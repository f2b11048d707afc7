package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chat-relay/internal/admin"
)

const (
	DefaultYandexTokenTTL = 10 * time.Hour
	DefaultBuildTimeout   = 30 * time.Second
)

// ModelConfig is the endpoint a client is built for. It is comparable, so a
// changed snapshot is detected by plain equality.
type ModelConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
}

func ConfigFromSettings(s admin.LLMSettings) ModelConfig {
	cfg := ModelConfig{
		Provider:  strings.ToLower(s.Provider),
		BaseURL:   s.BaseURL,
		APIKey:    s.APIKey,
		Model:     s.Model,
		MaxTokens: s.MaxTokens,
	}
	if s.Temperature != nil {
		cfg.Temperature = *s.Temperature
	}
	return cfg
}

type FactoryOptions struct {
	OpenRouterReferrer string
	OpenRouterTitle    string
	YandexOAuthToken   string
	YandexFolderID     string
	YandexTokenTTL     time.Duration
	// BuildTimeout caps one shared client build, whoever waits on it.
	BuildTimeout time.Duration
	// Transport overrides the HTTP transport of OpenAI-compatible clients.
	Transport http.RoundTripper
}

// Factory builds provider clients and keeps the one for the active config.
// A config change (hot reload) or an expired Yandex token rebuilds it.
// Builds run outside the cache lock and concurrent callers for the same
// config share one build.
type Factory struct {
	opts   FactoryOptions
	now    func() time.Time
	build  func(ctx context.Context, cfg ModelConfig) (Client, error)
	flight singleflight.Group

	mu      sync.Mutex
	cfg     ModelConfig
	client  Client
	builtAt time.Time
}

func NewFactory(opts FactoryOptions) *Factory {
	if opts.YandexTokenTTL <= 0 {
		opts.YandexTokenTTL = DefaultYandexTokenTTL
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = DefaultBuildTimeout
	}
	f := &Factory{opts: opts, now: time.Now}
	f.build = f.buildClient
	return f
}

// Client returns a client for cfg, reusing the cached one when possible.
// Waiting for a build ends with ctx; the build itself keeps going for the
// other waiters until BuildTimeout.
func (f *Factory) Client(ctx context.Context, cfg ModelConfig) (Client, error) {
	if c := f.cached(cfg); c != nil {
		return c, nil
	}
	ch := f.flight.DoChan(fmt.Sprintf("%#v", cfg), func() (any, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.BuildTimeout)
		defer cancel()
		c, err := f.build(bctx, cfg)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.cfg, f.client, f.builtAt = cfg, c, f.now()
		f.mu.Unlock()
		return c, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Client), nil
	}
}

func (f *Factory) cached(cfg ModelConfig) Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil || f.cfg != cfg || f.expired(cfg) {
		return nil
	}
	return f.client
}

func (f *Factory) expired(cfg ModelConfig) bool {
	return cfg.Provider == admin.ProviderYandex && f.now().Sub(f.builtAt) >= f.opts.YandexTokenTTL
}

func (f *Factory) buildClient(ctx context.Context, cfg ModelConfig) (Client, error) {
	switch cfg.Provider {
	case admin.ProviderOpenAI, "":
		if cfg.Model == "" {
			return nil, fmt.Errorf("openai: missing model: %w", ErrNotConfigured)
		}
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai: missing api key: %w", ErrNotConfigured)
		}
		return NewOpenAI(cfg, OpenAIOptions{
			Referrer:  f.opts.OpenRouterReferrer,
			Title:     f.opts.OpenRouterTitle,
			Transport: f.opts.Transport,
		}), nil
	case admin.ProviderYandex:
		oauth := cfg.APIKey
		if oauth == "" {
			oauth = f.opts.YandexOAuthToken
		}
		return NewYandex(ctx, oauth, f.opts.YandexFolderID, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q: %w", cfg.Provider, ErrNotConfigured)
	}
}

// ListModels asks an OpenAI-compatible endpoint for its models.
func (f *Factory) ListModels(ctx context.Context, cfg ModelConfig) ([]string, error) {
	if cfg.Provider == admin.ProviderYandex {
		return nil, fmt.Errorf("model listing is not supported for %s", cfg.Provider)
	}
	if cfg.Model == "" {
		// listing does not need a model
		cfg.Model = "-"
	}
	c, err := f.buildClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	oa, ok := c.(*OpenAIClient)
	if !ok {
		return nil, fmt.Errorf("model listing is not supported for %s", cfg.Provider)
	}
	return oa.ListModels(ctx)
}

// SnapshotSource resolves the client for the current admin snapshot on
// every call, which is what makes LLM settings hot-reloadable.
type SnapshotSource struct {
	Settings func() *admin.Snapshot
	Factory  *Factory
}

func (s SnapshotSource) Current(ctx context.Context) (Client, ModelConfig, error) {
	cfg := ConfigFromSettings(s.Settings().LLM())
	c, err := s.Factory.Client(ctx, cfg)
	return c, cfg, err
}
