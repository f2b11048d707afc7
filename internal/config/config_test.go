package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/admin"
)

func TestNew_Defaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("ADMIN_USERS", "1:42")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 42}, cfg.AdminUsers)
	assert.Equal(t, StoreBolt, cfg.StoreBackend)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.AttemptTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffInitial)
}

func TestNew_RequiresToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	os.Unsetenv("TELEGRAM_BOT_TOKEN")
	_, err := New()
	assert.Error(t, err)
}

func TestNew_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("STORE_BACKEND", "postgres")
	_, err := New()
	assert.Error(t, err)
}

func TestSeed(t *testing.T) {
	prompt := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(prompt, []byte("  Be kind.\n"), 0o644))

	cfg := &Config{
		LLMProvider:      "OpenAI",
		OpenAIAPIKey:     "sk-1",
		OpenAIModel:      "gpt-4o-mini",
		Temperature:      0.5,
		SystemPromptPath: prompt,
		BotName:          "relay",
	}
	s := cfg.Seed()
	assert.Equal(t, admin.ProviderOpenAI, s.LLM.Provider)
	assert.Equal(t, "sk-1", s.LLM.APIKey)
	require.NotNil(t, s.LLM.Temperature)
	assert.Equal(t, float32(0.5), *s.LLM.Temperature)
	assert.Equal(t, "Be kind.", s.Bot.SystemPrompt)

	cfg.SystemPromptPath = filepath.Join(t.TempDir(), "missing.txt")
	cfg.LLMProvider = "yandex"
	cfg.YandexOAuthToken = "y0_token"
	s = cfg.Seed()
	assert.Empty(t, s.Bot.SystemPrompt)
	assert.Equal(t, "y0_token", s.LLM.APIKey)
}
