package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"

	"chat-relay/internal/admin"
)

type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreBolt   StoreBackend = "bolt"
	StoreRedis  StoreBackend = "redis"
)

// Config holds the static process settings. Everything an operator may
// change at runtime lives in the admin settings file instead; the LLM and
// prompt values below only seed that file on first start.
type Config struct {
	TelegramBotToken string  `env:"TELEGRAM_BOT_TOKEN,required"`
	AdminUsers       []int64 `env:"ADMIN_USERS" envSeparator:":"`
	BotName          string  `env:"BOT_NAME" envDefault:"chat-relay"`

	// Admin HTTP API
	AdminAddr   string `env:"ADMIN_ADDR" envDefault:":8080"`
	AdminSecret string `env:"ADMIN_SECRET"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// LLM seed settings
	LLMProvider   string  `env:"LLM_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey  string  `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string  `env:"OPENAI_BASE_URL"`
	OpenAIModel   string  `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	Temperature   float32 `env:"OPENAI_TEMPERATURE" envDefault:"0.7"`
	MaxTokens     int     `env:"OPENAI_MAX_TOKENS" envDefault:"0"`

	YandexOAuthToken string        `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string        `env:"YANDEX_FOLDER_ID"`
	YandexTokenTTL   time.Duration `env:"YANDEX_TOKEN_TTL" envDefault:"10h"`

	// OpenRouter (optional)
	OpenRouterReferrer string `env:"OPENROUTER_REFERRER"`
	OpenRouterTitle    string `env:"OPENROUTER_TITLE"`

	// Prompts
	SystemPromptPath string `env:"SYSTEM_PROMPT_PATH" envDefault:"prompts/system_prompt.txt"`

	// Admin settings document
	SettingsFilePath string `env:"SETTINGS_FILE_PATH" envDefault:"data/settings.json"`

	// Conversation store
	StoreBackend StoreBackend `env:"STORE_BACKEND" envDefault:"bolt"`
	BoltPath     string       `env:"BOLT_PATH" envDefault:"data/conversations.db"`
	RedisAddr    string       `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass    string       `env:"REDIS_PASSWORD"`
	RedisDB      int          `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix  string       `env:"REDIS_PREFIX" envDefault:"chat-relay"`

	// Audit log
	AuditLogPath string `env:"AUDIT_LOG_PATH" envDefault:"logs/audit.jsonl"`

	// Orchestration
	QueueSize      int           `env:"QUEUE_SIZE" envDefault:"16"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	AttemptTimeout time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"30s"`
	LLMDeadline    time.Duration `env:"LLM_DEADLINE" envDefault:"90s"`
	BackoffInitial time.Duration `env:"BACKOFF_INITIAL" envDefault:"500ms"`
	BackoffMax     time.Duration `env:"BACKOFF_MAX" envDefault:"8s"`
	PersistTimeout time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	// Scheduler
	ReloadSchedule string `env:"RELOAD_SCHEDULE" envDefault:"@every 30s"`
	PurgeSchedule  string `env:"PURGE_SCHEDULE" envDefault:"@every 1m"`
	ReportSchedule string `env:"REPORT_SCHEDULE" envDefault:"0 21 * * *"`

	// Formatting
	MessageParseMode string `env:"MESSAGE_PARSE_MODE"`
}

func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreBolt, StoreRedis:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.MaxAttempts < 1 {
		return errors.New("MAX_ATTEMPTS must be at least 1")
	}
	if c.AttemptTimeout <= 0 || c.LLMDeadline <= 0 {
		return errors.New("ATTEMPT_TIMEOUT and LLM_DEADLINE must be positive")
	}
	return nil
}

// Seed builds the initial admin settings from the environment. The system
// prompt file is optional.
func (c *Config) Seed() admin.Settings {
	temp := c.Temperature
	s := admin.Settings{
		LLM: admin.LLMSettings{
			Provider:    strings.ToLower(c.LLMProvider),
			BaseURL:     c.OpenAIBaseURL,
			APIKey:      c.OpenAIAPIKey,
			Model:       c.OpenAIModel,
			Temperature: &temp,
			MaxTokens:   c.MaxTokens,
		},
		Bot: admin.BotSettings{
			Name: c.BotName,
		},
	}
	if s.LLM.Provider == admin.ProviderYandex {
		s.LLM.APIKey = c.YandexOAuthToken
	}
	if data, err := os.ReadFile(c.SystemPromptPath); err == nil {
		s.Bot.SystemPrompt = strings.TrimSpace(string(data))
	}
	return s
}
