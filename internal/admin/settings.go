// Package admin owns the operator-editable settings: LLM endpoint, bot
// behaviour, channel whitelist, blacklist and sensitive words. Readers only
// ever see an immutable Snapshot; every change publishes a new one.
package admin

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ChatMode string

const (
	// ChatModeMulti shares one conversation per channel between all users.
	ChatModeMulti ChatMode = "multi"
	// ChatModeSingle keeps a separate conversation per user in a channel.
	ChatModeSingle ChatMode = "single"
	// ChatModeQA answers every question without prior history.
	ChatModeQA ChatMode = "qa"
)

type PersistPolicy string

const (
	// PersistMandatory withholds the generated reply when it can't be stored.
	PersistMandatory PersistPolicy = "mandatory"
	// PersistBestEffort sends the reply even if storing the exchange failed.
	PersistBestEffort PersistPolicy = "best_effort"
)

const (
	ProviderOpenAI = "openai"
	ProviderYandex = "yandex"
)

const (
	DefaultContextLimit  = 10
	DefaultContextBudget = 12000
	MaxContextLimit      = 100

	DefaultUnavailableReply   = "The assistant is temporarily unavailable. Please try again later."
	DefaultMisconfiguredReply = "The assistant is misconfigured. An administrator has been notified."
	DefaultPersistErrorReply  = "Your message could not be saved. Please try again."
	DefaultFilteredReply      = "This message can't be processed."
)

var ErrInvalid = errors.New("invalid settings")

type LLMSettings struct {
	Provider    string   `json:"provider"`
	BaseURL     string   `json:"base_url,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
	Model       string   `json:"model"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

type BotSettings struct {
	Name          string        `json:"name"`
	SystemPrompt  string        `json:"system_prompt"`
	ChatMode      ChatMode      `json:"chat_mode"`
	// ContextLimit 0 means the default. History-free replies are qa mode.
	ContextLimit  int           `json:"context_limit"`
	ContextBudget int           `json:"context_budget"`
	Disabled      bool          `json:"disabled"`
	OpenWhenEmpty bool          `json:"open_when_empty"`
	PersistPolicy PersistPolicy `json:"persist_policy"`

	// Empty DenyReply and BannedReply mean "drop silently".
	DenyReply          string `json:"deny_reply"`
	BannedReply        string `json:"banned_reply"`
	FilteredReply      string `json:"filtered_reply"`
	UnavailableReply   string `json:"unavailable_reply"`
	MisconfiguredReply string `json:"misconfigured_reply"`
	PersistErrorReply  string `json:"persist_error_reply"`
}

// Channel is a whitelisted channel with optional behaviour overrides.
type Channel struct {
	ChannelID    string    `json:"channel_id"`
	Name         string    `json:"name,omitempty"`
	AddedBy      string    `json:"added_by,omitempty"`
	AddedAt      time.Time `json:"added_at"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	ChatMode     ChatMode  `json:"chat_mode,omitempty"`
	ContextLimit int       `json:"context_limit,omitempty"`
}

type Ban struct {
	UserID    string     `json:"user_id"`
	Username  string     `json:"username,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	BannedBy  string     `json:"banned_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (b Ban) Permanent() bool { return b.ExpiresAt == nil }

func (b Ban) ActiveAt(now time.Time) bool {
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}

type Settings struct {
	LLM            LLMSettings `json:"llm"`
	Bot            BotSettings `json:"bot"`
	Channels       []Channel   `json:"channels"`
	Blacklist      []Ban       `json:"blacklist"`
	SensitiveWords []string    `json:"sensitive_words"`
}

func validMode(m ChatMode) bool {
	return m == ChatModeMulti || m == ChatModeSingle || m == ChatModeQA
}

// Normalize fills defaults for zero values.
func (s *Settings) Normalize() {
	if s.LLM.Provider == "" {
		s.LLM.Provider = ProviderOpenAI
	}
	s.LLM.Provider = strings.ToLower(strings.TrimSpace(s.LLM.Provider))
	if s.Bot.ChatMode == "" {
		s.Bot.ChatMode = ChatModeMulti
	}
	if s.Bot.ContextLimit == 0 {
		s.Bot.ContextLimit = DefaultContextLimit
	}
	if s.Bot.ContextBudget == 0 {
		s.Bot.ContextBudget = DefaultContextBudget
	}
	if s.Bot.PersistPolicy == "" {
		s.Bot.PersistPolicy = PersistMandatory
	}
	if s.Bot.UnavailableReply == "" {
		s.Bot.UnavailableReply = DefaultUnavailableReply
	}
	if s.Bot.MisconfiguredReply == "" {
		s.Bot.MisconfiguredReply = DefaultMisconfiguredReply
	}
	if s.Bot.PersistErrorReply == "" {
		s.Bot.PersistErrorReply = DefaultPersistErrorReply
	}
	if s.Bot.FilteredReply == "" {
		s.Bot.FilteredReply = DefaultFilteredReply
	}
}

func (s Settings) Validate() error {
	switch s.LLM.Provider {
	case ProviderOpenAI, ProviderYandex:
	default:
		return fmt.Errorf("%w: unknown llm provider %q", ErrInvalid, s.LLM.Provider)
	}
	if t := s.LLM.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("%w: temperature %.2f out of range [0,2]", ErrInvalid, *t)
	}
	if s.LLM.MaxTokens < 0 {
		return fmt.Errorf("%w: negative max_tokens", ErrInvalid)
	}
	if !validMode(s.Bot.ChatMode) {
		return fmt.Errorf("%w: unknown chat mode %q", ErrInvalid, s.Bot.ChatMode)
	}
	if s.Bot.ContextLimit < 1 || s.Bot.ContextLimit > MaxContextLimit {
		return fmt.Errorf("%w: context_limit must be within [1,%d]", ErrInvalid, MaxContextLimit)
	}
	if s.Bot.ContextBudget <= 0 {
		return fmt.Errorf("%w: context_budget must be positive", ErrInvalid)
	}
	if s.Bot.PersistPolicy != PersistMandatory && s.Bot.PersistPolicy != PersistBestEffort {
		return fmt.Errorf("%w: unknown persist policy %q", ErrInvalid, s.Bot.PersistPolicy)
	}
	seen := make(map[string]bool, len(s.Channels))
	for _, ch := range s.Channels {
		if ch.ChannelID == "" {
			return fmt.Errorf("%w: channel without id", ErrInvalid)
		}
		if seen[ch.ChannelID] {
			return fmt.Errorf("%w: duplicate channel %s", ErrInvalid, ch.ChannelID)
		}
		seen[ch.ChannelID] = true
		if ch.ChatMode != "" && !validMode(ch.ChatMode) {
			return fmt.Errorf("%w: channel %s: unknown chat mode %q", ErrInvalid, ch.ChannelID, ch.ChatMode)
		}
		if ch.ContextLimit < 0 || ch.ContextLimit > MaxContextLimit {
			return fmt.Errorf("%w: channel %s: context_limit out of range", ErrInvalid, ch.ChannelID)
		}
	}
	for _, b := range s.Blacklist {
		if b.UserID == "" {
			return fmt.Errorf("%w: ban without user id", ErrInvalid)
		}
	}
	return nil
}

// Clone returns a deep copy so mutations never leak into published snapshots.
func (s Settings) Clone() Settings {
	out := s
	if s.LLM.Temperature != nil {
		t := *s.LLM.Temperature
		out.LLM.Temperature = &t
	}
	out.Channels = append([]Channel(nil), s.Channels...)
	out.Blacklist = nil
	for _, b := range s.Blacklist {
		if b.ExpiresAt != nil {
			e := *b.ExpiresAt
			b.ExpiresAt = &e
		}
		out.Blacklist = append(out.Blacklist, b)
	}
	out.SensitiveWords = append([]string(nil), s.SensitiveWords...)
	return out
}

// MaskKey hides all but the edges of a credential for display.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	r := []rune(key)
	if len(r) <= 8 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:4]) + "..." + string(r[len(r)-4:])
}
