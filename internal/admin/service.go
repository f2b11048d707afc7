package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Service serializes writers, persists every change and publishes a fresh
// Snapshot. Readers call Snapshot and never block.
type Service struct {
	repo    Repository
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
	now     func() time.Time
	log     zerolog.Logger
}

// NewService loads the settings document. On first start it saves seed.
func NewService(repo Repository, seed Settings, log zerolog.Logger) (*Service, error) {
	s := &Service{repo: repo, now: time.Now, log: log.With().Str("component", "admin").Logger()}
	loaded, found, err := repo.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if !found {
		loaded = seed
	}
	loaded.Normalize()
	if err := loaded.Validate(); err != nil {
		return nil, err
	}
	if !found {
		if err := repo.Save(loaded); err != nil {
			return nil, fmt.Errorf("save seed settings: %w", err)
		}
		s.log.Info().Msg("settings seeded from environment")
	}
	s.publish(loaded)
	return s, nil
}

func (s *Service) publish(settings Settings) *Snapshot {
	snap := NewSnapshot(settings, s.version.Add(1), s.now().UTC())
	s.current.Store(snap)
	return snap
}

// Snapshot returns the current immutable settings view.
func (s *Service) Snapshot() *Snapshot { return s.current.Load() }

// Update applies fn to a copy of the current settings, validates, saves and
// publishes the result. The published snapshot is untouched on error.
func (s *Service) Update(fn func(*Settings) error) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current.Load().Settings()
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.Normalize()
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Save(next); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}
	snap := s.publish(next)
	s.log.Info().Uint64("version", snap.Version()).Msg("settings updated")
	return snap, nil
}

// Reload re-reads the repository and publishes it when it differs from the
// current snapshot. Invalid documents are rejected and the old snapshot stays.
func (s *Service) Reload() (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loaded, found, err := s.repo.Load()
	if err != nil {
		return false, fmt.Errorf("reload settings: %w", err)
	}
	if !found {
		return false, nil
	}
	loaded.Normalize()
	if err := loaded.Validate(); err != nil {
		return false, err
	}
	if sameSettings(loaded, s.current.Load().Settings()) {
		return false, nil
	}
	snap := s.publish(loaded)
	s.log.Info().Uint64("version", snap.Version()).Msg("settings reloaded from file")
	return true, nil
}

func (s *Service) SetLLM(llm LLMSettings) (*Snapshot, error) {
	return s.Update(func(st *Settings) error {
		// an empty key in an update keeps the stored one
		if llm.APIKey == "" {
			llm.APIKey = st.LLM.APIKey
		}
		st.LLM = llm
		return nil
	})
}

func (s *Service) SetBot(bot BotSettings) (*Snapshot, error) {
	return s.Update(func(st *Settings) error {
		st.Bot = bot
		return nil
	})
}

// AddChannel whitelists a channel or replaces its profile.
func (s *Service) AddChannel(ch Channel) (*Snapshot, error) {
	ch.ChannelID = strings.TrimSpace(ch.ChannelID)
	if ch.AddedAt.IsZero() {
		ch.AddedAt = s.now().UTC()
	}
	return s.Update(func(st *Settings) error {
		for i, existing := range st.Channels {
			if existing.ChannelID == ch.ChannelID {
				st.Channels[i] = ch
				return nil
			}
		}
		st.Channels = append(st.Channels, ch)
		return nil
	})
}

func (s *Service) RemoveChannel(channelID string) (*Snapshot, error) {
	return s.Update(func(st *Settings) error {
		for i, ch := range st.Channels {
			if ch.ChannelID == channelID {
				st.Channels = append(st.Channels[:i], st.Channels[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	})
}

// BanUser blacklists a user. duration <= 0 bans permanently.
func (s *Service) BanUser(b Ban, duration time.Duration) (*Snapshot, error) {
	now := s.now().UTC()
	b.CreatedAt = now
	b.ExpiresAt = nil
	if duration > 0 {
		exp := now.Add(duration)
		b.ExpiresAt = &exp
	}
	return s.Update(func(st *Settings) error {
		for i, existing := range st.Blacklist {
			if existing.UserID == b.UserID {
				st.Blacklist[i] = b
				return nil
			}
		}
		st.Blacklist = append(st.Blacklist, b)
		return nil
	})
}

func (s *Service) UnbanUser(userID string) (*Snapshot, error) {
	return s.Update(func(st *Settings) error {
		for i, b := range st.Blacklist {
			if b.UserID == userID {
				st.Blacklist = append(st.Blacklist[:i], st.Blacklist[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("ban %s: %w", userID, ErrNotFound)
	})
}

// PurgeExpiredBans drops bans whose expiry has passed.
func (s *Service) PurgeExpiredBans() (int, error) {
	now := s.now()
	expired := 0
	for _, b := range s.Snapshot().Bans() {
		if !b.ActiveAt(now) {
			expired++
		}
	}
	if expired == 0 {
		return 0, nil
	}
	removed := 0
	_, err := s.Update(func(st *Settings) error {
		kept := st.Blacklist[:0]
		for _, b := range st.Blacklist {
			if b.ActiveAt(now) {
				kept = append(kept, b)
			} else {
				removed++
			}
		}
		st.Blacklist = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Service) AddWord(word string) (*Snapshot, error) {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return nil, fmt.Errorf("%w: empty word", ErrInvalid)
	}
	return s.Update(func(st *Settings) error {
		for _, w := range st.SensitiveWords {
			if w == word {
				return fmt.Errorf("word %q: %w", word, ErrExists)
			}
		}
		st.SensitiveWords = append(st.SensitiveWords, word)
		return nil
	})
}

func (s *Service) RemoveWord(word string) (*Snapshot, error) {
	word = strings.ToLower(strings.TrimSpace(word))
	return s.Update(func(st *Settings) error {
		for i, w := range st.SensitiveWords {
			if w == word {
				st.SensitiveWords = append(st.SensitiveWords[:i], st.SensitiveWords[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("word %q: %w", word, ErrNotFound)
	})
}

func sameSettings(a, b Settings) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
