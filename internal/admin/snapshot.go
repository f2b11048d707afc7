package admin

import (
	"time"
)

// Snapshot is an immutable view of Settings indexed for lookups. It is safe
// to share between goroutines; nothing mutates it after construction.
type Snapshot struct {
	settings Settings
	channels map[string]Channel
	bans     map[string]Ban
	version  uint64
	loadedAt time.Time
}

// NewSnapshot normalizes a copy of s and indexes it.
func NewSnapshot(s Settings, version uint64, loadedAt time.Time) *Snapshot {
	s = s.Clone()
	s.Normalize()
	snap := &Snapshot{
		settings: s,
		channels: make(map[string]Channel, len(s.Channels)),
		bans:     make(map[string]Ban, len(s.Blacklist)),
		version:  version,
		loadedAt: loadedAt,
	}
	for _, ch := range s.Channels {
		snap.channels[ch.ChannelID] = ch
	}
	for _, b := range s.Blacklist {
		snap.bans[b.UserID] = b
	}
	return snap
}

func (s *Snapshot) Version() uint64 { return s.version }
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }
func (s *Snapshot) LLM() LLMSettings { return s.settings.Clone().LLM }
func (s *Snapshot) Bot() BotSettings { return s.settings.Bot }
func (s *Snapshot) Settings() Settings { return s.settings.Clone() }
func (s *Snapshot) Words() []string { return append([]string(nil), s.settings.SensitiveWords...) }
func (s *Snapshot) WhitelistEmpty() bool { return len(s.channels) == 0 }

func (s *Snapshot) Channel(id string) (Channel, bool) {
	ch, ok := s.channels[id]
	return ch, ok
}

func (s *Snapshot) Channels() []Channel {
	return append([]Channel(nil), s.settings.Channels...)
}

func (s *Snapshot) Ban(userID string) (Ban, bool) {
	b, ok := s.bans[userID]
	return b, ok
}

func (s *Snapshot) Bans() []Ban {
	return s.settings.Clone().Blacklist
}
