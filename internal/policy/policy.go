// Package policy decides whether an inbound message may reach the model and
// with which profile. Everything here is pure: no I/O, no clock reads.
package policy

import (
	"time"

	"chat-relay/internal/admin"
)

type Reason string

const (
	ReasonInactive       Reason = "inactive"
	ReasonBanned         Reason = "banned"
	ReasonNotWhitelisted Reason = "not_whitelisted"
	ReasonFiltered       Reason = "filtered"
)

// Profile is the effective behaviour for one channel: bot defaults merged
// with the channel's overrides.
type Profile struct {
	SystemPrompt string
	ChatMode     admin.ChatMode
	ContextLimit int
	Budget       int
}

// Decision is the result of Evaluate. Reply is the text to send on denial;
// empty means drop silently.
type Decision struct {
	Allowed bool
	Reason  Reason
	Reply   string
	Profile Profile
}

// Evaluate checks, in order: bot disabled, user banned, channel not
// whitelisted. An empty whitelist admits every channel only when the bot is
// configured with OpenWhenEmpty.
func Evaluate(snap *admin.Snapshot, channelID, userID string, now time.Time) Decision {
	bot := snap.Bot()
	if bot.Disabled {
		return Decision{Reason: ReasonInactive}
	}
	if ban, ok := snap.Ban(userID); ok && ban.ActiveAt(now) {
		return Decision{Reason: ReasonBanned, Reply: bot.BannedReply}
	}
	ch, listed := snap.Channel(channelID)
	if !listed && !(snap.WhitelistEmpty() && bot.OpenWhenEmpty) {
		return Decision{Reason: ReasonNotWhitelisted, Reply: bot.DenyReply}
	}
	return Decision{Allowed: true, Profile: effectiveProfile(bot, ch)}
}

// ProfileFor returns the effective profile without any access checks.
func ProfileFor(snap *admin.Snapshot, channelID string) Profile {
	ch, _ := snap.Channel(channelID)
	return effectiveProfile(snap.Bot(), ch)
}

func effectiveProfile(bot admin.BotSettings, ch admin.Channel) Profile {
	p := Profile{
		SystemPrompt: bot.SystemPrompt,
		ChatMode:     bot.ChatMode,
		ContextLimit: bot.ContextLimit,
		Budget:       bot.ContextBudget,
	}
	if ch.SystemPrompt != "" {
		p.SystemPrompt = ch.SystemPrompt
	}
	if ch.ChatMode != "" {
		p.ChatMode = ch.ChatMode
	}
	if ch.ContextLimit > 0 {
		p.ContextLimit = ch.ContextLimit
	}
	if p.ChatMode == admin.ChatModeQA {
		p.ContextLimit = 0
	}
	return p
}
