package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chat-relay/internal/admin"
	"chat-relay/internal/orchestrator"
)

const helpText = `Admin commands:
/addchannel [chat_id] [name] - whitelist this or another chat
/removechannel [chat_id] - remove a chat from the whitelist
/channels - list whitelisted chats
/ban <user_id> [minutes] [reason] - blacklist a user, 0 minutes = forever
/unban <user_id> - lift a ban
/reset - clear the conversation of this chat`

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	// commands addressed to another bot in a group
	if at := strings.Index(msg.CommandWithAt(), "@"); at >= 0 {
		if !strings.EqualFold(msg.CommandWithAt()[at+1:], b.self.UserName) {
			return
		}
	}
	if !b.isAdmin(msg.From.ID) {
		b.log.Debug().Int64("user_id", msg.From.ID).Str("command", msg.Command()).Msg("command ignored")
		return
	}

	args := strings.Fields(msg.CommandArguments())
	chatID := msg.Chat.ID
	by := strconv.FormatInt(msg.From.ID, 10)

	switch msg.Command() {
	case "start", "help":
		b.sendMessage(chatID, helpText)
	case "addchannel":
		ch := admin.Channel{ChannelID: strconv.FormatInt(chatID, 10), Name: msg.Chat.Title, AddedBy: by}
		if len(args) > 0 {
			ch.ChannelID = args[0]
			ch.Name = strings.Join(args[1:], " ")
		}
		if _, err := b.admin.AddChannel(ch); err != nil {
			b.replyError(chatID, "add channel", err)
			return
		}
		b.sendMessage(chatID, fmt.Sprintf("Channel %s whitelisted", ch.ChannelID))
	case "removechannel":
		id := strconv.FormatInt(chatID, 10)
		if len(args) > 0 {
			id = args[0]
		}
		if _, err := b.admin.RemoveChannel(id); err != nil {
			b.replyError(chatID, "remove channel", err)
			return
		}
		b.sendMessage(chatID, fmt.Sprintf("Channel %s removed", id))
	case "channels":
		b.sendMessage(chatID, formatChannels(b.admin.Snapshot().Channels()))
	case "ban":
		if len(args) < 1 {
			b.sendMessage(chatID, "Usage: /ban <user_id> [minutes] [reason]")
			return
		}
		ban := admin.Ban{UserID: args[0], BannedBy: by}
		var minutes int
		if len(args) > 1 {
			m, err := strconv.Atoi(args[1])
			if err != nil || m < 0 {
				b.sendMessage(chatID, "Minutes must be a non-negative number")
				return
			}
			minutes = m
			ban.Reason = strings.Join(args[2:], " ")
		}
		snap, err := b.admin.BanUser(ban, time.Duration(minutes)*time.Minute)
		if err != nil {
			b.replyError(chatID, "ban", err)
			return
		}
		saved, _ := snap.Ban(ban.UserID)
		b.sendMessage(chatID, "Banned "+describeBan(saved))
	case "unban":
		if len(args) != 1 {
			b.sendMessage(chatID, "Usage: /unban <user_id>")
			return
		}
		if _, err := b.admin.UnbanUser(args[0]); err != nil {
			b.replyError(chatID, "unban", err)
			return
		}
		b.sendMessage(chatID, fmt.Sprintf("User %s unbanned", args[0]))
	case "reset":
		key := b.keys.Key(orchestrator.Message{
			ChannelID: strconv.FormatInt(chatID, 10),
			UserID:    by,
		})
		if err := b.store.Reset(ctx, key); err != nil {
			b.replyError(chatID, "reset", err)
			return
		}
		b.log.Info().Str("conversation", key.String()).Str("by", by).Msg("conversation reset")
		b.sendMessage(chatID, "Conversation cleared")
	default:
		b.sendMessage(chatID, helpText)
	}
}

func (b *Bot) replyError(chatID int64, op string, err error) {
	switch {
	case errors.Is(err, admin.ErrNotFound):
		b.sendMessage(chatID, "Not found")
	case errors.Is(err, admin.ErrInvalid):
		b.sendMessage(chatID, "Invalid value: "+err.Error())
	default:
		b.log.Error().Err(err).Str("op", op).Msg("admin command failed")
		b.sendMessage(chatID, "Command failed, see logs")
	}
}

func formatChannels(channels []admin.Channel) string {
	if len(channels) == 0 {
		return "No whitelisted channels"
	}
	var bld strings.Builder
	bld.WriteString("Channels:\n")
	for _, ch := range channels {
		bld.WriteString("- " + ch.ChannelID)
		if ch.Name != "" {
			bld.WriteString(" (" + ch.Name + ")")
		}
		if ch.ChatMode != "" {
			bld.WriteString(" mode=" + string(ch.ChatMode))
		}
		bld.WriteString("\n")
	}
	return bld.String()
}

func describeBan(ban admin.Ban) string {
	s := ban.UserID
	if ban.Permanent() {
		s += " permanently"
	} else {
		s += " until " + ban.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if ban.Reason != "" {
		s += ": " + ban.Reason
	}
	return s
}
