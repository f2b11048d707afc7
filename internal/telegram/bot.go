// Package telegram adapts Telegram updates to orchestrator messages and sends
// the outcomes back.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"chat-relay/internal/admin"
	"chat-relay/internal/conversation"
	"chat-relay/internal/orchestrator"
)

const busyReply = "Too many messages at once. Please wait for the previous answer."

// Submitter queues a message for its conversation lane.
type Submitter interface {
	Submit(msg orchestrator.Message, deliver func(orchestrator.Outcome)) error
}

// KeyResolver maps a message to its conversation under the current settings.
type KeyResolver interface {
	Key(msg orchestrator.Message) conversation.Key
}

type Deps struct {
	Dispatcher Submitter
	Keys       KeyResolver
	Store      conversation.Store
	Admin      *admin.Service
	AdminUsers []int64
	// ParseMode is applied to outgoing replies; empty sends plain text.
	ParseMode string
}

type Bot struct {
	api        *tgbotapi.BotAPI
	s          sender
	self       tgbotapi.User
	mention    *regexp.Regexp
	dispatcher Submitter
	keys       KeyResolver
	store      conversation.Store
	admin      *admin.Service
	adminUsers []int64
	parseMode  string
	log        zerolog.Logger
	now        func() time.Time
}

func New(botToken string, d Deps, log zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	b := newBot(botAPISender{api: api}, api.Self, d, log)
	b.api = api
	return b, nil
}

func newBot(s sender, self tgbotapi.User, d Deps, log zerolog.Logger) *Bot {
	b := &Bot{
		s:          s,
		self:       self,
		dispatcher: d.Dispatcher,
		keys:       d.Keys,
		store:      d.Store,
		admin:      d.Admin,
		adminUsers: d.AdminUsers,
		parseMode:  d.ParseMode,
		log:        log.With().Str("component", "telegram").Logger(),
		now:        time.Now,
	}
	if self.UserName != "" {
		b.mention = regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(self.UserName) + `\b`)
	}
	return b
}

// Start polls updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info().Str("username", b.self.UserName).Msg("polling updates")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			if update.Message != nil {
				b.handleIncomingMessage(ctx, update.Message)
			}
		}
	}
}

func (b *Bot) handleIncomingMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}
	text, ok := b.addressedText(msg)
	if !ok {
		return
	}

	in := orchestrator.Message{
		ChannelID: strconv.FormatInt(msg.Chat.ID, 10),
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		Author:    authorName(msg.From),
		Text:      text,
		Timestamp: msg.Time(),
	}
	chatID, replyTo := msg.Chat.ID, msg.MessageID
	err := b.dispatcher.Submit(in, func(out orchestrator.Outcome) {
		if out.Send {
			b.sendReply(chatID, replyTo, out.Reply)
		}
	})
	switch {
	case errors.Is(err, orchestrator.ErrQueueFull):
		b.log.Warn().Str("channel_id", in.ChannelID).Str("user_id", in.UserID).Msg("conversation queue full")
		b.sendReply(chatID, replyTo, busyReply)
	case err != nil:
		b.log.Warn().Err(err).Str("channel_id", in.ChannelID).Msg("message not accepted")
	}
}

// addressedText returns the text the bot should answer. Private chats are
// always answered; in groups the bot must be mentioned or replied to, and
// the mention is removed.
func (b *Bot) addressedText(msg *tgbotapi.Message) (string, bool) {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if msg.Chat.IsPrivate() {
		text = strings.TrimSpace(text)
		return text, text != ""
	}

	addressed := msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.ID == b.self.ID
	if b.mention != nil && b.mention.MatchString(text) {
		addressed = true
		text = b.mention.ReplaceAllString(text, "")
	}
	if !addressed {
		return "", false
	}
	text = strings.Join(strings.Fields(text), " ")
	return text, text != ""
}

func authorName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return strconv.FormatInt(u.ID, 10)
	}
	return name
}

func (b *Bot) sendReply(chatID int64, replyTo int, text string) {
	for i, part := range splitMessage(text, maxMessageRunes) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = b.parseMode
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}
		if _, err := b.s.Send(msg); err != nil {
			if b.parseMode == "" {
				b.log.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
				return
			}
			// model output is not always valid markup
			msg.ParseMode = ""
			if _, err := b.s.Send(msg); err != nil {
				b.log.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
				return
			}
		}
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	b.sendReply(chatID, 0, text)
}

// NotifyAdmins sends text to every admin's private chat.
func (b *Bot) NotifyAdmins(_ context.Context, text string) error {
	var errs []error
	for _, id := range b.adminUsers {
		for _, part := range splitMessage(text, maxMessageRunes) {
			if _, err := b.s.Send(tgbotapi.NewMessage(id, part)); err != nil {
				errs = append(errs, fmt.Errorf("notify %d: %w", id, err))
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (b *Bot) isAdmin(userID int64) bool {
	for _, id := range b.adminUsers {
		if id == userID {
			return true
		}
	}
	return false
}
