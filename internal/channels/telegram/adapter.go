// Package telegram is a ChannelTransport (gateway §6.4) over the Telegram
// Bot API. Grounded on the teacher's internal/channels/telegram.Adapter:
// same go-telegram/bot long-polling wiring, retargeted from the teacher's
// own channels.Adapter/Messages-channel contract to the gateway's push
// model — inbound updates call Dispatcher.HandleInbound directly.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/coreagent/enginecore/internal/gateway"
	"github.com/coreagent/enginecore/pkg/models"
)

// Config holds the Telegram adapter's credentials.
type Config struct {
	Token string // bot token from @BotFather
}

func (c Config) validate() error {
	if c.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	return nil
}

// Inbound is called for every accepted inbound message, satisfied by
// *gateway.Dispatcher.
type Inbound interface {
	HandleInbound(ctx context.Context, in models.InboundMessage) error
}

// Adapter implements gateway.ChannelTransport over long polling.
type Adapter struct {
	bot        *bot.Bot
	dispatcher Inbound
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

var _ gateway.ChannelTransport = (*Adapter)(nil)

// New builds a Telegram adapter. dispatcher receives every accepted
// inbound message.
func New(cfg Config, dispatcher Inbound) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &Adapter{dispatcher: dispatcher, logger: slog.Default()}

	b, err := bot.New(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b
	return a, nil
}

// Start begins long-polling for updates until ctx is done.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.bot.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleUpdate)
	go a.bot.Start(a.ctx)
	return nil
}

// Send implements gateway.ChannelTransport. Metadata["telegram_chat_id"]
// carries the chat DeliveryContext.ChannelMeta recorded on ingress.
func (a *Adapter) Send(ctx context.Context, reply models.OutboundReply) error {
	chatID, ok := reply.Metadata["telegram_chat_id"].(int64)
	if !ok {
		return fmt.Errorf("telegram: reply metadata missing telegram_chat_id")
	}
	params := &bot.SendMessageParams{ChatID: chatID, Text: reply.Text}
	if threadID, ok := reply.Metadata["telegram_thread_id"].(int); ok && threadID != 0 {
		params.MessageThreadID = threadID
	}
	if _, err := a.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// Test implements gateway.ChannelTransport with a getMe call.
func (a *Adapter) Test(ctx context.Context) (string, error) {
	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("telegram: get me: %w", err)
	}
	return fmt.Sprintf("telegram bot @%s", me.Username), nil
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message

	in := models.InboundMessage{
		Channel:   "telegram",
		PeerID:    strconv.FormatInt(msg.From.ID, 10),
		ChatType:  models.ChatDirect,
		Text:      strings.TrimSpace(msg.Text),
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"telegram_chat_id": msg.Chat.ID,
		},
	}
	if msg.Chat.Type != "private" {
		in.ChatType = models.ChatGroup
		in.GroupID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	if msg.MessageThreadID != 0 {
		in.ChatType = models.ChatThread
		in.ThreadID = strconv.Itoa(msg.MessageThreadID)
		in.Metadata["telegram_thread_id"] = msg.MessageThreadID
	}

	if err := a.dispatcher.HandleInbound(a.ctx, in); err != nil {
		a.logger.Error("telegram: dispatch inbound failed", "error", err)
	}
}
