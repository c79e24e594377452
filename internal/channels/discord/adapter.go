// Package discord is a ChannelTransport (gateway §6.4) over Discord's
// gateway WebSocket API. Grounded on the teacher's
// internal/channels/discord.Adapter: same bwmarrin/discordgo session and
// handler-registration wiring, retargeted from the teacher's own
// channels.Adapter/Messages-channel contract to the gateway's push model.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/coreagent/enginecore/internal/gateway"
	"github.com/coreagent/enginecore/pkg/models"
)

// Config holds the Discord adapter's credentials.
type Config struct {
	Token string // bot token from the Discord Developer Portal
}

func (c Config) validate() error {
	if c.Token == "" {
		return fmt.Errorf("discord: token is required")
	}
	return nil
}

// Inbound is called for every accepted inbound message, satisfied by
// *gateway.Dispatcher.
type Inbound interface {
	HandleInbound(ctx context.Context, in models.InboundMessage) error
}

// Adapter implements gateway.ChannelTransport over a discordgo.Session.
type Adapter struct {
	session    *discordgo.Session
	dispatcher Inbound
	logger     *slog.Logger

	mu        sync.RWMutex
	botUserID string

	ctx    context.Context
	cancel context.CancelFunc
}

var _ gateway.ChannelTransport = (*Adapter)(nil)

// New builds a Discord adapter. dispatcher receives every accepted inbound
// message.
func New(cfg Config, dispatcher Inbound) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &Adapter{
		session:    session,
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}, nil
}

// Start opens the gateway WebSocket connection and begins dispatching
// inbound messages until ctx is done.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleMessageCreate)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	go func() {
		<-a.ctx.Done()
		if err := a.session.Close(); err != nil {
			a.logger.Warn("discord: close session failed", "error", err)
		}
	}()
	return nil
}

// Send implements gateway.ChannelTransport. Metadata["discord_channel_id"]
// carries the channel DeliveryContext.ChannelMeta recorded on ingress.
func (a *Adapter) Send(ctx context.Context, reply models.OutboundReply) error {
	channelID, _ := reply.Metadata["discord_channel_id"].(string)
	if channelID == "" {
		return fmt.Errorf("discord: reply metadata missing discord_channel_id")
	}
	if _, err := a.session.ChannelMessageSend(channelID, reply.Text); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Test implements gateway.ChannelTransport with a lightweight identity
// check against the already-open session.
func (a *Adapter) Test(ctx context.Context) (string, error) {
	a.mu.RLock()
	botUserID := a.botUserID
	a.mu.RUnlock()
	if botUserID == "" {
		return "", fmt.Errorf("discord: session not ready")
	}
	return fmt.Sprintf("discord bot %s", botUserID), nil
}

func (a *Adapter) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.botUserID = r.User.ID
	a.mu.Unlock()
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	a.mu.RLock()
	botUserID := a.botUserID
	a.mu.RUnlock()

	isDM := m.GuildID == ""
	isMention := strings.Contains(m.Content, fmt.Sprintf("<@%s>", botUserID)) || strings.Contains(m.Content, fmt.Sprintf("<@!%s>", botUserID))
	if !isDM && !isMention {
		return
	}

	text := strings.TrimSpace(stripDiscordMentions(m.Content, botUserID))

	in := models.InboundMessage{
		Channel:   "discord",
		PeerID:    m.Author.ID,
		ChatType:  models.ChatDirect,
		Text:      text,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"discord_channel_id": m.ChannelID,
		},
	}
	if !isDM {
		in.ChatType = models.ChatGroup
		in.GroupID = m.ChannelID
	}

	if err := a.dispatcher.HandleInbound(a.ctx, in); err != nil {
		a.logger.Error("discord: dispatch inbound failed", "error", err)
	}
}

func stripDiscordMentions(content, botUserID string) string {
	content = strings.ReplaceAll(content, fmt.Sprintf("<@%s>", botUserID), "")
	content = strings.ReplaceAll(content, fmt.Sprintf("<@!%s>", botUserID), "")
	return content
}
