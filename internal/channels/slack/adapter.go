// Package slack is a ChannelTransport (gateway §6.4) over Slack's Socket
// Mode API. Grounded on the teacher's internal/channels/slack.Adapter:
// same slack-go/slack + socketmode + slackevents wiring, but retargeted
// from the teacher's own channels.Adapter/Messages-channel contract to the
// gateway's push model — inbound events call Dispatcher.HandleInbound
// directly instead of being read off a channel by a caller.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/coreagent/enginecore/internal/gateway"
	"github.com/coreagent/enginecore/pkg/models"
)

// Config holds the Slack adapter's credentials.
type Config struct {
	BotToken string // xoxb- token for Web API calls
	AppToken string // xapp- token for Socket Mode
}

func (c Config) validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("slack: bot token is required")
	}
	if c.AppToken == "" {
		return fmt.Errorf("slack: app token is required")
	}
	return nil
}

// Inbound is called for every inbound message this adapter accepts, after
// the teacher's DM/mention/thread filtering. A *Dispatcher satisfies this
// via its HandleInbound method; tests can swap in anything else.
type Inbound interface {
	HandleInbound(ctx context.Context, in models.InboundMessage) error
}

// Adapter implements gateway.ChannelTransport over Socket Mode.
type Adapter struct {
	client       *slack.Client
	socketClient *socketmode.Client
	dispatcher   Inbound
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	botUserIDMu sync.RWMutex
	botUserID   string
}

var _ gateway.ChannelTransport = (*Adapter)(nil)

// New builds a Slack adapter. dispatcher receives every accepted inbound
// message; pass the gateway Dispatcher that owns this channel's routing
// keys.
func New(cfg Config, dispatcher Inbound) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		client:       client,
		socketClient: socketmode.New(client, socketmode.OptionDebug(false)),
		dispatcher:   dispatcher,
		logger:       slog.Default(),
	}, nil
}

// Start begins listening for messages via Socket Mode until ctx is done.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: authenticate: %w", err)
	}
	a.botUserIDMu.Lock()
	a.botUserID = auth.UserID
	a.botUserIDMu.Unlock()

	a.wg.Add(1)
	go a.handleEvents()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.socketClient.Run(); err != nil {
			a.logger.Error("slack socket mode stopped", "error", err)
		}
	}()
	return nil
}

// Stop cancels the ingress loop and waits for it to exit.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Send implements gateway.ChannelTransport. Metadata["slack_channel"] and
// the optional "slack_thread_ts" carry the delivery coordinates the
// gateway's DeliveryContext.ChannelMeta recorded on ingress.
func (a *Adapter) Send(ctx context.Context, reply models.OutboundReply) error {
	channelID, _ := reply.Metadata["slack_channel"].(string)
	if channelID == "" {
		return fmt.Errorf("slack: reply metadata missing slack_channel")
	}

	options := []slack.MsgOption{slack.MsgOptionText(reply.Text, false)}
	if threadTS, ok := reply.Metadata["slack_thread_ts"].(string); ok && threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}

	if _, _, err := a.client.PostMessageContext(ctx, channelID, options...); err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Test implements gateway.ChannelTransport with a lightweight auth check.
func (a *Adapter) Test(ctx context.Context) (string, error) {
	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack: auth test: %w", err)
	}
	return fmt.Sprintf("slack bot %s (team %s)", auth.UserID, auth.Team), nil
}

func (a *Adapter) handleEvents() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case event, ok := <-a.socketClient.Events:
			if !ok {
				return
			}
			if event.Type == socketmode.EventTypeEventsAPI {
				a.handleEventsAPI(event)
				continue
			}
			if event.Request != nil {
				a.socketClient.Ack(*event.Request)
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(event socketmode.Event) {
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if event.Request != nil {
		a.socketClient.Ack(*event.Request)
	}
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.dispatchMessage(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp)
	case *slackevents.MessageEvent:
		if ev.BotID != "" || (ev.SubType != "" && ev.SubType != "file_share") {
			return
		}
		a.dispatchMessage(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp)
	}
}

func (a *Adapter) dispatchMessage(channelID, userID, text, ts, threadTS string) {
	a.botUserIDMu.RLock()
	botUserID := a.botUserID
	a.botUserIDMu.RUnlock()

	isDM := strings.HasPrefix(channelID, "D")
	isMention := strings.Contains(text, fmt.Sprintf("<@%s>", botUserID))
	if !isDM && !isMention && threadTS == "" {
		return
	}

	in := models.InboundMessage{
		Channel:   "slack",
		PeerID:    userID,
		ChatType:  models.ChatDirect,
		Text:      stripMentions(text),
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"slack_channel": channelID,
		},
	}
	if !isDM {
		in.ChatType = models.ChatGroup
		in.GroupID = channelID
	}
	if threadTS != "" {
		in.ChatType = models.ChatThread
		in.GroupID = channelID
		in.ThreadID = threadTS
		in.Metadata["slack_thread_ts"] = threadTS
	} else if !isDM {
		in.Metadata["slack_thread_ts"] = ts
	}

	if err := a.dispatcher.HandleInbound(a.ctx, in); err != nil {
		a.logger.Error("slack: dispatch inbound failed", "error", err)
	}
}

func stripMentions(text string) string {
	for strings.Contains(text, "<@") {
		start := strings.Index(text, "<@")
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}
