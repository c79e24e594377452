package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreagent/enginecore/internal/agent"
	"github.com/coreagent/enginecore/internal/channels/chunk"
	"github.com/coreagent/enginecore/internal/sessions"
	"github.com/coreagent/enginecore/pkg/models"
)

// NotificationTTL is the default lifetime of a proactively-posted
// notification context before PruneExpiredNotificationContexts reclaims it.
const NotificationTTL = 48 * time.Hour

// Config configures a Dispatcher. Zero-value TitleTemplate and TTL fall back
// to sensible defaults in New.
type Config struct {
	// TitleTemplate names a new session created for a routing key that has
	// none yet. Supports {channel}, {peer}, {chat_type}, {chat_id}.
	TitleTemplate string

	// Policy is the automation approval policy applied to every tool call
	// in a channel-driven turn — a channel session never prompts a human
	// interactively (§4.F "Tool decisions under automation").
	Policy models.ApprovalPolicy

	// NotificationTTL is how long a proactively-set notification context
	// survives before being pruned unconsumed.
	NotificationTTL time.Duration

	// DebounceDelay/DebounceMaxWait tune the pre-run coalescing window; see
	// debounce.go.
	DebounceDelay   time.Duration
	DebounceMaxWait time.Duration
}

// Dispatcher is the Gateway Dispatcher (§4.F). One Dispatcher serves every
// connected channel; it owns no channel-specific transport logic beyond the
// ChannelTransport map used for outbound delivery. Grounded on
// dispatcher.rs's Dispatcher struct: active_runs, pending_queues,
// event_cursors (merged into activeRun, see types.go), plus the teacher's
// MessageDebouncer layered in front for pre-run coalescing (see debounce.go).
type Dispatcher struct {
	scheduler Scheduler
	sessions  sessions.Store
	store     Store
	channels  map[string]ChannelTransport
	config    Config
	debounce  *debouncer

	mu            sync.Mutex
	activeRuns    map[string]*activeRun     // session_id -> run
	pendingQueues map[string][]queuedMessage // session_id -> queued while a run is active

	results chan runResult
	logger  *slog.Logger
}

// New builds a Dispatcher. channels maps a channel name (as it appears in
// InboundMessage.Channel / DeliveryContext.Channel, e.g. "slack") to its
// transport.
func New(scheduler Scheduler, sessionStore sessions.Store, store Store, channels map[string]ChannelTransport, config Config) *Dispatcher {
	if config.TitleTemplate == "" {
		config.TitleTemplate = "{channel} {chat_type} with {peer}"
	}
	if config.NotificationTTL <= 0 {
		config.NotificationTTL = NotificationTTL
	}
	d := &Dispatcher{
		scheduler:     scheduler,
		sessions:      sessionStore,
		store:         store,
		channels:      channels,
		config:        config,
		activeRuns:    make(map[string]*activeRun),
		pendingQueues: make(map[string][]queuedMessage),
		results:       make(chan runResult, 16),
		logger:        slog.Default(),
	}
	d.debounce = newDebouncer(config.DebounceDelay, config.DebounceMaxWait, d.flushDebounced)
	return d
}

// Run drains completed-turn results until ctx is cancelled, at which point
// every active run is cancelled and Run returns. Callers run this in its
// own goroutine for the Dispatcher's lifetime, mirroring dispatcher.rs's
// tokio::select! loop over cancellation/run-result channels (inbound
// delivery here is a direct call from the channel adapter, not a channel
// read, since Go's channel adapters invoke HandleInbound synchronously).
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.cancelAllRuns()
			return
		case res := <-d.results:
			d.handleRunResult(context.Background(), res)
		}
	}
}

// HandleInbound is the entry point a ChannelTransport's ingress loop calls
// for each message it receives. Grounded on dispatcher.rs's handle_inbound.
func (d *Dispatcher) HandleInbound(ctx context.Context, in models.InboundMessage) error {
	routingKey := models.RoutingKey(in.Channel, in.PeerID, in.ChatType, in.GroupID, in.ThreadID)

	if !shouldDebounce(in.Text) {
		d.deliverOrQueue(ctx, routingKey, []models.InboundMessage{in})
		return nil
	}
	d.debounce.enqueue(ctx, routingKey, in)
	return nil
}

func (d *Dispatcher) flushDebounced(ctx context.Context, routingKey string, messages []models.InboundMessage) {
	d.deliverOrQueue(ctx, routingKey, messages)
}

// deliverOrQueue resolves routingKey to a session (creating one if
// necessary), folds in any pending delivery-context enrichment, and either
// enqueues behind an active run or starts a new one.
func (d *Dispatcher) deliverOrQueue(ctx context.Context, routingKey string, messages []models.InboundMessage) {
	if len(messages) == 0 {
		return
	}
	latest := messages[len(messages)-1]
	text := joinInboundText(messages)

	sessionID, err := d.resolveOrCreateSession(ctx, routingKey, latest)
	if err != nil {
		d.logger.Error("resolve session for routing key failed", "routing_key", routingKey, "error", err)
		return
	}

	if enriched, ok := d.popNotificationEnrichment(ctx, routingKey, text); ok {
		text = enriched
	}

	if err := d.store.UpdateDeliveryContext(ctx, routingKey, deliveryContextFromInbound(latest)); err != nil {
		d.logger.Warn("failed to refresh delivery context", "routing_key", routingKey, "error", err)
	}

	msg := queuedMessage{inbound: latest, text: text}

	d.mu.Lock()
	if _, active := d.activeRuns[sessionID]; active {
		d.pendingQueues[sessionID] = append(d.pendingQueues[sessionID], msg)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.startRun(ctx, sessionID, msg)
}

func (d *Dispatcher) resolveOrCreateSession(ctx context.Context, routingKey string, in models.InboundMessage) (string, error) {
	if sessionID, ok, err := d.store.ResolveSession(ctx, routingKey); err != nil {
		return "", err
	} else if ok {
		return sessionID, nil
	}

	title := renderTitle(d.config.TitleTemplate, in)

	// When both stores are the shared-*sql.DB SQLite backends, create the
	// session and bind the routing key in one transaction, so a crash
	// between the two writes can never leave a session with no mapping.
	// MemoryStore has no crash-recovery concern (it doesn't survive a
	// process restart at all), so it keeps the two-step path.
	if sqlSessions, ok := d.sessions.(*sessions.SQLiteStore); ok {
		if sqlStore, ok := d.store.(*SQLiteStore); ok {
			session, _, err := sqlSessions.CreateSessionTx(ctx, title, models.VisibilityPrivate, "", models.CheckpointState{},
				func(tx *sql.Tx, sessionID string) error {
					return sqlStore.BindSessionTx(tx, routingKey, sessionID)
				})
			if err != nil {
				return "", fmt.Errorf("create session and bind routing key %s: %w", routingKey, err)
			}
			return session.ID, nil
		}
	}

	session, _, err := d.sessions.CreateSession(ctx, title, models.VisibilityPrivate, "", models.CheckpointState{})
	if err != nil {
		return "", fmt.Errorf("create session for routing key %s: %w", routingKey, err)
	}
	if err := d.store.BindSession(ctx, routingKey, session.ID); err != nil {
		return "", fmt.Errorf("bind routing key %s: %w", routingKey, err)
	}
	return session.ID, nil
}

// popNotificationEnrichment checks whether the user is replying to a
// previous proactive notification on this routing key and, if so, prepends
// watch-context framing to their message text. Expired notification
// contexts are pruned first. Grounded on dispatcher.rs's
// pop_delivery_context + enrich_with_context.
func (d *Dispatcher) popNotificationEnrichment(ctx context.Context, routingKey, text string) (string, bool) {
	if _, err := d.store.PruneExpiredNotificationContexts(ctx); err != nil {
		d.logger.Warn("failed to prune notification contexts", "error", err)
	}
	payload, ok, err := d.store.PopNotificationContext(ctx, routingKey)
	if err != nil {
		d.logger.Warn("failed to pop notification context", "routing_key", routingKey, "error", err)
		return text, false
	}
	if !ok {
		return text, false
	}
	return enrichWithContext(payload, text), true
}

func (d *Dispatcher) startRun(ctx context.Context, sessionID string, msg queuedMessage) {
	session, checkpoint, err := d.sessions.GetSession(ctx, sessionID)
	if err != nil {
		d.logger.Error("load session for run failed", "session_id", sessionID, "error", err)
		return
	}
	_ = session

	runCtx, cancel := context.WithCancel(context.Background())
	runID := uuid.NewString()

	d.mu.Lock()
	d.activeRuns[sessionID] = &activeRun{runID: runID, cancel: cancel}
	d.mu.Unlock()

	events := make(chan *models.RuntimeEvent, 64)
	go d.consumeEvents(sessionID, events)

	go func() {
		defer close(events)
		input := agent.UserInput{Text: msg.text}
		result := d.scheduler.RunTurn(runCtx, sessionID, checkpoint, input, d.config.Policy, events)
		select {
		case d.results <- runResult{sessionID: sessionID, runID: runID, result: result}:
		case <-ctx.Done():
		}
	}()
}

// consumeEvents advances the active run's cursor as events arrive, standing
// in for dispatcher.rs's consume_run_events loop over a subscribed event
// stream — here the "stream" is the in-process scheduler's own events
// channel rather than a resumable network subscription (see DESIGN.md).
func (d *Dispatcher) consumeEvents(sessionID string, events <-chan *models.RuntimeEvent) {
	for range events {
		d.mu.Lock()
		if run, ok := d.activeRuns[sessionID]; ok {
			run.cursor++
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) handleRunResult(ctx context.Context, res runResult) {
	d.mu.Lock()
	if run, ok := d.activeRuns[res.sessionID]; ok && run.runID == res.runID {
		delete(d.activeRuns, res.sessionID)
	}
	d.mu.Unlock()

	switch {
	case res.result.Err != nil:
		d.logger.Warn("turn ended in error", "session_id", res.sessionID, "error", res.result.Err)
		d.deliverReply(ctx, res.sessionID, "Something went wrong processing that message: "+res.result.Err.Error())
	case res.result.Suspended:
		// Channel-driven sessions never prompt interactively; a suspended
		// turn here means the automation policy itself required a human
		// decision the dispatcher cannot supply. Surface it as text.
		d.deliverReply(ctx, res.sessionID, "Waiting on tool approval before continuing.")
	default:
		d.deliverReply(ctx, res.sessionID, res.result.FinalAssistantMessage.Content)
	}

	d.drainQueue(ctx, res.sessionID)
}

// drainQueue starts the next run for sessionID from whatever coalesced
// behind the run that just finished, concatenating their text and using the
// latest message's delivery context, per §4.F's coalescing rule. Grounded
// on dispatcher.rs's drain_queue.
func (d *Dispatcher) drainQueue(ctx context.Context, sessionID string) {
	d.mu.Lock()
	queue := d.pendingQueues[sessionID]
	delete(d.pendingQueues, sessionID)
	d.mu.Unlock()

	if len(queue) == 0 {
		return
	}

	texts := make([]string, 0, len(queue))
	for _, m := range queue {
		texts = append(texts, m.text)
	}
	latest := queue[len(queue)-1]

	routingKey := models.RoutingKey(latest.inbound.Channel, latest.inbound.PeerID, latest.inbound.ChatType, latest.inbound.GroupID, latest.inbound.ThreadID)
	if err := d.store.UpdateDeliveryContext(ctx, routingKey, deliveryContextFromInbound(latest.inbound)); err != nil {
		d.logger.Warn("failed to refresh delivery context from queue", "routing_key", routingKey, "error", err)
	}

	d.startRun(ctx, sessionID, queuedMessage{inbound: latest.inbound, text: strings.Join(texts, "\n\n")})
}

// deliverReply chunks text per the destination channel's payload limit and
// sends it through the stored delivery context, per §4.F's outbound path.
func (d *Dispatcher) deliverReply(ctx context.Context, sessionID, text string) {
	if text == "" {
		return
	}
	routingKey, ok, err := d.store.RoutingKeyForSession(ctx, sessionID)
	if err != nil || !ok {
		d.logger.Warn("no routing key for session, dropping reply", "session_id", sessionID)
		return
	}
	dc, ok, err := d.store.GetDeliveryContext(ctx, routingKey)
	if err != nil || !ok {
		d.logger.Warn("no delivery context for routing key, dropping reply", "routing_key", routingKey)
		return
	}
	transport, ok := d.channels[dc.Channel]
	if !ok {
		d.logger.Warn("channel not connected", "channel", dc.Channel)
		return
	}

	for _, part := range chunk.MarkdownForChannel(text, dc.Channel) {
		reply := models.OutboundReply{Text: part, Metadata: dc.ChannelMeta}
		if err := transport.Send(ctx, reply); err != nil {
			d.logger.Warn("failed to send channel reply", "channel", dc.Channel, "error", err)
			return
		}
	}
}

// NotifyProactively records a watch-triggered notification context for
// targetKey, to be popped and folded into the next inbound reply on that
// target. Grounded on dispatcher.rs's set_delivery_context call site (the
// watch subsystem that calls it is out of scope here; this is the surface
// it would call).
func (d *Dispatcher) NotifyProactively(ctx context.Context, targetKey string, payload map[string]any) error {
	return d.store.SetNotificationContext(ctx, targetKey, payload, d.config.NotificationTTL)
}

func (d *Dispatcher) cancelAllRuns() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, run := range d.activeRuns {
		run.cancel()
	}
}

func joinInboundText(messages []models.InboundMessage) string {
	texts := make([]string, 0, len(messages))
	for _, m := range messages {
		texts = append(texts, m.Text)
	}
	return strings.Join(texts, "\n\n")
}

func deliveryContextFromInbound(in models.InboundMessage) models.DeliveryContext {
	return models.DeliveryContext{
		Channel:     in.Channel,
		PeerID:      in.PeerID,
		ChatType:    in.ChatType,
		GroupID:     in.GroupID,
		ThreadID:    in.ThreadID,
		ChannelMeta: in.Metadata,
		UpdatedAt:   time.Now().UTC(),
	}
}

func renderTitle(template string, in models.InboundMessage) string {
	chatID := in.PeerID
	switch in.ChatType {
	case models.ChatGroup:
		chatID = in.GroupID
	case models.ChatThread:
		chatID = in.ThreadID
	}
	r := strings.NewReplacer(
		"{channel}", in.Channel,
		"{peer}", in.PeerID,
		"{chat_type}", string(in.ChatType),
		"{chat_id}", chatID,
	)
	return r.Replace(template)
}

// enrichWithContext prepends a "replying to a previous notification" frame
// built from payload's well-known keys, grounded verbatim on dispatcher.rs's
// enrich_with_context.
func enrichWithContext(payload map[string]any, userText string) string {
	var b strings.Builder
	b.WriteString("The user is replying to a previous notification.\n\n--- Watch Context ---\n")
	for _, key := range []string{"trigger", "status", "summary", "check_output"} {
		if v, ok := payload[key].(string); ok && v != "" {
			fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(key[:1])+key[1:], v)
		}
	}
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "User message: %s", userText)
	return b.String()
}
