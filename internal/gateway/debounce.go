package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coreagent/enginecore/pkg/models"
)

// debouncer batches inbound messages arriving in quick succession on the
// same routing key before handing them to onFlush, so a user firing off
// several quick messages doesn't start (or queue behind) a separate turn
// per keystroke. Grounded verbatim on the teacher's
// internal/gateway.MessageDebouncer, retargeted from *models.Message keyed
// by channel+session to models.InboundMessage keyed by routing key — this
// repo's coalescing-while-a-turn-is-in-flight case is handled separately by
// Dispatcher's pendingQueues (see dispatcher.go), grounded on
// dispatcher.rs's pending_queues; this debouncer only covers the
// before-any-turn-starts case the Rust dispatcher does not.
type debouncer struct {
	delay   time.Duration
	maxWait time.Duration
	onFlush func(ctx context.Context, routingKey string, messages []models.InboundMessage)

	mu      sync.Mutex
	buffers map[string]*debounceBuffer
	closed  bool
}

type debounceBuffer struct {
	messages  []models.InboundMessage
	timer     *time.Timer
	firstSeen time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// defaultDebounceDelay and defaultDebounceMaxWait mirror the teacher's
// DefaultDebounceConfig (500ms / 2000ms).
const (
	defaultDebounceDelay   = 500 * time.Millisecond
	defaultDebounceMaxWait = 2000 * time.Millisecond
)

func newDebouncer(delay, maxWait time.Duration, onFlush func(ctx context.Context, routingKey string, messages []models.InboundMessage)) *debouncer {
	if delay <= 0 {
		delay = defaultDebounceDelay
	}
	if maxWait <= 0 {
		maxWait = defaultDebounceMaxWait
	}
	return &debouncer{
		delay:   delay,
		maxWait: maxWait,
		onFlush: onFlush,
		buffers: make(map[string]*debounceBuffer),
	}
}

// enqueue adds msg to routingKey's buffer, resetting its flush timer.
func (d *debouncer) enqueue(ctx context.Context, routingKey string, msg models.InboundMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if buf, ok := d.buffers[routingKey]; ok {
		buf.messages = append(buf.messages, msg)
		d.resetTimer(routingKey, buf)
		return
	}

	bufCtx, cancel := context.WithCancel(ctx)
	buf := &debounceBuffer{messages: []models.InboundMessage{msg}, firstSeen: time.Now(), ctx: bufCtx, cancel: cancel}
	d.buffers[routingKey] = buf
	d.scheduleFlush(routingKey, buf)
}

func (d *debouncer) scheduleFlush(routingKey string, buf *debounceBuffer) {
	if buf.timer != nil {
		buf.timer.Stop()
	}
	delay := d.delay
	if remaining := d.maxWait - time.Since(buf.firstSeen); remaining < delay {
		delay = remaining
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	buf.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if current, ok := d.buffers[routingKey]; ok && current == buf {
			d.flushLocked(routingKey, buf)
		}
	})
}

func (d *debouncer) resetTimer(routingKey string, buf *debounceBuffer) {
	if time.Since(buf.firstSeen) >= d.maxWait {
		d.flushLocked(routingKey, buf)
		return
	}
	d.scheduleFlush(routingKey, buf)
}

func (d *debouncer) flushLocked(routingKey string, buf *debounceBuffer) {
	delete(d.buffers, routingKey)
	if buf.timer != nil {
		buf.timer.Stop()
	}
	if len(buf.messages) == 0 {
		buf.cancel()
		return
	}
	messages := buf.messages
	ctx := buf.ctx
	go func() {
		defer buf.cancel()
		d.onFlush(ctx, routingKey, messages)
	}()
}

// flushNow immediately flushes routingKey's buffer, if any, bypassing the
// timer. Used for commands/control messages that should never wait.
func (d *debouncer) flushNow(routingKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, ok := d.buffers[routingKey]; ok {
		d.flushLocked(routingKey, buf)
	}
}

func (d *debouncer) close() {
	d.mu.Lock()
	d.closed = true
	buffers := d.buffers
	d.mu.Unlock()

	for key := range buffers {
		d.flushNow(key)
	}
}

// shouldDebounce mirrors the teacher's ShouldDebounce: command-prefixed text
// bypasses coalescing so slash commands land immediately.
func shouldDebounce(text string) bool {
	return text == "" || (text[0] != '/' && text[0] != '!')
}
