package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreagent/enginecore/pkg/models"
)

func TestDebouncerCoalescesRapidMessages(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]models.InboundMessage

	d := newDebouncer(20*time.Millisecond, 200*time.Millisecond, func(ctx context.Context, routingKey string, messages []models.InboundMessage) {
		mu.Lock()
		defer mu.Unlock()
		flushes = append(flushes, messages)
	})

	ctx := context.Background()
	d.enqueue(ctx, "slack:direct:U1", models.InboundMessage{Text: "one"})
	d.enqueue(ctx, "slack:direct:U1", models.InboundMessage{Text: "two"})
	d.enqueue(ctx, "slack:direct:U1", models.InboundMessage{Text: "three"})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 {
		t.Fatalf("expected exactly one flush, got %d: %+v", len(flushes), flushes)
	}
	if len(flushes[0]) != 3 {
		t.Fatalf("expected 3 coalesced messages, got %d", len(flushes[0]))
	}
}

func TestDebouncerKeepsRoutingKeysIndependent(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}

	d := newDebouncer(10*time.Millisecond, 100*time.Millisecond, func(ctx context.Context, routingKey string, messages []models.InboundMessage) {
		mu.Lock()
		defer mu.Unlock()
		seen[routingKey] += len(messages)
	})

	ctx := context.Background()
	d.enqueue(ctx, "slack:direct:U1", models.InboundMessage{Text: "a"})
	d.enqueue(ctx, "discord:direct:U2", models.InboundMessage{Text: "b"})

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if seen["slack:direct:U1"] != 1 || seen["discord:direct:U2"] != 1 {
		t.Fatalf("unexpected per-key flush counts: %+v", seen)
	}
}

func TestDebouncerRespectsMaxWait(t *testing.T) {
	var mu sync.Mutex
	var flushCount int

	d := newDebouncer(500*time.Millisecond, 60*time.Millisecond, func(ctx context.Context, routingKey string, messages []models.InboundMessage) {
		mu.Lock()
		defer mu.Unlock()
		flushCount++
	})

	ctx := context.Background()
	deadline := time.Now().Add(120 * time.Millisecond)
	for time.Now().Before(deadline) {
		d.enqueue(ctx, "slack:direct:U1", models.InboundMessage{Text: "x"})
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if flushCount == 0 {
		t.Fatalf("expected maxWait to force at least one flush despite continuous activity")
	}
}

func TestShouldDebounce(t *testing.T) {
	cases := map[string]bool{
		"":           true,
		"hello":      true,
		"/cancel":    false,
		"!stop":      false,
		"/ approved": false,
	}
	for text, want := range cases {
		if got := shouldDebounce(text); got != want {
			t.Errorf("shouldDebounce(%q) = %v, want %v", text, got, want)
		}
	}
}
