package stream

import (
	"testing"

	"github.com/coreagent/enginecore/pkg/models"
)

func idx(i int) *int { return &i }

func TestSimpleTextTurn(t *testing.T) {
	a := New()
	a.Feed(Event{Kind: KindTextDelta, Text: "hi"})
	a.Feed(Event{Kind: KindUsageUpdate, Usage: &models.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}})
	a.Feed(Event{Kind: KindFinish, FinishReason: "stop"})

	got, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got.Message.Content != "hi" {
		t.Errorf("content = %q, want %q", got.Message.Content, "hi")
	}
	if len(got.Message.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(got.Message.ToolCalls))
	}
	if a.Usage().CompletionTokens == 0 {
		t.Error("expected completion tokens to be recorded")
	}
}

func TestSingleToolCall(t *testing.T) {
	a := New()
	a.Feed(Event{Kind: KindToolCallStart, ToolCallID: "t1", ToolCallName: "ls", ToolCallIndex: idx(0)})
	a.Feed(Event{Kind: KindToolCallDelta, ToolCallID: "t1", ArgumentsFragment: `{"path":"."}`})
	a.Feed(Event{Kind: KindToolCallEnd, ToolCallID: "t1", ToolCallName: "ls"})
	a.Feed(Event{Kind: KindFinish})

	got, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(got.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.Message.ToolCalls))
	}
	call := got.Message.ToolCalls[0]
	if call.ID != "t1" || call.Name != "ls" {
		t.Errorf("call = %+v", call)
	}
	if string(call.Arguments) != `{"path":"."}` {
		t.Errorf("arguments = %s", call.Arguments)
	}
}

// TestTwoToolCallsSameIndexDifferentIDs is scenario S3: two tool calls
// interleaved at the same index with different ids must not be merged.
func TestTwoToolCallsSameIndexDifferentIDs(t *testing.T) {
	a := New()
	a.Feed(Event{Kind: KindToolCallStart, ToolCallID: "A", ToolCallIndex: idx(0)})
	a.Feed(Event{Kind: KindToolCallDelta, ToolCallID: "A", ArgumentsFragment: `{"x":`})
	a.Feed(Event{Kind: KindToolCallDelta, ToolCallID: "A", ArgumentsFragment: `1}`})
	a.Feed(Event{Kind: KindToolCallEnd, ToolCallID: "A"})
	a.Feed(Event{Kind: KindToolCallStart, ToolCallID: "B", ToolCallIndex: idx(0)})
	a.Feed(Event{Kind: KindToolCallDelta, ToolCallID: "B", ArgumentsFragment: `{"x":`})
	a.Feed(Event{Kind: KindToolCallDelta, ToolCallID: "B", ArgumentsFragment: `2}`})
	a.Feed(Event{Kind: KindToolCallEnd, ToolCallID: "B"})
	a.Feed(Event{Kind: KindFinish})

	got, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(got.Message.ToolCalls) != 2 {
		t.Fatalf("expected 2 distinct tool calls, got %d: %+v", len(got.Message.ToolCalls), got.Message.ToolCalls)
	}
	if string(got.Message.ToolCalls[0].Arguments) != `{"x":1}` {
		t.Errorf("call 0 arguments = %s, want {\"x\":1}", got.Message.ToolCalls[0].Arguments)
	}
	if string(got.Message.ToolCalls[1].Arguments) != `{"x":2}` {
		t.Errorf("call 1 arguments = %s, want {\"x\":2}", got.Message.ToolCalls[1].Arguments)
	}
}

// TestIndexOnlyDeltaFallback covers a provider that never sends an id on
// deltas, only on tool_call_start (OpenAI-style): subsequent deltas must
// resolve by index to the same call.
func TestIndexOnlyDeltaFallback(t *testing.T) {
	a := New()
	a.Feed(Event{Kind: KindToolCallStart, ToolCallID: "call_1", ToolCallName: "search", ToolCallIndex: idx(0)})
	a.Feed(Event{Kind: KindToolCallDelta, ToolCallIndex: idx(0), ArgumentsFragment: `{"q":`})
	a.Feed(Event{Kind: KindToolCallDelta, ToolCallIndex: idx(0), ArgumentsFragment: `"go"}`})
	a.Feed(Event{Kind: KindToolCallEnd, ToolCallIndex: idx(0)})
	a.Feed(Event{Kind: KindFinish})

	got, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(got.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.Message.ToolCalls))
	}
	if string(got.Message.ToolCalls[0].Arguments) != `{"q":"go"}` {
		t.Errorf("arguments = %s", got.Message.ToolCalls[0].Arguments)
	}
}

func TestEmptyArgumentsYieldEmptyObject(t *testing.T) {
	a := New()
	a.Feed(Event{Kind: KindToolCallStart, ToolCallID: "t1", ToolCallName: "noop"})
	a.Feed(Event{Kind: KindToolCallEnd, ToolCallID: "t1"})
	a.Feed(Event{Kind: KindFinish})

	got, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if string(got.Message.ToolCalls[0].Arguments) != `{}` {
		t.Errorf("arguments = %s, want {}", got.Message.ToolCalls[0].Arguments)
	}
}

func TestMalformedArgumentsTolerated(t *testing.T) {
	a := New()
	a.Feed(Event{Kind: KindToolCallStart, ToolCallID: "t1", ToolCallName: "noop"})
	a.Feed(Event{Kind: KindToolCallDelta, ToolCallID: "t1", ArgumentsFragment: `{not json`})
	a.Feed(Event{Kind: KindToolCallEnd, ToolCallID: "t1"})
	a.Feed(Event{Kind: KindFinish})

	got, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if string(got.Message.ToolCalls[0].Arguments) != `{}` {
		t.Errorf("arguments = %s, want {}", got.Message.ToolCalls[0].Arguments)
	}
}

func TestEmptyIDPlaceholdersDiscarded(t *testing.T) {
	a := New()
	// A start/delta with no index and no id ever resolving to a real id:
	// this happens when a provider emits a content block that never turns
	// into a tool call (e.g. a cancelled block).
	a.Feed(Event{Kind: KindToolCallDelta, ArgumentsFragment: `{"x":1}`})
	a.Feed(Event{Kind: KindFinish})

	got, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(got.Message.ToolCalls) != 0 {
		t.Errorf("expected empty-id placeholder discarded, got %d tool calls", len(got.Message.ToolCalls))
	}
}

func TestUsageOnlyFrameNoChoices(t *testing.T) {
	a := New()
	a.Feed(Event{Kind: KindUsageUpdate, Usage: &models.Usage{PromptTokens: 3, TotalTokens: 3}})
	a.Feed(Event{Kind: KindFinish})

	got, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got.Message.Content != "" || len(got.Message.ToolCalls) != 0 {
		t.Errorf("expected empty content and no tool calls, got %+v", got.Message)
	}
	if a.Usage().PromptTokens != 3 {
		t.Errorf("usage not captured from usage-only frame")
	}
}

func TestErrorEventDiscardsPartialMessage(t *testing.T) {
	a := New()
	a.Feed(Event{Kind: KindTextDelta, Text: "partial"})
	a.Feed(Event{Kind: KindError, ErrorMessage: "transport reset"})

	_, err := a.Finalize()
	if err == nil {
		t.Fatal("expected terminal error from Finalize")
	}
}

func TestFeedAfterFinishIsNoOp(t *testing.T) {
	a := New()
	a.Feed(Event{Kind: KindTextDelta, Text: "hi"})
	a.Feed(Event{Kind: KindFinish})
	a.Feed(Event{Kind: KindTextDelta, Text: " more"})

	got, _ := a.Finalize()
	if got.Message.Content != "hi" {
		t.Errorf("content = %q, want %q (post-finish feed should be ignored)", got.Message.Content, "hi")
	}
}
