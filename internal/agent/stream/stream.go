// Package stream assembles a lazy sequence of provider-agnostic delta events
// into one assistant message with fully-formed tool calls.
//
// Provider SDKs speak different wire formats (Anthropic content-block
// events, OpenAI chat-completion deltas, Bedrock Converse stream events).
// Each lives in internal/agent/providers and normalizes its native stream
// into the Event union defined here before handing it to an Assembler — the
// Assembler itself never imports a provider SDK.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coreagent/enginecore/pkg/models"
)

// Kind tags an Event's payload.
type Kind string

const (
	KindTextDelta      Kind = "text_delta"
	KindReasoningDelta Kind = "reasoning_delta"
	KindToolCallStart  Kind = "tool_call_start"
	KindToolCallDelta  Kind = "tool_call_delta"
	KindToolCallEnd    Kind = "tool_call_end"
	KindUsageUpdate    Kind = "usage_update"
	KindFinish         Kind = "finish"
	KindError          Kind = "error"
)

// Event is the normalized shape every provider adapter emits. Only the
// fields relevant to Kind are populated.
//
// ToolCallIndex is a pointer because "absent" and "zero" are distinct: a
// provider that never uses positional addressing must never be treated as
// always targeting index 0.
type Event struct {
	Kind Kind

	Text      string // KindTextDelta
	Reasoning string // KindReasoningDelta

	ToolCallID        string // KindToolCallStart/Delta/End, may be empty
	ToolCallIndex     *int   // KindToolCallStart/Delta/End, may be nil
	ToolCallName      string // KindToolCallStart/End
	ArgumentsFragment string // KindToolCallDelta, appended to the running buffer

	Usage *models.Usage // KindUsageUpdate/Finish, a snapshot, not a delta

	FinishReason string // KindFinish
	ErrorMessage string // KindError
}

// AssembledMessage is what an Assembler produces once the stream ends.
type AssembledMessage struct {
	Message      models.Message
	Reasoning    string
	FinishReason string
}

// HasToolCalls reports whether the assembled message carries any tool calls.
func (a AssembledMessage) HasToolCalls() bool {
	return len(a.Message.ToolCalls) > 0
}

// callState is one in-progress (or finished) tool call, addressed by a
// stable id once known and, while its id is still unknown, by position.
type callState struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

// Assembler implements the tool-call identity rule: a delta carrying a
// non-empty id is matched to an existing call by id only — never by index,
// even if an index is also present. A delta with no id falls back to
// matching by index. Neither matching means a new call has started.
//
// This rule is load-bearing: some providers emit two distinct tool calls in
// immediate succession at the same index with different ids (see
// internal/agent/providers' OpenAI adapter notes). Index-only matching would
// wrongly concatenate their arguments into one call.
type Assembler struct {
	order   []*callState
	byID    map[string]*callState
	byIndex map[int]*callState

	text      strings.Builder
	reasoning *strings.Builder
	usage     models.Usage

	finishReason string
	finished     bool
	terminalErr  error
}

// New returns an empty Assembler ready to consume one stream.
func New() *Assembler {
	return &Assembler{
		byID:    make(map[string]*callState),
		byIndex: make(map[int]*callState),
	}
}

// Feed applies one event to the assembler's state. It is a no-op once the
// stream has reached a terminal Finish or Error event.
func (a *Assembler) Feed(ev Event) {
	if a.finished {
		return
	}
	switch ev.Kind {
	case KindTextDelta:
		a.text.WriteString(ev.Text)
	case KindReasoningDelta:
		// Reasoning text is never persisted into the transcript and no
		// RuntimeEvent carries it; Assembler tracks it so callers that want it
		// (e.g. for a "thinking" UI panel) can read AssembledMessage.Reasoning.
		a.reasoningBuilder().WriteString(ev.Reasoning)
	case KindToolCallStart:
		cs := a.resolve(ev.ToolCallID, ev.ToolCallIndex)
		if ev.ToolCallName != "" {
			cs.name = ev.ToolCallName
		}
		cs.started = true
	case KindToolCallDelta:
		cs := a.resolve(ev.ToolCallID, ev.ToolCallIndex)
		if ev.ToolCallName != "" {
			cs.name = ev.ToolCallName
		}
		cs.args.WriteString(ev.ArgumentsFragment)
	case KindToolCallEnd:
		cs := a.resolve(ev.ToolCallID, ev.ToolCallIndex)
		if ev.ToolCallID != "" && cs.id == "" {
			cs.id = ev.ToolCallID
			a.byID[cs.id] = cs
		}
		if ev.ToolCallName != "" {
			cs.name = ev.ToolCallName
		}
	case KindUsageUpdate:
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
	case KindFinish:
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
		a.finishReason = ev.FinishReason
		a.finished = true
	case KindError:
		a.terminalErr = fmt.Errorf("stream: %s", ev.ErrorMessage)
		a.finished = true
	}
}

func (a *Assembler) reasoningBuilder() *strings.Builder {
	if a.reasoning == nil {
		a.reasoning = new(strings.Builder)
	}
	return a.reasoning
}

// resolve implements the id-priority-over-index matching rule described on
// Assembler. A lookup that finds nothing creates a new call, placed at the
// given index if one was supplied (overwriting whatever previously occupied
// that index — the prior occupant is not lost, it stays reachable via
// order), otherwise appended.
func (a *Assembler) resolve(id string, index *int) *callState {
	if id != "" {
		if cs, ok := a.byID[id]; ok {
			return cs
		}
		cs := &callState{id: id}
		a.byID[id] = cs
		a.order = append(a.order, cs)
		if index != nil {
			a.byIndex[*index] = cs
		}
		return cs
	}
	if index != nil {
		if cs, ok := a.byIndex[*index]; ok {
			return cs
		}
		cs := &callState{}
		a.byIndex[*index] = cs
		a.order = append(a.order, cs)
		return cs
	}
	cs := &callState{}
	a.order = append(a.order, cs)
	return cs
}

// Finalize returns the assembled message. It must be called after the
// stream has produced a Finish or Error event (or has simply closed, in
// which case the caller should Feed a synthetic Finish first).
//
// Tool calls whose id never became non-empty are discarded: they are either
// decorative index placeholders or the result of a provider bug and carry
// nothing the model's next turn can act on.
func (a *Assembler) Finalize() (AssembledMessage, error) {
	if a.terminalErr != nil {
		return AssembledMessage{}, a.terminalErr
	}

	var calls []models.ToolCall
	for _, cs := range a.order {
		if cs.id == "" {
			continue
		}
		calls = append(calls, models.ToolCall{
			ID:        cs.id,
			Name:      cs.name,
			Arguments: parseArguments(cs.args.String()),
		})
	}

	msg := models.Message{
		Role:      models.RoleAssistant,
		Content:   a.text.String(),
		ToolCalls: calls,
	}

	reasoning := ""
	if a.reasoning != nil {
		reasoning = a.reasoning.String()
	}

	return AssembledMessage{
		Message:      msg,
		Reasoning:    reasoning,
		FinishReason: a.finishReason,
	}, nil
}

// Usage returns the usage snapshot accumulated so far.
func (a *Assembler) Usage() models.Usage { return a.usage }

// parseArguments parses an accumulated argument string as JSON. An empty
// string or malformed JSON both tolerantly yield "{}" rather than failing
// the turn.
func parseArguments(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return json.RawMessage(`{}`)
	}
	if !json.Valid([]byte(s)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(s)
}

// Run drains events from a channel until it closes, feeding each to a fresh
// Assembler, and returns the finalized message. It exists for adapters that
// prefer to hand the assembler a channel (the same style as the teacher's
// provider adapters) instead of calling Feed directly per event.
//
// If the channel closes without a terminal Finish event, Run synthesizes one
// with an empty finish reason so callers always get a usable message.
func Run(ctx context.Context, events <-chan Event) (AssembledMessage, error) {
	a := New()
	for {
		select {
		case <-ctx.Done():
			return AssembledMessage{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if !a.finished {
					a.Feed(Event{Kind: KindFinish})
				}
				return a.Finalize()
			}
			a.Feed(ev)
			if a.finished {
				return a.Finalize()
			}
		}
	}
}
