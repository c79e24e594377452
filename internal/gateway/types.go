package gateway

import (
	"context"

	"github.com/coreagent/enginecore/internal/agent"
	"github.com/coreagent/enginecore/pkg/models"
)

// Scheduler is the subset of *agent.Scheduler the dispatcher drives: one
// turn per inbound (or coalesced) message. A narrow interface, not
// *agent.Scheduler itself, so dispatcher tests can script turn outcomes
// without a real LLM client or tool registry.
type Scheduler interface {
	RunTurn(ctx context.Context, sessionID string, checkpoint models.Checkpoint, input agent.UserInput, policy models.ApprovalPolicy, events chan<- *models.RuntimeEvent) agent.TurnResult
}

// ChannelTransport is the gateway's view of a connected chat channel (§6.4):
// it delivers outbound replies and reports its own identity for a smoke
// test. Ingress (the `start` half of §6.4) is the channel adapter's own
// concern — it calls Dispatcher.HandleInbound directly as messages arrive,
// so it is not part of this interface.
type ChannelTransport interface {
	Send(ctx context.Context, reply models.OutboundReply) error
	Test(ctx context.Context) (string, error)
}

// activeRun tracks one in-flight turn for a session: a cancellation handle
// and a monotonic cursor over the RuntimeEvents observed so far. Grounded on
// dispatcher.rs's ActiveRun{run_id, cancel} plus its separate event_cursors
// map, merged into one struct since nothing else addresses a run by id
// alone in this embedded (non-networked) scheduler model — see DESIGN.md.
type activeRun struct {
	runID  string
	cancel context.CancelFunc
	cursor uint64
}

// queuedMessage is one inbound message coalesced behind an in-flight run,
// grounded on dispatcher.rs's QueuedMessage.
type queuedMessage struct {
	inbound models.InboundMessage
	text    string
}

// runResult is what a spawned turn reports back to the dispatcher's main
// loop on completion, grounded on dispatcher.rs's RunTaskResult/RunOutcome
// collapsed to this embedded scheduler's TurnResult shape.
type runResult struct {
	sessionID string
	runID     string
	result    agent.TurnResult
}
