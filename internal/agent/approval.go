package agent

import (
	"strings"

	"github.com/coreagent/enginecore/pkg/models"
)

// Approval composes a per-session policy against a tool call, per §4.B's
// "Approval policy" paragraph: a global default (allow_all/deny_all/
// allowlist) plus per-message user decisions captured from the session's
// checkpoint chain, which override the default for the rest of the
// session. Grounded on the teacher's ApprovalChecker/ApprovalPolicy
// pattern (internal/agent/approval.go), collapsed to the simpler policy
// shape models.ApprovalPolicy already declares.
type Approval struct{}

// Decide evaluates policy against toolName, returning one of
// auto_approve/deny/require_user. Overrides are consulted first (a prior
// require_user resolution for this exact tool wins over the global mode),
// then the global mode, with allowlist patterns supporting the teacher's
// trailing-".*" namespace-wildcard convention (matchToolPattern).
func Decide(policy models.ApprovalPolicy, toolName string) models.ApprovalDecision {
	if decision, ok := policy.Overrides[toolName]; ok {
		return decision
	}

	switch policy.Mode {
	case models.ApprovalModeAllowAll:
		return models.ApprovalAutoApprove
	case models.ApprovalModeDenyAll:
		return models.ApprovalDeny
	case models.ApprovalModeAllowlist:
		if matchesAllowlist(policy.Allowlist, toolName) {
			return models.ApprovalAutoApprove
		}
		return models.ApprovalRequireUser
	default:
		return models.ApprovalRequireUser
	}
}

// RecordOverride captures a user's decision for toolName so subsequent
// invocations within the session skip re-prompting, per §4.B.
func RecordOverride(policy *models.ApprovalPolicy, toolName string, decision models.ApprovalDecision) {
	if policy.Overrides == nil {
		policy.Overrides = make(map[string]models.ApprovalDecision)
	}
	policy.Overrides[toolName] = decision
}

func matchesAllowlist(allowlist map[string]bool, toolName string) bool {
	if allowlist[toolName] {
		return true
	}
	for pattern, allowed := range allowlist {
		if allowed && matchToolPattern(pattern, toolName) {
			return true
		}
	}
	return false
}

// matchToolPattern supports an exact match or a trailing-".*"
// namespace-prefix wildcard, grounded on the teacher's
// internal/agent/tool_registry.go matchToolPattern.
func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}
