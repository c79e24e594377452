package agent

import (
	"testing"

	"github.com/coreagent/enginecore/pkg/models"
)

func TestDecideAllowAllMode(t *testing.T) {
	policy := models.ApprovalPolicy{Mode: models.ApprovalModeAllowAll}
	if got := Decide(policy, "run_shell"); got != models.ApprovalAutoApprove {
		t.Errorf("got %v, want auto_approve", got)
	}
}

func TestDecideDenyAllMode(t *testing.T) {
	policy := models.ApprovalPolicy{Mode: models.ApprovalModeDenyAll}
	if got := Decide(policy, "run_shell"); got != models.ApprovalDeny {
		t.Errorf("got %v, want deny", got)
	}
}

func TestDecideAllowlistExactMatch(t *testing.T) {
	policy := models.ApprovalPolicy{Mode: models.ApprovalModeAllowlist, Allowlist: map[string]bool{"read_file": true}}
	if got := Decide(policy, "read_file"); got != models.ApprovalAutoApprove {
		t.Errorf("got %v, want auto_approve", got)
	}
	if got := Decide(policy, "run_shell"); got != models.ApprovalRequireUser {
		t.Errorf("got %v, want require_user", got)
	}
}

func TestDecideAllowlistWildcard(t *testing.T) {
	policy := models.ApprovalPolicy{Mode: models.ApprovalModeAllowlist, Allowlist: map[string]bool{"mcp.*": true}}
	if got := Decide(policy, "mcp.search"); got != models.ApprovalAutoApprove {
		t.Errorf("got %v, want auto_approve", got)
	}
}

func TestOverrideWinsOverGlobalMode(t *testing.T) {
	policy := models.ApprovalPolicy{Mode: models.ApprovalModeDenyAll}
	RecordOverride(&policy, "run_shell", models.ApprovalAutoApprove)
	if got := Decide(policy, "run_shell"); got != models.ApprovalAutoApprove {
		t.Errorf("got %v, want override to win", got)
	}
	if got := Decide(policy, "read_file"); got != models.ApprovalDeny {
		t.Errorf("got %v, want unaffected tool to still deny_all", got)
	}
}
