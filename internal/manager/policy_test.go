package manager

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/pairing"
	"github.com/nextlevelbuilder/clawbridge/internal/store/file"
)

func newTestPairing(t *testing.T) *file.FilePairingStore {
	t.Helper()
	svc := pairing.NewService(filepath.Join(t.TempDir(), "pairing.json"))
	return file.NewFilePairingStore(svc)
}

func TestPolicyOpen(t *testing.T) {
	res := EvaluatePolicy("tg", config.ConnectorConfig{Policy: config.PolicyOpen}, newTestPairing(t),
		PolicyInput{SenderID: "anyone"})
	if res.Decision != DecisionAllow {
		t.Errorf("decision = %v, want allow", res.Decision)
	}
}

func TestPolicyDisabledSilent(t *testing.T) {
	res := EvaluatePolicy("tg", config.ConnectorConfig{Policy: config.PolicyDisabled}, newTestPairing(t),
		PolicyInput{SenderID: "anyone"})
	if res.Decision != DecisionSilence {
		t.Errorf("decision = %v, want silence", res.Decision)
	}
	if res.Reply != "" {
		t.Errorf("silence must not carry a reply, got %q", res.Reply)
	}
}

func TestPolicyAllowFromWinsOverDisabled(t *testing.T) {
	cfg := config.ConnectorConfig{
		Policy:    config.PolicyDisabled,
		AllowFrom: []string{"u1"},
	}
	res := EvaluatePolicy("tg", cfg, newTestPairing(t), PolicyInput{SenderID: "u1"})
	if res.Decision != DecisionAllow {
		t.Errorf("explicitly allowed sender should pass, got %v", res.Decision)
	}
}

func TestPolicyAllowlistEmptyBlocks(t *testing.T) {
	cfg := config.ConnectorConfig{
		Policy:    config.PolicyAllowlist,
		AllowFrom: []string{},
	}
	res := EvaluatePolicy("tg", cfg, newTestPairing(t), PolicyInput{SenderID: "u1"})
	if res.Decision != DecisionReject {
		t.Errorf("decision = %v, want reject", res.Decision)
	}
}

func TestPolicyAllowlistAbsentSuggestsPairing(t *testing.T) {
	cfg := config.ConnectorConfig{Policy: config.PolicyAllowlist}
	res := EvaluatePolicy("tg", cfg, newTestPairing(t), PolicyInput{SenderID: "u1"})
	if res.Decision != DecisionReject {
		t.Fatalf("decision = %v, want reject", res.Decision)
	}
	if !strings.Contains(res.Reply, "pairing") {
		t.Errorf("reply should mention pairing: %q", res.Reply)
	}
}

func TestPolicyPairingIssuesCodeOnce(t *testing.T) {
	ps := newTestPairing(t)
	cfg := config.ConnectorConfig{Policy: config.PolicyPairing}
	in := PolicyInput{SenderID: "u1", SenderName: "Alice"}

	res := EvaluatePolicy("tg", cfg, ps, in)
	if res.Decision != DecisionReject {
		t.Fatalf("decision = %v, want reject with code", res.Decision)
	}
	if !strings.Contains(res.Reply, "pairing code") {
		t.Errorf("reply should contain the code: %q", res.Reply)
	}

	// A second message must not repeat the code.
	res = EvaluatePolicy("tg", cfg, ps, in)
	if res.Decision != DecisionSilence {
		t.Errorf("second message decision = %v, want silence", res.Decision)
	}
}

func TestPolicyPairingApprovedSenderPasses(t *testing.T) {
	ps := newTestPairing(t)
	cfg := config.ConnectorConfig{Policy: config.PolicyPairing}

	EvaluatePolicy("tg", cfg, ps, PolicyInput{SenderID: "u1"})
	pending := ps.ListPending("tg")
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}
	if _, ok := ps.Approve("tg", pending[0].Code); !ok {
		t.Fatal("approve failed")
	}

	res := EvaluatePolicy("tg", cfg, ps, PolicyInput{SenderID: "u1"})
	if res.Decision != DecisionAllow {
		t.Errorf("approved sender decision = %v, want allow", res.Decision)
	}
}

func TestPolicyDefaultIsPairing(t *testing.T) {
	res := EvaluatePolicy("tg", config.ConnectorConfig{}, newTestPairing(t), PolicyInput{SenderID: "u1"})
	if res.Decision != DecisionReject || !strings.Contains(res.Reply, "pairing code") {
		t.Errorf("empty policy should behave like pairing, got %v %q", res.Decision, res.Reply)
	}
}

func TestPolicyGroupAlwaysBypasses(t *testing.T) {
	// Group messages pass regardless of the policy in effect.
	for _, policy := range []string{config.PolicyDisabled, config.PolicyAllowlist, config.PolicyPairing, ""} {
		cfg := config.ConnectorConfig{Policy: policy}
		res := EvaluatePolicy("tg", cfg, newTestPairing(t), PolicyInput{SenderID: "u1", IsGroup: true})
		if res.Decision != DecisionAllow {
			t.Errorf("policy %q: group decision = %v, want allow", policy, res.Decision)
		}
	}

	res := EvaluatePolicy("tg", config.ConnectorConfig{Policy: config.PolicyDisabled}, newTestPairing(t),
		PolicyInput{SenderID: "u1", IsGroup: false})
	if res.Decision != DecisionSilence {
		t.Errorf("direct message should still hit policy, got %v", res.Decision)
	}
}

func TestPolicyAllowlistUnlistedSenderGetsPairingHint(t *testing.T) {
	cfg := config.ConnectorConfig{
		Policy:    config.PolicyAllowlist,
		AllowFrom: []string{"someone-else"},
	}
	res := EvaluatePolicy("tg", cfg, newTestPairing(t), PolicyInput{SenderID: "u1"})
	if res.Decision != DecisionReject {
		t.Fatalf("decision = %v, want reject", res.Decision)
	}
	if !strings.Contains(res.Reply, "/pair") {
		t.Errorf("reply should carry pairing instructions: %q", res.Reply)
	}
}
