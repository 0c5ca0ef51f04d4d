package manager

import (
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// Decision is the outcome of a policy check for one inbound message.
type Decision int

const (
	// DecisionAllow passes the message through to the agent.
	DecisionAllow Decision = iota
	// DecisionSilence drops the message without any reply.
	DecisionSilence
	// DecisionReject blocks the message and sends Reply back to the sender.
	DecisionReject
)

// PolicyResult carries the decision and, for rejections, the reply text.
type PolicyResult struct {
	Decision Decision
	Reply    string
}

// EvaluatePolicy applies the per-sender access policy in fixed order:
//
//  1. Sender already allowed (static allow_from or approved pairing) → pass
//  2. Policy "open" → pass
//  3. Policy "disabled" → drop silently
//  4. Policy "allowlist" with a present-but-empty list → reject, and warn:
//     an empty list is almost always a config mistake
//  5. Policy "allowlist", sender not listed → reject with pairing hint
//  6. Policy "pairing" (the default) → issue or refresh a pairing code
//
// Group messages always bypass the per-sender check; mention gating
// happens upstream in the platform adapter.
func EvaluatePolicy(connector string, cfg config.ConnectorConfig, pairing store.PairingStore, msg PolicyInput) PolicyResult {
	if msg.IsGroup {
		return PolicyResult{Decision: DecisionAllow}
	}

	// Step 1: explicit allows win over everything, including "disabled".
	for _, id := range cfg.AllowFrom {
		if id == msg.SenderID {
			return PolicyResult{Decision: DecisionAllow}
		}
	}
	if pairing != nil && pairing.IsAllowed(connector, msg.SenderID) {
		return PolicyResult{Decision: DecisionAllow}
	}

	policy := cfg.Policy
	if policy == "" {
		policy = config.PolicyPairing
	}

	switch policy {
	case config.PolicyOpen:
		return PolicyResult{Decision: DecisionAllow}

	case config.PolicyDisabled:
		return PolicyResult{Decision: DecisionSilence}

	case config.PolicyAllowlist:
		if cfg.AllowFrom != nil && len(cfg.AllowFrom) == 0 {
			// Present but empty: blocks everyone, which is almost
			// never what the operator meant.
			slog.Warn("connector has an empty allow_from list, all senders blocked",
				"connector", connector)
			return PolicyResult{
				Decision: DecisionReject,
				Reply:    "You are not authorized to use this connector.",
			}
		}
		return PolicyResult{
			Decision: DecisionReject,
			Reply:    "You are not authorized to use this connector. Ask the operator to add you to allow_from, or send /pair request for a pairing code.",
		}

	default: // pairing
		if pairing == nil {
			return PolicyResult{Decision: DecisionSilence}
		}
		code, created, err := pairing.CreateOrTouch(connector, msg.SenderID, msg.SenderName, msg.ChannelID)
		if err != nil {
			slog.Error("pairing code generation failed", "connector", connector, "error", err)
			return PolicyResult{Decision: DecisionSilence}
		}
		if !created {
			// The sender already has a pending code; don't repeat it
			// on every message.
			return PolicyResult{Decision: DecisionSilence}
		}
		return PolicyResult{
			Decision: DecisionReject,
			Reply: fmt.Sprintf(
				"This device is not paired yet. Your pairing code is %s. An authorized user can approve it with /pair approve %s.",
				code, code),
		}
	}
}

// PolicyInput is the sender context for a policy check.
type PolicyInput struct {
	SenderID   string
	SenderName string
	ChannelID  string
	IsGroup    bool
}
