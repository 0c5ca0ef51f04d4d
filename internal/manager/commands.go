package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/clawbridge/internal/bus"
)

const defaultCompactKeep = 10

var thinkLevels = map[string]bool{
	"off":    true,
	"low":    true,
	"medium": true,
	"high":   true,
}

const helpText = `Commands:
/help - show this message
/status - connection and session status
/new - start a fresh session
/reset - alias for /new
/compact [n] - keep only the newest n transcript entries (default 10)
/think <off|low|medium|high> - set reasoning effort for this session
/pair request - request a pairing code
/pair list - list pending pairing requests
/pair approve <code> - approve a pending request
/pair allow <senderId> - allowlist a sender directly`

// handleCommand executes a slash command. Returns the reply text and
// whether the input was consumed as a command. Unknown commands are not
// consumed and fall through to normal routing.
func (r *Router) handleCommand(ctx context.Context, sessionKey string, msg bus.InboundMessage, text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/help":
		return helpText, true

	case "/status":
		return r.statusText(sessionKey), true

	case "/new", "/reset":
		if r.transcripts != nil {
			if err := r.transcripts.Clear(sessionKey); err != nil {
				return "[Error] " + err.Error(), true
			}
		}
		r.mu.Lock()
		if st, ok := r.sessions[sessionKey]; ok {
			st.thinkLevel = ""
		}
		r.mu.Unlock()
		return "Started a fresh session.", true

	case "/compact":
		keep := defaultCompactKeep
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return "Usage: /compact [n] where n is a positive number", true
			}
			keep = n
		}
		return r.compact(sessionKey, keep), true

	case "/think":
		if len(args) != 1 || !thinkLevels[strings.ToLower(args[0])] {
			return "Usage: /think <off|low|medium|high>", true
		}
		level := strings.ToLower(args[0])
		r.session(sessionKey).thinkLevel = level
		return "Thinking level set to " + level + ".", true

	case "/pair":
		return r.handlePairCommand(msg, args), true

	default:
		return "", false
	}
}

func (r *Router) statusText(sessionKey string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Connector: %s\n", r.connector)
	fmt.Fprintf(&b, "Gateway: %s\n", r.client.State())
	if r.transcripts != nil {
		fmt.Fprintf(&b, "Transcript: %d messages\n", r.transcripts.MessageCount(sessionKey))
	}
	if level := r.session(sessionKey).thinkLevel; level != "" {
		fmt.Fprintf(&b, "Thinking: %s\n", level)
	}
	r.mu.Lock()
	policy := r.cfg.Policy
	r.mu.Unlock()
	if policy == "" {
		policy = "pairing"
	}
	fmt.Fprintf(&b, "Policy: %s", policy)
	return b.String()
}

func (r *Router) compact(sessionKey string, keep int) string {
	if r.transcripts == nil {
		return "No transcript store configured."
	}

	msgs, err := r.transcripts.History(sessionKey, keep)
	if err != nil {
		return "[Error] " + err.Error()
	}
	total := r.transcripts.MessageCount(sessionKey)
	if total <= keep {
		return fmt.Sprintf("Transcript has %d messages, nothing to compact.", total)
	}

	if err := r.transcripts.Clear(sessionKey); err != nil {
		return "[Error] " + err.Error()
	}
	for _, m := range msgs {
		r.transcripts.Append(sessionKey, m.Role, m.Text)
	}
	return fmt.Sprintf("Compacted transcript from %d to %d messages.", total, len(msgs))
}

// handlePairCommand serves /pair. The bare form and "request" work for
// anyone; management subcommands need an authorized sender.
func (r *Router) handlePairCommand(msg bus.InboundMessage, args []string) string {
	if r.pairing == nil {
		return "Pairing is not available on this connector."
	}

	sub := "request"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}

	switch sub {
	case "request":
		code, created, err := r.pairing.CreateOrTouch(r.connector, msg.SenderID, msg.SenderName, msg.ChannelID)
		if err != nil {
			return "[Error] " + err.Error()
		}
		if created {
			return "Your pairing code is " + code + ". An authorized user can approve it with /pair approve " + code + "."
		}
		return "Your pairing code is still " + code + "."

	case "list":
		if !r.isAuthorized(msg.SenderID) {
			return "You are not authorized to manage pairing."
		}
		pending := r.pairing.ListPending(r.connector)
		if len(pending) == 0 {
			return "No pending pairing requests."
		}
		var b strings.Builder
		b.WriteString("Pending pairing requests:\n")
		for _, req := range pending {
			name := req.SenderName
			if name == "" {
				name = req.SenderID
			}
			fmt.Fprintf(&b, "  %s - %s\n", req.Code, name)
		}
		return strings.TrimRight(b.String(), "\n")

	case "approve":
		if !r.isAuthorized(msg.SenderID) {
			return "You are not authorized to manage pairing."
		}
		if len(args) < 2 {
			return "Usage: /pair approve <code>"
		}
		senderID, ok := r.pairing.Approve(r.connector, args[1])
		if !ok {
			return "Unknown or expired pairing code."
		}
		return "Approved. " + senderID + " can now use this connector."

	case "allow":
		if !r.isAuthorized(msg.SenderID) {
			return "You are not authorized to manage pairing."
		}
		if len(args) < 2 {
			return "Usage: /pair allow <senderId>"
		}
		r.pairing.Allow(r.connector, args[1])
		return "Allowlisted " + args[1] + "."

	default:
		return "Usage: /pair [request|list|approve <code>|allow <senderId>]"
	}
}
