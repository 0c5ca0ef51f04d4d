package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawbridge/internal/bus"
	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/gateway"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
	"github.com/nextlevelbuilder/clawbridge/internal/transcript"
	"github.com/nextlevelbuilder/clawbridge/pkg/protocol"
)

// GatewayClient is the slice of gateway.Client the router needs.
type GatewayClient interface {
	Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	State() gateway.State
}

// SessionTracker is the slice of gateway.Poller the router needs.
type SessionTracker interface {
	Track(sessionKey string)
}

// RouterOptions wires a Router to its collaborators.
type RouterOptions struct {
	Connector   string
	Config      config.ConnectorConfig
	Client      GatewayClient
	Tracker     SessionTracker
	Pairing     store.PairingStore
	Transcripts *transcript.Store
	Limiter     *gateway.RateLimiter

	// Deliver sends a reply back to the channel.
	Deliver func(msg bus.OutboundMessage)
}

// Router drives one connector's message flow: slash commands, access
// policy, forwarding to the agent and delivering replies.
type Router struct {
	connector   string
	cfg         config.ConnectorConfig
	client      GatewayClient
	tracker     SessionTracker
	pairing     store.PairingStore
	transcripts *transcript.Store
	limiter     *gateway.RateLimiter
	deliver     func(msg bus.OutboundMessage)

	sessions map[string]*sessionState
	mu       sync.Mutex
}

type sessionState struct {
	thinkLevel string
	channelID  string
}

func NewRouter(opts RouterOptions) *Router {
	return &Router{
		connector:   opts.Connector,
		cfg:         opts.Config,
		client:      opts.Client,
		tracker:     opts.Tracker,
		pairing:     opts.Pairing,
		transcripts: opts.Transcripts,
		limiter:     opts.Limiter,
		deliver:     opts.Deliver,
		sessions:    map[string]*sessionState{},
	}
}

// SetConfig swaps the connector config. Used by hot reload.
func (r *Router) SetConfig(cfg config.ConnectorConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// SessionKey derives the session key for a channel.
func (r *Router) SessionKey(channelID string) string {
	return r.connector + ":" + channelID
}

// HandleInbound processes one (debounced) inbound message end to end.
func (r *Router) HandleInbound(ctx context.Context, msg bus.InboundMessage) {
	sessionKey := msg.SessionKey
	if sessionKey == "" {
		sessionKey = r.SessionKey(msg.ChannelID)
	}
	st := r.session(sessionKey)
	st.channelID = msg.ChannelID

	text := strings.TrimSpace(msg.Content)
	isCommand := strings.HasPrefix(text, "/")

	// Only the pairing command runs before the policy gate: an unpaired
	// sender must be able to request a code. Every other command is
	// policy-gated like a normal message.
	if isCommand && commandName(text) == "/pair" {
		reply, _ := r.handleCommand(ctx, sessionKey, msg, text)
		r.recordCommand(sessionKey, text, reply)
		if reply != "" {
			r.reply(msg.ChannelID, reply)
		}
		return
	}

	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	result := EvaluatePolicy(r.connector, cfg, r.pairing, PolicyInput{
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		ChannelID:  msg.ChannelID,
		IsGroup:    msg.IsGroup,
	})
	switch result.Decision {
	case DecisionSilence:
		return
	case DecisionReject:
		r.reply(msg.ChannelID, result.Reply)
		return
	}

	if isCommand {
		if reply, handled := r.handleCommand(ctx, sessionKey, msg, text); handled {
			// Commands that wipe or trim the transcript skip the log;
			// recording them would undo what they just did.
			switch commandName(text) {
			case "/new", "/reset", "/compact":
			default:
				r.recordCommand(sessionKey, text, reply)
			}
			if reply != "" {
				r.reply(msg.ChannelID, reply)
			}
			return
		}
	}

	r.forward(ctx, sessionKey, msg, text)
}

func commandName(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// recordCommand appends a command exchange to the session transcript.
func (r *Router) recordCommand(sessionKey, input, output string) {
	if r.transcripts == nil {
		return
	}
	if err := r.transcripts.Append(sessionKey, "user", input); err != nil {
		slog.Warn("transcript append failed", "session", sessionKey, "error", err)
		return
	}
	if output != "" {
		if err := r.transcripts.Append(sessionKey, "assistant", output); err != nil {
			slog.Warn("transcript append failed", "session", sessionKey, "error", err)
		}
	}
}

// forward sends an allowed message to the agent.
func (r *Router) forward(ctx context.Context, sessionKey string, msg bus.InboundMessage, text string) {
	if r.tracker != nil {
		r.tracker.Track(sessionKey)
	}

	var attachments []protocol.Attachment
	for _, ref := range msg.Media {
		att, ok := gateway.BuildAttachment(ctx, ref)
		if !ok {
			continue
		}
		if att == nil {
			// Oversized or unfetchable media degrades to a link.
			if text != "" {
				text += "\n"
			}
			text += ref
			continue
		}
		attachments = append(attachments, *att)
	}

	if text == "" && len(attachments) == 0 {
		return
	}

	if r.transcripts != nil {
		if err := r.transcripts.Append(sessionKey, "user", text); err != nil {
			slog.Warn("transcript append failed", "session", sessionKey, "error", err)
		}
	}

	_, err := r.client.Request(ctx, protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey:     sessionKey,
		Message:        text,
		Attachments:    attachments,
		Deliver:        true,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		slog.Warn("chat.send failed", "session", sessionKey, "error", err)
		r.reply(msg.ChannelID, "[Error] "+err.Error())
	}
}

// HandleReply delivers an agent reply to the channel. Called for both the
// live event path and the history poll path, after dedup.
func (r *Router) HandleReply(sessionKey, text string) {
	if IsSilence(text) {
		return
	}

	if r.transcripts != nil {
		if err := r.transcripts.Append(sessionKey, "assistant", text); err != nil {
			slog.Warn("transcript append failed", "session", sessionKey, "error", err)
		}
	}

	if r.limiter != nil && !r.limiter.Allow(sessionKey) {
		return
	}

	r.reply(r.channelFor(sessionKey), text)
}

func (r *Router) reply(channelID, text string) {
	if r.deliver == nil || channelID == "" {
		return
	}
	r.deliver(bus.OutboundMessage{
		Connector: r.connector,
		ChannelID: channelID,
		Content:   text,
	})
}

func (r *Router) session(sessionKey string) *sessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionKey]
	if !ok {
		st = &sessionState{}
		r.sessions[sessionKey] = st
	}
	return st
}

// channelFor maps a session key back to its channel. Session keys are
// "<connector>:<channelID>", so the prefix strip is the fallback when no
// live session state exists (e.g. replies after a restart).
func (r *Router) channelFor(sessionKey string) string {
	r.mu.Lock()
	st, ok := r.sessions[sessionKey]
	r.mu.Unlock()
	if ok && st.channelID != "" {
		return st.channelID
	}
	return strings.TrimPrefix(sessionKey, r.connector+":")
}

func (r *Router) isAuthorized(senderID string) bool {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	for _, id := range cfg.AllowFrom {
		if id == senderID {
			return true
		}
	}
	if cfg.Policy == config.PolicyOpen {
		return true
	}
	return r.pairing != nil && r.pairing.IsAllowed(r.connector, senderID)
}
