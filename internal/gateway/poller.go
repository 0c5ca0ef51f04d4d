package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/bus"
	"github.com/nextlevelbuilder/clawbridge/pkg/protocol"
)

const (
	// DefaultPollInterval is the history poll cadence.
	DefaultPollInterval = 15 * time.Second
	// historyPollLimit is how many backlog entries each poll requests.
	historyPollLimit = 20
)

// requester is the slice of Client the poller needs. Lets tests substitute
// a canned gateway.
type requester interface {
	Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

type pollState struct {
	warmedUp bool
}

// Poller fetches chat history for tracked sessions on an interval and
// delivers assistant replies the live event path missed.
//
// The first poll of each session is a warm-up: every entry is recorded in
// the dedupe cache but nothing is delivered, so stale backlog never replays
// into a channel. Polling disables itself permanently when the gateway does
// not implement chat.history.
type Poller struct {
	client  requester
	dedupe  *bus.DedupeCache
	recency *RecencyWindow

	interval time.Duration
	deliver  func(sessionKey string, reply Reply)

	sessions map[string]*pollState
	mu       sync.Mutex

	disabled atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPoller creates a history poller. deliver is called for each fresh reply.
func NewPoller(client requester, dedupe *bus.DedupeCache, recency *RecencyWindow, interval time.Duration, deliver func(sessionKey string, reply Reply)) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		client:   client,
		dedupe:   dedupe,
		recency:  recency,
		interval: interval,
		deliver:  deliver,
		sessions: map[string]*pollState{},
		stopCh:   make(chan struct{}),
	}
}

// Track adds a session to the poll set. The first poll of a newly tracked
// session is always a warm-up.
func (p *Poller) Track(sessionKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[sessionKey]; !ok {
		p.sessions[sessionKey] = &pollState{}
	}
}

// Untrack removes a session from the poll set.
func (p *Poller) Untrack(sessionKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionKey)
}

// Reset re-arms the warm-up for every tracked session. Called after a
// reconnect so backlog that accumulated during the outage is recorded,
// not replayed into the channels.
func (p *Poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.sessions {
		st.warmedUp = false
	}
}

// Disabled reports whether polling has been permanently disabled.
func (p *Poller) Disabled() bool {
	return p.disabled.Load()
}

// Start runs the poll loop until Stop or context cancellation.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.disabled.Load() {
				return
			}
			p.PollOnce(ctx)
		}
	}
}

// Stop halts the poll loop.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// PollOnce polls every tracked session a single time.
func (p *Poller) PollOnce(ctx context.Context) {
	p.mu.Lock()
	keys := make([]string, 0, len(p.sessions))
	for k := range p.sessions {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, key := range keys {
		if p.disabled.Load() {
			return
		}
		p.pollSession(ctx, key)
	}
}

func (p *Poller) pollSession(ctx context.Context, sessionKey string) {
	payload, err := p.client.Request(ctx, protocol.MethodChatHistory, protocol.ChatHistoryParams{
		SessionKey: sessionKey,
		Limit:      historyPollLimit,
	})
	if err != nil {
		if isUnsupported(err) {
			slog.Info("gateway: chat.history not supported, disabling history polling")
			p.disabled.Store(true)
			return
		}
		slog.Debug("gateway: history poll failed", "session", sessionKey, "error", err)
		return
	}

	var result protocol.ChatHistoryResult
	if err := json.Unmarshal(payload, &result); err != nil {
		slog.Debug("gateway: history poll parse failed", "session", sessionKey, "error", err)
		return
	}

	p.mu.Lock()
	st, ok := p.sessions[sessionKey]
	if !ok {
		p.mu.Unlock()
		return
	}
	warmup := !st.warmedUp
	st.warmedUp = true
	p.mu.Unlock()

	for _, m := range result.Messages {
		key := HistoryKey(sessionKey, m)

		if warmup {
			// First poll seeds the dedupe cache without delivering,
			// so existing backlog is never replayed.
			p.dedupe.Record(key)
			continue
		}

		if m.Role != "assistant" || strings.TrimSpace(m.Text) == "" {
			p.dedupe.Record(key)
			continue
		}
		if p.dedupe.IsDuplicate(key) {
			continue
		}
		if p.recency != nil && !p.recency.Observe(sessionKey, m.Text) {
			continue
		}

		p.deliver(sessionKey, Reply{SessionKey: sessionKey, Text: m.Text})
	}
}

// isUnsupported recognizes a gateway that does not implement chat.history.
func isUnsupported(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == protocol.ErrMethodNotFound {
			return true
		}
		if strings.Contains(strings.ToLower(rpcErr.Message), "not supported") {
			return true
		}
	}
	return false
}
