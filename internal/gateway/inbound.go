package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/clawbridge/pkg/protocol"
)

const (
	// recencyWindowTTL is how long a delivered reply stays in the
	// cross-path window. Long enough to cover several history polls.
	recencyWindowTTL = 60 * time.Second
	recencyWindowCap = 512
)

// Reply is an agent reply extracted from a chat event or history poll,
// ready for delivery to a channel.
type Reply struct {
	SessionKey string
	RunID      string
	Text       string
}

// ExtractReply pulls a deliverable reply out of a chat event payload.
// Streaming chunks and non-final statuses are skipped; only completed
// assistant messages are delivered.
func ExtractReply(payload json.RawMessage) (*Reply, bool) {
	if payload == nil {
		return nil, false
	}
	var ev protocol.ChatEventPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, false
	}
	if ev.Status == protocol.ChatEventChunk {
		return nil, false
	}
	if ev.Message == nil || ev.Message.Role != "assistant" {
		return nil, false
	}

	text := messageText(ev.Message)
	if strings.TrimSpace(text) == "" {
		return nil, false
	}

	return &Reply{
		SessionKey: ev.SessionKey,
		RunID:      ev.RunID,
		Text:       text,
	}, true
}

func messageText(m *protocol.ChatMessage) string {
	if m.Text != "" {
		return m.Text
	}
	var parts []string
	for _, c := range m.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// LiveKey is the dedupe key for a reply arriving via the live event path.
func LiveKey(r *Reply, seq int64) string {
	return fmt.Sprintf("%s|%d|%s|%s", r.RunID, seq, canonicalSession(r.SessionKey), textHash(r.Text))
}

// HistoryKey is the dedupe key for a backlog entry from history polling.
// RunID and seq are not available on this path, so the key is content-based.
func HistoryKey(sessionKey string, m protocol.ChatHistoryMessage) string {
	return fmt.Sprintf("hist|%s|%s|%d|%s", canonicalSession(sessionKey), m.Role, m.Timestamp, textHash(m.Text))
}

func canonicalSession(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func textHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:8])
}

// RecencyWindow suppresses a reply that arrives on both delivery paths
// under different keys: the live path keys on runId and seq, the history
// path on role and timestamp, so the shared TTL cache never matches. The
// window matches on session and text instead.
type RecencyWindow struct {
	lru *expirable.LRU[string, struct{}]
}

func NewRecencyWindow() *RecencyWindow {
	return &RecencyWindow{
		lru: expirable.NewLRU[string, struct{}](recencyWindowCap, nil, recencyWindowTTL),
	}
}

// Observe records a reply and reports whether it was fresh.
// Returns false when the same text was delivered to this session recently.
func (w *RecencyWindow) Observe(sessionKey, text string) bool {
	key := canonicalSession(sessionKey) + "|" + textHash(text)
	if _, ok := w.lru.Get(key); ok {
		return false
	}
	w.lru.Add(key, struct{}{})
	return true
}
