// Package pairing implements the sender pairing system.
//
// When a new sender DMs a connector whose policy is "pairing", the system:
//  1. Generates an 8-character pairing code (or refreshes the existing one)
//  2. Replies to the sender with the code
//  3. An approved sender runs "/pair approve CODE"
//  4. The sender is added to the connector's allowlist
//
// Pairing codes use the alphabet ABCDEFGHJKLMNPQRSTUVWXYZ23456789
// (no ambiguous characters: 0, O, 1, I, L).
// Codes expire after 60 minutes. Max 3 pending codes per connector.
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// CodeAlphabet excludes ambiguous characters (0, O, 1, I, L).
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// CodeLength is the number of characters in a pairing code.
	CodeLength = 8
	// CodeTTL is how long a pairing code remains valid.
	CodeTTL = 60 * time.Minute
	// MaxPendingPerConnector caps pending codes per connector; oldest evicted first.
	MaxPendingPerConnector = 3
	// maxCodeAttempts bounds unique-code generation retries.
	maxCodeAttempts = 16
	// storeVersion is the pairing file format version.
	storeVersion = 1
)

// Request represents a pending pairing code.
type Request struct {
	Code       string `json:"code"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
	CreatedAt  int64  `json:"created_at"` // unix millis
	UpdatedAt  int64  `json:"updated_at"` // unix millis
}

// connectorState is the per-connector allowlist and pending ledger.
type connectorState struct {
	Allowed []string  `json:"allowed"`
	Pending []Request `json:"pending"`
}

// storeFile is the on-disk JSON shape, namespaced by connector id.
type storeFile struct {
	Version    int                        `json:"version"`
	Connectors map[string]*connectorState `json:"connectors"`
}

// Service manages pairing codes and per-connector allowlists.
// File-backed, read-modify-write on every call; single-process serialization
// only (last writer wins across processes).
type Service struct {
	storePath string
	store     storeFile
	mu        sync.Mutex
}

// NewService creates a pairing service backed by the JSON file at storePath
// (e.g. ~/.clawbridge/data/pairing.json).
func NewService(storePath string) *Service {
	s := &Service{
		storePath: storePath,
		store:     storeFile{Version: storeVersion, Connectors: map[string]*connectorState{}},
	}
	s.load()
	return s
}

// CreateOrTouch returns a pairing code for (connector, sender).
// Idempotent: an existing pending request is refreshed and its code returned
// with created=false; otherwise a new unique code is generated.
func (s *Service) CreateOrTouch(connector, senderID, senderName, channelID string) (code string, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(connector)
	now := time.Now().UnixMilli()

	for i := range st.Pending {
		if st.Pending[i].SenderID == senderID {
			st.Pending[i].UpdatedAt = now
			if senderName != "" {
				st.Pending[i].SenderName = senderName
			}
			if channelID != "" {
				st.Pending[i].ChannelID = channelID
			}
			s.save()
			return st.Pending[i].Code, false, nil
		}
	}

	code, err = s.uniqueCode(st)
	if err != nil {
		return "", false, err
	}

	st.Pending = append(st.Pending, Request{
		Code:       code,
		SenderID:   senderID,
		SenderName: senderName,
		ChannelID:  channelID,
		CreatedAt:  now,
		UpdatedAt:  now,
	})

	// Cap pending count, oldest first.
	if len(st.Pending) > MaxPendingPerConnector {
		st.Pending = st.Pending[len(st.Pending)-MaxPendingPerConnector:]
	}

	s.save()

	slog.Info("pairing code generated",
		"connector", connector,
		"sender", senderID,
		"code", code,
	)
	return code, true, nil
}

// Approve looks up a pending code (case-insensitive), removes it, and adds
// the sender to the allowlist. Approval is a single store write.
func (s *Service) Approve(connector, code string) (senderID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(connector)

	for i, req := range st.Pending {
		if !strings.EqualFold(req.Code, code) {
			continue
		}

		st.Pending = append(st.Pending[:i], st.Pending[i+1:]...)
		addAllowed(st, req.SenderID)
		s.save()

		slog.Info("pairing approved",
			"connector", connector,
			"sender", req.SenderID,
		)
		return req.SenderID, true
	}

	return "", false
}

// Allow adds a sender straight to the allowlist and drops any pending
// request for it.
func (s *Service) Allow(connector, senderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(connector)
	for i := len(st.Pending) - 1; i >= 0; i-- {
		if st.Pending[i].SenderID == senderID {
			st.Pending = append(st.Pending[:i], st.Pending[i+1:]...)
		}
	}
	addAllowed(st, senderID)
	s.save()

	slog.Info("sender allowlisted", "connector", connector, "sender", senderID)
}

// Revoke removes a sender from the allowlist.
func (s *Service) Revoke(connector, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(connector)
	for i, id := range st.Allowed {
		if id == senderID {
			st.Allowed = append(st.Allowed[:i], st.Allowed[i+1:]...)
			s.save()
			slog.Info("sender revoked", "connector", connector, "sender", senderID)
			return nil
		}
	}
	return fmt.Errorf("sender not allowlisted: %s/%s", connector, senderID)
}

// IsAllowed reports whether a sender is in the connector's allowlist.
func (s *Service) IsAllowed(connector, senderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(connector)
	for _, id := range st.Allowed {
		if id == senderID {
			return true
		}
	}
	return false
}

// AllowedSenders returns the connector's allowlist, sorted.
func (s *Service) AllowedSenders(connector string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(connector)
	out := append([]string(nil), st.Allowed...)
	sort.Strings(out)
	return out
}

// ListPending returns the connector's pending requests after pruning.
func (s *Service) ListPending(connector string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(connector)
	out := make([]Request, len(st.Pending))
	copy(out, st.Pending)
	return out
}

// --- Internal ---

// state returns the pruned per-connector state, creating it if absent.
// Caller must hold s.mu. Every read goes through here, so expired and
// over-cap pending entries never survive a call.
func (s *Service) state(connector string) *connectorState {
	st, ok := s.store.Connectors[connector]
	if !ok {
		st = &connectorState{}
		s.store.Connectors[connector] = st
	}
	s.prune(st)
	return st
}

func (s *Service) prune(st *connectorState) {
	cutoff := time.Now().Add(-CodeTTL).UnixMilli()
	valid := st.Pending[:0]
	for _, req := range st.Pending {
		if req.UpdatedAt > cutoff {
			valid = append(valid, req)
		}
	}
	st.Pending = valid

	if len(st.Pending) > MaxPendingPerConnector {
		st.Pending = st.Pending[len(st.Pending)-MaxPendingPerConnector:]
	}
}

func addAllowed(st *connectorState, senderID string) {
	for _, id := range st.Allowed {
		if id == senderID {
			return
		}
	}
	st.Allowed = append(st.Allowed, senderID)
}

// uniqueCode generates a code not currently pending for this connector,
// with bounded retries.
func (s *Service) uniqueCode(st *connectorState) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := generateCode()
		clash := false
		for _, req := range st.Pending {
			if strings.EqualFold(req.Code, code) {
				clash = true
				break
			}
		}
		if !clash {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not generate unique pairing code after %d attempts", maxCodeAttempts)
}

func (s *Service) load() {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		return // file doesn't exist yet
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("pairing: store unreadable, starting empty", "error", err)
		return
	}
	if f.Connectors == nil {
		f.Connectors = map[string]*connectorState{}
	}
	f.Version = storeVersion
	s.store = f
}

func (s *Service) save() {
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		slog.Error("pairing: failed to create dir", "error", err)
		return
	}
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		slog.Error("pairing: failed to marshal store", "error", err)
		return
	}
	if err := os.WriteFile(s.storePath, data, 0600); err != nil {
		slog.Error("pairing: failed to write store", "error", err)
	}
}

func generateCode() string {
	b := make([]byte, CodeLength)
	rand.Read(b)
	code := make([]byte, CodeLength)
	for i := range code {
		code[i] = CodeAlphabet[int(b[i])%len(CodeAlphabet)]
	}
	return string(code)
}
