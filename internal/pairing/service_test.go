package pairing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(filepath.Join(t.TempDir(), "pairing.json"))
}

func TestCreateOrTouchIdempotent(t *testing.T) {
	svc := newTestService(t)

	code1, created, err := svc.CreateOrTouch("tg", "u1", "Alice", "chan1")
	if err != nil {
		t.Fatalf("CreateOrTouch: %v", err)
	}
	if !created {
		t.Error("first call should report created=true")
	}
	if len(code1) != CodeLength {
		t.Errorf("code length = %d, want %d", len(code1), CodeLength)
	}
	for _, c := range code1 {
		if !strings.ContainsRune(CodeAlphabet, c) {
			t.Errorf("code %q contains %q, not in alphabet", code1, c)
		}
	}

	code2, created, err := svc.CreateOrTouch("tg", "u1", "Alice", "chan1")
	if err != nil {
		t.Fatalf("CreateOrTouch: %v", err)
	}
	if created {
		t.Error("second call should report created=false")
	}
	if code2 != code1 {
		t.Errorf("second call returned %q, want same code %q", code2, code1)
	}
}

func TestApproveCaseInsensitive(t *testing.T) {
	svc := newTestService(t)

	code, _, err := svc.CreateOrTouch("tg", "u1", "", "")
	if err != nil {
		t.Fatalf("CreateOrTouch: %v", err)
	}

	sender, ok := svc.Approve("tg", strings.ToLower(code))
	if !ok {
		t.Fatal("Approve with lowercased code failed")
	}
	if sender != "u1" {
		t.Errorf("approved sender = %q, want u1", sender)
	}
	if !svc.IsAllowed("tg", "u1") {
		t.Error("sender not allowlisted after approval")
	}
	if len(svc.ListPending("tg")) != 0 {
		t.Error("pending request not removed after approval")
	}

	// Second approval of the same code fails.
	if _, ok := svc.Approve("tg", code); ok {
		t.Error("re-approving consumed code should fail")
	}
}

func TestApproveUnknownCode(t *testing.T) {
	svc := newTestService(t)
	if _, ok := svc.Approve("tg", "NOPENOPE"); ok {
		t.Error("approving unknown code should fail")
	}
}

func TestConnectorNamespacing(t *testing.T) {
	svc := newTestService(t)

	svc.Allow("tg", "u1")
	if svc.IsAllowed("wa", "u1") {
		t.Error("allowlist leaked across connectors")
	}
	if !svc.IsAllowed("tg", "u1") {
		t.Error("sender missing from its own connector allowlist")
	}
}

func TestAllowDropsPending(t *testing.T) {
	svc := newTestService(t)

	if _, _, err := svc.CreateOrTouch("tg", "u1", "", ""); err != nil {
		t.Fatalf("CreateOrTouch: %v", err)
	}
	svc.Allow("tg", "u1")

	if len(svc.ListPending("tg")) != 0 {
		t.Error("Allow should drop pending request for the sender")
	}
	if !svc.IsAllowed("tg", "u1") {
		t.Error("sender not allowlisted")
	}

	// Allow is idempotent.
	svc.Allow("tg", "u1")
	if got := svc.AllowedSenders("tg"); len(got) != 1 {
		t.Errorf("allowlist = %v, want single entry", got)
	}
}

func TestRevoke(t *testing.T) {
	svc := newTestService(t)

	svc.Allow("tg", "u1")
	if err := svc.Revoke("tg", "u1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if svc.IsAllowed("tg", "u1") {
		t.Error("sender still allowed after revoke")
	}
	if err := svc.Revoke("tg", "u1"); err == nil {
		t.Error("revoking unknown sender should error")
	}
}

func TestPendingCap(t *testing.T) {
	svc := newTestService(t)

	var first string
	for i, sender := range []string{"u1", "u2", "u3", "u4"} {
		code, _, err := svc.CreateOrTouch("tg", sender, "", "")
		if err != nil {
			t.Fatalf("CreateOrTouch: %v", err)
		}
		if i == 0 {
			first = code
		}
	}

	pending := svc.ListPending("tg")
	if len(pending) != MaxPendingPerConnector {
		t.Fatalf("pending = %d, want %d", len(pending), MaxPendingPerConnector)
	}
	for _, req := range pending {
		if req.Code == first {
			t.Error("oldest pending request should have been evicted")
		}
	}
}

func TestExpiredCodePruned(t *testing.T) {
	svc := newTestService(t)

	if _, _, err := svc.CreateOrTouch("tg", "u1", "", ""); err != nil {
		t.Fatalf("CreateOrTouch: %v", err)
	}

	// Backdate the request past the TTL.
	svc.mu.Lock()
	old := time.Now().Add(-CodeTTL - time.Minute).UnixMilli()
	svc.store.Connectors["tg"].Pending[0].UpdatedAt = old
	svc.mu.Unlock()

	if got := svc.ListPending("tg"); len(got) != 0 {
		t.Errorf("expired request survived pruning: %v", got)
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")

	svc := NewService(path)
	svc.Allow("tg", "u1")
	code, _, err := svc.CreateOrTouch("tg", "u2", "Bob", "")
	if err != nil {
		t.Fatalf("CreateOrTouch: %v", err)
	}

	reloaded := NewService(path)
	if !reloaded.IsAllowed("tg", "u1") {
		t.Error("allowlist lost across reload")
	}
	pending := reloaded.ListPending("tg")
	if len(pending) != 1 || pending[0].Code != code {
		t.Errorf("pending lost across reload: %v", pending)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat store: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("store permissions = %o, want 0600", perm)
	}
}

func TestCorruptStoreStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	svc := NewService(path)
	if len(svc.AllowedSenders("tg")) != 0 {
		t.Error("corrupt store should start empty")
	}
	svc.Allow("tg", "u1")
	if !NewService(path).IsAllowed("tg", "u1") {
		t.Error("store not writable after recovering from corruption")
	}
}
