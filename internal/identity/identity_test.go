package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempIdentityPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "device.json")
}

func TestLoadOrCreate_GeneratesAndPersists(t *testing.T) {
	path := tempIdentityPath(t)

	id, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.DeviceID != Fingerprint(id.PublicKey) {
		t.Error("device id must equal the public key fingerprint")
	}
	if len(id.DeviceID) != 64 {
		t.Errorf("expected 64-char hex fingerprint, got %d chars", len(id.DeviceID))
	}

	// Reload yields the same identity.
	again, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.DeviceID != id.DeviceID {
		t.Errorf("expected stable device id, got %s vs %s", again.DeviceID, id.DeviceID)
	}
}

func TestLoadOrCreate_CorrectsMismatchedDeviceID(t *testing.T) {
	path := tempIdentityPath(t)

	id, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	want := id.DeviceID

	// Tamper with the stored device id.
	data, _ := os.ReadFile(path)
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal stored file: %v", err)
	}
	f.DeviceID = "not-a-fingerprint"
	tampered, _ := json.Marshal(f)
	if err := os.WriteFile(path, tampered, 0600); err != nil {
		t.Fatalf("write tampered: %v", err)
	}

	fixed, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reload tampered: %v", err)
	}
	if fixed.DeviceID != want {
		t.Errorf("expected corrected id %s, got %s", want, fixed.DeviceID)
	}

	// The correction must be persisted.
	data, _ = os.ReadFile(path)
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal corrected file: %v", err)
	}
	if f.DeviceID != want {
		t.Errorf("corrected id not persisted: %s", f.DeviceID)
	}
}

func TestLoadOrCreate_CorruptFileRegenerates(t *testing.T) {
	path := tempIdentityPath(t)
	if err := os.WriteFile(path, []byte("{garbage"), 0600); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	id, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate on corrupt file: %v", err)
	}
	if id.DeviceID == "" || id.PrivateKey == nil {
		t.Error("expected fresh identity after corrupt file")
	}
}

func TestSign_VerifiesAndIsCanonical(t *testing.T) {
	path := tempIdentityPath(t)
	id, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	p := SignParams{
		ClientID: "gateway-client",
		Mode:     "backend",
		Role:     "operator",
		Scopes:   []string{"chat", "admin"},
		SignedAt: 1700000000000,
		Token:    "tok",
		Nonce:    "n1",
	}
	sig, err := base64.StdEncoding.DecodeString(id.Sign(p))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	payload := canonicalPayload(id.DeviceID, p)
	if !ed25519.Verify(id.PublicKey, []byte(payload), sig) {
		t.Error("signature does not verify against canonical payload")
	}

	// Scope order must not change the signed payload.
	p2 := p
	p2.Scopes = []string{"admin", "chat"}
	if canonicalPayload(id.DeviceID, p2) != payload {
		t.Error("scope ordering changed canonical payload")
	}

	if !strings.Contains(payload, "admin,chat") {
		t.Errorf("expected sorted scopes in payload, got %q", payload)
	}
}

func TestTokenPersistence(t *testing.T) {
	path := tempIdentityPath(t)
	id, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	if err := id.SaveToken("issued-token"); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	reloaded, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Token() != "issued-token" {
		t.Errorf("expected persisted token, got %q", reloaded.Token())
	}

	if err := reloaded.ClearToken(); err != nil {
		t.Fatalf("ClearToken: %v", err)
	}
	final, _ := LoadOrCreate(path)
	if final.Token() != "" {
		t.Errorf("expected cleared token, got %q", final.Token())
	}
}

func TestIdentityFilePermissions(t *testing.T) {
	path := tempIdentityPath(t)
	if _, err := LoadOrCreate(path); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600 permissions, got %o", perm)
	}
}
