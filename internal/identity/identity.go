// Package identity manages the per-connector device identity used for
// gateway device auth.
//
// Each connector owns one Ed25519 keypair persisted to a JSON file. The
// device ID is the SHA-256 fingerprint of the raw public key, so identity is
// self-certifying: a stored file whose declared ID disagrees with its public
// key is corrected on load, and an unreadable or invalid file is replaced
// with a fresh identity rather than treated as fatal.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// DeviceIdentity is the keypair and rotating device token for one connector.
type DeviceIdentity struct {
	DeviceID    string
	PublicKey   ed25519.PublicKey
	PrivateKey  ed25519.PrivateKey
	DeviceToken string

	path string
	mu   sync.Mutex
}

// identityFile is the on-disk JSON shape.
type identityFile struct {
	DeviceID    string `json:"device_id"`
	PublicKey   string `json:"public_key"`  // base64 raw 32 bytes
	PrivateKey  string `json:"private_key"` // base64 raw 64 bytes (seed+pub)
	DeviceToken string `json:"device_token,omitempty"`
}

// Fingerprint returns the device ID for a public key: lowercase hex SHA-256
// of the raw key bytes.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// LoadOrCreate loads the identity at path, correcting a mismatched device ID,
// or generates and persists a fresh identity when the file is missing,
// corrupt, or fails validation. It never returns an error for a bad stored
// file, only for an unwritable store.
func LoadOrCreate(path string) (*DeviceIdentity, error) {
	id := &DeviceIdentity{path: path}

	data, err := os.ReadFile(path)
	if err == nil {
		if loaded, ok := parseIdentityFile(data); ok {
			id.DeviceID = loaded.DeviceID
			id.PublicKey = loaded.PublicKey
			id.PrivateKey = loaded.PrivateKey
			id.DeviceToken = loaded.DeviceToken

			// Self-certifying check: the declared ID must match the key.
			if fp := Fingerprint(id.PublicKey); id.DeviceID != fp {
				slog.Warn("device identity: correcting mismatched device id",
					"stored", id.DeviceID, "fingerprint", fp)
				id.DeviceID = fp
				if err := id.save(); err != nil {
					return nil, err
				}
			}
			return id, nil
		}
		slog.Warn("device identity: stored identity invalid, regenerating", "path", path)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device keypair: %w", err)
	}
	id.PublicKey = pub
	id.PrivateKey = priv
	id.DeviceID = Fingerprint(pub)

	if err := id.save(); err != nil {
		return nil, err
	}
	slog.Info("device identity: generated", "device_id", id.DeviceID, "path", path)
	return id, nil
}

type parsedIdentity struct {
	DeviceID    string
	PublicKey   ed25519.PublicKey
	PrivateKey  ed25519.PrivateKey
	DeviceToken string
}

func parseIdentityFile(data []byte) (parsedIdentity, bool) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return parsedIdentity{}, false
	}

	pub, err := base64.StdEncoding.DecodeString(f.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return parsedIdentity{}, false
	}
	priv, err := base64.StdEncoding.DecodeString(f.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return parsedIdentity{}, false
	}

	return parsedIdentity{
		DeviceID:    f.DeviceID,
		PublicKey:   ed25519.PublicKey(pub),
		PrivateKey:  ed25519.PrivateKey(priv),
		DeviceToken: f.DeviceToken,
	}, true
}

// PublicKeyBase64 returns the raw public key, base64-encoded for the wire.
func (id *DeviceIdentity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey)
}

// SignParams describes one connect-handshake signature.
type SignParams struct {
	ClientID string
	Mode     string
	Role     string
	Scopes   []string
	SignedAt int64 // unix millis
	Token    string
	Nonce    string
}

// Sign builds the canonical pipe-delimited auth payload and signs it.
// Returns the base64 signature.
func (id *DeviceIdentity) Sign(p SignParams) string {
	payload := canonicalPayload(id.DeviceID, p)
	sig := ed25519.Sign(id.PrivateKey, []byte(payload))
	return base64.StdEncoding.EncodeToString(sig)
}

// canonicalPayload joins the signed fields in fixed order. Scopes are sorted
// so equal scope sets always sign identically.
func canonicalPayload(deviceID string, p SignParams) string {
	scopes := append([]string(nil), p.Scopes...)
	sort.Strings(scopes)

	fields := []string{
		"v" + strconv.Itoa(protocolVersionTag),
		deviceID,
		p.ClientID,
		p.Mode,
		p.Role,
		strings.Join(scopes, ","),
		strconv.FormatInt(p.SignedAt, 10),
		p.Token,
		p.Nonce,
	}
	return strings.Join(fields, "|")
}

// protocolVersionTag is the version prefix in the signed payload.
const protocolVersionTag = 1

// SaveToken persists a gateway-issued device token immediately so reconnects
// can authenticate with it instead of the primary credential.
func (id *DeviceIdentity) SaveToken(token string) error {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.DeviceToken == token {
		return nil
	}
	id.DeviceToken = token
	return id.saveLocked()
}

// ClearToken removes the stored device token. Called when the gateway
// reports a token mismatch so the next attempt re-authenticates cleanly.
func (id *DeviceIdentity) ClearToken() error {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.DeviceToken == "" {
		return nil
	}
	id.DeviceToken = ""
	return id.saveLocked()
}

// Token returns the current device token.
func (id *DeviceIdentity) Token() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.DeviceToken
}

func (id *DeviceIdentity) save() error {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.saveLocked()
}

func (id *DeviceIdentity) saveLocked() error {
	dir := filepath.Dir(id.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	f := identityFile{
		DeviceID:    id.DeviceID,
		PublicKey:   base64.StdEncoding.EncodeToString(id.PublicKey),
		PrivateKey:  base64.StdEncoding.EncodeToString(id.PrivateKey),
		DeviceToken: id.DeviceToken,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.WriteFile(id.path, data, 0600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}
