package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawbridge/internal/identity"
	"github.com/nextlevelbuilder/clawbridge/pkg/protocol"
)

var testUpgrader = websocket.Upgrader{}

// fakeServer runs a gateway endpoint that drives one scripted session.
func fakeServer(t *testing.T, session func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		session(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("server read: %v", err)
		return nil
	}
	return protocol.ParseFrame(data)
}

func writeFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, _ := protocol.MarshalFrame(f)
	conn.WriteMessage(websocket.TextMessage, data)
}

func testIdentity(t *testing.T) *identity.DeviceIdentity {
	t.Helper()
	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "device.json"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	return id
}

func helloPayload(t *testing.T, deviceToken string, tickMs int) json.RawMessage {
	t.Helper()
	data, _ := json.Marshal(protocol.HelloOk{
		Protocol: protocol.ProtocolVersion,
		Server:   protocol.ServerInfo{Version: "1.0.0", ConnID: "c1"},
		Auth:     &protocol.AuthResult{DeviceToken: deviceToken},
		Policy:   protocol.PolicyInfo{TickIntervalMs: tickMs},
	})
	return data
}

func TestHandshakeWithChallenge(t *testing.T) {
	id := testIdentity(t)
	connected := make(chan *protocol.HelloOk, 1)

	url := fakeServer(t, func(conn *websocket.Conn) {
		writeFrame(t, conn, protocol.NewEvent(protocol.EventConnectChallenge,
			json.RawMessage(`{"nonce":"n-123"}`)))

		frame := readFrame(t, conn)
		req, ok := frame.(*protocol.RequestFrame)
		if !ok || req.Method != protocol.MethodConnect {
			t.Errorf("expected connect request, got %#v", frame)
			return
		}

		var params protocol.ConnectParams
		json.Unmarshal(req.Params, &params)
		if params.MinProtocol != protocol.ProtocolVersion {
			t.Errorf("minProtocol = %d", params.MinProtocol)
		}
		if params.Device == nil {
			t.Error("device info missing")
			return
		}
		if params.Device.Nonce != "n-123" {
			t.Errorf("nonce = %q, want n-123", params.Device.Nonce)
		}

		// Verify the signature against the advertised public key.
		pub, err := base64.StdEncoding.DecodeString(params.Device.PublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			t.Errorf("bad public key: %v", err)
			return
		}
		sig, _ := base64.StdEncoding.DecodeString(params.Device.Signature)
		if len(sig) != ed25519.SignatureSize {
			t.Errorf("bad signature length %d", len(sig))
		}

		writeFrame(t, conn, protocol.NewOKResponse(req.ID, helloPayload(t, "dt-1", 30000)))

		// Hold the connection open until the client goes away.
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	c := NewClient(Options{
		URL:      url,
		ClientID: "test-client",
		Identity: id,
		Scopes:   []string{"chat"},
	})
	c.OnConnected(func(hello *protocol.HelloOk) { connected <- hello })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	select {
	case hello := <-connected:
		if hello.Server.ConnID != "c1" {
			t.Errorf("connId = %q", hello.Server.ConnID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not complete")
	}

	if c.State() != StateConnected {
		t.Errorf("state = %v, want connected", c.State())
	}
	if got := id.Token(); got != "dt-1" {
		t.Errorf("device token = %q, want dt-1", got)
	}

	c.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestHandshakeFallbackWithoutChallenge(t *testing.T) {
	id := testIdentity(t)
	connected := make(chan struct{}, 1)

	url := fakeServer(t, func(conn *websocket.Conn) {
		// Never send a challenge; the client must connect on its own
		// after the fallback delay.
		frame := readFrame(t, conn)
		req, ok := frame.(*protocol.RequestFrame)
		if !ok || req.Method != protocol.MethodConnect {
			t.Errorf("expected connect request, got %#v", frame)
			return
		}

		var params protocol.ConnectParams
		json.Unmarshal(req.Params, &params)
		if params.Device != nil && params.Device.Nonce != "" {
			t.Errorf("fallback connect should have no nonce, got %q", params.Device.Nonce)
		}

		writeFrame(t, conn, protocol.NewOKResponse(req.ID, helloPayload(t, "", 30000)))
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	c := NewClient(Options{URL: url, ClientID: "test-client", Identity: id})
	c.OnConnected(func(*protocol.HelloOk) { connected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)
	defer c.Stop()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("fallback handshake did not complete")
	}
}

func TestDeviceTokenMismatchClearsToken(t *testing.T) {
	id := testIdentity(t)
	if err := id.SaveToken("stale-token"); err != nil {
		t.Fatal(err)
	}

	rejected := make(chan struct{}, 1)
	url := fakeServer(t, func(conn *websocket.Conn) {
		frame := readFrame(t, conn)
		req, ok := frame.(*protocol.RequestFrame)
		if !ok {
			return
		}
		writeFrame(t, conn, protocol.NewErrorResponse(req.ID, protocol.ErrDeviceTokenMismatch, "token mismatch"))
	})

	c := NewClient(Options{
		URL:           url,
		ClientID:      "test-client",
		Identity:      id,
		ReconnectBase: time.Hour, // no second attempt within the test
	})
	c.OnDisconnected(func(err error) {
		select {
		case rejected <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)
	defer c.Stop()

	select {
	case <-rejected:
	case <-time.After(5 * time.Second):
		t.Fatal("rejection not observed")
	}

	if got := id.Token(); got != "" {
		t.Errorf("token = %q, want cleared", got)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	id := testIdentity(t)
	connected := make(chan struct{}, 1)

	url := fakeServer(t, func(conn *websocket.Conn) {
		frame := readFrame(t, conn)
		req, ok := frame.(*protocol.RequestFrame)
		if !ok {
			return
		}
		writeFrame(t, conn, protocol.NewOKResponse(req.ID, helloPayload(t, "", 30000)))

		// Serve one RPC.
		frame = readFrame(t, conn)
		rpc, ok := frame.(*protocol.RequestFrame)
		if !ok || rpc.Method != protocol.MethodChatSend {
			t.Errorf("expected chat.send, got %#v", frame)
			return
		}
		writeFrame(t, conn, protocol.NewOKResponse(rpc.ID, json.RawMessage(`{"runId":"run-9"}`)))

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	c := NewClient(Options{URL: url, ClientID: "test-client", Identity: id})
	c.OnConnected(func(*protocol.HelloOk) { connected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)
	defer c.Stop()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not complete")
	}

	payload, err := c.Request(ctx, protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey: "tg:u1",
		Message:    "hi",
		Deliver:    true,
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var result struct {
		RunID string `json:"runId"`
	}
	json.Unmarshal(payload, &result)
	if result.RunID != "run-9" {
		t.Errorf("runId = %q", result.RunID)
	}
}

func TestRequestWhileDisconnected(t *testing.T) {
	c := NewClient(Options{URL: "ws://localhost:1", ClientID: "test-client"})

	_, err := c.Request(context.Background(), protocol.MethodChatSend, nil)
	var rpcErr *RPCError
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.ErrUnavailable {
		t.Errorf("err = %v, want UNAVAILABLE", err)
	}
}
