package gateway

import (
	"encoding/json"
	"testing"

	"github.com/nextlevelbuilder/clawbridge/pkg/protocol"
)

func TestExtractReply(t *testing.T) {
	payload, _ := json.Marshal(protocol.ChatEventPayload{
		SessionKey: "tg:u1",
		RunID:      "run-1",
		Status:     protocol.ChatEventMessage,
		Message: &protocol.ChatMessage{
			Role: "assistant",
			Text: "hello back",
		},
	})

	reply, ok := ExtractReply(payload)
	if !ok {
		t.Fatal("expected a reply")
	}
	if reply.SessionKey != "tg:u1" || reply.RunID != "run-1" || reply.Text != "hello back" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestExtractReplySkips(t *testing.T) {
	tests := []struct {
		name    string
		payload protocol.ChatEventPayload
	}{
		{"chunk status", protocol.ChatEventPayload{
			Status:  protocol.ChatEventChunk,
			Message: &protocol.ChatMessage{Role: "assistant", Text: "partial"},
		}},
		{"no message", protocol.ChatEventPayload{SessionKey: "tg:u1"}},
		{"user role", protocol.ChatEventPayload{
			Message: &protocol.ChatMessage{Role: "user", Text: "hi"},
		}},
		{"empty text", protocol.ChatEventPayload{
			Message: &protocol.ChatMessage{Role: "assistant", Text: "   "},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, _ := json.Marshal(tt.payload)
			if _, ok := ExtractReply(raw); ok {
				t.Error("expected no reply")
			}
		})
	}

	if _, ok := ExtractReply(nil); ok {
		t.Error("nil payload should yield no reply")
	}
	if _, ok := ExtractReply(json.RawMessage(`{bad`)); ok {
		t.Error("malformed payload should yield no reply")
	}
}

func TestExtractReplyContentBlocks(t *testing.T) {
	payload, _ := json.Marshal(protocol.ChatEventPayload{
		SessionKey: "tg:u1",
		Message: &protocol.ChatMessage{
			Role: "assistant",
			Content: []protocol.ChatContent{
				{Type: "text", Text: "first"},
				{Type: "image", Text: "ignored"},
				{Type: "text", Text: "second"},
			},
		},
	})

	reply, ok := ExtractReply(payload)
	if !ok {
		t.Fatal("expected a reply")
	}
	if reply.Text != "first\nsecond" {
		t.Errorf("text = %q", reply.Text)
	}
}

func TestLiveKeyStability(t *testing.T) {
	r := &Reply{SessionKey: "TG:U1", RunID: "run-1", Text: "hello"}

	k1 := LiveKey(r, 7)
	k2 := LiveKey(&Reply{SessionKey: "tg:u1", RunID: "run-1", Text: "hello"}, 7)
	if k1 != k2 {
		t.Error("session key casing should not change the live key")
	}

	if LiveKey(r, 7) == LiveKey(r, 8) {
		t.Error("different seq should change the key")
	}
	if LiveKey(r, 7) == LiveKey(&Reply{SessionKey: "tg:u1", RunID: "run-1", Text: "other"}, 7) {
		t.Error("different text should change the key")
	}
}

func TestRecencyWindowSuppressesCrossPath(t *testing.T) {
	w := NewRecencyWindow()

	if !w.Observe("tg:u1", "hello") {
		t.Error("first sighting should be fresh")
	}
	if w.Observe("tg:u1", "hello") {
		t.Error("second sighting should be suppressed")
	}
	if !w.Observe("tg:u2", "hello") {
		t.Error("other session should be independent")
	}
	if !w.Observe("tg:u1", "different") {
		t.Error("other text should be independent")
	}
}
