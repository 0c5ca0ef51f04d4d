// Package protocol defines the wire format for the Clawbridge Gateway WebSocket protocol.
// Frames are JSON objects discriminated by the "type" field: "req", "res", or "event".
package protocol

import "encoding/json"

// Protocol version. Clients must negotiate this during connect handshake.
const ProtocolVersion = 3

// Frame types
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Frame is the discriminated union of the three wire-frame shapes.
// Concrete types: *RequestFrame, *ResponseFrame, *EventFrame.
type Frame interface {
	FrameType() string
}

// RequestFrame invokes an RPC method and expects exactly one matching response.
type RequestFrame struct {
	Type   string          `json:"type"`   // always "req"
	ID     string          `json:"id"`     // unique request ID (client-generated)
	Method string          `json:"method"` // RPC method name
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame settles a request with the same ID.
type ResponseFrame struct {
	Type    string          `json:"type"` // always "res"
	ID      string          `json:"id"`   // matches request ID
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"` // response data (when ok=true)
	Error   *ErrorShape     `json:"error,omitempty"`   // error info (when ok=false)
}

// ErrorShape describes a protocol error.
type ErrorShape struct {
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	RetryAfterMs int             `json:"retryAfterMs,omitempty"`
}

// EventFrame is pushed from server to client without a preceding request.
type EventFrame struct {
	Type         string          `json:"type"`  // always "event"
	Event        string          `json:"event"` // event name
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          int64           `json:"seq,omitempty"`          // ordering sequence number
	StateVersion *StateVersion   `json:"stateVersion,omitempty"` // version counters for state sync
}

// StateVersion tracks version counters for optimistic state sync.
type StateVersion struct {
	Presence int64 `json:"presence"`
	Health   int64 `json:"health"`
}

func (*RequestFrame) FrameType() string  { return FrameTypeRequest }
func (*ResponseFrame) FrameType() string { return FrameTypeResponse }
func (*EventFrame) FrameType() string    { return FrameTypeEvent }

// NewRequest creates a request frame.
func NewRequest(id, method string, params json.RawMessage) *RequestFrame {
	return &RequestFrame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewOKResponse creates a success response frame.
func NewOKResponse(id string, payload json.RawMessage) *ResponseFrame {
	return &ResponseFrame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      true,
		Payload: payload,
	}
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id string, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type: FrameTypeResponse,
		ID:   id,
		OK:   false,
		Error: &ErrorShape{
			Code:    code,
			Message: message,
		},
	}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload json.RawMessage) *EventFrame {
	return &EventFrame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: payload,
	}
}

// ParseFrame decodes raw bytes into a typed frame.
// Returns nil for anything that is not a well-formed frame: invalid JSON,
// unrecognized type discriminator, or missing required fields
// (req needs id+method, res needs id, event needs an event name).
// It never panics.
func ParseFrame(data []byte) Frame {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	switch raw.Type {
	case FrameTypeRequest:
		var req RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			return nil
		}
		if req.ID == "" || req.Method == "" {
			return nil
		}
		return &req

	case FrameTypeResponse:
		var res ResponseFrame
		if err := json.Unmarshal(data, &res); err != nil {
			return nil
		}
		if res.ID == "" {
			return nil
		}
		return &res

	case FrameTypeEvent:
		var ev EventFrame
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil
		}
		if ev.Event == "" {
			return nil
		}
		return &ev

	default:
		return nil
	}
}

// MarshalFrame serializes a frame to its JSON wire form.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
