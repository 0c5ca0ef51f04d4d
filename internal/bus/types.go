package bus

import "time"

// InboundMessage is a normalized message arriving from a connector.
// Immutable once constructed; produced by a gateway connection (live event or
// history poll) or by a platform adapter, consumed by the connector manager.
type InboundMessage struct {
	Connector   string
	ChannelID   string
	ChannelName string
	SenderID    string
	SenderName  string
	Content     string
	Media       []string
	IsGroup     bool
	SessionKey  string
	Timestamp   time.Time
}

// OutboundMessage is a reply heading back to a connector channel.
type OutboundMessage struct {
	Connector string
	ChannelID string
	Content   string
}

// MessageHandler processes an inbound message for a connector.
type MessageHandler func(msg InboundMessage)

// Event is a broadcast notification (connection state changes, errors).
type Event struct {
	Name      string
	Connector string
	Payload   any
}

// EventHandler receives broadcast events. Handlers must be non-blocking.
type EventHandler func(ev Event)
