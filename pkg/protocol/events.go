package protocol

// WebSocket event names pushed from server to client.
const (
	EventChat             = "chat"
	EventTick             = "tick"
	EventShutdown         = "shutdown"
	EventConnectChallenge = "connect.challenge"
	EventHealth           = "health"
	EventPresence         = "presence"
)

// RPC method names.
const (
	MethodConnect     = "connect"
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodPoll        = "poll"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk   = "chunk"
	ChatEventMessage = "message"
)
