package protocol

// Error codes returned by the gateway in res frames.
const (
	ErrInvalidRequest      = "INVALID_REQUEST"
	ErrMethodNotFound      = "METHOD_NOT_FOUND"
	ErrNotAuthorized       = "NOT_AUTHORIZED"
	ErrNotPaired           = "NOT_PAIRED"
	ErrUnavailable         = "UNAVAILABLE"
	ErrAgentTimeout        = "AGENT_TIMEOUT"
	ErrProtocolMismatch    = "PROTOCOL_MISMATCH"
	ErrDeviceTokenMismatch = "DEVICE_TOKEN_MISMATCH"
	ErrRateLimited         = "RATE_LIMITED"
	ErrInternal            = "INTERNAL"
)
