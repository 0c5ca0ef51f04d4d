package store

// PairingRequestData represents a pending pairing code.
type PairingRequestData struct {
	Code       string `json:"code"`
	Connector  string `json:"connector"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// PairingStore manages per-connector sender pairing.
type PairingStore interface {
	CreateOrTouch(connector, senderID, senderName, channelID string) (code string, created bool, err error)
	Approve(connector, code string) (senderID string, ok bool)
	Allow(connector, senderID string)
	Revoke(connector, senderID string) error
	IsAllowed(connector, senderID string) bool
	AllowedSenders(connector string) []string
	ListPending(connector string) []PairingRequestData
}
