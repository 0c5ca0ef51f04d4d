package protocol

// Client modes accepted by the gateway during connect.
const (
	ClientModeBackend = "backend"
	ClientModeCLI     = "cli"
	ClientModeNode    = "node"
)

// ConnectParams is the params object for the connect handshake request.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role,omitempty"`
	Scopes      []string    `json:"scopes,omitempty"`
	Auth        *AuthInfo   `json:"auth,omitempty"`
	Device      *DeviceInfo `json:"device,omitempty"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId,omitempty"`
}

// AuthInfo carries bearer credentials.
type AuthInfo struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// DeviceInfo carries the device identity proof for device auth.
type DeviceInfo struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// HelloOk is the payload of a successful connect response.
type HelloOk struct {
	Protocol int         `json:"protocol"`
	Server   ServerInfo  `json:"server"`
	Features Features    `json:"features"`
	Auth     *AuthResult `json:"auth,omitempty"`
	Policy   PolicyInfo  `json:"policy"`
}

// ServerInfo describes the gateway.
type ServerInfo struct {
	Version string `json:"version"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

// Features lists methods and events the gateway supports.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// PolicyInfo carries connection policy advertised by the gateway.
type PolicyInfo struct {
	MaxPayload       int `json:"maxPayload"`
	MaxBufferedBytes int `json:"maxBufferedBytes"`
	TickIntervalMs   int `json:"tickIntervalMs"`
}

// AuthResult is the gateway's view of the authenticated device.
type AuthResult struct {
	DeviceToken string   `json:"deviceToken,omitempty"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	IssuedAtMs  int64    `json:"issuedAtMs,omitempty"`
}

// ConnectChallenge is the payload of the connect.challenge event.
type ConnectChallenge struct {
	Nonce string `json:"nonce"`
}

// TickEvent is the tick liveness event payload.
type TickEvent struct {
	Ts int64 `json:"ts"`
}

// ShutdownEvent announces an impending server restart.
type ShutdownEvent struct {
	Reason            string `json:"reason"`
	RestartExpectedMs int    `json:"restartExpectedMs,omitempty"`
}

// Attachment is an inline attachment for chat.send.
type Attachment struct {
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Content  string `json:"content"` // data URI or base64 content
}

// ChatSendParams is the params object for chat.send.
type ChatSendParams struct {
	SessionKey     string       `json:"sessionKey"`
	Message        string       `json:"message"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Deliver        bool         `json:"deliver"`
	TimeoutMs      int          `json:"timeoutMs,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
}

// ChatHistoryParams is the params object for chat.history.
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

// ChatHistoryResult is the payload of a chat.history response.
type ChatHistoryResult struct {
	Messages []ChatHistoryMessage `json:"messages"`
}

// ChatHistoryMessage is a single backlog entry.
type ChatHistoryMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ChatEventPayload is the payload of the chat event.
type ChatEventPayload struct {
	SessionKey string       `json:"sessionKey"`
	RunID      string       `json:"runId,omitempty"`
	Message    *ChatMessage `json:"message,omitempty"`
	Status     string       `json:"status,omitempty"`
}

// ChatMessage is the message body inside a chat event.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content []ChatContent `json:"content,omitempty"`
	Text    string        `json:"text,omitempty"`
}

// ChatContent is one content block of a chat message.
type ChatContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
