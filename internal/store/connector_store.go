package store

// Connector lifecycle states.
const (
	ConnectorStateRunning = "running"
	ConnectorStateStopped = "stopped"
	ConnectorStateError   = "error"
)

// ConnectorStatus is the persisted lifecycle record for one connector.
type ConnectorStatus struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	PID       int    `json:"pid,omitempty"`
	Error     string `json:"error,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"` // unix millis
	UpdatedAt int64  `json:"updated_at"`           // unix millis
}

// ConnectorStore persists connector lifecycle state.
type ConnectorStore interface {
	GetStatus(id string) (*ConnectorStatus, bool)
	SetStatus(status ConnectorStatus) error
	ListStatuses() []ConnectorStatus
	RemoveStatus(id string) error
}
