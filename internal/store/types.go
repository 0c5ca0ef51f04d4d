package store

// StoreConfig configures the store layer.
type StoreConfig struct {
	// DataDir is the root data directory (default: ~/.clawbridge/data).
	DataDir string

	// PairingStorePath is the file path for pairing data persistence.
	PairingStorePath string

	// ConnectorStorePath is the file path for connector lifecycle state.
	ConnectorStorePath string

	// TranscriptDBPath is the SQLite database path for chat transcripts.
	TranscriptDBPath string
}

// Stores bundles the persistence interfaces handed to the rest of the system.
type Stores struct {
	Connectors ConnectorStore
	Pairing    PairingStore
}
