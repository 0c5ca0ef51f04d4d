package file

import (
	"github.com/nextlevelbuilder/clawbridge/internal/pairing"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// NewFileStores creates all stores backed by the filesystem.
func NewFileStores(cfg store.StoreConfig) (*store.Stores, error) {
	pairingSvc := pairing.NewService(cfg.PairingStorePath)

	return &store.Stores{
		Connectors: NewFileConnectorStore(cfg.ConnectorStorePath),
		Pairing:    NewFilePairingStore(pairingSvc),
	}, nil
}
