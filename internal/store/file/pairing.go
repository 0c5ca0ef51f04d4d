package file

import (
	"github.com/nextlevelbuilder/clawbridge/internal/pairing"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// FilePairingStore wraps pairing.Service to implement store.PairingStore.
type FilePairingStore struct {
	svc *pairing.Service
}

func NewFilePairingStore(svc *pairing.Service) *FilePairingStore {
	return &FilePairingStore{svc: svc}
}

// Service returns the underlying pairing.Service for direct access.
func (f *FilePairingStore) Service() *pairing.Service { return f.svc }

func (f *FilePairingStore) CreateOrTouch(connector, senderID, senderName, channelID string) (string, bool, error) {
	return f.svc.CreateOrTouch(connector, senderID, senderName, channelID)
}

func (f *FilePairingStore) Approve(connector, code string) (string, bool) {
	return f.svc.Approve(connector, code)
}

func (f *FilePairingStore) Allow(connector, senderID string) {
	f.svc.Allow(connector, senderID)
}

func (f *FilePairingStore) Revoke(connector, senderID string) error {
	return f.svc.Revoke(connector, senderID)
}

func (f *FilePairingStore) IsAllowed(connector, senderID string) bool {
	return f.svc.IsAllowed(connector, senderID)
}

func (f *FilePairingStore) AllowedSenders(connector string) []string {
	return f.svc.AllowedSenders(connector)
}

func (f *FilePairingStore) ListPending(connector string) []store.PairingRequestData {
	items := f.svc.ListPending(connector)
	result := make([]store.PairingRequestData, len(items))
	for i, item := range items {
		result[i] = store.PairingRequestData{
			Code:       item.Code,
			Connector:  connector,
			SenderID:   item.SenderID,
			SenderName: item.SenderName,
			ChannelID:  item.ChannelID,
			CreatedAt:  item.CreatedAt,
			UpdatedAt:  item.UpdatedAt,
		}
	}
	return result
}
