package file

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// FileConnectorStore persists connector lifecycle state to a JSON file.
// Every mutation is a read-modify-write under a single mutex.
type FileConnectorStore struct {
	path     string
	mu       sync.Mutex
	statuses map[string]store.ConnectorStatus
}

func NewFileConnectorStore(path string) *FileConnectorStore {
	s := &FileConnectorStore{
		path:     path,
		statuses: map[string]store.ConnectorStatus{},
	}
	s.load()
	return s
}

func (s *FileConnectorStore) GetStatus(id string) (*store.ConnectorStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.statuses[id]
	if !ok {
		return nil, false
	}
	return &st, true
}

func (s *FileConnectorStore) SetStatus(status store.ConnectorStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status.UpdatedAt = time.Now().UnixMilli()
	s.statuses[status.ID] = status
	return s.save()
}

func (s *FileConnectorStore) ListStatuses() []store.ConnectorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.ConnectorStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *FileConnectorStore) RemoveStatus(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.statuses[id]; !ok {
		return fmt.Errorf("connector not found: %s", id)
	}
	delete(s.statuses, id)
	return s.save()
}

func (s *FileConnectorStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return // file doesn't exist yet
	}
	var statuses map[string]store.ConnectorStatus
	if err := json.Unmarshal(data, &statuses); err != nil {
		slog.Warn("connector store unreadable, starting empty", "error", err)
		return
	}
	s.statuses = statuses
}

func (s *FileConnectorStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(s.statuses, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal connector statuses: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write connector store: %w", err)
	}
	return nil
}
