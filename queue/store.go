package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/nutpos/nutpos/types"
)

// Store abstracts queue-entry persistence, keyed by payment ID.
type Store interface {
	Get(ctx context.Context, paymentID string) (*types.QueueEntry, error)
	Put(ctx context.Context, entry types.QueueEntry) error
	Delete(ctx context.Context, paymentID string) error
	List(ctx context.Context) ([]types.QueueEntry, error)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]types.QueueEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]types.QueueEntry)}
}

func (m *MemoryStore) Get(_ context.Context, paymentID string) (*types.QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.data[paymentID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryStore) Put(_ context.Context, entry types.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[entry.PaymentID] = entry
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, paymentID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]types.QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]types.QueueEntry, 0, len(m.data))
	for _, entry := range m.data {
		entries = append(entries, entry)
	}
	return entries, nil
}

// FileStore persists entries to a JSON file and survives process restart.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]types.QueueEntry
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]types.QueueEntry),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return types.Errorf(types.ErrStorage, "read queue file: %v", err)
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return types.Errorf(types.ErrStorage, "decode queue file: %v", err)
	}
	return nil
}

// persist writes the whole map atomically via a temp file rename, so a crash
// mid-write cannot corrupt entries already promised to the merchant.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return types.Errorf(types.ErrStorage, "create queue dir: %v", err)
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return types.Errorf(types.ErrStorage, "encode queue: %v", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return types.Errorf(types.ErrStorage, "write queue file: %v", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return types.Errorf(types.ErrStorage, "commit queue file: %v", err)
	}
	return nil
}

func (f *FileStore) Get(_ context.Context, paymentID string) (*types.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.data[paymentID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (f *FileStore) Put(_ context.Context, entry types.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[entry.PaymentID] = entry
	return f.persist()
}

func (f *FileStore) Delete(_ context.Context, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, paymentID)
	return f.persist()
}

func (f *FileStore) List(_ context.Context) ([]types.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]types.QueueEntry, 0, len(f.data))
	for _, entry := range f.data {
		entries = append(entries, entry)
	}
	return entries, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)
