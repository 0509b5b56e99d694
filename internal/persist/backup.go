package persist

import (
	"context"
	"sync"
)

// Snapshot is the local copy of a completion written on every save, so a
// crash between the save and the debounced server write loses nothing.
type Snapshot struct {
	ID        string     `json:"id"`
	UpdatedAt int64      `json:"updatedAt"`
	Reason    string     `json:"reason"`
	Payload   Completion `json:"payload"`
}

// BackupStore keeps one Snapshot per completion id. Get returns nil, nil
// when there is none.
type BackupStore interface {
	Put(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
	Delete(ctx context.Context, id string) error
}

// MemoryBackup is a process-local BackupStore.
type MemoryBackup struct {
	mu   sync.Mutex
	snap map[string]Snapshot
}

func NewMemoryBackup() *MemoryBackup {
	return &MemoryBackup{snap: make(map[string]Snapshot)}
}

func (m *MemoryBackup) Put(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	m.snap[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackup) Get(_ context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snap[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryBackup) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.snap, id)
	m.mu.Unlock()
	return nil
}
