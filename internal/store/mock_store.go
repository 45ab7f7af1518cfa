// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	executions map[string][]*ExecutionRecord // keyed by room ID, insertion order
	snapshots  map[string][]*CodeSnapshot    // keyed by room ID, insertion order

	// Err, when set, is returned by every write.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		executions: make(map[string][]*ExecutionRecord),
		snapshots:  make(map[string][]*CodeSnapshot),
	}
}

// RecordExecution stores a copy of rec.
func (m *MockStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	r := *rec
	m.executions[r.RoomID] = append(m.executions[r.RoomID], &r)
	return nil
}

// RecordCodeSnapshot stores a copy of snap unless its digest repeats the latest.
func (m *MockStore) RecordCodeSnapshot(ctx context.Context, snap *CodeSnapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	snap.Digest = Digest(snap.Content)
	existing := m.snapshots[snap.RoomID]
	if n := len(existing); n > 0 && existing[n-1].Digest == snap.Digest {
		return false, nil
	}

	s := *snap
	m.snapshots[s.RoomID] = append(existing, &s)
	return true, nil
}

// ListExecutions returns copies of a room's executions, newest first.
func (m *MockStore) ListExecutions(ctx context.Context, roomID string, limit int) ([]*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.executions[roomID]
	out := make([]*ExecutionRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		r := *all[i]
		out = append(out, &r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestSnapshot returns a copy of the room's newest snapshot.
func (m *MockStore) LatestSnapshot(ctx context.Context, roomID string) (*CodeSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.snapshots[roomID]
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	s := *snaps[len(snaps)-1]
	return &s, nil
}

// SnapshotCount returns how many snapshots were stored for a room.
func (m *MockStore) SnapshotCount(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots[roomID])
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// Compile-time interface check
var _ Store = (*MockStore)(nil)
