package ledger

import (
	"context"
	"sort"
	"sync"
)

type pendingKey struct {
	project string
	branch  string
	path    string
}

type memoryEntry struct {
	record ChangeRecord
	seq    int64
	lock   sync.Mutex
}

// MemoryStore keeps change records in process.
type MemoryStore struct {
	mu            sync.RWMutex
	entries       map[string]*memoryEntry
	pending       map[pendingKey]string
	allowMultiple bool
	seq           int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. With allowMultiplePending false a
// second pending change on the same path fails with ErrConflict.
func NewMemoryStore(allowMultiplePending bool) *MemoryStore {
	return &MemoryStore{
		entries:       map[string]*memoryEntry{},
		pending:       map[pendingKey]string{},
		allowMultiple: allowMultiplePending,
	}
}

func (m *MemoryStore) InsertChange(_ context.Context, record ChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[record.ID]; exists {
		return ErrConflict
	}
	key := pendingKey{record.ProjectID, record.BranchName, record.FilePath}
	if !m.allowMultiple {
		if _, taken := m.pending[key]; taken {
			return ErrConflict
		}
		m.pending[key] = record.ID
	}
	m.seq++
	m.entries[record.ID] = &memoryEntry{record: record, seq: m.seq}
	return nil
}

func (m *MemoryStore) GetChange(_ context.Context, changeID string) (ChangeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[changeID]
	if !ok {
		return ChangeRecord{}, ErrNotFound
	}
	return entry.record, nil
}

func (m *MemoryStore) ListChanges(_ context.Context, filter Filter) ([]ChangeRecord, error) {
	m.mu.RLock()
	matched := make([]*memoryEntry, 0)
	for _, entry := range m.entries {
		record := entry.record
		if filter.ProjectID != "" && record.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Branch != "" && record.BranchName != filter.Branch {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		matched = append(matched, entry)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.record.CreatedAt.Equal(b.record.CreatedAt) {
			return a.record.CreatedAt.After(b.record.CreatedAt)
		}
		return a.seq > b.seq
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	items := make([]ChangeRecord, 0, len(matched))
	for _, entry := range matched {
		items = append(items, entry.record)
	}
	return items, nil
}

// TransitionChange holds the record's lock across apply so concurrent
// decisions on one record run one at a time; unrelated records do not wait.
func (m *MemoryStore) TransitionChange(ctx context.Context, transition Transition, apply ApplyFunc) (ChangeRecord, error) {
	m.mu.RLock()
	entry, ok := m.entries[transition.ID]
	m.mu.RUnlock()
	if !ok {
		return ChangeRecord{}, ErrNotFound
	}

	entry.lock.Lock()
	defer entry.lock.Unlock()

	m.mu.RLock()
	current := entry.record
	m.mu.RUnlock()
	if current.Status != StatusPending {
		return ChangeRecord{}, ErrInvalidState
	}

	next := Decide(current, transition)
	if apply != nil {
		if err := apply(ctx, next); err != nil {
			return ChangeRecord{}, err
		}
	}

	m.mu.Lock()
	entry.record = next
	key := pendingKey{current.ProjectID, current.BranchName, current.FilePath}
	if m.pending[key] == current.ID {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	return next, nil
}
