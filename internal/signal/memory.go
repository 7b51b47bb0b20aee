package signal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tablecam/native/internal/domain"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. Every participant sharing the same
// MemoryStore sees the same records, which lets tests and single-process
// demos run whole rooms without Redis.
type MemoryStore struct {
	mu       sync.Mutex
	records  []Record
	watchers map[string]map[*memoryWatcher]struct{} // roomID -> watchers
	lastMs   int64
	closed   bool

	now func() time.Time
}

type memoryWatcher struct {
	changed chan struct{}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		watchers: make(map[string]map[*memoryWatcher]struct{}),
		now:      time.Now,
	}
}

// Insert appends rec and wakes every watcher of its room.
func (s *MemoryStore) Insert(_ context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, domain.ErrClosed
	}

	// createdAt is strictly increasing so ordering matches insertion order.
	ms := s.now().UnixMilli()
	if ms <= s.lastMs {
		ms = s.lastMs + 1
	}
	s.lastMs = ms

	rec.ID = uuid.NewString()
	rec.CreatedAt = ms
	s.records = append(s.records, rec)

	for w := range s.watchers[rec.RoomID] {
		select {
		case w.changed <- struct{}{}:
		default:
		}
	}
	return rec, nil
}

// Watch starts a live query over the store.
func (s *MemoryStore) Watch(ctx context.Context, q Query) (<-chan Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrClosed
	}
	w := &memoryWatcher{changed: make(chan struct{}, 1)}
	if s.watchers[q.RoomID] == nil {
		s.watchers[q.RoomID] = make(map[*memoryWatcher]struct{})
	}
	s.watchers[q.RoomID][w] = struct{}{}
	s.mu.Unlock()

	// Evaluate once right away.
	w.changed <- struct{}{}

	out := make(chan Result, 1)
	go func() {
		defer close(out)
		defer s.removeWatcher(q.RoomID, w)

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.changed:
			}
			if !deliver(ctx, out, Result{Records: s.snapshot(q)}) {
				return
			}
		}
	}()
	return out, nil
}

// Records returns a copy of every stored record.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Close rejects further inserts and watches.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) snapshot(q Query) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterRecords(s.records, q)
}

func (s *MemoryStore) removeWatcher(roomID string, w *memoryWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[roomID], w)
	if len(s.watchers[roomID]) == 0 {
		delete(s.watchers, roomID)
	}
}
