// Package history keeps a log of performed turns: every segment the director
// carried to the Waiting state is recorded with its speaker, its revealed
// text and its timing.
//
// Two [Store] implementations exist: [MemStore], a bounded in-process ring
// used when no database is configured, and the PostgreSQL store in the
// postgres subpackage.
package history

import (
	"context"
	"sync"
	"time"
)

// Entry is one performed turn.
type Entry struct {
	SegmentID string
	Character string
	Name      string
	Text      string
	ThinkText string
	Chunks    int
	Skipped   int
	Started   time.Time
	Finished  time.Time
}

// Duration returns the wall time the performance took.
func (e Entry) Duration() time.Duration { return e.Finished.Sub(e.Started) }

// Store persists entries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append records one entry.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to n of the latest entries, oldest first. n <= 0
	// returns every entry the store holds.
	Recent(ctx context.Context, n int) ([]Entry, error)
}

var _ Store = (*MemStore)(nil)

// DefaultCapacity is the MemStore size used when none is given.
const DefaultCapacity = 200

// MemStore keeps the latest entries in memory and forgets the oldest once
// full.
type MemStore struct {
	mu      sync.Mutex
	entries []Entry
	start   int
	size    int
}

// NewMemStore returns a MemStore holding at most capacity entries. A
// non-positive capacity selects [DefaultCapacity].
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemStore{entries: make([]Entry, capacity)}
}

// Append implements [Store].
func (m *MemStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := len(m.entries)
	if m.size < c {
		m.entries[(m.start+m.size)%c] = e
		m.size++
		return nil
	}
	m.entries[m.start] = e
	m.start = (m.start + 1) % c
	return nil
}

// Recent implements [Store].
func (m *MemStore) Recent(_ context.Context, n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > m.size {
		n = m.size
	}
	out := make([]Entry, n)
	c := len(m.entries)
	skip := m.size - n
	for i := range n {
		out[i] = m.entries[(m.start+skip+i)%c]
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}
