package settlement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnknownEntry is returned when a key has no ledger row.
var ErrUnknownEntry = errors.New("settlement: unknown entry")

// MemoryLedger is an in-process Ledger used by the in-memory escrow store and
// in tests.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[Key]*Entry), now: time.Now}
}

// Record inserts a pending entry unless one already exists for the key.
func (m *MemoryLedger) Record(in Instruction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[in.Key]; ok {
		return
	}
	now := m.now().UTC()
	m.entries[in.Key] = &Entry{Instruction: in, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
}

func (m *MemoryLedger) Claim(_ context.Context, key Key, lease time.Duration) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false, ErrUnknownEntry
	}
	now := m.now().UTC()
	if e.Status == StatusDone || leased(e, now, lease) {
		return Entry{}, false, nil
	}
	e.Attempts++
	e.LastAttemptAt = &now
	e.Status = StatusPending
	e.UpdatedAt = now
	return *e, true, nil
}

func (m *MemoryLedger) Complete(_ context.Context, key Key) error {
	return m.update(key, func(e *Entry) {
		e.Status = StatusDone
		e.LastError = ""
	})
}

func (m *MemoryLedger) Fail(_ context.Context, key Key, reason string) error {
	return m.update(key, func(e *Entry) {
		e.Status = StatusFailed
		e.LastError = reason
	})
}

func (m *MemoryLedger) Due(_ context.Context, lease time.Duration, limit int) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	var due []*Entry
	for _, e := range m.entries {
		if e.Status == StatusDone {
			continue
		}
		if leased(e, now, lease) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	keys := make([]Key, len(due))
	for i, e := range due {
		keys[i] = e.Key
	}
	return keys, nil
}

// Entry returns a copy of the entry for key.
func (m *MemoryLedger) Entry(key Key) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns copies of all entries in creation order.
func (m *MemoryLedger) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryLedger) update(key Key, fn func(*Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return ErrUnknownEntry
	}
	fn(e)
	e.UpdatedAt = m.now().UTC()
	return nil
}

func leased(e *Entry, now time.Time, lease time.Duration) bool {
	return e.Status == StatusPending && e.LastAttemptAt != nil && now.Sub(*e.LastAttemptAt) < lease
}
