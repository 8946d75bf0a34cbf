// Package lock serializes operations per aggregate id.
package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"librastock/internal/domain"
)

// Key names one aggregate, e.g. "book:<uuid>".
type Key string

func Book(id uuid.UUID) Key    { return Key("book:" + id.String()) }
func Shelf(id uuid.UUID) Key   { return Key("shelf:" + id.String()) }
func Student(id uuid.UUID) Key { return Key("student:" + id.String()) }
func Loan(id uuid.UUID) Key    { return Key("loan:" + id.String()) }

type entry struct {
	ch   chan struct{}
	refs int
}

// Manager hands out exclusive per-key locks. Keys that are not held cost nothing.
type Manager struct {
	mu      sync.Mutex
	entries map[Key]*entry
	timeout time.Duration
}

// NewManager returns a Manager whose acquisitions give up after timeout.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{entries: make(map[Key]*entry), timeout: timeout}
}

func (m *Manager) ref(k Key) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[k] = e
	}
	e.refs++
	return e
}

func (m *Manager) unref(k Key, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, k)
	}
}

// Acquire locks every key, in sorted order, and returns the function that releases
// them. Duplicate and empty keys are ignored. If the locks are not all held within
// the manager's timeout, the ones taken are released and ErrBusy is returned.
func (m *Manager) Acquire(ctx context.Context, keys ...Key) (func(), error) {
	ordered := normalize(keys)

	var deadline <-chan time.Time
	if m.timeout > 0 {
		t := time.NewTimer(m.timeout)
		defer t.Stop()
		deadline = t.C
	}

	held := make([]Key, 0, len(ordered))
	entries := make([]*entry, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-entries[i].ch
			m.unref(held[i], entries[i])
		}
	}

	for _, k := range ordered {
		e := m.ref(k)
		select {
		case e.ch <- struct{}{}:
			held = append(held, k)
			entries = append(entries, e)
		case <-deadline:
			m.unref(k, e)
			release()
			return nil, fmt.Errorf("lock %s: %w", k, domain.ErrBusy)
		case <-ctx.Done():
			m.unref(k, e)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func normalize(keys []Key) []Key {
	out := make([]Key, 0, len(keys))
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
