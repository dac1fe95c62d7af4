// Package boundedlog provides a capped, persisted, append-only audit log.
package boundedlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	"github.com/hyperengineering/reconcile/internal/store"
)

// DefaultCapacity is the number of entries retained when no capacity is given.
const DefaultCapacity = 100

// Order controls where new entries are inserted.
type Order int

const (
	// NewestFirst inserts at the head and trims the tail.
	NewestFirst Order = iota
	// OldestFirst appends at the tail and trims the head.
	OldestFirst
)

// Log is a bounded list of entries. In both orders the most recent
// Capacity entries are retained and the oldest are evicted first.
// A Log is safe for concurrent use.
type Log[T any] struct {
	mu       sync.Mutex
	entries  []T
	capacity int
	order    Order
	kv       store.KV
	key      string
}

// New creates a Log and loads any entries persisted under key.
// A nil kv keeps the log in memory only. Load failures are logged and
// leave the log empty.
func New[T any](ctx context.Context, kv store.KV, key string, capacity int, order Order) *Log[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log[T]{
		capacity: capacity,
		order:    order,
		kv:       kv,
		key:      key,
	}
	l.load(ctx)
	return l
}

// Add inserts an entry, evicting the oldest entries beyond capacity,
// and persists the result.
func (l *Log[T]) Add(ctx context.Context, entry T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.order {
	case OldestFirst:
		l.entries = append(l.entries, entry)
		if over := len(l.entries) - l.capacity; over > 0 {
			l.entries = append([]T(nil), l.entries[over:]...)
		}
	default:
		l.entries = append([]T{entry}, l.entries...)
		if len(l.entries) > l.capacity {
			l.entries = l.entries[:l.capacity]
		}
	}
	l.save(ctx)
}

// Entries returns a copy of all entries in storage order.
func (l *Log[T]) Entries() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]T(nil), l.entries...)
}

// Filter returns a copy of the entries for which keep returns true.
func (l *Log[T]) Filter(keep func(T) bool) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, 0)
	for _, e := range l.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Capacity returns the maximum number of retained entries.
func (l *Log[T]) Capacity() int {
	return l.capacity
}

// Clear removes all entries and persists the empty log.
func (l *Log[T]) Clear(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.save(ctx)
}

// load must be called before the log is shared.
func (l *Log[T]) load(ctx context.Context) {
	if l.kv == nil {
		return
	}
	data, err := l.kv.Get(ctx, l.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("failed to load log",
				"component", "boundedlog",
				"key", l.key,
				"error", err,
			)
		}
		return
	}

	var entries []T
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("failed to decode log, starting empty",
			"component", "boundedlog",
			"key", l.key,
			"error", err,
		)
		return
	}

	// The capacity may have been lowered since the log was written.
	if over := len(entries) - l.capacity; over > 0 {
		if l.order == OldestFirst {
			entries = entries[over:]
		} else {
			entries = entries[:l.capacity]
		}
	}
	l.entries = entries
}

// save is called with mu held. Failures keep the in-memory state.
func (l *Log[T]) save(ctx context.Context) {
	if l.kv == nil {
		return
	}
	entries := l.entries
	if entries == nil {
		entries = []T{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		slog.Warn("failed to encode log",
			"component", "boundedlog",
			"key", l.key,
			"error", err,
		)
		return
	}
	if err := l.kv.Set(ctx, l.key, data); err != nil {
		slog.Warn("failed to persist log",
			"component", "boundedlog",
			"key", l.key,
			"error", err,
		)
	}
}
