package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/hyperengineering/reconcile/internal/store"
)

// ProcessedKey is the KV key the processed set is persisted under.
const ProcessedKey = "idempotency:processed"

const (
	// DefaultMaxEntries caps the processed set; the oldest ids are evicted first.
	DefaultMaxEntries = 1000
	// DefaultMaxAge is the age after which a processed id counts as expired.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// ProcessedRequest records that the server applied a request id.
type ProcessedRequest struct {
	RequestID   string    `json:"request_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Stats summarizes the processed set.
type Stats struct {
	Total   int        `json:"total"`
	Expired int        `json:"expired"`
	Recent  int        `json:"recent"`
	Oldest  *time.Time `json:"oldest,omitempty"`
	Newest  *time.Time `json:"newest,omitempty"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxEntries sets the processed set capacity.
func WithMaxEntries(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxEntries = n
		}
	}
}

// WithMaxAge sets the age used by Stats to count expired ids.
func WithMaxAge(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker is a persisted, bounded set of processed request ids.
// It is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	kv         store.KV
	entries    []ProcessedRequest // oldest first
	index      map[string]struct{}
	maxEntries int
	maxAge     time.Duration
	now        func() time.Time
}

// NewTracker creates a Tracker and loads the set persisted in kv.
// A nil kv keeps the set in memory only.
func NewTracker(ctx context.Context, kv store.KV, opts ...Option) *Tracker {
	t := &Tracker{
		kv:         kv,
		index:      make(map[string]struct{}),
		maxEntries: DefaultMaxEntries,
		maxAge:     DefaultMaxAge,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.load(ctx)
	return t
}

// WasProcessed reports whether id has been marked processed.
func (t *Tracker) WasProcessed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.index[id]
	return ok
}

// MarkProcessed adds id to the set. Marking an id twice keeps the first
// ProcessedAt.
func (t *Tracker) MarkProcessed(ctx context.Context, id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[id]; ok {
		return
	}
	t.entries = append(t.entries, ProcessedRequest{RequestID: id, ProcessedAt: t.now()})
	t.index[id] = struct{}{}
	t.trim()
	t.save(ctx)
}

// Cleanup evicts ids processed more than maxAge ago and returns how many
// were removed.
func (t *Tracker) Cleanup(ctx context.Context, maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	kept := t.entries[:0]
	removed := 0
	for _, e := range t.entries {
		if e.ProcessedAt.Before(cutoff) {
			delete(t.index, e.RequestID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept

	if removed > 0 {
		t.save(ctx)
		slog.Info("cleaned up processed requests",
			"component", "idempotency",
			"removed", removed,
			"remaining", len(t.entries),
		)
	}
	return removed
}

// Count returns the number of processed ids.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns a copy of the processed set, oldest first.
func (t *Tracker) Entries() []ProcessedRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ProcessedRequest(nil), t.entries...)
}

// Stats reports totals and the processed time range.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{Total: len(t.entries)}
	cutoff := t.now().Add(-t.maxAge)
	for _, e := range t.entries {
		at := e.ProcessedAt
		if at.Before(cutoff) {
			s.Expired++
		}
		if s.Oldest == nil || at.Before(*s.Oldest) {
			s.Oldest = &at
		}
		if s.Newest == nil || at.After(*s.Newest) {
			s.Newest = &at
		}
	}
	s.Recent = s.Total - s.Expired
	return s
}

// trim is called with mu held.
func (t *Tracker) trim() {
	over := len(t.entries) - t.maxEntries
	if over <= 0 {
		return
	}
	for _, e := range t.entries[:over] {
		delete(t.index, e.RequestID)
	}
	t.entries = append([]ProcessedRequest(nil), t.entries[over:]...)
}

// load must be called before the tracker is shared. Older clients stored
// a bare JSON array of ids; their ProcessedAt comes from the id timestamp.
func (t *Tracker) load(ctx context.Context) {
	if t.kv == nil {
		return
	}
	data, err := t.kv.Get(ctx, ProcessedKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("failed to load processed requests",
				"component", "idempotency",
				"error", err,
			)
		}
		return
	}

	var entries []ProcessedRequest
	if err := json.Unmarshal(data, &entries); err != nil {
		var ids []string
		if legacyErr := json.Unmarshal(data, &ids); legacyErr != nil {
			slog.Warn("failed to decode processed requests, starting empty",
				"component", "idempotency",
				"error", err,
			)
			return
		}
		loadedAt := t.now()
		entries = make([]ProcessedRequest, 0, len(ids))
		for _, id := range ids {
			at := loadedAt
			if p, ok := ParseRequestID(id); ok {
				if ts, ok := p.Time(); ok {
					at = ts
				}
			}
			entries = append(entries, ProcessedRequest{RequestID: id, ProcessedAt: at})
		}
	}

	for _, e := range entries {
		if e.RequestID == "" {
			continue
		}
		if _, dup := t.index[e.RequestID]; dup {
			continue
		}
		t.index[e.RequestID] = struct{}{}
		t.entries = append(t.entries, e)
	}
	t.trim()
}

// save is called with mu held. Failures keep the in-memory state.
func (t *Tracker) save(ctx context.Context) {
	if t.kv == nil {
		return
	}
	entries := t.entries
	if entries == nil {
		entries = []ProcessedRequest{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		slog.Warn("failed to encode processed requests",
			"component", "idempotency",
			"error", err,
		)
		return
	}
	if err := t.kv.Set(ctx, ProcessedKey, data); err != nil {
		slog.Warn("failed to persist processed requests",
			"component", "idempotency",
			"error", err,
		)
	}
}
