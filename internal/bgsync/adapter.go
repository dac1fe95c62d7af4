// Package bgsync triggers queue processing when connectivity returns. It
// uses a platform background-sync capability when one is available and
// falls back to running the sync itself on online transitions.
package bgsync

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/hyperengineering/reconcile/internal/boundedlog"
	"github.com/hyperengineering/reconcile/internal/store"
)

// Sync tags.
const (
	TagQuizAnswers = "sync-quiz-answers"
	TagOfflineData = "sync-offline-data"
	TagPeriodic    = "sync-periodic"
)

// KV keys.
const (
	LastRegistrationKey = "last_sync_registration"
	EventLogKey         = "sync_logs"
)

const (
	// DefaultMaxEvents is the sync event log capacity.
	DefaultMaxEvents = 50
	// DefaultStableDelay is how long the fallback waits after coming online
	// before it syncs.
	DefaultStableDelay = time.Second
)

// Capability is a platform facility that runs a sync for a tag once
// connectivity is available.
type Capability interface {
	IsSupported() bool
	Register(ctx context.Context, tag string) error
	Tags(ctx context.Context) ([]string, error)
}

// Connectivity reports offline to online transitions.
type Connectivity interface {
	// OnOnline calls fn on every transition to online and returns a
	// function that unsubscribes it.
	OnOnline(fn func()) (stop func())
}

// SyncFunc synchronizes pending data with the server.
type SyncFunc func(ctx context.Context) error

// Method names how a sync was carried out.
type Method string

const (
	MethodBackground Method = "background"
	MethodManual     Method = "manual"
)

// Result is the outcome of SmartSync.
type Result struct {
	Method  Method `json:"method"`
	Success bool   `json:"success"`
}

// Status describes the background sync state.
type Status struct {
	Supported   bool       `json:"supported"`
	Registered  bool       `json:"registered"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
	PendingTags []string   `json:"pending_tags"`
}

// EventKind is the type of a sync event.
type EventKind string

const (
	EventRegistered EventKind = "registered"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
)

// Event is one entry of the sync event log.
type Event struct {
	Kind      EventKind `json:"event"`
	Tag       string    `json:"tag"`
	Timestamp time.Time `json:"timestamp"`
	Details   any       `json:"details,omitempty"`
}

type registration struct {
	Tag       string    `json:"tag"`
	Timestamp time.Time `json:"timestamp"`
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithStableDelay sets the wait between an online transition and the
// fallback sync.
func WithStableDelay(d time.Duration) Option {
	return func(a *Adapter) {
		if d >= 0 {
			a.stableDelay = d
		}
	}
}

// WithMaxEvents sets the sync event log capacity.
func WithMaxEvents(n int) Option {
	return func(a *Adapter) { a.maxEvents = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithFallbackPending sets how HasPendingSync answers when the capability
// is unsupported, typically by checking the queue for pending items.
func WithFallbackPending(fn func(ctx context.Context) bool) Option {
	return func(a *Adapter) { a.fallbackPending = fn }
}

// Adapter wraps an optional Capability. No method returns an error;
// failures are logged and reported through return values.
type Adapter struct {
	capability      Capability
	connectivity    Connectivity
	kv              store.KV
	events          *boundedlog.Log[Event]
	maxEvents       int
	stableDelay     time.Duration
	now             func() time.Time
	fallbackPending func(ctx context.Context) bool

	mu sync.Mutex
}

// NewAdapter creates an Adapter. A nil capability is treated as
// unsupported; a nil connectivity disables the online fallback.
func NewAdapter(ctx context.Context, capability Capability, connectivity Connectivity, kv store.KV, opts ...Option) *Adapter {
	a := &Adapter{
		capability:   capability,
		connectivity: connectivity,
		kv:           kv,
		maxEvents:    DefaultMaxEvents,
		stableDelay:  DefaultStableDelay,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.events = boundedlog.New[Event](ctx, kv, EventLogKey, a.maxEvents, boundedlog.OldestFirst)
	return a
}

// IsSupported reports whether the platform capability is available.
func (a *Adapter) IsSupported() bool {
	return a.capability != nil && a.capability.IsSupported()
}

// RegisterSync asks the platform to run a sync for tag. It returns false
// when the capability is missing or registration fails.
func (a *Adapter) RegisterSync(ctx context.Context, tag string) bool {
	if !a.IsSupported() {
		slog.Warn("background sync not supported, will use manual sync",
			"component", "bgsync",
			"tag", tag,
		)
		return false
	}

	if err := a.capability.Register(ctx, tag); err != nil {
		slog.Error("background sync registration failed",
			"component", "bgsync",
			"tag", tag,
			"error", err,
		)
		return false
	}

	a.saveRegistration(ctx, registration{Tag: tag, Timestamp: a.now()})
	a.LogEvent(ctx, EventRegistered, tag, nil)
	slog.Info("background sync registered", "component", "bgsync", "tag", tag)
	return true
}

// PendingTags returns the tags the platform has not yet synced. It is
// empty when the capability is unsupported or the query fails.
func (a *Adapter) PendingTags(ctx context.Context) []string {
	if !a.IsSupported() {
		return []string{}
	}
	tags, err := a.capability.Tags(ctx)
	if err != nil {
		slog.Error("failed to get pending sync tags",
			"component", "bgsync",
			"error", err,
		)
		return []string{}
	}
	if tags == nil {
		tags = []string{}
	}
	return tags
}

// HasPendingSync reports whether tag, or any tag when tag is empty, is
// still pending. Without the capability the fallback pending check is
// used.
func (a *Adapter) HasPendingSync(ctx context.Context, tag string) bool {
	if !a.IsSupported() {
		if a.fallbackPending == nil {
			return false
		}
		return a.fallbackPending(ctx)
	}
	tags := a.PendingTags(ctx)
	if tag == "" {
		return len(tags) > 0
	}
	return slices.Contains(tags, tag)
}

// Status reports capability support, pending tags and the time of the
// last successful registration.
func (a *Adapter) Status(ctx context.Context) Status {
	st := Status{
		Supported:   a.IsSupported(),
		PendingTags: []string{},
	}
	if reg, ok := a.loadRegistration(ctx); ok {
		at := reg.Timestamp
		st.LastSync = &at
	}
	if st.Supported {
		st.PendingTags = a.PendingTags(ctx)
	}
	st.Registered = len(st.PendingTags) > 0
	return st
}

// SmartSync registers tag with the platform when possible and otherwise
// runs fn directly.
func (a *Adapter) SmartSync(ctx context.Context, tag string, fn SyncFunc) Result {
	if a.IsSupported() && a.RegisterSync(ctx, tag) {
		return Result{Method: MethodBackground, Success: true}
	}

	if err := a.manualSync(ctx, tag, fn); err != nil {
		return Result{Method: MethodManual, Success: false}
	}
	return Result{Method: MethodManual, Success: true}
}

func (a *Adapter) manualSync(ctx context.Context, tag string, fn SyncFunc) error {
	slog.Info("using fallback manual sync", "component", "bgsync", "tag", tag)
	if err := fn(ctx); err != nil {
		slog.Error("manual sync failed",
			"component", "bgsync",
			"tag", tag,
			"error", err,
		)
		a.LogEvent(ctx, EventFailed, tag, err.Error())
		return err
	}
	a.LogEvent(ctx, EventCompleted, tag, nil)
	slog.Info("manual sync completed", "component", "bgsync", "tag", tag)
	return nil
}

// SetupOnlineSync runs fn after every online transition when the
// capability is unsupported. The returned function unsubscribes and
// cancels a sync that is still waiting out the stable delay. With the
// capability available the platform owns retries and stop is a no-op.
func (a *Adapter) SetupOnlineSync(ctx context.Context, fn SyncFunc) (stop func()) {
	if a.IsSupported() {
		slog.Info("using native background sync", "component", "bgsync")
		return func() {}
	}
	if a.connectivity == nil {
		slog.Warn("no connectivity source, online sync disabled", "component", "bgsync")
		return func() {}
	}

	slog.Info("setting up fallback online listener", "component", "bgsync")
	ctx, cancel := context.WithCancel(ctx)
	var (
		mu      sync.Mutex
		stopped bool
		wg      sync.WaitGroup
	)
	// A source may still deliver a callback it copied before unsubscribe.
	unsubscribe := a.connectivity.OnOnline(func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.onlineSync(ctx, fn)
		}()
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			stopped = true
			mu.Unlock()
			cancel()
			wg.Wait()
		})
	}
}

func (a *Adapter) onlineSync(ctx context.Context, fn SyncFunc) {
	slog.Info("connection restored, triggering fallback sync", "component", "bgsync")

	timer := time.NewTimer(a.stableDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	// A failure is already logged and recorded as an event.
	_ = a.manualSync(ctx, TagOfflineData, fn)
}

// LogEvent appends an entry to the sync event log.
func (a *Adapter) LogEvent(ctx context.Context, kind EventKind, tag string, details any) {
	a.events.Add(ctx, Event{Kind: kind, Tag: tag, Timestamp: a.now(), Details: details})
	slog.Debug("sync event",
		"component", "bgsync",
		"event", kind,
		"tag", tag,
	)
}

// Events returns the sync event log, oldest first.
func (a *Adapter) Events() []Event {
	return a.events.Entries()
}

// ClearEvents empties the sync event log.
func (a *Adapter) ClearEvents(ctx context.Context) {
	a.events.Clear(ctx)
}

func (a *Adapter) saveRegistration(ctx context.Context, reg registration) {
	if a.kv == nil {
		return
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.kv.Set(ctx, LastRegistrationKey, data); err != nil {
		slog.Warn("failed to persist sync registration",
			"component", "bgsync",
			"error", err,
		)
	}
}

func (a *Adapter) loadRegistration(ctx context.Context) (registration, bool) {
	var reg registration
	if a.kv == nil {
		return reg, false
	}
	a.mu.Lock()
	data, err := a.kv.Get(ctx, LastRegistrationKey)
	a.mu.Unlock()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("failed to load sync registration",
				"component", "bgsync",
				"error", err,
			)
		}
		return reg, false
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		slog.Error("failed to parse sync registration",
			"component", "bgsync",
			"error", err,
		)
		return reg, false
	}
	return reg, true
}
