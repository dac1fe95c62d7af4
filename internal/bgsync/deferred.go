package bgsync

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// TagHandler runs the sync registered under tag.
type TagHandler func(ctx context.Context, tag string) error

// Deferred is an in-process Capability. Registered tags are held until
// the next online transition, then handled in registration order. A tag
// whose handler fails stays pending for the next transition.
type Deferred struct {
	handler TagHandler

	mu      sync.Mutex
	pending []string
	running bool
}

var _ Capability = (*Deferred)(nil)

// NewDeferred creates a Deferred capability. Call Attach to connect it to
// a connectivity source.
func NewDeferred(handler TagHandler) *Deferred {
	return &Deferred{handler: handler}
}

// Attach flushes pending tags on every online transition of conn until
// the returned function is called.
func (d *Deferred) Attach(ctx context.Context, conn Connectivity) (stop func()) {
	return conn.OnOnline(func() { d.Flush(ctx) })
}

func (d *Deferred) IsSupported() bool { return true }

// Register queues tag. Registering a tag that is already pending is a
// no-op.
func (d *Deferred) Register(_ context.Context, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !slices.Contains(d.pending, tag) {
		d.pending = append(d.pending, tag)
	}
	return nil
}

// Tags returns the pending tags.
func (d *Deferred) Tags(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.pending...), nil
}

// Flush handles every pending tag once. Concurrent calls while a flush is
// running return immediately.
func (d *Deferred) Flush(ctx context.Context) {
	d.mu.Lock()
	if d.running || len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	d.running = true
	tags := append([]string(nil), d.pending...)
	d.mu.Unlock()

	var done []string
	for _, tag := range tags {
		if ctx.Err() != nil {
			break
		}
		if err := d.handler(ctx, tag); err != nil {
			slog.Warn("deferred sync failed, will retry when online",
				"component", "bgsync",
				"tag", tag,
				"error", err,
			)
			continue
		}
		done = append(done, tag)
	}

	d.mu.Lock()
	d.pending = slices.DeleteFunc(d.pending, func(t string) bool {
		return slices.Contains(done, t)
	})
	d.running = false
	d.mu.Unlock()

	if len(done) > 0 {
		slog.Info("deferred syncs completed",
			"component", "bgsync",
			"count", len(done),
		)
	}
}
