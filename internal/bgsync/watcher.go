package bgsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProbeFunc reports whether the server is reachable.
type ProbeFunc func(ctx context.Context) bool

// Watcher polls a probe and notifies subscribers when connectivity goes
// from offline to online. It implements Connectivity.
type Watcher struct {
	probe    ProbeFunc
	interval time.Duration

	mu        sync.Mutex
	known     bool
	online    bool
	listeners map[uint64]func()
	nextID    uint64
}

var _ Connectivity = (*Watcher)(nil)

// NewWatcher creates a watcher that probes every interval.
func NewWatcher(probe ProbeFunc, interval time.Duration) *Watcher {
	return &Watcher{
		probe:     probe,
		interval:  interval,
		listeners: make(map[uint64]func()),
	}
}

// OnOnline subscribes fn to online transitions.
func (w *Watcher) OnOnline(fn func()) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.listeners, id)
	}
}

// Online reports the last probed state.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Run probes immediately to learn the initial state, then on every tick.
// Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "bgsync",
		"worker", "connectivity-watcher",
		"interval", w.interval.String(),
	)

	w.check(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "bgsync",
				"worker", "connectivity-watcher",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once. The first probe only records the state.
func (w *Watcher) check(ctx context.Context) {
	online := w.probe(ctx)
	if ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	wasKnown, wasOnline := w.known, w.online
	w.known, w.online = true, online
	var fire []func()
	if wasKnown && !wasOnline && online {
		for _, fn := range w.listeners {
			fire = append(fire, fn)
		}
	}
	w.mu.Unlock()

	if wasKnown && wasOnline != online {
		slog.Info("connectivity changed",
			"component", "bgsync",
			"online", online,
		)
	}
	for _, fn := range fire {
		fn()
	}
}

// HTTPProbe returns a probe that treats any response below 500 from url
// as online.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}
}
