package bgsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// scriptedProbe returns the next state on every call and repeats the last.
type scriptedProbe struct {
	mu     sync.Mutex
	states []bool
}

func (p *scriptedProbe) probe(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.states[0]
	if len(p.states) > 1 {
		p.states = p.states[1:]
	}
	return s
}

func TestWatcher_FiresOnlyOnOfflineToOnline(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProbe{states: []bool{true, false, false, true, true, false, true}}
	w := NewWatcher(p.probe, time.Minute)

	fired := 0
	w.OnOnline(func() { fired++ })

	for i := 0; i < 7; i++ {
		w.check(ctx)
	}

	// The initial online probe is a baseline; the two offline to online
	// transitions fire.
	if fired != 2 {
		t.Errorf("listener fired %d times, want 2", fired)
	}
	if !w.Online() {
		t.Error("Online() = false after final online probe")
	}
}

func TestWatcher_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProbe{states: []bool{false, true}}
	w := NewWatcher(p.probe, time.Minute)

	fired := 0
	stop := w.OnOnline(func() { fired++ })
	stop()

	w.check(ctx)
	w.check(ctx)
	if fired != 0 {
		t.Errorf("unsubscribed listener fired %d times", fired)
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProbe{states: []bool{false, true}}
	w := NewWatcher(p.probe, 5*time.Millisecond)

	online := make(chan struct{}, 1)
	w.OnOnline(func() {
		select {
		case online <- struct{}{}:
		default:
		}
	})

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-online:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reported online")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHTTPProbe(t *testing.T) {
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.Client(), srv.URL)
	if !probe(context.Background()) {
		t.Error("probe() = false for 204")
	}

	status = http.StatusNotFound
	if !probe(context.Background()) {
		t.Error("probe() = false for 404, server is reachable")
	}

	status = http.StatusServiceUnavailable
	if probe(context.Background()) {
		t.Error("probe() = true for 503")
	}

	if HTTPProbe(nil, "http://127.0.0.1:1")(context.Background()) {
		t.Error("probe() = true for unreachable server")
	}
}

func TestDeferred_FlushesOnOnline(t *testing.T) {
	ctx := context.Background()
	var handled []string
	failOnce := true
	d := NewDeferred(func(_ context.Context, tag string) error {
		if tag == TagPeriodic && failOnce {
			failOnce = false
			return errors.New("timeout")
		}
		handled = append(handled, tag)
		return nil
	})
	conn := &fakeConnectivity{}
	stop := d.Attach(ctx, conn)
	defer stop()

	// Given: three registrations, one duplicated
	for _, tag := range []string{TagQuizAnswers, TagPeriodic, TagQuizAnswers} {
		if err := d.Register(ctx, tag); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	if tags, _ := d.Tags(ctx); len(tags) != 2 {
		t.Fatalf("Tags() = %v, want 2 distinct tags", tags)
	}

	// When: connectivity returns and the periodic handler fails
	conn.goOnline()

	// Then: the failed tag stays pending
	tags, _ := d.Tags(ctx)
	if len(tags) != 1 || tags[0] != TagPeriodic {
		t.Errorf("Tags() after flush = %v, want [%s]", tags, TagPeriodic)
	}

	conn.goOnline()
	if tags, _ := d.Tags(ctx); len(tags) != 0 {
		t.Errorf("Tags() after second flush = %v, want empty", tags)
	}
	if len(handled) != 2 || handled[0] != TagQuizAnswers || handled[1] != TagPeriodic {
		t.Errorf("handled = %v", handled)
	}
}

func TestDeferred_WithAdapter(t *testing.T) {
	ctx := context.Background()
	d := NewDeferred(func(context.Context, string) error { return nil })
	a, _ := newTestAdapter(t, d, nil)

	res := a.SmartSync(ctx, TagQuizAnswers, func(context.Context) error {
		t.Error("manual sync ran with a supported capability")
		return nil
	})
	if res.Method != MethodBackground || !res.Success {
		t.Errorf("SmartSync() = %+v", res)
	}
	if !a.HasPendingSync(ctx, TagQuizAnswers) {
		t.Error("HasPendingSync() = false after registration")
	}

	d.Flush(ctx)
	if a.HasPendingSync(ctx, "") {
		t.Error("HasPendingSync() = true after flush")
	}
}
