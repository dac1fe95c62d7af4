package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/reconcile/internal/api"
	"github.com/hyperengineering/reconcile/internal/config"
	"github.com/hyperengineering/reconcile/internal/idempotency"
	"github.com/hyperengineering/reconcile/internal/types"
)

// logCapture captures slog output for testing
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) handler() slog.Handler {
	return slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func (c *logCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) hasMessage(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e["msg"] == msg {
			return true
		}
	}
	return false
}

func TestStartWorker_LaunchesGoroutineAndTracksCompletion(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	workerRan := atomic.Bool{}
	startWorker(ctx, &wg, "test-worker", func(ctx context.Context) {
		workerRan.Store(true)
		close(started)
		<-ctx.Done()
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker function was not called")
	}

	cancel()
	wg.Wait()

	if !workerRan.Load() {
		t.Error("worker function was not called")
	}
	if !capture.hasMessage("worker started") {
		t.Error("expected 'worker started' log message")
	}
	if !capture.hasMessage("worker stopped") {
		t.Error("expected 'worker stopped' log message")
	}
}

func TestStartWorker_RespectsContextCancellation(t *testing.T) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	startWorker(ctx, &wg, "cancel-test", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("worker did not respond to context cancellation")
	}

	wg.Wait()
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	var buf bytes.Buffer

	newLogger(&buf, config.LogConfig{Level: "info", Format: "json"}).Info("hello", "component", "test")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json format output is not JSON: %q", buf.String())
	}
	if entry["component"] != "test" {
		t.Errorf("component = %v, want test", entry["component"])
	}

	buf.Reset()
	newLogger(&buf, config.LogConfig{Level: "info", Format: "text"}).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text format output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"}).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Path = "from-config.db"

	dbPathOverride = ""
	applyOverrides(cfg)
	if cfg.Database.Path != "from-config.db" {
		t.Errorf("Path = %q, want config value kept", cfg.Database.Path)
	}

	dbPathOverride = "from-flag.db"
	defer func() { dbPathOverride = "" }()
	applyOverrides(cfg)
	if cfg.Database.Path != "from-flag.db" {
		t.Errorf("Path = %q, want flag value", cfg.Database.Path)
	}
}

func TestHTTPProcessor(t *testing.T) {
	type captured struct {
		path string
		key  string
		body syncPayload
	}

	tests := []struct {
		name    string
		status  int
		item    types.QueueItem
		wantKey string
		wantErr string
	}{
		{
			name:   "embedded key wins",
			status: http.StatusCreated,
			item: types.QueueItem{
				RequestID: "req-column",
				Entity:    "kuis jawaban",
				Operation: types.OperationCreate,
				Data:      idempotency.AddIdempotencyKey(types.Record{"jawaban": "C"}, "req-embedded"),
				Timestamp: 1700000000000,
			},
			wantKey: "req-embedded",
		},
		{
			name:   "falls back to request id",
			status: http.StatusOK,
			item: types.QueueItem{
				RequestID: "req-column",
				Entity:    "kehadiran",
				Operation: types.OperationUpdate,
				Data:      types.Record{"hadir": true},
			},
			wantKey: "req-column",
		},
		{
			name:   "error status",
			status: http.StatusConflict,
			item: types.QueueItem{
				RequestID: "req-1",
				Entity:    "nilai",
				Operation: types.OperationDelete,
			},
			wantKey: "req-1",
			wantErr: "server returned 409: version mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got captured
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got.path = r.URL.EscapedPath()
				got.key = r.Header.Get(api.IdempotencyKeyHeader)
				raw, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(raw, &got.body)
				w.WriteHeader(tt.status)
				if tt.status >= 300 {
					io.WriteString(w, "version mismatch\n")
				}
			}))
			defer srv.Close()

			process := newHTTPProcessor(srv.Client(), srv.URL+"/")
			err := process(context.Background(), tt.item)

			if tt.wantErr != "" {
				if err == nil || err.Error() != tt.wantErr {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			wantPath := "/sync/" + strings.ReplaceAll(tt.item.Entity, " ", "%20")
			if got.path != wantPath {
				t.Errorf("path = %q, want %q", got.path, wantPath)
			}
			if got.key != tt.wantKey {
				t.Errorf("Idempotency-Key = %q, want %q", got.key, tt.wantKey)
			}
			if got.body.Operation != tt.item.Operation || got.body.Timestamp != tt.item.Timestamp {
				t.Errorf("body = %+v", got.body)
			}
			if _, ok := got.body.Data[idempotency.KeyField]; ok {
				t.Error("request id was not stripped from the body")
			}
		})
	}
}
