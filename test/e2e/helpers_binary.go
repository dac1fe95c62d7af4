//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const e2eAPIKey = "e2e-test-api-key"

// reconcileServer manages a running reconcile daemon process.
type reconcileServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	env     []string
	logFile string
}

// startReconcile launches "reconcile serve" with extra environment
// variables and waits for it to become healthy. The daemon is configured
// entirely via environment variables.
func startReconcile(t *testing.T, extraEnv ...string) *reconcileServer {
	t.Helper()

	if reconcileBin == "" {
		t.Skip("reconcile binary not available (set RECONCILE_BIN or add to PATH)")
	}

	dataDir := t.TempDir()
	env := append([]string{
		"RECONCILE_DB_PATH=" + filepath.Join(dataDir, "reconcile.db"),
		"RECONCILE_API_KEY=" + e2eAPIKey,
		"RECONCILE_CONFIG_PATH=" + filepath.Join(dataDir, "nonexistent.yaml"), // skip YAML file
		"RECONCILE_PROCESS_INTERVAL=100ms",
		"RECONCILE_PROBE_INTERVAL=100ms",
		"RECONCILE_STABLE_DELAY=0s",
	}, extraEnv...)

	return launch(t, dataDir, env, "reconcile.log")
}

func launch(t *testing.T, dataDir string, env []string, logName string) *reconcileServer {
	t.Helper()

	port := freePort(t)
	logFile := filepath.Join(dataDir, logName)

	cmd := exec.Command(reconcileBin, "serve")
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("RECONCILE_PORT=%d", port))

	lf, err := os.Create(logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start reconcile: %v", err)
	}

	s := &reconcileServer{
		cmd:     cmd,
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		env:     env,
		logFile: logFile,
	}

	t.Cleanup(func() {
		s.stop()
		lf.Close()
		if t.Failed() {
			if data, err := os.ReadFile(logFile); err == nil {
				t.Logf("%s:\n%s", logName, data)
			}
		}
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("reconcile not healthy: %v", err)
	}
	return s
}

func (s *reconcileServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

// restartOnSameData stops the daemon and starts a new one on the same
// database with a new port.
func (s *reconcileServer) restartOnSameData(t *testing.T) *reconcileServer {
	t.Helper()
	s.stop()
	time.Sleep(200 * time.Millisecond) // allow port release
	return launch(t, s.dataDir, s.env, "reconcile-restart.log")
}

func (s *reconcileServer) baseURL() string {
	return fmt.Sprintf("http://%s/api/v1", s.address)
}

func (s *reconcileServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("reconcile not healthy after %s", timeout)
}

// do sends an authenticated request and returns the status, body and headers.
func (s *reconcileServer) do(t *testing.T, method, path string, body any, headers ...string) (int, []byte, http.Header) {
	t.Helper()

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.baseURL()+path, r)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+e2eAPIKey)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data, resp.Header
}

// getJSON GETs path, requires 200 and decodes the body into v.
func (s *reconcileServer) getJSON(t *testing.T, path string, v any) {
	t.Helper()
	status, body, _ := s.do(t, http.MethodGet, path, nil)
	if status != http.StatusOK {
		t.Fatalf("GET %s: status %d: %s", path, status, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

// waitFor polls cond until it returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// backendRequest is one request received by the fake backend.
type backendRequest struct {
	Path           string
	IdempotencyKey string
	Body           map[string]any
}

// fakeBackend records sync requests and answers with a configurable status.
type fakeBackend struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []backendRequest
	status   int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{status: http.StatusOK}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			// Connectivity probe.
			w.WriteHeader(http.StatusOK)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		b.mu.Lock()
		b.requests = append(b.requests, backendRequest{
			Path:           r.URL.Path,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			Body:           body,
		})
		status := b.status
		b.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) setStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func (b *fakeBackend) received() []backendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backendRequest, len(b.requests))
	copy(out, b.requests)
	return out
}

// freePort returns a free TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
