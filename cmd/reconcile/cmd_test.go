package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hyperengineering/reconcile/internal/api"
	"github.com/hyperengineering/reconcile/internal/conflict"
	"github.com/hyperengineering/reconcile/internal/idempotency"
	"github.com/hyperengineering/reconcile/internal/queue"
	"github.com/hyperengineering/reconcile/internal/snapshot"
	"github.com/hyperengineering/reconcile/internal/store"
	"github.com/hyperengineering/reconcile/internal/types"
)

// testEnv points the CLI at a throwaway database and a config file that
// does not exist, so only defaults apply.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RECONCILE_CONFIG_PATH", filepath.Join(dir, "missing.yaml"))
	t.Setenv("RECONCILE_DB_PATH", "")
	return filepath.Join(dir, "reconcile.db")
}

// executeCmd runs the root command with captured output. Package-level flag
// variables are reset first because cobra parses into them and stale values
// would leak between tests.
func executeCmd(t *testing.T, dbPath, stdin string, args ...string) (stdout string, err error) {
	t.Helper()

	dbPathOverride = ""
	jsonOutput = false
	queueStatusFilter = ""
	queueRemoveDupes = false
	queueBackendURL = ""
	conflictsType = ""
	conflictsID = ""
	conflictsEntity = ""
	conflictsFields = false
	resolveFile = ""
	resolveStrategy = ""
	idempotencyMaxAge = 0
	snapshotOut = ""
	snapshotUpload = false

	fullArgs := append([]string{}, args...)
	if dbPath != "" {
		fullArgs = append(fullArgs, "--db", dbPath)
	}

	outBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(fullArgs)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetIn(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), err
}

// seedQueue enqueues items directly through the engine.
func seedQueue(t *testing.T, dbPath string, items ...types.EnqueueRequest) []types.QueueItem {
	t.Helper()
	dbPathOverride = dbPath
	defer func() { dbPathOverride = "" }()

	ctx := context.Background()
	eng, err := openLocalEngine(ctx)
	if err != nil {
		t.Fatalf("openLocalEngine() error = %v", err)
	}
	defer eng.Close()

	var out []types.QueueItem
	for _, req := range items {
		item, err := eng.manager.Enqueue(ctx, req.Entity, req.Operation, req.Data)
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		out = append(out, item)
	}
	return out
}

func decodeOutput[T any](t *testing.T, stdout string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(stdout), &v); err != nil {
		t.Fatalf("decode output: %v\noutput: %s", err, stdout)
	}
	return v
}

// --- Queue Tests ---

func TestQueueStats_EmptyDatabase(t *testing.T) {
	db := testEnv(t)

	stdout, err := executeCmd(t, db, "", "queue", "stats", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := decodeOutput[queue.IdempotencyStats](t, stdout)
	if stats.QueueStats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.QueueStats.Total)
	}
	if !stats.IdempotencyEnabled {
		t.Error("IdempotencyEnabled = false, want true by default")
	}
	if _, err := os.Stat(db); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestQueueItems_TableAndFilter(t *testing.T) {
	db := testEnv(t)
	seeded := seedQueue(t, db,
		types.EnqueueRequest{Entity: "kuis_jawaban", Operation: types.OperationCreate, Data: types.Record{"jawaban": "A"}},
		types.EnqueueRequest{Entity: "kehadiran", Operation: types.OperationUpdate, Data: types.Record{"hadir": true}},
	)

	stdout, err := executeCmd(t, db, "", "queue", "items")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"ENTITY", "kuis_jawaban", "kehadiran", seeded[0].ID} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}

	stdout, err = executeCmd(t, db, "", "queue", "items", "--status", "completed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Queue is empty.") {
		t.Errorf("stdout = %q, want empty queue message", stdout)
	}

	if _, err := executeCmd(t, db, "", "queue", "items", "--status", "lost"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestQueueMigrate_StampsMissingRequestIDs(t *testing.T) {
	db := testEnv(t)

	// Given: an item written by a queue that predates request ids
	dbPathOverride = db
	eng, err := openLocalEngine(context.Background())
	dbPathOverride = ""
	if err != nil {
		t.Fatalf("openLocalEngine() error = %v", err)
	}
	if _, err := eng.queue.Enqueue(context.Background(), "materi", types.OperationCreate, types.Record{"judul": "Bab 1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	eng.Close()

	// When: migrate runs twice
	stdout, err := executeCmd(t, db, "", "queue", "migrate", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Then: only the first run stamps anything
	if got := decodeOutput[types.CountResponse](t, stdout); got.Count != 1 {
		t.Errorf("first migrate count = %d, want 1", got.Count)
	}
	stdout, err = executeCmd(t, db, "", "queue", "migrate")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Migrated 0 item(s).") {
		t.Errorf("second migrate stdout = %q", stdout)
	}
}

func TestQueueProcess_RequiresBackend(t *testing.T) {
	db := testEnv(t)
	t.Setenv("RECONCILE_BACKEND_URL", "")

	_, err := executeCmd(t, db, "", "queue", "process")
	if err == nil || !strings.Contains(err.Error(), "no backend configured") {
		t.Errorf("err = %v, want no backend configured", err)
	}
}

func TestQueueProcess_SendsToBackend(t *testing.T) {
	db := testEnv(t)
	seeded := seedQueue(t, db,
		types.EnqueueRequest{Entity: "kuis_jawaban", Operation: types.OperationCreate, Data: types.Record{"jawaban": "B"}},
	)

	var (
		mu    sync.Mutex
		paths []string
		keys  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		keys = append(keys, r.Header.Get(api.IdempotencyKeyHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stdout, err := executeCmd(t, db, "", "queue", "process", "--backend", srv.URL, "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := decodeOutput[types.ProcessResult](t, stdout)
	if res.Processed != 1 || res.Succeeded != 1 || res.Failed != 0 {
		t.Errorf("result = %+v, want 1 processed and succeeded", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "/sync/kuis_jawaban" {
		t.Errorf("paths = %v, want [/sync/kuis_jawaban]", paths)
	}
	if len(keys) != 1 || keys[0] != seeded[0].RequestID {
		t.Errorf("Idempotency-Key = %v, want %q", keys, seeded[0].RequestID)
	}

	// The request is now known, so clear removes the completed item.
	stdout, err = executeCmd(t, db, "", "queue", "clear")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Cleared 1 item(s).") {
		t.Errorf("clear stdout = %q", stdout)
	}
}

func TestQueueDuplicates_ListAndRemove(t *testing.T) {
	db := testEnv(t)
	data := idempotency.AddIdempotencyKey(types.Record{"nilai": 90}, "req-dup-1")
	seedQueue(t, db,
		types.EnqueueRequest{Entity: "nilai", Operation: types.OperationUpdate, Data: data},
		types.EnqueueRequest{Entity: "nilai", Operation: types.OperationUpdate, Data: data},
	)

	stdout, err := executeCmd(t, db, "", "queue", "duplicates")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "req-dup-1") {
		t.Errorf("stdout missing request id:\n%s", stdout)
	}

	stdout, err = executeCmd(t, db, "", "queue", "duplicates", "--remove", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := decodeOutput[types.CountResponse](t, stdout); got.Count != 1 {
		t.Errorf("removed = %d, want 1", got.Count)
	}

	stdout, err = executeCmd(t, db, "", "queue", "duplicates")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "No duplicates found.") {
		t.Errorf("stdout = %q, want no duplicates", stdout)
	}
}

// --- Resolve and Conflict Tests ---

const lwwConflict = `{
  "data_type": "catatan",
  "id": "c-1",
  "local": {"isi": "lokal"},
  "remote": {"isi": "server"},
  "local_timestamp": 1000,
  "remote_timestamp": 2000
}`

func TestResolve_FromStdinRecordsConflict(t *testing.T) {
	db := testEnv(t)

	stdout, err := executeCmd(t, db, lwwConflict, "resolve", "-f", "-", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := decodeOutput[conflict.SmartResolution](t, stdout)
	if res.Winner != types.WinnerRemote {
		t.Errorf("Winner = %q, want remote", res.Winner)
	}

	// The log survives the process and is visible to the next command.
	stdout, err = executeCmd(t, db, "", "conflicts", "list", "--id", "c-1", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logs := decodeOutput[[]conflict.Log](t, stdout)
	if len(logs) != 1 || logs[0].DataType != "catatan" {
		t.Errorf("logs = %+v, want one catatan log", logs)
	}

	stdout, err = executeCmd(t, db, "", "conflicts", "clear")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Conflict log cleared.") {
		t.Errorf("stdout = %q", stdout)
	}
	stdout, err = executeCmd(t, db, "", "conflicts", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "No conflicts recorded.") {
		t.Errorf("stdout = %q, want empty log", stdout)
	}
}

func TestResolve_StrategyOverrideFromFile(t *testing.T) {
	db := testEnv(t)
	file := filepath.Join(t.TempDir(), "conflict.json")
	if err := os.WriteFile(file, []byte(lwwConflict), 0o600); err != nil {
		t.Fatal(err)
	}

	stdout, err := executeCmd(t, db, "", "resolve", "--file", file, "--strategy", "local")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Winner:   local") || !strings.Contains(stdout, "lokal") {
		t.Errorf("stdout = %q, want local winner", stdout)
	}
}

func TestResolve_InvalidInput(t *testing.T) {
	db := testEnv(t)

	tests := []struct {
		name    string
		stdin   string
		wantErr string
	}{
		{"not json", "{", "parse conflict"},
		{"missing fields", `{"local": {}}`, "invalid conflict: data_type"},
		{"bad strategy", `{"data_type": "x", "id": "1", "local": {}, "remote": {}, "strategy": "newest"}`, "strategy must be one of"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeCmd(t, db, tt.stdin, "resolve", "-f", "-")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConflictsStats_CountsByType(t *testing.T) {
	db := testEnv(t)
	if _, err := executeCmd(t, db, lwwConflict, "resolve", "-f", "-"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	stdout, err := executeCmd(t, db, "", "conflicts", "stats", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp := decodeOutput[api.ConflictStatsResponse](t, stdout)
	if resp.Conflicts.Total != 1 || resp.Conflicts.ByType["catatan"] != 1 {
		t.Errorf("stats = %+v, want one catatan conflict", resp.Conflicts)
	}
	if resp.Smart.TotalRules == 0 {
		t.Error("TotalRules = 0, want the default registry")
	}
}

// --- Rules and Idempotency Tests ---

func TestRulesList(t *testing.T) {
	testEnv(t)

	stdout, err := executeCmd(t, "", "", "rules", "list", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	summaries := decodeOutput[[]types.RuleSummary](t, stdout)
	if len(summaries) == 0 {
		t.Fatal("no rules listed")
	}

	stdout, err = executeCmd(t, "", "", "rules", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "ENTITY") || !strings.Contains(stdout, summaries[0].Entity) {
		t.Errorf("stdout = %q, want table with %q", stdout, summaries[0].Entity)
	}
}

func TestIdempotency_StatsAndCleanup(t *testing.T) {
	db := testEnv(t)

	stdout, err := executeCmd(t, db, "", "idempotency", "stats", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := decodeOutput[idempotency.Stats](t, stdout); got.Total != 0 {
		t.Errorf("Total = %d, want 0", got.Total)
	}

	stdout, err = executeCmd(t, db, "", "idempotency", "cleanup", "--max-age", "1h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Evicted 0 item(s).") {
		t.Errorf("stdout = %q", stdout)
	}

	if _, err := executeCmd(t, db, "", "idempotency", "cleanup", "--max-age", "-1h"); err == nil {
		t.Error("expected error for negative max-age")
	}
}

// --- Snapshot Tests ---

func TestSnapshotCreate_WritesUsableCopy(t *testing.T) {
	db := testEnv(t)
	seeded := seedQueue(t, db,
		types.EnqueueRequest{Entity: "materi", Operation: types.OperationCreate, Data: types.Record{"judul": "Bab 2"}},
	)
	out := filepath.Join(t.TempDir(), "backup", "current.db")

	stdout, err := executeCmd(t, db, "", "snapshot", "create", "--out", out, "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := decodeOutput[snapshotResult](t, stdout)
	if res.Path != out || res.Uploaded {
		t.Errorf("result = %+v", res)
	}

	// The snapshot opens as a regular database with the queued item.
	snap, err := store.Open(out)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()
	q := queue.NewSQLiteQueue(snap, queue.SQLiteConfig{})
	if err := q.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	item, err := q.GetItem(context.Background(), seeded[0].ID)
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if item.Entity != "materi" {
		t.Errorf("Entity = %q, want materi", item.Entity)
	}
}

func TestSnapshot_RequiresBucketForRemoteOperations(t *testing.T) {
	db := testEnv(t)

	_, err := executeCmd(t, db, "", "snapshot", "create", "--upload")
	if err == nil || !strings.Contains(err.Error(), "no bucket configured") {
		t.Errorf("create --upload err = %v, want no bucket configured", err)
	}

	_, err = executeCmd(t, db, "", "snapshot", "url")
	if !errors.Is(err, snapshot.ErrNotConfigured) {
		t.Errorf("url err = %v, want ErrNotConfigured", err)
	}
}
