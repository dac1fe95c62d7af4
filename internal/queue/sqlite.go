package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/reconcile/internal/idempotency"
	"github.com/hyperengineering/reconcile/internal/types"
)

const (
	// DefaultMaxRetries is the number of failed attempts before an item is
	// parked as failed.
	DefaultMaxRetries = 3
	// DefaultBatchSize is the number of pending items taken per pass.
	DefaultBatchSize = 10
)

// SQLiteConfig tunes SQLiteQueue processing.
type SQLiteConfig struct {
	MaxRetries int
	BatchSize  int
}

// SQLiteQueue is a durable FIFO stored in the sync_queue table.
type SQLiteQueue struct {
	db  *sql.DB
	cfg SQLiteConfig
	now func() time.Time

	ready      atomic.Bool
	processing atomic.Bool

	mu        sync.Mutex
	processor Processor
	listeners map[uint64]Listener
	nextID    uint64
}

var (
	_ Queue       = (*SQLiteQueue)(nil)
	_ Remover     = (*SQLiteQueue)(nil)
	_ DataUpdater = (*SQLiteQueue)(nil)
)

// NewSQLiteQueue returns a queue on an already-migrated database.
func NewSQLiteQueue(db *sql.DB, cfg SQLiteConfig) *SQLiteQueue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &SQLiteQueue{
		db:        db,
		cfg:       cfg,
		now:       time.Now,
		listeners: make(map[uint64]Listener),
	}
}

// Initialize marks the queue ready. Items left syncing by a crashed
// process are returned to pending.
func (q *SQLiteQueue) Initialize(ctx context.Context) error {
	if q.ready.Load() {
		return nil
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ? WHERE status = ?`,
		types.StatusPending, types.StatusSyncing)
	if err != nil {
		return fmt.Errorf("recover syncing items: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("recovered interrupted queue items",
			"component", "queue",
			"count", n,
		)
	}
	q.ready.Store(true)
	slog.Info("queue initialized", "component", "queue")
	return nil
}

// Enqueue appends a pending item. The item's RequestID is the embedded
// idempotency key when present, otherwise a fresh ULID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, entity, operation string, data types.Record) (types.QueueItem, error) {
	if !q.ready.Load() {
		return types.QueueItem{}, ErrNotInitialized
	}
	if data == nil {
		data = types.Record{}
	}

	requestID, ok := idempotency.ExtractIdempotencyKey(data)
	if !ok {
		requestID = ulid.Make().String()
	}
	item := types.QueueItem{
		ID:        ulid.Make().String(),
		RequestID: requestID,
		Entity:    entity,
		Operation: operation,
		Data:      data,
		Timestamp: q.now().UnixMilli(),
		Status:    types.StatusPending,
	}

	payload, err := json.Marshal(item.Data)
	if err != nil {
		return types.QueueItem{}, fmt.Errorf("encode queue data: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, request_id, entity, operation, data, timestamp, status, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, item.ID, item.RequestID, item.Entity, item.Operation, string(payload), item.Timestamp, item.Status)
	if err != nil {
		return types.QueueItem{}, fmt.Errorf("insert queue item: %w", err)
	}

	slog.Debug("enqueued item",
		"component", "queue",
		"id", item.ID,
		"entity", entity,
		"operation", operation,
	)
	q.emit(types.QueueEvent{Type: types.EventAdded, Item: &item})
	return item, nil
}

const itemColumns = `id, request_id, entity, operation, data, timestamp, status, retry_count, error, completed_at`

// GetAllItems returns items in FIFO order.
func (q *SQLiteQueue) GetAllItems(ctx context.Context, status types.QueueStatus) ([]types.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM sync_queue`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY timestamp, id`
	return q.query(ctx, query, args...)
}

// GetItem returns a single item by id.
func (q *SQLiteQueue) GetItem(ctx context.Context, id string) (types.QueueItem, error) {
	items, err := q.query(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return types.QueueItem{}, err
	}
	if len(items) == 0 {
		return types.QueueItem{}, fmt.Errorf("queue item %q: %w", id, ErrItemNotFound)
	}
	return items[0], nil
}

// ProcessQueue runs the processor over the next batch of pending items.
// A call made while another pass is running returns an empty result.
func (q *SQLiteQueue) ProcessQueue(ctx context.Context) (types.ProcessResult, error) {
	result := types.ProcessResult{Errors: []types.ProcessError{}}
	if !q.ready.Load() {
		return result, ErrNotInitialized
	}

	q.mu.Lock()
	processor := q.processor
	q.mu.Unlock()
	if processor == nil {
		return result, ErrNoProcessor
	}

	if !q.processing.CompareAndSwap(false, true) {
		slog.Warn("queue processing already in progress", "component", "queue")
		return result, nil
	}
	defer q.processing.Store(false)

	batch, err := q.query(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE status = ? ORDER BY timestamp, id LIMIT ?`,
		types.StatusPending, q.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("select pending batch: %w", err)
	}

	// Status writes outlive the caller so a cancelled pass never strands
	// an item in syncing.
	writeCtx := context.WithoutCancel(ctx)

	for _, item := range batch {
		if ctx.Err() != nil {
			break
		}

		if err := q.setStatus(writeCtx, item.ID, types.StatusSyncing); err != nil {
			return result, err
		}
		item.Status = types.StatusSyncing
		q.emit(types.QueueEvent{Type: types.EventProcessing, Item: &item})

		perr := processor(ctx, item)
		if perr != nil && ctx.Err() != nil {
			// Interrupted, not rejected: hand the item back untouched.
			if err := q.setStatus(writeCtx, item.ID, types.StatusPending); err != nil {
				return result, err
			}
			slog.Info("queue pass interrupted",
				"component", "queue",
				"id", item.ID,
				"error", perr,
			)
			break
		}
		if perr != nil {
			result.Failed++
			result.Errors = append(result.Errors, types.ProcessError{ID: item.ID, Error: perr.Error()})
			if err := q.handleFailed(writeCtx, &item, perr); err != nil {
				return result, err
			}
			q.emit(types.QueueEvent{Type: types.EventFailed, Item: &item})
		} else {
			item.Status = types.StatusCompleted
			item.CompletedAt = q.now().UnixMilli()
			if _, err := q.db.ExecContext(writeCtx,
				`UPDATE sync_queue SET status = ?, error = NULL, completed_at = ? WHERE id = ?`,
				item.Status, item.CompletedAt, item.ID); err != nil {
				return result, fmt.Errorf("complete queue item: %w", err)
			}
			result.Succeeded++
			q.emit(types.QueueEvent{Type: types.EventCompleted, Item: &item})
		}
		result.Processed++
	}

	if result.Processed > 0 {
		slog.Info("queue pass completed",
			"component", "queue",
			"processed", result.Processed,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
		)
	}
	return result, nil
}

func (q *SQLiteQueue) handleFailed(ctx context.Context, item *types.QueueItem, cause error) error {
	item.RetryCount++
	item.Error = cause.Error()
	item.Status = types.StatusPending
	if item.RetryCount >= q.cfg.MaxRetries {
		item.Status = types.StatusFailed
	}

	if _, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, retry_count = ?, error = ? WHERE id = ?`,
		item.Status, item.RetryCount, item.Error, item.ID); err != nil {
		return fmt.Errorf("record queue failure: %w", err)
	}

	slog.Warn("queue item failed",
		"component", "queue",
		"id", item.ID,
		"entity", item.Entity,
		"operation", item.Operation,
		"attempt", item.RetryCount,
		"max_retries", q.cfg.MaxRetries,
		"status", item.Status,
		"error", cause,
	)
	return nil
}

// RetryFailed returns every failed item to pending with a fresh retry budget.
func (q *SQLiteQueue) RetryFailed(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, retry_count = 0, error = NULL WHERE status = ?`,
		types.StatusPending, types.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearCompleted deletes completed items.
func (q *SQLiteQueue) ClearCompleted(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE status = ?`, types.StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("clear completed items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.emit(types.QueueEvent{Type: types.EventCleared, Count: int(n)})
	}
	return int(n), nil
}

// Remove deletes the given items regardless of status.
func (q *SQLiteQueue) Remove(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("remove queue items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.emit(types.QueueEvent{Type: types.EventCleared, Count: int(n)})
	}
	return int(n), nil
}

// UpdateData replaces an item's payload. An embedded idempotency key
// also becomes the item's request id, as on Enqueue.
func (q *SQLiteQueue) UpdateData(ctx context.Context, id string, data types.Record) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode queue data: %w", err)
	}
	var res sql.Result
	if key, ok := idempotency.ExtractIdempotencyKey(data); ok {
		res, err = q.db.ExecContext(ctx, `UPDATE sync_queue SET data = ?, request_id = ? WHERE id = ?`, string(payload), key, id)
	} else {
		res, err = q.db.ExecContext(ctx, `UPDATE sync_queue SET data = ? WHERE id = ?`, string(payload), id)
	}
	if err != nil {
		return fmt.Errorf("update queue data: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue item %q: %w", id, ErrItemNotFound)
	}
	return nil
}

// GetStats counts items per status.
func (q *SQLiteQueue) GetStats(ctx context.Context) (types.QueueStats, error) {
	var stats types.QueueStats
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status types.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("scan queue stats: %w", err)
		}
		stats.Total += n
		switch status {
		case types.StatusPending:
			stats.Pending = n
		case types.StatusSyncing:
			stats.Syncing = n
		case types.StatusCompleted:
			stats.Completed = n
		case types.StatusFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate queue stats: %w", err)
	}

	if stats.Total > 0 {
		oldest, err := q.query(ctx, `SELECT `+itemColumns+` FROM sync_queue ORDER BY timestamp, id LIMIT 1`)
		if err != nil {
			return stats, err
		}
		newest, err := q.query(ctx, `SELECT `+itemColumns+` FROM sync_queue ORDER BY timestamp DESC, id DESC LIMIT 1`)
		if err != nil {
			return stats, err
		}
		if len(oldest) > 0 {
			stats.OldestItem = &oldest[0]
		}
		if len(newest) > 0 {
			stats.NewestItem = &newest[0]
		}
	}
	return stats, nil
}

// SetProcessor sets the function ProcessQueue applies to each item.
func (q *SQLiteQueue) SetProcessor(p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = p
}

// On subscribes l to queue events.
func (q *SQLiteQueue) On(l Listener) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = l
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.listeners, id)
	}
}

// IsReady reports whether Initialize has completed.
func (q *SQLiteQueue) IsReady() bool {
	return q.ready.Load()
}

// IsProcessing reports whether a ProcessQueue pass is running.
func (q *SQLiteQueue) IsProcessing() bool {
	return q.processing.Load()
}

// emit delivers ev to every listener. A panicking listener is logged and
// does not affect the others.
func (q *SQLiteQueue) emit(ev types.QueueEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = q.now().UnixMilli()
	}
	q.mu.Lock()
	listeners := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		listeners = append(listeners, l)
	}
	q.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("queue listener panicked",
						"component", "queue",
						"event", ev.Type,
						"panic", r,
					)
				}
			}()
			l(ev)
		}()
	}
}

func (q *SQLiteQueue) setStatus(ctx context.Context, id string, status types.QueueStatus) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("set queue item status: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) query(ctx context.Context, query string, args ...any) ([]types.QueueItem, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer rows.Close()

	items := make([]types.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return items, nil
}

func scanItem(rows *sql.Rows) (types.QueueItem, error) {
	var (
		item        types.QueueItem
		payload     string
		errText     sql.NullString
		completedAt sql.NullInt64
	)
	if err := rows.Scan(&item.ID, &item.RequestID, &item.Entity, &item.Operation, &payload,
		&item.Timestamp, &item.Status, &item.RetryCount, &errText, &completedAt); err != nil {
		return types.QueueItem{}, fmt.Errorf("scan queue item: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &item.Data); err != nil {
		return types.QueueItem{}, fmt.Errorf("decode queue item %s: %w", item.ID, err)
	}
	item.Error = errText.String
	item.CompletedAt = completedAt.Int64
	return item, nil
}
