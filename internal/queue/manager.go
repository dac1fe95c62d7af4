package queue

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/reconcile/internal/idempotency"
	"github.com/hyperengineering/reconcile/internal/types"
)

// VirtualPrefix marks items synthesized for requests that were already
// processed and are no longer in the queue.
const VirtualPrefix = "virtual-"

// DefaultRecencyWindow bounds which completed items ProcessQueue marks.
const DefaultRecencyWindow = 60 * time.Second

// IsVirtual reports whether item was synthesized rather than enqueued.
func IsVirtual(item types.QueueItem) bool {
	return strings.HasPrefix(item.ID, VirtualPrefix)
}

// Config controls IdempotentManager.
type Config struct {
	EnableIdempotency   bool
	EnableDeduplication bool
	AutoCleanup         bool
	CleanupMaxAge       time.Duration
	RecencyWindow       time.Duration
}

// DefaultConfig enables every feature.
func DefaultConfig() Config {
	return Config{
		EnableIdempotency:   true,
		EnableDeduplication: true,
		AutoCleanup:         true,
		CleanupMaxAge:       idempotency.DefaultMaxAge,
		RecencyWindow:       DefaultRecencyWindow,
	}
}

// DuplicateGroup is a set of queue items sharing a queue-level request id,
// oldest first.
type DuplicateGroup struct {
	RequestID string            `json:"request_id"`
	Items     []types.QueueItem `json:"items"`
}

// Extras returns every item after the first.
func (g DuplicateGroup) Extras() []types.QueueItem {
	if len(g.Items) < 2 {
		return nil
	}
	return g.Items[1:]
}

// IdempotencyStats combines queue and tracker state.
type IdempotencyStats struct {
	QueueStats         types.QueueStats  `json:"queue_stats"`
	ProcessedCount     int               `json:"processed_count"`
	DuplicatesInQueue  int               `json:"duplicates_in_queue"`
	IdempotencyEnabled bool              `json:"idempotency_enabled"`
	Tracker            idempotency.Stats `json:"tracker"`
}

// ManagerOption configures an IdempotentManager.
type ManagerOption func(*IdempotentManager)

// WithManagerClock overrides the time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *IdempotentManager) { m.now = now }
}

// IdempotentManager wraps a Queue so each logical request reaches the
// server at most once.
type IdempotentManager struct {
	queue   Queue
	tracker *idempotency.Tracker
	cfg     Config
	now     func() time.Time

	process    singleflight.Group
	virtualSeq atomic.Uint64
}

// NewIdempotentManager wraps q. Zero durations in cfg take their defaults.
func NewIdempotentManager(q Queue, tracker *idempotency.Tracker, cfg Config, opts ...ManagerOption) *IdempotentManager {
	if cfg.CleanupMaxAge <= 0 {
		cfg.CleanupMaxAge = idempotency.DefaultMaxAge
	}
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = DefaultRecencyWindow
	}
	m := &IdempotentManager{
		queue:   q,
		tracker: tracker,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Queue returns the wrapped queue.
func (m *IdempotentManager) Queue() Queue {
	return m.queue
}

// Tracker returns the processed-request tracker.
func (m *IdempotentManager) Tracker() *idempotency.Tracker {
	return m.tracker
}

// Initialize initializes the wrapped queue and, when configured, evicts
// expired processed ids.
func (m *IdempotentManager) Initialize(ctx context.Context) error {
	if err := m.queue.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize queue: %w", err)
	}
	if m.cfg.AutoCleanup {
		m.tracker.Cleanup(ctx, m.cfg.CleanupMaxAge)
	}
	slog.Info("idempotent queue initialized",
		"component", "queue",
		"idempotency", m.cfg.EnableIdempotency,
		"deduplication", m.cfg.EnableDeduplication,
	)
	return nil
}

// Enqueue stamps data with a request id and enqueues it. A request the
// server already applied is never enqueued again: the live item is
// returned when still queued, otherwise a virtual completed item.
func (m *IdempotentManager) Enqueue(ctx context.Context, entity, operation string, data types.Record) (types.QueueItem, error) {
	if !m.cfg.EnableIdempotency {
		return m.queue.Enqueue(ctx, entity, operation, data)
	}

	stamped, requestID := idempotency.EnsureIdempotencyKey(data, entity, operation)

	if m.cfg.EnableDeduplication && m.tracker.WasProcessed(requestID) {
		slog.Warn("duplicate request detected, already processed",
			"component", "queue",
			"request_id", requestID,
			"entity", entity,
			"operation", operation,
		)

		items, err := m.queue.GetAllItems(ctx, "")
		if err != nil {
			return types.QueueItem{}, fmt.Errorf("list queue items: %w", err)
		}
		for _, item := range items {
			if key, ok := idempotency.ExtractIdempotencyKey(item.Data); ok && key == requestID {
				return item, nil
			}
		}
		return m.virtualItem(entity, operation, stamped, requestID), nil
	}

	return m.queue.Enqueue(ctx, entity, operation, stamped)
}

func (m *IdempotentManager) virtualItem(entity, operation string, data types.Record, requestID string) types.QueueItem {
	now := m.now().UnixMilli()
	seq := m.virtualSeq.Add(1)
	return types.QueueItem{
		ID:          VirtualPrefix + strconv.FormatInt(now, 10) + "-" + strconv.FormatUint(seq, 10),
		RequestID:   requestID,
		Entity:      entity,
		Operation:   operation,
		Data:        data,
		Timestamp:   now,
		Status:      types.StatusCompleted,
		CompletedAt: now,
	}
}

// ProcessQueue runs one pass of the wrapped queue, then marks recently
// completed requests as processed. Concurrent callers share one pass, so
// the pass runs detached from any single caller's cancellation.
func (m *IdempotentManager) ProcessQueue(ctx context.Context) (types.ProcessResult, error) {
	passCtx := context.WithoutCancel(ctx)
	v, err, shared := m.process.Do("process", func() (any, error) {
		res, err := m.queue.ProcessQueue(passCtx)
		if err != nil {
			return res, err
		}
		if m.cfg.EnableIdempotency {
			if err := m.markRecent(passCtx); err != nil {
				return res, err
			}
		}
		return res, nil
	})
	if shared {
		slog.Debug("joined in-flight queue pass", "component", "queue")
	}
	res, _ := v.(types.ProcessResult)
	return res, err
}

func (m *IdempotentManager) markRecent(ctx context.Context) error {
	completed, err := m.queue.GetAllItems(ctx, types.StatusCompleted)
	if err != nil {
		return fmt.Errorf("list completed items: %w", err)
	}

	now := m.now().UnixMilli()
	window := m.cfg.RecencyWindow.Milliseconds()
	marked := 0
	for _, item := range completed {
		ref := item.CompletedAt
		if ref == 0 {
			ref = item.Timestamp
		}
		if now-ref >= window {
			continue
		}
		if key, ok := idempotency.ExtractIdempotencyKey(item.Data); ok {
			m.tracker.MarkProcessed(ctx, key)
			marked++
		}
	}
	if marked > 0 {
		slog.Debug("marked requests processed",
			"component", "queue",
			"count", marked,
		)
	}
	return nil
}

// FindDuplicates groups queue items by queue-level request id and returns
// the groups holding more than one item.
func (m *IdempotentManager) FindDuplicates(ctx context.Context) ([]DuplicateGroup, error) {
	items, err := m.queue.GetAllItems(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}

	var order []string
	grouped := make(map[string][]types.QueueItem)
	for _, item := range items {
		if item.RequestID == "" {
			continue
		}
		if _, seen := grouped[item.RequestID]; !seen {
			order = append(order, item.RequestID)
		}
		grouped[item.RequestID] = append(grouped[item.RequestID], item)
	}

	groups := make([]DuplicateGroup, 0)
	for _, id := range order {
		members := grouped[id]
		if len(members) < 2 {
			continue
		}
		slices.SortStableFunc(members, func(a, b types.QueueItem) int {
			return cmp.Compare(a.Timestamp, b.Timestamp)
		})
		groups = append(groups, DuplicateGroup{RequestID: id, Items: members})
	}
	return groups, nil
}

// RemoveDuplicates deletes every duplicate except the oldest of each group
// and returns the number removed.
func (m *IdempotentManager) RemoveDuplicates(ctx context.Context) (int, error) {
	remover, ok := m.queue.(Remover)
	if !ok {
		return 0, ErrRemoveUnsupported
	}

	groups, err := m.FindDuplicates(ctx)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, g := range groups {
		for _, extra := range g.Extras() {
			ids = append(ids, extra.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	removed, err := remover.Remove(ctx, ids...)
	if err != nil {
		return removed, fmt.Errorf("remove duplicates: %w", err)
	}
	slog.Warn("removed duplicate queue items",
		"component", "queue",
		"groups", len(groups),
		"removed", removed,
	)
	return removed, nil
}

// IdempotencyStats merges queue stats with tracker and duplicate counts.
func (m *IdempotentManager) IdempotencyStats(ctx context.Context) (IdempotencyStats, error) {
	qs, err := m.queue.GetStats(ctx)
	if err != nil {
		return IdempotencyStats{}, fmt.Errorf("get queue stats: %w", err)
	}
	groups, err := m.FindDuplicates(ctx)
	if err != nil {
		return IdempotencyStats{}, err
	}
	dupes := 0
	for _, g := range groups {
		dupes += len(g.Extras())
	}
	ts := m.tracker.Stats()
	return IdempotencyStats{
		QueueStats:         qs,
		ProcessedCount:     ts.Total,
		DuplicatesInQueue:  dupes,
		IdempotencyEnabled: m.cfg.EnableIdempotency,
		Tracker:            ts,
	}, nil
}

// WasProcessed reports whether requestID was marked processed.
func (m *IdempotentManager) WasProcessed(requestID string) bool {
	return m.tracker.WasProcessed(requestID)
}

// MarkProcessed marks requestID processed by hand.
func (m *IdempotentManager) MarkProcessed(ctx context.Context, requestID string) {
	m.tracker.MarkProcessed(ctx, requestID)
	slog.Info("request marked processed",
		"component", "queue",
		"request_id", requestID,
	)
}

// Cleanup evicts processed ids older than maxAge, or the configured max
// age when maxAge is zero.
func (m *IdempotentManager) Cleanup(ctx context.Context, maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = m.cfg.CleanupMaxAge
	}
	return m.tracker.Cleanup(ctx, maxAge)
}

// ClearCompleted marks every completed item processed, whatever its age,
// and then deletes the completed items from the wrapped queue.
func (m *IdempotentManager) ClearCompleted(ctx context.Context) (int, error) {
	if m.cfg.EnableIdempotency {
		completed, err := m.queue.GetAllItems(ctx, types.StatusCompleted)
		if err != nil {
			return 0, fmt.Errorf("list completed items: %w", err)
		}
		for _, item := range completed {
			if key, ok := idempotency.ExtractIdempotencyKey(item.Data); ok {
				m.tracker.MarkProcessed(ctx, key)
			}
		}
	}
	return m.queue.ClearCompleted(ctx)
}

// The remaining operations delegate to the wrapped queue.

func (m *IdempotentManager) RetryFailed(ctx context.Context) (int, error) {
	return m.queue.RetryFailed(ctx)
}

func (m *IdempotentManager) GetStats(ctx context.Context) (types.QueueStats, error) {
	return m.queue.GetStats(ctx)
}

func (m *IdempotentManager) GetAllItems(ctx context.Context, status types.QueueStatus) ([]types.QueueItem, error) {
	return m.queue.GetAllItems(ctx, status)
}

func (m *IdempotentManager) SetProcessor(p Processor) {
	m.queue.SetProcessor(p)
}

func (m *IdempotentManager) On(l Listener) func() {
	return m.queue.On(l)
}

func (m *IdempotentManager) IsReady() bool {
	return m.queue.IsReady()
}

func (m *IdempotentManager) IsProcessing() bool {
	return m.queue.IsProcessing()
}

// MigrateToIdempotentQueue stamps a request id onto every item that lacks
// one. Items are rewritten in place when q implements DataUpdater, which
// must also adopt the stamped id as the item's queue-level request id; the
// count is returned either way.
func MigrateToIdempotentQueue(ctx context.Context, q Queue) (int, error) {
	items, err := q.GetAllItems(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list queue items: %w", err)
	}
	updater, canUpdate := q.(DataUpdater)

	migrated := 0
	for _, item := range items {
		if _, ok := idempotency.ExtractIdempotencyKey(item.Data); ok {
			continue
		}
		id := idempotency.GenerateRequestID(item.Entity, item.Operation)
		if canUpdate {
			if err := updater.UpdateData(ctx, item.ID, idempotency.AddIdempotencyKey(item.Data, id)); err != nil {
				return migrated, fmt.Errorf("migrate queue item %s: %w", item.ID, err)
			}
		} else {
			slog.Info("queue item needs a request id but the queue cannot be updated",
				"component", "queue",
				"id", item.ID,
				"request_id", id,
			)
		}
		migrated++
	}

	slog.Info("queue migration complete",
		"component", "queue",
		"migrated", migrated,
		"persisted", canUpdate,
	)
	return migrated, nil
}
