// Package queue holds the durable sync queue and the idempotent manager
// that wraps it.
package queue

import (
	"context"

	"github.com/hyperengineering/reconcile/internal/types"
)

// Processor applies one queue item to the server. A returned error counts
// as a failed attempt.
type Processor func(ctx context.Context, item types.QueueItem) error

// Listener receives queue lifecycle events.
type Listener func(types.QueueEvent)

// Queue is a durable FIFO of pending mutations.
type Queue interface {
	Initialize(ctx context.Context) error
	Enqueue(ctx context.Context, entity, operation string, data types.Record) (types.QueueItem, error)
	// GetAllItems returns items with the given status, or every item when
	// status is empty.
	GetAllItems(ctx context.Context, status types.QueueStatus) ([]types.QueueItem, error)
	ProcessQueue(ctx context.Context) (types.ProcessResult, error)
	RetryFailed(ctx context.Context) (int, error)
	ClearCompleted(ctx context.Context) (int, error)
	GetStats(ctx context.Context) (types.QueueStats, error)
	SetProcessor(p Processor)
	// On subscribes l and returns a function that unsubscribes it.
	On(l Listener) (unsubscribe func())
	IsReady() bool
	IsProcessing() bool
}

// Remover is implemented by queues that can delete arbitrary items.
type Remover interface {
	Remove(ctx context.Context, ids ...string) (int, error)
}

// DataUpdater is implemented by queues that can rewrite an item's payload.
type DataUpdater interface {
	UpdateData(ctx context.Context, id string, data types.Record) error
}
