package queue

import "errors"

var (
	// ErrNoProcessor indicates ProcessQueue was called before SetProcessor.
	ErrNoProcessor = errors.New("queue processor not set")

	// ErrItemNotFound indicates the requested queue item does not exist.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrNotInitialized indicates the queue was used before Initialize.
	ErrNotInitialized = errors.New("queue not initialized")

	// ErrRemoveUnsupported indicates the underlying queue cannot delete items.
	ErrRemoveUnsupported = errors.New("queue does not support removing items")
)
