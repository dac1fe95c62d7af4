package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is an already-deserialized application record (one database row).
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Winner identifies which version of an entity survived resolution.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// Strategy identifies how a resolution was reached.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last-write-wins"
	StrategyLocalWins     Strategy = "local-wins"
	StrategyRemoteWins    Strategy = "remote-wins"
	StrategyManual        Strategy = "manual"
)

// ErrInvalidTimestamp indicates a textual timestamp could not be parsed.
var ErrInvalidTimestamp = errors.New("invalid timestamp")

// timestampLayouts are tried in order when normalizing textual timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Timestamp is either epoch milliseconds or an ISO-8601 string.
// The zero value is epoch millisecond 0.
type Timestamp struct {
	millis int64
	text   string
	isText bool
}

// Millis returns a Timestamp holding epoch milliseconds.
func Millis(ms int64) Timestamp {
	return Timestamp{millis: ms}
}

// ISO returns a Timestamp holding an ISO-8601 string.
func ISO(s string) Timestamp {
	return Timestamp{text: s, isText: true}
}

// FromTime returns a millisecond Timestamp for t.
func FromTime(t time.Time) Timestamp {
	return Millis(t.UnixMilli())
}

// IsText reports whether the timestamp was supplied as a string.
func (t Timestamp) IsText() bool {
	return t.isText
}

// UnixMilli normalizes the timestamp to epoch milliseconds.
func (t Timestamp) UnixMilli() (int64, error) {
	if !t.isText {
		return t.millis, nil
	}
	s := strings.TrimSpace(t.text)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, t.text)
}

// String returns the original textual form.
func (t Timestamp) String() string {
	if t.isText {
		return t.text
	}
	return strconv.FormatInt(t.millis, 10)
}

// MarshalJSON encodes the timestamp in the form it was supplied.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.isText {
		return json.Marshal(t.text)
	}
	return []byte(strconv.FormatInt(t.millis, 10)), nil
}

// UnmarshalJSON accepts a JSON number (milliseconds) or a JSON string.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = ISO(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("timestamp must be a number or string: %w", err)
	}
	if ms, err := n.Int64(); err == nil {
		*t = Millis(ms)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("timestamp must be a number or string: %w", err)
	}
	*t = Millis(int64(f))
	return nil
}

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	StatusPending   QueueStatus = "pending"
	StatusSyncing   QueueStatus = "syncing"
	StatusCompleted QueueStatus = "completed"
	StatusFailed    QueueStatus = "failed"
)

// Valid reports whether s is a known status.
func (s QueueStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Operation constants
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// QueueItem is a locally-originated mutation waiting to be applied to the server.
type QueueItem struct {
	ID          string      `json:"id"`
	RequestID   string      `json:"request_id,omitempty"` // assigned by the queue per logical request
	Entity      string      `json:"entity"`
	Operation   string      `json:"operation"`
	Data        Record      `json:"data"`
	Timestamp   int64       `json:"timestamp"` // enqueue time, epoch ms
	Status      QueueStatus `json:"status"`
	RetryCount  int         `json:"retry_count"`
	Error       string      `json:"error,omitempty"`
	CompletedAt int64       `json:"completed_at,omitempty"`
}

// ProcessError describes a single item failure within a processing pass.
type ProcessError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ProcessResult summarizes one processing pass.
type ProcessResult struct {
	Processed int            `json:"processed"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Errors    []ProcessError `json:"errors"`
}

// QueueStats holds per-status item counts.
type QueueStats struct {
	Total      int        `json:"total"`
	Pending    int        `json:"pending"`
	Syncing    int        `json:"syncing"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	OldestItem *QueueItem `json:"oldest_item,omitempty"`
	NewestItem *QueueItem `json:"newest_item,omitempty"`
}

// QueueEventType names a queue lifecycle event.
type QueueEventType string

const (
	EventAdded      QueueEventType = "added"
	EventProcessing QueueEventType = "processing"
	EventCompleted  QueueEventType = "completed"
	EventFailed     QueueEventType = "failed"
	EventCleared    QueueEventType = "cleared"
)

// QueueEvent is delivered to queue listeners.
type QueueEvent struct {
	Type      QueueEventType `json:"type"`
	Item      *QueueItem     `json:"item,omitempty"`
	Count     int            `json:"count,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	QueueReady bool   `json:"queue_ready"`
	Pending    int    `json:"pending"`
	RuleCount  int    `json:"rule_count"`
}
