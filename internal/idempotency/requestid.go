// Package idempotency stamps mutations with request ids and remembers
// which ids the server has already applied.
package idempotency

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/reconcile/internal/types"
)

// KeyField is the reserved record field holding the request id.
const KeyField = "_requestId"

// Prefix starts every generated request id.
const Prefix = "req"

// RequestIDParts is a parsed request id.
type RequestIDParts struct {
	Prefix    string
	Entity    string
	Operation string
	// Timestamp is epoch milliseconds; zero when the id carries none.
	Timestamp int64
	Random    string
}

// Time returns the parsed timestamp. ok is false when the id had none.
func (p RequestIDParts) Time() (t time.Time, ok bool) {
	if p.Timestamp == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(p.Timestamp), true
}

// GenerateRequestID returns req_<entity>_<operation>_<unixms>_<random>.
func GenerateRequestID(entity, operation string) string {
	return generateAt(entity, operation, time.Now())
}

func generateAt(entity, operation string, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return strings.Join([]string{
		Prefix,
		entity,
		operation,
		strconv.FormatInt(now.UnixMilli(), 10),
		random,
	}, "_")
}

// ParseRequestID splits a request id into its parts. Parsing is anchored
// at the end so entity names containing underscores survive. Ids with an
// optional timestamp segment missing are accepted.
func ParseRequestID(id string) (RequestIDParts, bool) {
	parts := strings.Split(id, "_")
	if len(parts) < 4 {
		return RequestIDParts{}, false
	}

	n := len(parts)
	p := RequestIDParts{
		Prefix: parts[0],
		Random: parts[n-1],
	}
	opIdx := n - 2
	if n >= 5 {
		if ts, err := strconv.ParseInt(parts[n-2], 10, 64); err == nil {
			p.Timestamp = ts
			opIdx = n - 3
		}
	}
	p.Operation = parts[opIdx]
	p.Entity = strings.Join(parts[1:opIdx], "_")
	if p.Entity == "" || p.Operation == "" {
		return RequestIDParts{}, false
	}
	return p, true
}

// FormatRequestID shortens an id for display, e.g.
// "req_kuis_create...3f9a0c1b2d4e (2024-01-02 15:04:05)".
func FormatRequestID(id string) string {
	p, ok := ParseRequestID(id)
	if !ok {
		return id
	}
	short := p.Prefix + "_" + p.Entity + "_" + p.Operation + "..." + p.Random
	if t, ok := p.Time(); ok {
		return short + " (" + t.UTC().Format(time.DateTime) + ")"
	}
	return short
}

// AddIdempotencyKey returns a shallow copy of data with id embedded.
func AddIdempotencyKey(data types.Record, id string) types.Record {
	out := data.Clone()
	out[KeyField] = id
	return out
}

// EnsureIdempotencyKey returns data carrying a request id, generating one
// only when none is embedded yet. The input is never modified.
func EnsureIdempotencyKey(data types.Record, entity, operation string) (types.Record, string) {
	if id, ok := ExtractIdempotencyKey(data); ok {
		return data.Clone(), id
	}
	id := GenerateRequestID(entity, operation)
	return AddIdempotencyKey(data, id), id
}

// ExtractIdempotencyKey returns the embedded request id, if any.
func ExtractIdempotencyKey(data types.Record) (string, bool) {
	id, ok := data[KeyField].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// RemoveIdempotencyKey returns a copy of data without the request id, as
// sent to the server.
func RemoveIdempotencyKey(data types.Record) types.Record {
	out := data.Clone()
	delete(out, KeyField)
	return out
}
