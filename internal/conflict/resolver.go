// Package conflict decides which version of an entity survives when it was
// modified both locally and on the server.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/reconcile/internal/boundedlog"
	"github.com/hyperengineering/reconcile/internal/store"
	"github.com/hyperengineering/reconcile/internal/types"
)

// LogKey is the KV key the conflict log is persisted under.
const LogKey = "conflict_logs"

// DefaultMaxLogs is the conflict log capacity used when none is configured.
const DefaultMaxLogs = boundedlog.DefaultCapacity

// Data describes one entity that diverged between local and remote.
type Data struct {
	Local           any             `json:"local"`
	Remote          any             `json:"remote"`
	LocalTimestamp  types.Timestamp `json:"local_timestamp"`
	RemoteTimestamp types.Timestamp `json:"remote_timestamp"`
	DataType        string          `json:"data_type"`
	ID              string          `json:"id"`
}

// Resolution is the outcome of resolving a Data value.
type Resolution struct {
	Data        any            `json:"data"`
	Winner      types.Winner   `json:"winner"`
	Strategy    types.Strategy `json:"strategy"`
	ResolvedAt  time.Time      `json:"resolved_at"`
	HadConflict bool           `json:"had_conflict"`
	Reason      string         `json:"reason"`
}

// Log is an audit entry written for every resolution that had a conflict.
type Log struct {
	ID              string          `json:"id"`
	DataType        string          `json:"data_type"`
	DataID          string          `json:"data_id"`
	Winner          types.Winner    `json:"winner"`
	Strategy        types.Strategy  `json:"strategy"`
	LocalTimestamp  types.Timestamp `json:"local_timestamp"`
	RemoteTimestamp types.Timestamp `json:"remote_timestamp"`
	ResolvedAt      time.Time       `json:"resolved_at"`
	Reason          string          `json:"reason"`
	RejectedData    any             `json:"rejected_data,omitempty"`
}

// Stats aggregates the retained conflict log.
type Stats struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	ByWinner   map[string]int `json:"by_winner"`
	ByStrategy map[string]int `json:"by_strategy"`
}

// Option configures a Resolver.
type Option func(*options)

type options struct {
	maxLogs int
	now     func() time.Time
}

// WithMaxLogs sets the conflict log capacity.
func WithMaxLogs(n int) Option {
	return func(o *options) { o.maxLogs = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Resolver resolves conflicts by last-write-wins and keeps a bounded,
// persisted log of every conflict it saw. It is safe for concurrent use.
type Resolver struct {
	logs *boundedlog.Log[Log]
	now  func() time.Time
}

// NewResolver creates a Resolver and loads its log from kv.
// A nil kv keeps the log in memory only.
func NewResolver(ctx context.Context, kv store.KV, opts ...Option) *Resolver {
	o := options{maxLogs: DefaultMaxLogs, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Resolver{
		logs: boundedlog.New[Log](ctx, kv, LogKey, o.maxLogs, boundedlog.NewestFirst),
		now:  o.now,
	}
}

// Resolve keeps the strictly newer side. On equal timestamps the remote
// (server) version wins.
func (r *Resolver) Resolve(ctx context.Context, d Data) Resolution {
	localTime := r.normalize(d, "local", d.LocalTimestamp)
	remoteTime := r.normalize(d, "remote", d.RemoteTimestamp)

	res := Resolution{
		Strategy:   types.StrategyLastWriteWins,
		ResolvedAt: r.now(),
	}

	switch {
	case types.Equal(d.Local, d.Remote):
		res.Data = d.Local
		res.Winner = types.WinnerLocal
		res.Reason = "Data is identical, no conflict"
		return res
	case localTime > remoteTime:
		res.Data = d.Local
		res.Winner = types.WinnerLocal
		res.Reason = fmt.Sprintf("Local is newer (%s > %s)", iso(localTime), iso(remoteTime))
	case remoteTime > localTime:
		res.Data = d.Remote
		res.Winner = types.WinnerRemote
		res.Reason = fmt.Sprintf("Remote is newer (%s > %s)", iso(remoteTime), iso(localTime))
	default:
		res.Data = d.Remote
		res.Winner = types.WinnerRemote
		res.Reason = "Timestamps equal, preferring remote (server)"
	}

	res.HadConflict = true
	r.record(ctx, d, res)
	return res
}

// ResolveLocalWins keeps the local version regardless of timestamps.
func (r *Resolver) ResolveLocalWins(ctx context.Context, d Data) Resolution {
	return r.resolveFixed(ctx, d, types.WinnerLocal, types.StrategyLocalWins, "Local-wins strategy")
}

// ResolveRemoteWins keeps the remote version regardless of timestamps.
func (r *Resolver) ResolveRemoteWins(ctx context.Context, d Data) Resolution {
	return r.resolveFixed(ctx, d, types.WinnerRemote, types.StrategyRemoteWins, "Remote-wins strategy")
}

func (r *Resolver) resolveFixed(ctx context.Context, d Data, winner types.Winner, strategy types.Strategy, reason string) Resolution {
	res := Resolution{
		Data:        d.Remote,
		Winner:      winner,
		Strategy:    strategy,
		ResolvedAt:  r.now(),
		HadConflict: !types.Equal(d.Local, d.Remote),
		Reason:      reason,
	}
	if winner == types.WinnerLocal {
		res.Data = d.Local
	}
	if res.HadConflict {
		r.record(ctx, d, res)
	}
	return res
}

// Record appends a log entry for a resolution decided elsewhere, such as
// by a conflict rule. Resolutions without a conflict are ignored.
func (r *Resolver) Record(ctx context.Context, d Data, res Resolution) {
	if !res.HadConflict {
		return
	}
	r.record(ctx, d, res)
}

func (r *Resolver) record(ctx context.Context, d Data, res Resolution) {
	entry := Log{
		ID:              "conflict_" + ulid.Make().String(),
		DataType:        d.DataType,
		DataID:          d.ID,
		Winner:          res.Winner,
		Strategy:        res.Strategy,
		LocalTimestamp:  d.LocalTimestamp,
		RemoteTimestamp: d.RemoteTimestamp,
		ResolvedAt:      res.ResolvedAt,
		Reason:          res.Reason,
		RejectedData:    rejected(d, res.Winner),
	}
	r.logs.Add(ctx, entry)

	slog.Info("conflict resolved",
		"component", "conflict",
		"data_type", d.DataType,
		"data_id", d.ID,
		"winner", res.Winner,
		"strategy", res.Strategy,
		"reason", res.Reason,
	)
}

// rejected returns the losing side. A merge rejects nothing wholesale.
func rejected(d Data, winner types.Winner) any {
	switch winner {
	case types.WinnerLocal:
		return d.Remote
	case types.WinnerRemote:
		return d.Local
	default:
		return nil
	}
}

// normalize converts ts to epoch milliseconds, substituting the current
// time when a textual timestamp cannot be parsed.
func (r *Resolver) normalize(d Data, side string, ts types.Timestamp) int64 {
	ms, err := ts.UnixMilli()
	if err != nil {
		slog.Warn("invalid timestamp, using current time",
			"component", "conflict",
			"data_type", d.DataType,
			"data_id", d.ID,
			"side", side,
			"timestamp", ts.String(),
			"error", err,
		)
		return r.now().UnixMilli()
	}
	return ms
}

// Logs returns the retained conflict log, newest first.
func (r *Resolver) Logs() []Log {
	return r.logs.Entries()
}

// LogsByType returns log entries for one data type.
func (r *Resolver) LogsByType(dataType string) []Log {
	return r.logs.Filter(func(l Log) bool { return l.DataType == dataType })
}

// LogsByID returns log entries for one entity id.
func (r *Resolver) LogsByID(id string) []Log {
	return r.logs.Filter(func(l Log) bool { return l.DataID == id })
}

// ClearLogs removes every log entry.
func (r *Resolver) ClearLogs(ctx context.Context) {
	r.logs.Clear(ctx)
}

// Stats summarizes the retained log.
func (r *Resolver) Stats() Stats {
	entries := r.logs.Entries()
	s := Stats{
		Total:      len(entries),
		ByType:     make(map[string]int),
		ByWinner:   make(map[string]int),
		ByStrategy: make(map[string]int),
	}
	for _, l := range entries {
		s.ByType[l.DataType]++
		s.ByWinner[string(l.Winner)]++
		s.ByStrategy[string(l.Strategy)]++
	}
	return s
}

// WouldConflict reports whether the two versions differ and carry
// different timestamps. Unparsable timestamps never match.
func WouldConflict(local, remote any, localTS, remoteTS types.Timestamp) bool {
	if types.Equal(local, remote) {
		return false
	}
	l, lerr := localTS.UnixMilli()
	r, rerr := remoteTS.UnixMilli()
	if lerr != nil || rerr != nil {
		return true
	}
	return l != r
}

func iso(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
