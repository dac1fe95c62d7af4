package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/reconcile/internal/boundedlog"
	"github.com/hyperengineering/reconcile/internal/rules"
	"github.com/hyperengineering/reconcile/internal/store"
	"github.com/hyperengineering/reconcile/internal/types"
)

// FieldLogKey is the KV key the field conflict log is persisted under.
const FieldLogKey = "field_conflict_logs"

// SmartConfig toggles the stages of rule-aware resolution.
type SmartConfig struct {
	Enabled             bool `yaml:"enabled" json:"enabled"`
	EnableFieldLevel    bool `yaml:"enable_field_level" json:"enable_field_level"`
	EnableVersionCheck  bool `yaml:"enable_version_check" json:"enable_version_check"`
	StoreFieldConflicts bool `yaml:"store_field_conflicts" json:"store_field_conflicts"`
	MaxFieldLogs        int  `yaml:"max_field_logs" json:"max_field_logs"`
}

// DefaultSmartConfig enables every stage.
func DefaultSmartConfig() SmartConfig {
	return SmartConfig{
		Enabled:             true,
		EnableFieldLevel:    true,
		EnableVersionCheck:  true,
		StoreFieldConflicts: true,
		MaxFieldLogs:        boundedlog.DefaultCapacity,
	}
}

// FieldConflict describes one field whose local and remote values differ.
type FieldConflict struct {
	Field       string       `json:"field"`
	LocalValue  any          `json:"local_value"`
	RemoteValue any          `json:"remote_value"`
	Winner      types.Winner `json:"winner"`
	Reason      string       `json:"reason"`
}

// FieldConflictLog is the persisted form of a FieldConflict.
type FieldConflictLog struct {
	ID          string       `json:"id"`
	Entity      string       `json:"entity"`
	EntityID    string       `json:"entity_id"`
	Field       string       `json:"field"`
	LocalValue  any          `json:"local_value"`
	RemoteValue any          `json:"remote_value"`
	Winner      types.Winner `json:"winner"`
	Reason      string       `json:"reason"`
	ResolvedAt  time.Time    `json:"resolved_at"`
}

// SmartResolution extends Resolution with rule outcomes.
type SmartResolution struct {
	Resolution
	RequiresManual   bool            `json:"requires_manual"`
	ValidationErrors []string        `json:"validation_errors,omitempty"`
	FieldConflicts   []FieldConflict `json:"field_conflicts,omitempty"`
	AppliedRules     []string        `json:"applied_rules,omitempty"`
}

// SmartStats summarizes the rule table and the field conflict log.
type SmartStats struct {
	TotalRules          int            `json:"total_rules"`
	TotalFieldConflicts int            `json:"total_field_conflicts"`
	ConflictsByEntity   map[string]int `json:"conflicts_by_entity"`
	Enabled             bool           `json:"enabled"`
}

// SmartResolver applies per-entity rules before falling back to the base
// last-write-wins Resolver.
type SmartResolver struct {
	base      *Resolver
	rules     *rules.Registry
	cfg       SmartConfig
	fieldLogs *boundedlog.Log[FieldConflictLog]
}

// NewSmartResolver creates a SmartResolver. Field logs are loaded from kv;
// a nil kv keeps them in memory only.
func NewSmartResolver(ctx context.Context, base *Resolver, reg *rules.Registry, cfg SmartConfig, kv store.KV) *SmartResolver {
	return &SmartResolver{
		base:      base,
		rules:     reg,
		cfg:       cfg,
		fieldLogs: boundedlog.New[FieldConflictLog](ctx, kv, FieldLogKey, cfg.MaxFieldLogs, boundedlog.NewestFirst),
	}
}

// Base returns the wrapped last-write-wins resolver.
func (s *SmartResolver) Base() *Resolver {
	return s.base
}

// Rules returns the rule registry.
func (s *SmartResolver) Rules() *rules.Registry {
	return s.rules
}

// Resolve runs the validator, version and field-merge stages in order.
// Entities without a rule, and values that are not records, use the base
// resolver.
func (s *SmartResolver) Resolve(ctx context.Context, d Data) SmartResolution {
	if !s.cfg.Enabled {
		return SmartResolution{Resolution: s.base.Resolve(ctx, d)}
	}

	rule, ok := s.rules.Get(d.DataType)
	local, lok := asRecord(d.Local)
	remote, rok := asRecord(d.Remote)
	if !ok || !lok || !rok || types.Equal(local, remote) {
		return SmartResolution{Resolution: s.base.Resolve(ctx, d)}
	}

	var diagnostics []string
	if v := rule.Validate(local, remote); v != nil {
		switch v.Kind {
		case rules.VerdictManual:
			res := SmartResolution{
				Resolution:       s.decided(d, types.WinnerRemote, types.StrategyRemoteWins, "Validation failed: "+v.Reason),
				RequiresManual:   true,
				ValidationErrors: []string{v.Reason},
				AppliedRules:     []string{"validator:" + v.Kind.String()},
			}
			s.base.Record(ctx, d, res.Resolution)
			return res
		case rules.VerdictRemoteWins:
			res := SmartResolution{
				Resolution:   s.decided(d, types.WinnerRemote, types.StrategyRemoteWins, v.Reason),
				AppliedRules: []string{"validator:" + v.Kind.String()},
			}
			s.base.Record(ctx, d, res.Resolution)
			return res
		default:
			slog.Warn("conflict validator reported a suspicious record",
				"component", "conflict",
				"data_type", d.DataType,
				"data_id", d.ID,
				"reason", v.Reason,
				"diff", types.Diff(local, remote),
			)
			diagnostics = append(diagnostics, v.Reason)
		}
	}

	if s.cfg.EnableVersionCheck {
		if res, ok := s.checkVersion(d, rule, local, remote); ok {
			res.ValidationErrors = append(diagnostics, res.ValidationErrors...)
			s.base.Record(ctx, d, res.Resolution)
			return res
		}
	}

	if !s.cfg.EnableFieldLevel {
		return SmartResolution{
			Resolution:       s.base.Resolve(ctx, d),
			ValidationErrors: diagnostics,
		}
	}

	res := s.mergeFields(ctx, d, rule, local, remote)
	res.ValidationErrors = diagnostics
	s.base.Record(ctx, d, res.Resolution)
	return res
}

func (s *SmartResolver) decided(d Data, winner types.Winner, strategy types.Strategy, reason string) Resolution {
	res := Resolution{
		Winner:      winner,
		Strategy:    strategy,
		ResolvedAt:  s.base.now(),
		HadConflict: true,
		Reason:      reason,
	}
	if winner == types.WinnerLocal {
		res.Data = d.Local
	} else {
		res.Data = d.Remote
	}
	return res
}

// checkVersion compares the first version field both records carry as a
// number. Equal versions report ok=false.
func (s *SmartResolver) checkVersion(d Data, rule rules.Rule, local, remote types.Record) (SmartResolution, bool) {
	for _, field := range rule.VersionFields() {
		lv, lok := types.Number(local[field])
		rv, rok := types.Number(remote[field])
		if !lok || !rok {
			continue
		}
		switch {
		case lv < rv:
			slog.Warn("version conflict, local copy is outdated",
				"component", "conflict",
				"data_type", d.DataType,
				"data_id", d.ID,
				"local_version", lv,
				"remote_version", rv,
			)
			return SmartResolution{
				Resolution: s.decided(d, types.WinnerRemote, types.StrategyRemoteWins,
					fmt.Sprintf("Version conflict - local is outdated (version %s < %s)", formatVersion(lv), formatVersion(rv))),
				RequiresManual:   true,
				ValidationErrors: []string{"Your local copy is outdated. Server has a newer version."},
				AppliedRules:     []string{"version:" + field},
			}, true
		case lv > rv:
			slog.Error("version anomaly, local copy ahead of remote",
				"component", "conflict",
				"data_type", d.DataType,
				"data_id", d.ID,
				"local_version", lv,
				"remote_version", rv,
			)
			return SmartResolution{
				Resolution: s.decided(d, types.WinnerLocal, types.StrategyLocalWins,
					fmt.Sprintf("Version anomaly - local ahead of remote (version %s > %s)", formatVersion(lv), formatVersion(rv))),
				RequiresManual:   true,
				ValidationErrors: []string{"Local version ahead of server. Please contact support."},
				AppliedRules:     []string{"version:" + field},
			}, true
		default:
			return SmartResolution{}, false
		}
	}
	return SmartResolution{}, false
}

// mergeFields resolves every differing field independently. Fields that
// differ after the rule lookups fall back to record-level timestamps, where
// local wins only when strictly newer.
func (s *SmartResolver) mergeFields(ctx context.Context, d Data, rule rules.Rule, local, remote types.Record) SmartResolution {
	localNewer := s.base.normalize(d, "local", d.LocalTimestamp) > s.base.normalize(d, "remote", d.RemoteTimestamp)
	now := s.base.now()

	fields := make([]string, 0, len(local)+len(remote))
	for k := range local {
		fields = append(fields, k)
	}
	for k := range remote {
		if _, ok := local[k]; !ok {
			fields = append(fields, k)
		}
	}
	slices.Sort(fields)

	merged := local.Clone()
	var (
		conflicts      []FieldConflict
		applied        []string
		requiresManual bool
	)
	for _, field := range fields {
		lv, rv := local[field], remote[field]
		if types.Equal(lv, rv) {
			continue
		}

		fc := FieldConflict{Field: field, LocalValue: lv, RemoteValue: rv}
		switch {
		case rule.IsProtected(field):
			fc.Winner = types.WinnerLocal
			fc.Reason = "Protected field - local value preserved"
			applied = append(applied, "protected:"+field)
		case rule.IsServerAuthoritative(field):
			fc.Winner = types.WinnerRemote
			fc.Reason = "Server authoritative field"
			applied = append(applied, "server-auth:"+field)
		case rule.IsManual(field):
			fc.Winner = types.WinnerRemote
			fc.Reason = "Requires manual resolution (using remote temporarily)"
			applied = append(applied, "manual:"+field)
			requiresManual = true
		case localNewer:
			fc.Winner = types.WinnerLocal
			fc.Reason = "Local is newer (LWW)"
			applied = append(applied, "lww:"+field)
		default:
			fc.Winner = types.WinnerRemote
			fc.Reason = "Remote is newer (LWW)"
			applied = append(applied, "lww:"+field)
		}

		src := local
		if fc.Winner == types.WinnerRemote {
			src = remote
		}
		if v, ok := src[field]; ok {
			merged[field] = v
		} else {
			delete(merged, field)
		}
		conflicts = append(conflicts, fc)
	}

	if s.cfg.StoreFieldConflicts {
		for _, fc := range conflicts {
			s.fieldLogs.Add(ctx, FieldConflictLog{
				ID:          "field_" + ulid.Make().String(),
				Entity:      d.DataType,
				EntityID:    d.ID,
				Field:       fc.Field,
				LocalValue:  fc.LocalValue,
				RemoteValue: fc.RemoteValue,
				Winner:      fc.Winner,
				Reason:      fc.Reason,
				ResolvedAt:  now,
			})
		}
	}

	slog.Debug("field-level merge",
		"component", "conflict",
		"data_type", d.DataType,
		"data_id", d.ID,
		"field_conflicts", len(conflicts),
		"requires_manual", requiresManual,
	)

	return SmartResolution{
		Resolution: Resolution{
			Data:        merged,
			Winner:      types.WinnerMerged,
			Strategy:    types.StrategyLastWriteWins,
			ResolvedAt:  now,
			HadConflict: len(conflicts) > 0,
			Reason:      fmt.Sprintf("Field-level merge: %d conflicts resolved", len(conflicts)),
		},
		RequiresManual: requiresManual,
		FieldConflicts: conflicts,
		AppliedRules:   applied,
	}
}

// ResolveWithStrategy resolves d using the named strategy: lww, local or
// remote go straight to the base resolver, anything else uses Resolve.
func (s *SmartResolver) ResolveWithStrategy(ctx context.Context, d Data, strategy string) SmartResolution {
	switch strategy {
	case types.ResolveLWW:
		return SmartResolution{Resolution: s.base.Resolve(ctx, d)}
	case types.ResolveLocal:
		return SmartResolution{Resolution: s.base.ResolveLocalWins(ctx, d)}
	case types.ResolveRemote:
		return SmartResolution{Resolution: s.base.ResolveRemoteWins(ctx, d)}
	default:
		return s.Resolve(ctx, d)
	}
}

// FieldConflictLogs returns retained field conflicts, newest first.
// An empty entity returns all of them.
func (s *SmartResolver) FieldConflictLogs(entity string) []FieldConflictLog {
	if entity == "" {
		return s.fieldLogs.Entries()
	}
	return s.fieldLogs.Filter(func(l FieldConflictLog) bool { return l.Entity == entity })
}

// ClearFieldConflictLogs removes every field conflict log entry.
func (s *SmartResolver) ClearFieldConflictLogs(ctx context.Context) {
	s.fieldLogs.Clear(ctx)
}

// Stats returns rule and field conflict counts.
func (s *SmartResolver) Stats() SmartStats {
	entries := s.fieldLogs.Entries()
	st := SmartStats{
		TotalRules:          s.rules.Len(),
		TotalFieldConflicts: len(entries),
		ConflictsByEntity:   make(map[string]int),
		Enabled:             s.cfg.Enabled,
	}
	for _, l := range entries {
		st.ConflictsByEntity[l.Entity]++
	}
	return st
}

// asRecord accepts anything shaped like a JSON object.
func asRecord(v any) (types.Record, bool) {
	switch t := v.(type) {
	case types.Record:
		return t, t != nil
	case map[string]any:
		return types.Record(t), t != nil
	default:
		return nil, false
	}
}

func formatVersion(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
