package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"k8s.io/utils/clock"
)

var ErrSnapshotNotFound = errors.New("not found")

// Option customises a Registry.
type Option func(*Registry)

// WithClock sets the clock used to timestamp Commit.
func WithClock(c clock.PassiveClock) Option {
	return func(r *Registry) { r.clock = c }
}

// Registry is a bounded, append-only history of configuration snapshots.
// Timestamps are milliseconds since the epoch and never go backwards: Commit
// stamps with the clock but always moves at least one millisecond past the
// newest timestamp seen.
//
// A Registry is not safe for concurrent use.
type Registry struct {
	history  []ConfigSnapshot
	capacity int
	nextID   uint64
	clockMs  uint64
	clock    clock.PassiveClock
	hooks    []func(ConfigSnapshot)
}

// NewRegistry creates a registry keeping at most capacity snapshots (minimum 1).
func NewRegistry(capacity int, opts ...Option) *Registry {
	r := &Registry{
		capacity: max(capacity, 1),
		nextID:   1,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnCommit registers fn to run synchronously after every commit.
func (r *Registry) OnCommit(fn func(ConfigSnapshot)) {
	r.hooks = append(r.hooks, fn)
}

// Commit records params stamped with the registry clock and returns the new id.
func (r *Registry) Commit(params ParamMap, source ChangeSource, metrics SnapshotMetrics, note string) uint64 {
	ts := uint64(max(r.clock.Now().UnixMilli(), 0))
	return r.CommitAt(params, source, metrics, note, max(ts, r.clockMs+1))
}

// CommitAt records params with an explicit timestamp, as when replaying
// persisted history.
func (r *Registry) CommitAt(params ParamMap, source ChangeSource, metrics SnapshotMetrics, note string, timestampMs uint64) uint64 {
	if len(r.history) >= r.capacity {
		r.history = append(r.history[:0], r.history[len(r.history)-r.capacity+1:]...)
	}
	snap := ConfigSnapshot{
		ID:          r.nextID,
		TimestampMs: timestampMs,
		Source:      source,
		Params:      params.Clone(),
		Metrics:     metrics,
		Note:        note,
	}
	r.nextID++
	r.clockMs = max(r.clockMs, timestampMs)
	r.history = append(r.history, snap)
	for _, fn := range r.hooks {
		fn(snap)
	}
	return snap.ID
}

func (r *Registry) Len() int      { return len(r.history) }
func (r *Registry) IsEmpty() bool { return len(r.history) == 0 }
func (r *Registry) Capacity() int { return r.capacity }

func (r *Registry) Get(id uint64) (ConfigSnapshot, bool) {
	for _, s := range r.history {
		if s.ID == id {
			return s, true
		}
	}
	return ConfigSnapshot{}, false
}

func (r *Registry) Latest() (ConfigSnapshot, bool) {
	if len(r.history) == 0 {
		return ConfigSnapshot{}, false
	}
	return r.history[len(r.history)-1], true
}

// All returns the history oldest first.
func (r *Registry) All() []ConfigSnapshot {
	return append([]ConfigSnapshot(nil), r.history...)
}

// Since returns snapshots stamped at or after timestampMs.
func (r *Registry) Since(timestampMs uint64) []ConfigSnapshot {
	var out []ConfigSnapshot
	for _, s := range r.history {
		if s.TimestampMs >= timestampMs {
			out = append(out, s)
		}
	}
	return out
}

// LastWindow returns snapshots newer than window before the newest timestamp.
func (r *Registry) LastWindow(window time.Duration) []ConfigSnapshot {
	cutoff := r.cutoff(window)
	var out []ConfigSnapshot
	for _, s := range r.history {
		if s.TimestampMs > cutoff {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) cutoff(window time.Duration) uint64 {
	w := uint64(max(window.Milliseconds(), 0))
	if w >= r.clockMs {
		return 0
	}
	return r.clockMs - w
}

// Diff compares two snapshots by id.
func (r *Registry) Diff(fromID, toID uint64) (ConfigDiff, bool) {
	from, ok := r.Get(fromID)
	if !ok {
		return ConfigDiff{}, false
	}
	to, ok := r.Get(toID)
	if !ok {
		return ConfigDiff{}, false
	}
	return from.DiffTo(to), true
}

// RollbackTo commits a new snapshot carrying the parameters of targetID. It
// does not touch existing history or the live pipeline; callers apply the
// returned snapshot's parameters themselves.
func (r *Registry) RollbackTo(targetID uint64, source ChangeSource, metrics SnapshotMetrics) (ConfigSnapshot, error) {
	target, ok := r.Get(targetID)
	if !ok {
		return ConfigSnapshot{}, fmt.Errorf("snapshot %d %w", targetID, ErrSnapshotNotFound)
	}
	id := r.Commit(target.Params, source, metrics, fmt.Sprintf("rollback to snapshot %d", targetID))
	snap, _ := r.Get(id)
	return snap, nil
}

// BestInWindow picks the snapshot within window that minimises metric, or
// maximises it when higherIsBetter. Ties go to the newest snapshot. Snapshots
// without the metric, or with a NaN value, are skipped.
func (r *Registry) BestInWindow(metric string, window time.Duration, higherIsBetter bool) (ConfigSnapshot, bool) {
	return r.BestBefore(metric, window, higherIsBetter, math.MaxUint64)
}

// BestBefore is BestInWindow restricted to snapshots with an id below beforeID.
func (r *Registry) BestBefore(metric string, window time.Duration, higherIsBetter bool, beforeID uint64) (ConfigSnapshot, bool) {
	return r.BestWhere(metric, window, higherIsBetter, func(s ConfigSnapshot) bool { return s.ID < beforeID })
}

// BestWhere is BestInWindow over the snapshots accepted by keep.
func (r *Registry) BestWhere(metric string, window time.Duration, higherIsBetter bool, keep func(ConfigSnapshot) bool) (ConfigSnapshot, bool) {
	cutoff := r.cutoff(window)
	var (
		best     ConfigSnapshot
		bestVal  float64
		haveBest bool
	)
	for _, s := range r.history {
		if s.TimestampMs <= cutoff || (keep != nil && !keep(s)) {
			continue
		}
		v, ok := s.Metrics.Get(metric)
		if !ok || math.IsNaN(v) {
			continue
		}
		better := v <= bestVal
		if higherIsBetter {
			better = v >= bestVal
		}
		if !haveBest || better {
			best, bestVal, haveBest = s, v, true
		}
	}
	return best, haveBest
}

// HistoryChange is one entry of HistoryEntry.Changes.
type HistoryChange struct {
	Param  string  `json:"param"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
	Delta  float64 `json:"delta"`
}

// HistoryMetrics is the metrics object of a HistoryEntry.
type HistoryMetrics struct {
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	DropRatePct   float64 `json:"drop_rate_pct"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	ErrorRate     float64 `json:"error_rate"`
	ThroughputRps float64 `json:"throughput_rps"`
}

// HistoryEntry summarises one snapshot with its changes against the previous one.
type HistoryEntry struct {
	ID          uint64          `json:"id"`
	TimestampMs uint64          `json:"timestamp_ms"`
	Source      string          `json:"source"`
	Note        *string         `json:"note"`
	Changes     []HistoryChange `json:"changes"`
	Metrics     HistoryMetrics  `json:"metrics"`
}

// ConfigHistory renders the whole history, oldest first. The first entry has
// no changes.
func (r *Registry) ConfigHistory() []HistoryEntry {
	out := make([]HistoryEntry, 0, len(r.history))
	for i, s := range r.history {
		entry := HistoryEntry{
			ID:          s.ID,
			TimestampMs: s.TimestampMs,
			Source:      s.Source.String(),
			Changes:     []HistoryChange{},
			Metrics: HistoryMetrics{
				P95LatencyMs:  s.Metrics.P95LatencyMs,
				DropRatePct:   s.Metrics.DropRatePct,
				CacheHitRate:  s.Metrics.CacheHitRate,
				ErrorRate:     s.Metrics.ErrorRate,
				ThroughputRps: s.Metrics.ThroughputRps,
			},
		}
		if s.Note != "" {
			note := s.Note
			entry.Note = &note
		}
		if i > 0 {
			for _, d := range r.history[i-1].DiffTo(s).Changes {
				entry.Changes = append(entry.Changes, HistoryChange{
					Param:  d.Name,
					Before: d.Before,
					After:  d.After,
					Delta:  d.Delta(),
				})
			}
		}
		out = append(out, entry)
	}
	return out
}

func (r *Registry) ConfigHistoryJSON() ([]byte, error) {
	return json.Marshal(r.ConfigHistory())
}
