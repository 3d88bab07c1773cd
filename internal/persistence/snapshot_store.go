package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/llm-d-incubation/pipeline-selftune/internal/logger"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/snapshot"
)

const defaultQueueSize = 256

// snapshotRecord is the persisted form of a snapshot.
type snapshotRecord struct {
	ID            uint64             `json:"id"`
	TimestampMs   uint64             `json:"timestamp_ms"`
	Source        string             `json:"source"`
	Params        map[string]float64 `json:"params"`
	P95LatencyMs  float64            `json:"p95_latency_ms"`
	DropRatePct   float64            `json:"drop_rate_pct"`
	CacheHitRate  float64            `json:"cache_hit_rate"`
	ErrorRate     float64            `json:"error_rate"`
	ThroughputRps float64            `json:"throughput_rps"`
	Extras        map[string]float64 `json:"extras"`
	Note          *string            `json:"note"`
}

func recordFrom(s snapshot.ConfigSnapshot) snapshotRecord {
	r := snapshotRecord{
		ID:            s.ID,
		TimestampMs:   s.TimestampMs,
		Source:        s.Source.String(),
		Params:        s.Params,
		P95LatencyMs:  s.Metrics.P95LatencyMs,
		DropRatePct:   s.Metrics.DropRatePct,
		CacheHitRate:  s.Metrics.CacheHitRate,
		ErrorRate:     s.Metrics.ErrorRate,
		ThroughputRps: s.Metrics.ThroughputRps,
		Extras:        s.Metrics.Extras,
	}
	if s.Note != "" {
		note := s.Note
		r.Note = &note
	}
	return r
}

func (r snapshotRecord) metrics() snapshot.SnapshotMetrics {
	return snapshot.SnapshotMetrics{
		P95LatencyMs:  r.P95LatencyMs,
		DropRatePct:   r.DropRatePct,
		CacheHitRate:  r.CacheHitRate,
		ErrorRate:     r.ErrorRate,
		ThroughputRps: r.ThroughputRps,
		Extras:        r.Extras,
	}
}

// SnapshotStore mirrors snapshot commits into a ListStore. Writes are
// best-effort: a failed or dropped write is logged and never affects the
// in-memory registry.
type SnapshotStore struct {
	store ListStore
	key   string
	keep  int64

	queue   chan snapshot.ConfigSnapshot
	dropped uint64
	mu      sync.Mutex
}

func NewSnapshotStore(store ListStore, key string, keep int) *SnapshotStore {
	return &SnapshotStore{
		store: store,
		key:   key,
		keep:  int64(max(keep, 1)),
		queue: make(chan snapshot.ConfigSnapshot, defaultQueueSize),
	}
}

// Attach registers a commit hook on reg. Commits are queued and written by Run.
func (s *SnapshotStore) Attach(reg *snapshot.Registry) {
	reg.OnCommit(s.enqueue)
}

func (s *SnapshotStore) enqueue(snap snapshot.ConfigSnapshot) {
	select {
	case s.queue <- snap:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		logger.Log.Warnw("Snapshot persistence queue full, dropping write", "id", snap.ID)
	}
}

// Dropped reports how many commits were not persisted because the queue was full.
func (s *SnapshotStore) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run writes queued commits until ctx is done, then flushes what is already queued.
func (s *SnapshotStore) Run(ctx context.Context) error {
	for {
		select {
		case snap := <-s.queue:
			s.Persist(ctx, snap)
		case <-ctx.Done():
			s.flush(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (s *SnapshotStore) flush(ctx context.Context) {
	for {
		select {
		case snap := <-s.queue:
			s.Persist(ctx, snap)
		default:
			return
		}
	}
}

// Persist writes one snapshot synchronously, logging any failure.
func (s *SnapshotStore) Persist(ctx context.Context, snap snapshot.ConfigSnapshot) {
	payload, err := json.Marshal(recordFrom(snap))
	if err != nil {
		logger.Log.Warnw("Failed to encode snapshot", "id", snap.ID, "error", err)
		return
	}
	if err := s.store.PushTrim(ctx, s.key, string(payload), s.keep); err != nil {
		logger.Log.Warnw("Failed to persist snapshot", "id", snap.ID, "key", s.key, "error", err)
	}
}

// Restore replays persisted history into reg, oldest first, keeping original
// timestamps. Garbled records are skipped. It returns how many were loaded.
// Restore should run before Attach so replayed commits are not written back.
func (s *SnapshotStore) Restore(ctx context.Context, reg *snapshot.Registry) (int, error) {
	raw, err := s.store.Range(ctx, s.key)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot history from %s: %w", s.key, err)
	}
	loaded := 0
	for i := len(raw) - 1; i >= 0; i-- {
		var rec snapshotRecord
		if err := json.Unmarshal([]byte(raw[i]), &rec); err != nil {
			logger.Log.Warnw("Skipping unreadable snapshot record", "index", i, "error", err)
			continue
		}
		note := ""
		if rec.Note != nil {
			note = *rec.Note
		}
		reg.CommitAt(snapshot.ParamMap(rec.Params), snapshot.ParseChangeSource(rec.Source), rec.metrics(), note, rec.TimestampMs)
		loaded++
	}
	return loaded, nil
}

func (s *SnapshotStore) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
