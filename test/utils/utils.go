package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/llm-d-incubation/pipeline-selftune/pkg/telemetry"
)

// ErrMockUnavailable is returned by MockListStore while it is marked down.
var ErrMockUnavailable = errors.New("mock store unavailable")

// MockListStore is an in-memory list store with the semantics of a Redis
// LPUSH/LTRIM/LRANGE list, used in place of a live Redis in unit tests.
type MockListStore struct {
	mu    sync.Mutex
	lists map[string][]string

	// Down makes every call fail with ErrMockUnavailable.
	Down bool
	// PingFailures fails that many Ping calls before succeeding.
	PingFailures int

	PushCalls int
	PingCalls int
}

func NewMockListStore() *MockListStore {
	return &MockListStore{lists: make(map[string][]string)}
}

func (m *MockListStore) PushTrim(_ context.Context, key, value string, keep int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PushCalls++
	if m.Down {
		return ErrMockUnavailable
	}
	list := append([]string{value}, m.lists[key]...)
	if keep > 0 && int64(len(list)) > keep {
		list = list[:keep]
	}
	m.lists[key] = list
	return nil
}

// Range returns the whole list, newest first.
func (m *MockListStore) Range(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Down {
		return nil, ErrMockUnavailable
	}
	return append([]string(nil), m.lists[key]...), nil
}

func (m *MockListStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingCalls++
	if m.Down {
		return ErrMockUnavailable
	}
	if m.PingFailures > 0 {
		m.PingFailures--
		return ErrMockUnavailable
	}
	return nil
}

// Seed replaces a list. Values are given newest first, as Range returns them.
func (m *MockListStore) Seed(key string, values ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string(nil), values...)
}

func (m *MockListStore) Len(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists[key])
}

// SnapshotOption tweaks a telemetry snapshot built by NewTelemetrySnapshot.
type SnapshotOption func(*telemetry.TelemetrySnapshot)

// NewTelemetrySnapshot returns a snapshot sitting exactly on every default
// controller target, so it produces no adjustments.
func NewTelemetrySnapshot(opts ...SnapshotOption) telemetry.TelemetrySnapshot {
	s := telemetry.TelemetrySnapshot{
		CapturedAt:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		TotalRequests:    1000,
		TotalErrors:      50,
		TotalCacheHits:   500,
		TotalDedupHits:   50,
		IntervalRequests: 100,
		DropRate:         0.01,
		CacheHitRate:     0.5,
		AvgLatencyUs:     5_000,
		P95_1mUs:         5_000,
		P95_5mUs:         5_000,
		P95_15mUs:        5_000,
		QueueDepth:       512,
		QueueFillFrac:    0.5,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func WithLatency(avgUs, p95Us float64) SnapshotOption {
	return func(s *telemetry.TelemetrySnapshot) {
		s.AvgLatencyUs = avgUs
		s.P95_1mUs = p95Us
		s.P95_5mUs = p95Us
		s.P95_15mUs = p95Us
	}
}

func WithDropRate(rate float64) SnapshotOption {
	return func(s *telemetry.TelemetrySnapshot) { s.DropRate = rate }
}

func WithQueueFill(frac float64) SnapshotOption {
	return func(s *telemetry.TelemetrySnapshot) { s.QueueFillFrac = frac }
}

func WithErrors(total uint64) SnapshotOption {
	return func(s *telemetry.TelemetrySnapshot) { s.TotalErrors = total }
}

func WithCapturedAt(at time.Time) SnapshotOption {
	return func(s *telemetry.TelemetrySnapshot) { s.CapturedAt = at }
}
