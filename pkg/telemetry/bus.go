package telemetry

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

// BusConfig controls snapshot cadence and queue normalisation.
type BusConfig struct {
	EmitInterval  time.Duration `yaml:"emitInterval" json:"emitInterval" validate:"gt=0"`
	QueueCapacity uint64        `yaml:"queueCapacity" json:"queueCapacity"`
}

func DefaultBusConfig() BusConfig {
	return BusConfig{
		EmitInterval:  5 * time.Second,
		QueueCapacity: 1024,
	}
}

// Option customises a Bus.
type Option func(*Bus)

// WithClock sets the clock used to stamp snapshots.
func WithClock(c clock.PassiveClock) Option {
	return func(b *Bus) { b.clock = c }
}

// Bus aggregates pipeline events and periodically publishes TelemetrySnapshots.
//
// Record* methods are safe for concurrent use and never block: counters are
// atomic and the interval accumulator is only updated when its lock is free.
// Emit is expected to run from a single goroutine, normally StartEmitter.
type Bus struct {
	cfg   BusConfig
	clock clock.PassiveClock

	totalRequests  atomic.Uint64
	totalDropped   atomic.Uint64
	totalErrors    atomic.Uint64
	totalCacheHits atomic.Uint64
	totalDedupHits atomic.Uint64
	circuitTrips   atomic.Uint64
	queueDepth     atomic.Uint64
	circuitOpen    atomic.Bool

	prevRequests atomic.Uint64
	prevErrors   atomic.Uint64
	prevDropped  atomic.Uint64

	accMu sync.Mutex
	acc   accumulator

	windowMu  sync.Mutex
	window1m  *RingBuffer
	window5m  *RingBuffer
	window15m *RingBuffer
	window1h  *RingBuffer // populated but not surfaced in snapshots

	latestMu sync.RWMutex
	latest   TelemetrySnapshot

	subsMu sync.RWMutex
	subs   map[*Subscription]struct{}

	emitterOnce sync.Once
}

func NewBus(cfg BusConfig, opts ...Option) *Bus {
	b := &Bus{
		cfg:       cfg,
		clock:     clock.RealClock{},
		window1m:  mustRing(Window1mCap),
		window5m:  mustRing(Window5mCap),
		window15m: mustRing(Window15mCap),
		window1h:  mustRing(Window1hCap),
		subs:      make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Config() BusConfig { return b.cfg }

// RecordLatency counts a completed request and its latency.
func (b *Bus) RecordLatency(stage PipelineStage, micros uint64) {
	b.totalRequests.Add(1)
	if b.accMu.TryLock() {
		b.acc.recordLatency(stage, micros)
		b.accMu.Unlock()
	}
}

func (b *Bus) RecordDrop() {
	b.totalDropped.Add(1)
}

func (b *Bus) RecordError(stage PipelineStage) {
	b.totalErrors.Add(1)
	if b.accMu.TryLock() {
		b.acc.recordError()
		b.accMu.Unlock()
	}
}

func (b *Bus) RecordCacheHit() {
	b.totalCacheHits.Add(1)
}

// RecordDedupHit counts a request collapsed onto an in-flight duplicate.
func (b *Bus) RecordDedupHit() {
	b.totalDedupHits.Add(1)
}

func (b *Bus) SetQueueDepth(depth uint64) {
	b.queueDepth.Store(depth)
}

// RecordCircuitTransition stores the breaker state; each transition to open counts as a trip.
func (b *Bus) RecordCircuitTransition(open bool) {
	b.circuitOpen.Store(open)
	if open {
		b.circuitTrips.Add(1)
	}
}

// Subscribe registers a new receiver for emitted snapshots.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{bus: b, ch: make(chan TelemetrySnapshot, ChannelCap)}
	b.subsMu.Lock()
	b.subs[s] = struct{}{}
	b.subsMu.Unlock()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// SubscriberCount reports the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return len(b.subs)
}

// StartEmitter launches the periodic emitter. Subsequent calls are no-ops.
// The emitter stops when ctx is done.
func (b *Bus) StartEmitter(ctx context.Context) {
	b.emitterOnce.Do(func() {
		go wait.UntilWithContext(ctx, func(context.Context) {
			b.Emit()
		}, b.cfg.EmitInterval)
	})
}

// Latest returns the most recently emitted snapshot, or a zero snapshot before the first emit.
func (b *Bus) Latest() TelemetrySnapshot {
	b.latestMu.RLock()
	defer b.latestMu.RUnlock()
	return b.latest.Clone()
}

// Emit closes the current interval, publishes a snapshot to all subscribers and returns it.
func (b *Bus) Emit() TelemetrySnapshot {
	b.accMu.Lock()
	acc := b.acc.reset()
	b.accMu.Unlock()

	totalReq := b.totalRequests.Load()
	totalDrop := b.totalDropped.Load()
	totalErr := b.totalErrors.Load()
	totalCache := b.totalCacheHits.Load()

	intervalReq := saturatingSub(totalReq, b.prevRequests.Swap(totalReq))
	intervalErr := saturatingSub(totalErr, b.prevErrors.Swap(totalErr))
	intervalDrop := saturatingSub(totalDrop, b.prevDropped.Swap(totalDrop))

	var dropRate float64
	if intervalReq > 0 {
		dropRate = math.Min(float64(intervalDrop)/float64(intervalReq), 1)
	}
	var cacheHitRate float64
	if totalReq > 0 {
		cacheHitRate = math.Min(float64(totalCache)/float64(totalReq), 1)
	}

	avg := acc.avgLatencyUs()

	b.windowMu.Lock()
	b.window1m.Push(avg)
	b.window5m.Push(avg)
	b.window15m.Push(avg)
	b.window1h.Push(avg)
	p95_1m, _ := b.window1m.P95()
	p95_5m, _ := b.window5m.P95()
	p95_15m, _ := b.window15m.P95()
	b.windowMu.Unlock()

	depth := b.queueDepth.Load()
	var fill float64
	if b.cfg.QueueCapacity > 0 {
		fill = math.Min(float64(depth)/float64(b.cfg.QueueCapacity), 1)
	}

	snap := TelemetrySnapshot{
		CapturedAt:        b.clock.Now(),
		TotalRequests:     totalReq,
		TotalDropped:      totalDrop,
		TotalErrors:       totalErr,
		TotalCacheHits:    totalCache,
		TotalDedupHits:    b.totalDedupHits.Load(),
		IntervalRequests:  intervalReq,
		IntervalErrors:    intervalErr,
		DropRate:          dropRate,
		CacheHitRate:      cacheHitRate,
		AvgLatencyUs:      avg,
		P95_1mUs:          p95_1m,
		P95_5mUs:          p95_5m,
		P95_15mUs:         p95_15m,
		StageAvgLatencyUs: acc.stageAverages(),
		CircuitOpen:       b.circuitOpen.Load(),
		CircuitTrips:      b.circuitTrips.Load(),
		QueueDepth:        depth,
		QueueFillFrac:     fill,
	}

	b.latestMu.Lock()
	b.latest = snap.Clone()
	b.latestMu.Unlock()

	b.subsMu.RLock()
	for s := range b.subs {
		s.deliver(snap.Clone())
	}
	b.subsMu.RUnlock()

	return snap
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
