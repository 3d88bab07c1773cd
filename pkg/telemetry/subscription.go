package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSubscriptionClosed is returned by Recv after Close.
var ErrSubscriptionClosed = errors.New("telemetry subscription closed")

// Subscription receives every snapshot emitted while it is open.
// A subscriber that falls more than ChannelCap snapshots behind loses the
// oldest ones; the next Recv reports how many were missed.
type Subscription struct {
	bus    *Bus
	ch     chan TelemetrySnapshot
	lagged atomic.Uint64
	once   sync.Once
}

// C exposes the underlying channel for use in select statements.
// Lag is not reported on this path; use Lagged to read and reset it.
func (s *Subscription) C() <-chan TelemetrySnapshot {
	return s.ch
}

// Lagged returns the number of snapshots dropped since the previous call and resets the counter.
func (s *Subscription) Lagged() uint64 {
	return s.lagged.Swap(0)
}

// Recv blocks for the next snapshot. lagged is non-zero when older snapshots were dropped.
func (s *Subscription) Recv(ctx context.Context) (TelemetrySnapshot, uint64, error) {
	select {
	case snap, ok := <-s.ch:
		if !ok {
			return TelemetrySnapshot{}, 0, ErrSubscriptionClosed
		}
		return snap, s.Lagged(), nil
	case <-ctx.Done():
		return TelemetrySnapshot{}, 0, ctx.Err()
	}
}

// Close detaches the subscription from the bus. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// deliver never blocks: when the buffer is full the oldest snapshot is discarded.
func (s *Subscription) deliver(snap TelemetrySnapshot) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
		}
		select {
		case <-s.ch:
			s.lagged.Add(1)
		default:
		}
	}
}
