package telemetry

import (
	"errors"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrZeroCapacity is returned when a ring buffer is created with no room for samples.
var ErrZeroCapacity = errors.New("ring buffer capacity must be > 0")

// RingBuffer is a fixed-capacity sample buffer that evicts its oldest entry when full.
type RingBuffer struct {
	buf  []float64
	head int // next write position
	size int
}

func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, ErrZeroCapacity
	}
	return &RingBuffer{buf: make([]float64, capacity)}, nil
}

func mustRing(capacity int) *RingBuffer {
	rb, err := NewRingBuffer(capacity)
	if err != nil {
		panic(err)
	}
	return rb
}

func (r *RingBuffer) Push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *RingBuffer) Len() int      { return r.size }
func (r *RingBuffer) Cap() int      { return len(r.buf) }
func (r *RingBuffer) IsEmpty() bool { return r.size == 0 }

// Values returns a copy of the stored samples ordered oldest to newest.
func (r *RingBuffer) Values() []float64 {
	out := make([]float64, r.size)
	start := 0
	if r.size == len(r.buf) {
		start = r.head
	}
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func (r *RingBuffer) Mean() (float64, bool) {
	if r.IsEmpty() {
		return 0, false
	}
	return stat.Mean(r.Values(), nil), true
}

// P95 returns the sample at index ceil(0.95*n)-1 of the sorted contents.
func (r *RingBuffer) P95() (float64, bool) {
	if r.IsEmpty() {
		return 0, false
	}
	v := r.Values()
	sort.Float64s(v)
	return stat.Quantile(0.95, stat.Empirical, v, nil), true
}

func (r *RingBuffer) Max() (float64, bool) {
	if r.IsEmpty() {
		return 0, false
	}
	return floats.Max(r.Values()), true
}
