// Package storage holds the bounded time-series store backing live history
// queries: one fixed-capacity ring buffer per sensor plus a query layer that
// returns a fixed-count, uniformly-spaced sample over a requested window.
package storage

import (
	"fmt"

	"github.com/Le-Riz/IBEF-Backend/models"
)

// Point is one stored (relative time, value) pair.
type Point struct {
	Time  float64 `json:"time"`
	Value float64 `json:"value"`
}

// Ring is a fixed-capacity circular buffer of Points with O(1) append and
// O(1) indexed read. Logical index 0 is the oldest valid entry and count-1
// the newest; once full, appends overwrite the oldest entry.
//
// When the capacity is a power of two the wrap arithmetic uses a bit mask,
// otherwise standard modulo; both paths produce identical results.
type Ring struct {
	buf      []Point
	capacity int
	write    int // next position to write
	count    int // valid entries, 0..capacity
	mask     int // capacity-1 for power-of-two capacities, else -1
}

// NewRing constructs a ring buffer holding at most capacity points.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic(fmt.Sprintf("storage: invalid ring capacity %d", capacity))
	}
	mask := -1
	if capacity&(capacity-1) == 0 {
		mask = capacity - 1
	}
	return &Ring{
		buf:      make([]Point, capacity),
		capacity: capacity,
		mask:     mask,
	}
}

func (r *Ring) wrap(i int) int {
	if r.mask >= 0 {
		return i & r.mask
	}
	// Go's % keeps the sign of the dividend; normalize for write-count+index
	// arithmetic which can go negative before the first wrap.
	i %= r.capacity
	if i < 0 {
		i += r.capacity
	}
	return i
}

// Append stores (t, v), overwriting the oldest entry when full. O(1).
func (r *Ring) Append(t, v float64) {
	r.buf[r.write] = Point{Time: t, Value: v}
	r.write = r.wrap(r.write + 1)
	if r.count < r.capacity {
		r.count++
	}
}

// Get returns the entry at logical index i, where 0 is the oldest valid
// entry and Len()-1 the newest.
func (r *Ring) Get(i int) (Point, error) {
	if i < 0 || i >= r.count {
		return Point{}, fmt.Errorf("%w: index %d out of range [0, %d)", models.ErrInvalidArgument, i, r.count)
	}
	return r.buf[r.wrap(r.write-r.count+i)], nil
}

// GetAll returns every valid entry in chronological order. The unwrapped
// case is a single copy; the wrapped case copies the two segments.
func (r *Ring) GetAll() []Point {
	if r.count == 0 {
		return nil
	}
	out := make([]Point, r.count)
	start := r.wrap(r.write - r.count)
	if start+r.count <= r.capacity {
		copy(out, r.buf[start:start+r.count])
		return out
	}
	n := copy(out, r.buf[start:])
	copy(out[n:], r.buf[:r.count-n])
	return out
}

// GetRange returns entries from logical index start up to end (exclusive).
func (r *Ring) GetRange(start, end int) ([]Point, error) {
	if start < 0 || end > r.count || start > end {
		return nil, fmt.Errorf("%w: range [%d, %d) for buffer of size %d", models.ErrInvalidArgument, start, end, r.count)
	}
	if start == end {
		return nil, nil
	}
	out := make([]Point, end-start)
	for i := range out {
		out[i] = r.buf[r.wrap(r.write-r.count+start+i)]
	}
	return out, nil
}

// Len returns the number of valid entries.
func (r *Ring) Len() int { return r.count }

// Cap returns the fixed capacity.
func (r *Ring) Cap() int { return r.capacity }

// IsFull reports whether the buffer has reached capacity.
func (r *Ring) IsFull() bool { return r.count == r.capacity }

// Clear discards all entries without releasing the backing array.
func (r *Ring) Clear() {
	r.write = 0
	r.count = 0
}
