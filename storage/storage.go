package storage

import (
	"fmt"

	"github.com/Le-Riz/IBEF-Backend/models"
)

// Windows are the supported history query durations in seconds.
var Windows = []int{30, 60, 120, 300, 600}

// windowPlan is the precomputed sampling plan for one window: the number of
// samples the full window spans at the storage frequency, and the relative
// offsets of the returned points inside that span. The last offset is pinned
// to the final sample so the newest value is always returned.
type windowPlan struct {
	maxPoints int
	offsets   []int
}

// Storage is the per-sensor time-series store. Every sensor gets a ring
// buffer sized for twenty 30-second windows at the sampling frequency, and
// each supported window returns exactly f*30 points once enough data exists.
type Storage struct {
	freq      float64
	capacity  int
	refPoints int
	buffers   [models.SensorCount]*Ring
	plans     map[int]windowPlan
}

// New constructs the store for a sampling frequency in Hz.
func New(freq float64) *Storage {
	pointsPer30s := int(freq * 30)
	capacity := pointsPer30s * 20

	s := &Storage{
		freq:      freq,
		capacity:  capacity,
		refPoints: pointsPer30s,
		plans:     make(map[int]windowPlan, len(Windows)),
	}
	for i := range s.buffers {
		s.buffers[i] = NewRing(capacity)
	}

	for _, w := range Windows {
		maxPoints := int(freq * float64(w))
		if s.refPoints <= 0 || maxPoints <= 0 {
			continue
		}
		step := float64(maxPoints) / float64(s.refPoints)
		offsets := make([]int, s.refPoints)
		for i := range offsets {
			offsets[i] = int(float64(i) * step)
		}
		offsets[len(offsets)-1] = maxPoints - 1
		s.plans[w] = windowPlan{maxPoints: maxPoints, offsets: offsets}
	}
	return s
}

// SamplingFrequency returns the storage frequency in Hz.
func (s *Storage) SamplingFrequency() float64 { return s.freq }

// Capacity returns the per-sensor buffer capacity.
func (s *Storage) Capacity() int { return s.capacity }

// ReferencePoints returns the fixed number of points a window query yields
// once enough data is present.
func (s *Storage) ReferencePoints() int { return s.refPoints }

// Ring returns the underlying buffer for a sensor.
func (s *Storage) Ring(id models.SensorID) (*Ring, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: sensor index %d", models.ErrInvalidArgument, int(id))
	}
	return s.buffers[id], nil
}

// Append stores one (relative time, value) point for a sensor. O(1).
func (s *Storage) Append(id models.SensorID, t, v float64) error {
	r, err := s.Ring(id)
	if err != nil {
		return err
	}
	r.Append(t, v)
	return nil
}

// Data returns every stored point for a sensor in chronological order.
func (s *Storage) Data(id models.SensorID) ([]Point, error) {
	r, err := s.Ring(id)
	if err != nil {
		return nil, err
	}
	return r.GetAll(), nil
}

// Window returns points for a sensor over the requested window in seconds.
//
//   - fewer points than a query yields: everything available, unchanged;
//   - a full window present: the precomputed uniformly-spaced sample;
//   - otherwise: a uniform sample over what is available.
//
// In every case the returned points are in non-decreasing time order and the
// last point is the most recently appended sample.
func (s *Storage) Window(id models.SensorID, windowSeconds int) ([]Point, error) {
	r, err := s.Ring(id)
	if err != nil {
		return nil, err
	}
	plan, ok := s.plans[windowSeconds]
	if !ok {
		return nil, fmt.Errorf("%w: window %ds not in %v", models.ErrUnsupported, windowSeconds, Windows)
	}
	count := r.Len()
	if count == 0 {
		return nil, nil
	}

	available := count
	if available > plan.maxPoints {
		available = plan.maxPoints
	}

	// Not enough points yet: return the newest entries as-is.
	if available <= s.refPoints {
		return r.GetRange(count-available, count)
	}

	// Full window present: direct indexed access through the plan.
	if available >= plan.maxPoints {
		start := count - plan.maxPoints
		out := make([]Point, len(plan.offsets))
		for i, off := range plan.offsets {
			p, err := r.Get(start + off)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	}

	// Partial window: subsample the available points uniformly, pinning the
	// last returned point to the newest sample.
	step := float64(available) / float64(s.refPoints)
	start := count - available
	out := make([]Point, s.refPoints)
	for i := range out {
		idx := start + int(float64(i)*step)
		if i == s.refPoints-1 {
			idx = start + available - 1
		}
		p, err := r.Get(idx)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// Stats summarizes one sensor's buffer occupancy.
type Stats struct {
	Capacity    int     `json:"capacity"`
	Count       int     `json:"current_count"`
	Full        bool    `json:"is_full"`
	Utilization float64 `json:"utilization"`
}

// SensorStats returns occupancy statistics for a sensor's buffer.
func (s *Storage) SensorStats(id models.SensorID) (Stats, error) {
	r, err := s.Ring(id)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Capacity:    r.Cap(),
		Count:       r.Len(),
		Full:        r.IsFull(),
		Utilization: float64(r.Len()) / float64(r.Cap()),
	}, nil
}

// ClearSensor discards the stored points of one sensor.
func (s *Storage) ClearSensor(id models.SensorID) error {
	r, err := s.Ring(id)
	if err != nil {
		return err
	}
	r.Clear()
	return nil
}

// ClearAll discards the stored points of every sensor.
func (s *Storage) ClearAll() {
	for _, r := range s.buffers {
		r.Clear()
	}
}
