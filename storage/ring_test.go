package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Le-Riz/IBEF-Backend/models"
)

func TestRingAppendAndGet(t *testing.T) {
	r := NewRing(4)
	require.Equal(t, 0, r.Len())
	require.Equal(t, 4, r.Cap())

	r.Append(1.0, 10)
	r.Append(2.0, 20)
	require.Equal(t, 2, r.Len())

	p, err := r.Get(0)
	require.NoError(t, err)
	assert.Equal(t, Point{Time: 1.0, Value: 10}, p)

	p, err = r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, Point{Time: 2.0, Value: 20}, p)

	_, err = r.Get(2)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = r.Get(-1)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestRingOverwritesOldestWhenFull(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 10; i++ {
		r.Append(float64(i), float64(i)*2)
	}
	require.Equal(t, 4, r.Len())
	require.True(t, r.IsFull())

	// Oldest surviving entry is i=6, newest is i=9.
	for i := 0; i < 4; i++ {
		p, err := r.Get(i)
		require.NoError(t, err)
		assert.Equal(t, float64(i+6), p.Time)
	}
}

func TestRingCountSaturates(t *testing.T) {
	for _, capacity := range []int{8, 10} { // power of two and not
		r := NewRing(capacity)
		for n := 1; n <= 3*capacity; n++ {
			r.Append(float64(n), 0)
			want := n
			if want > capacity {
				want = capacity
			}
			require.Equal(t, want, r.Len(), "capacity %d after %d appends", capacity, n)
		}
	}
}

// Both wrap arithmetic paths must behave identically.
func TestRingMaskAndModuloAgree(t *testing.T) {
	pow2 := NewRing(16)
	odd := NewRing(16)
	odd.mask = -1 // force the modulo path at the same capacity

	for i := 0; i < 100; i++ {
		pow2.Append(float64(i), float64(i*i))
		odd.Append(float64(i), float64(i*i))
	}
	require.Equal(t, pow2.Len(), odd.Len())
	for i := 0; i < pow2.Len(); i++ {
		a, err := pow2.Get(i)
		require.NoError(t, err)
		b, err := odd.Get(i)
		require.NoError(t, err)
		assert.Equal(t, a, b, "index %d", i)
	}
	assert.Equal(t, pow2.GetAll(), odd.GetAll())
}

func TestRingGetAllChronological(t *testing.T) {
	r := NewRing(5)

	assert.Nil(t, r.GetAll())

	// Unwrapped.
	r.Append(1, 1)
	r.Append(2, 2)
	all := r.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, 1.0, all[0].Time)

	// Wrapped.
	for i := 3; i <= 8; i++ {
		r.Append(float64(i), float64(i))
	}
	all = r.GetAll()
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].Time, all[i].Time)
	}
	assert.Equal(t, 4.0, all[0].Time)
	assert.Equal(t, 8.0, all[4].Time)
}

func TestRingGetRange(t *testing.T) {
	r := NewRing(8)
	for i := 0; i < 12; i++ {
		r.Append(float64(i), 0)
	}

	pts, err := r.GetRange(2, 5)
	require.NoError(t, err)
	require.Len(t, pts, 3)
	assert.Equal(t, 6.0, pts[0].Time) // logical 0 is i=4 after wrap

	empty, err := r.GetRange(3, 3)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = r.GetRange(0, 9)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = r.GetRange(5, 2)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestRingClear(t *testing.T) {
	r := NewRing(4)
	r.Append(1, 1)
	r.Append(2, 2)
	r.Clear()
	require.Equal(t, 0, r.Len())
	require.False(t, r.IsFull())
	r.Append(9, 9)
	p, err := r.Get(0)
	require.NoError(t, err)
	assert.Equal(t, 9.0, p.Time)
}
