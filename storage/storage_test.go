package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Le-Riz/IBEF-Backend/models"
)

func TestStorageCapacityDerivation(t *testing.T) {
	s := New(5)
	assert.Equal(t, 3000, s.Capacity()) // 5 Hz * 30 s * 20 windows
	assert.Equal(t, 150, s.ReferencePoints())
	assert.Equal(t, 5.0, s.SamplingFrequency())
}

// Fill 10 minutes of data at 5 Hz and query a one-minute window: exactly
// 150 monotone points spanning the last 60 seconds, ending on the newest
// sample.
func TestStorageFullWindowQuery(t *testing.T) {
	s := New(5)
	for i := 0; i < 3000; i++ {
		require.NoError(t, s.Append(models.Force, float64(i)*0.2, float64(i)))
	}

	pts, err := s.Window(models.Force, 60)
	require.NoError(t, err)
	require.Len(t, pts, 150)

	assert.InDelta(t, 540.0, pts[0].Time, 1e-9)
	assert.InDelta(t, 599.8, pts[len(pts)-1].Time, 1e-9)
	for i := 1; i < len(pts); i++ {
		assert.Less(t, pts[i-1].Time, pts[i].Time)
	}
}

func TestStorageShortSeriesReturnedUnchanged(t *testing.T) {
	s := New(5)
	for i := 0; i < 40; i++ {
		require.NoError(t, s.Append(models.Disp1, float64(i)*0.2, float64(i)))
	}
	// 40 points <= 150 reference points: everything, untouched.
	pts, err := s.Window(models.Disp1, 300)
	require.NoError(t, err)
	require.Len(t, pts, 40)
	assert.Equal(t, 0.0, pts[0].Time)
	assert.InDelta(t, 7.8, pts[39].Time, 1e-9)
}

func TestStoragePartialWindowSubsamples(t *testing.T) {
	s := New(5)
	// 200 points: more than 150, fewer than the 300 a full minute holds.
	for i := 0; i < 200; i++ {
		require.NoError(t, s.Append(models.Force, float64(i)*0.2, float64(i)))
	}
	pts, err := s.Window(models.Force, 60)
	require.NoError(t, err)
	require.Len(t, pts, 150)
	// Pinned to the newest sample.
	assert.InDelta(t, 199*0.2, pts[len(pts)-1].Time, 1e-9)
	for i := 1; i < len(pts); i++ {
		assert.LessOrEqual(t, pts[i-1].Time, pts[i].Time)
	}
}

func TestStorageEveryWindowEndsOnNewestSample(t *testing.T) {
	s := New(5)
	for i := 0; i < 3000; i++ {
		require.NoError(t, s.Append(models.Arc, float64(i)*0.2, float64(i)))
	}
	newest := 2999 * 0.2
	for _, w := range Windows {
		pts, err := s.Window(models.Arc, w)
		require.NoError(t, err)
		require.Len(t, pts, 150, "window %d", w)
		assert.InDelta(t, newest, pts[len(pts)-1].Time, 1e-9, "window %d", w)
	}
}

func TestStorageUnsupportedWindow(t *testing.T) {
	s := New(5)
	require.NoError(t, s.Append(models.Force, 0, 0))
	_, err := s.Window(models.Force, 45)
	require.ErrorIs(t, err, models.ErrUnsupported)
}

func TestStorageInvalidSensor(t *testing.T) {
	s := New(5)
	err := s.Append(models.SensorID(99), 0, 0)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = s.Window(models.SensorID(-1), 60)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestStorageEmptySensorQuery(t *testing.T) {
	s := New(5)
	pts, err := s.Window(models.Disp2, 30)
	require.NoError(t, err)
	assert.Empty(t, pts)
}

func TestStorageClearAndStats(t *testing.T) {
	s := New(5)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(models.Force, float64(i), 0))
	}
	st, err := s.SensorStats(models.Force)
	require.NoError(t, err)
	assert.Equal(t, 10, st.Count)
	assert.Equal(t, 3000, st.Capacity)
	assert.False(t, st.Full)
	assert.InDelta(t, 10.0/3000.0, st.Utilization, 1e-12)

	s.ClearAll()
	st, err = s.SensorStats(models.Force)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Count)
}
