package sensors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Le-Riz/IBEF-Backend/bus"
	"github.com/Le-Riz/IBEF-Backend/config"
	"github.com/Le-Riz/IBEF-Backend/models"
)

func newTestManager(t *testing.T) (*Manager, *bus.Bus, *config.ConfigData) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	cfg := config.Default()
	b := bus.New(log)
	src := NewEmulatedSource(cfg, 1, log)
	return NewManager(cfg, b, src, log), b, cfg
}

func TestParseForceLine(t *testing.T) {
	m, b, _ := newTestManager(t)

	b.Publish(bus.TopicSerialData, bus.SerialLine{
		SensorID: models.Force,
		Line:     "ASC2 20945595 -165341 -1.527986e-01 -4.965955e+01 -0.000000e+00",
	})

	assert.InDelta(t, -49.65955, m.Value(models.Force), 1e-9)
}

func TestParseForceMalformedLinesIgnored(t *testing.T) {
	m, b, _ := newTestManager(t)

	for _, line := range []string{
		"ASC2 1 2",              // too few fields
		"ASC2 1 2 3 not-a-num",  // unparsable value
		"garbage with no marker", // unrelated
	} {
		b.Publish(bus.TopicSerialData, bus.SerialLine{SensorID: models.Force, Line: line})
	}
	assert.Equal(t, 0.0, m.Value(models.Force))
}

func TestParseDispDispatchBySenderID(t *testing.T) {
	m, b, cfg := newTestManager(t)
	sc, ok := cfg.Sensor(models.Disp2)
	require.True(t, ok)
	require.Equal(t, "0x2E02", sc.SerialID)

	b.Publish(bus.TopicSerialData, bus.SerialLine{
		SensorID: models.Disp2,
		Line:     "76 144 262 us SPC_VAL usSenderId=0x2E02 ulMicros=76071216 Val=1.234",
	})
	assert.InDelta(t, 1.234, m.Value(models.Disp2), 1e-12)

	// Unconfigured sender id produces no update on any channel.
	b.Publish(bus.TopicSerialData, bus.SerialLine{
		SensorID: models.Disp2,
		Line:     "76 144 262 us SPC_VAL usSenderId=0x2E99 ulMicros=76071216 Val=9.999",
	})
	for _, id := range models.PhysicalSensors() {
		assert.NotEqual(t, 9.999, m.Value(id))
	}
}

func TestZeroFoldsCurrentValueIntoOffset(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.Notify(models.Force, 42.0)
	require.Equal(t, 42.0, m.Value(models.Force))

	require.NoError(t, m.Zero(models.Force))
	assert.Equal(t, 42.0, m.Offset(models.Force))

	m.Notify(models.Force, 42.1)
	assert.InDelta(t, 0.1, m.Value(models.Force), 1e-9)
}

func TestZeroAccumulates(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.Notify(models.Disp1, 5.0)
	require.NoError(t, m.Zero(models.Disp1))
	m.Notify(models.Disp1, 7.0) // corrected to 2.0
	require.NoError(t, m.Zero(models.Disp1))

	assert.InDelta(t, 7.0, m.Offset(models.Disp1), 1e-12)
	m.Notify(models.Disp1, 7.5)
	assert.InDelta(t, 0.5, m.Value(models.Disp1), 1e-12)
}

func TestNotifyPublishesRawBeforeCalibrated(t *testing.T) {
	m, b, _ := newTestManager(t)
	require.NoError(t, m.Zero(models.Force)) // offset stays 0, but exercises the path

	m.Notify(models.Force, 10.0)
	require.NoError(t, m.Zero(models.Force)) // offset = 10

	var events []string
	var values []float64
	b.Subscribe(bus.TopicSensorRawUpdate, func(_ string, msg any) {
		s := msg.(models.SensorSample)
		events = append(events, "raw")
		values = append(values, s.Value)
	})
	b.Subscribe(bus.TopicSensorUpdate, func(_ string, msg any) {
		s := msg.(models.SensorSample)
		events = append(events, "calibrated")
		values = append(values, s.Value)
	})

	m.Notify(models.Force, 10.5)

	require.Equal(t, []string{"raw", "calibrated"}, events)
	assert.InDelta(t, 10.5, values[0], 1e-12) // raw carries the wire value
	assert.InDelta(t, 0.5, values[1], 1e-12)  // calibrated is raw minus offset
}

func TestIsSensorConnectedEmulation(t *testing.T) {
	m, _, cfg := newTestManager(t)

	// Default config enables FORCE and DISP_1..DISP_3.
	assert.True(t, m.IsSensorConnected(models.Force))
	assert.True(t, m.IsSensorConnected(models.Disp1))
	assert.False(t, m.IsSensorConnected(models.Disp4))
	assert.False(t, m.IsSensorConnected(models.Disp5))

	// ARC follows its configured dependencies.
	require.Equal(t, []models.SensorID{models.Disp1, models.Disp2, models.Disp3}, cfg.Dependencies(models.Arc))
	assert.True(t, m.IsSensorConnected(models.Arc))

	assert.False(t, m.IsSensorConnected(models.SensorID(42)))
}
