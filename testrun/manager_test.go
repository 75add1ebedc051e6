package testrun

import (
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Le-Riz/IBEF-Backend/bus"
	"github.com/Le-Riz/IBEF-Backend/config"
	"github.com/Le-Riz/IBEF-Backend/models"
)

func newTestTM(t *testing.T) (*Manager, *bus.Bus, string) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	b := bus.New(log)
	root := t.TempDir()
	m, err := New(root, config.Default(), b, log)
	require.NoError(t, err)
	return m, b, root
}

func sampleMeta() models.TestMetaData {
	return models.TestMetaData{
		TestID:       "run-1",
		Date:         "2026-01-14",
		OperatorName: "rthievent",
		SpecimenCode: "B-07",
		DimLength:    0.6,
		DimHeight:    0.15,
		DimWidth:     0.15,
		LoadingMode:  "4-point",
	}
}

func frameAt(ts float64, force, d1, d2, d3 float64) models.ProcessedFrame {
	f := models.ProcessedFrame{Timestamp: ts}
	f.Values[models.Force] = force
	f.Values[models.Disp1] = d1
	f.Values[models.Disp2] = d2
	f.Values[models.Disp3] = d3
	// DISP_4/DISP_5 are disconnected in these scenarios, as the processor
	// would report them.
	f.Values[models.Disp4] = math.NaN()
	f.Values[models.Disp5] = math.NaN()
	f.Values[models.Arc] = d1 - (d2+d3)/2
	return f
}

func TestPrepareCreatesArtifacts(t *testing.T) {
	m, _, root := newTestTM(t)

	prepared, err := m.Prepare(sampleMeta())
	require.NoError(t, err)
	require.Equal(t, models.StatePrepared, m.State())

	assert.True(t, strings.HasSuffix(prepared.TestID, "_run-1"), "got %q", prepared.TestID)

	dir := filepath.Join(root, "test_data", prepared.TestID)
	raw, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	require.NoError(t, err)

	var onDisk models.TestMetaData
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	want := sampleMeta()
	want.TestID = prepared.TestID
	assert.Equal(t, want, onDisk)

	desc, err := os.ReadFile(filepath.Join(dir, "description.md"))
	require.NoError(t, err)
	assert.Contains(t, string(desc), prepared.TestID)
	assert.Contains(t, string(desc), "rthievent")
	assert.Contains(t, string(desc), "B-07")
}

func TestPrepareSanitizesID(t *testing.T) {
	m, _, _ := newTestTM(t)
	meta := sampleMeta()
	meta.TestID = "run 1!@# éé"
	prepared, err := m.Prepare(meta)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(prepared.TestID, "_run1"), "got %q", prepared.TestID)
}

func TestSanitizeIDFallsBackToTest(t *testing.T) {
	assert.Equal(t, "test", sanitizeID("!!!"))
	assert.Equal(t, "test", sanitizeID(""))
	assert.Equal(t, "a_b-c3", sanitizeID("a_b-c3"))
}

func TestLifecycleStateMachine(t *testing.T) {
	m, b, root := newTestTM(t)
	require.Equal(t, models.StateNothing, m.State())

	// Illegal operations from NOTHING.
	require.ErrorIs(t, m.Start(), models.ErrInvalidArgument)
	require.ErrorIs(t, m.Finalize(), models.ErrInvalidArgument)
	_, err := m.SensorHistory(models.Force, 60)
	require.ErrorIs(t, err, models.ErrConflict)

	prepared, err := m.Prepare(sampleMeta())
	require.NoError(t, err)

	// Double prepare conflicts.
	_, err = m.Prepare(sampleMeta())
	require.ErrorIs(t, err, models.ErrConflict)

	require.NoError(t, m.Start())
	require.Equal(t, models.StateRunning, m.State())

	// Recording files exist.
	dir := filepath.Join(root, "test_data", prepared.TestID)
	for _, name := range []string{"raw.log", "data.csv", "raw_data.csv"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}

	// Prepare while running conflicts; starting again conflicts.
	_, err = m.Prepare(sampleMeta())
	require.ErrorIs(t, err, models.ErrConflict)
	require.ErrorIs(t, m.Start(), models.ErrConflict)
	require.ErrorIs(t, m.Finalize(), models.ErrConflict)

	// Feed a few frames through the bus.
	start := m.startTime
	for i := 0; i < 4; i++ {
		b.Publish(bus.TopicProcessedData, frameAt(start+float64(i)*0.25, 10+float64(i), 1, 2, 3))
	}

	require.NoError(t, m.Stop())
	require.Equal(t, models.StateStopped, m.State())

	// Ring content survives stop for review.
	pts, err := m.SensorHistory(models.Force, 60)
	require.NoError(t, err)
	assert.NotEmpty(t, pts)

	// Stop is idempotent.
	require.NoError(t, m.Stop())

	require.NoError(t, m.Finalize())
	require.Equal(t, models.StateNothing, m.State())

	// The finalized test surfaces in history.
	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, prepared.TestID, history[0].TestID)
}

func TestDataCSVContent(t *testing.T) {
	m, b, root := newTestTM(t)
	prepared, err := m.Prepare(sampleMeta())
	require.NoError(t, err)
	require.NoError(t, m.Start())

	start := m.startTime
	for i := 0; i < 4; i++ {
		b.Publish(bus.TopicProcessedData, frameAt(start+float64(i)*0.25, 12.345, 1.5, 2.5, 3.5))
	}
	require.NoError(t, m.Stop())

	f, err := os.Open(filepath.Join(root, "test_data", prepared.TestID, "data.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5) // header + 4 frames

	assert.Equal(t, []string{
		"timestamp", "relative_time",
		"ARC", "DISP_1", "DISP_2", "DISP_3", "DISP_4", "DISP_5", "FORCE",
	}, rows[0])

	first := rows[1]
	assert.Equal(t, "0.000", first[1])        // relative time, 3 decimals
	assert.Equal(t, "-1.500000", first[2])    // ARC = 1.5 - (2.5+3.5)/2, 6 decimals
	assert.Equal(t, "1.500000", first[3])     // DISP_1
	assert.Equal(t, "", first[6])             // DISP_4 defaults to NaN -> empty
	assert.Equal(t, "12.35", first[8])        // FORCE, 2 decimals
}

func TestRawCSVAndRawLog(t *testing.T) {
	m, b, root := newTestTM(t)
	prepared, err := m.Prepare(sampleMeta())
	require.NoError(t, err)
	require.NoError(t, m.Start())

	b.Publish(bus.TopicSerialData, bus.SerialLine{
		SensorID: models.Force,
		Line:     "ASC2 1 2 3.0 42.50 0.0",
	})
	b.Publish(bus.TopicSensorRawUpdate, models.SensorSample{
		Timestamp: m.startTime + 0.5,
		SensorID:  models.Force,
		Value:     42.5,
	})
	require.NoError(t, m.Stop())

	dir := filepath.Join(root, "test_data", prepared.TestID)

	rawLog, err := os.ReadFile(filepath.Join(dir, "raw.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(rawLog)), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "["))
	assert.True(t, strings.HasSuffix(lines[0], "ASC2 1 2 3.0 42.50 0.0"))

	f, err := os.Open(filepath.Join(dir, "raw_data.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"timestamp", "relative_time", "sensor_id", "raw_value"}, rows[0])
	assert.Equal(t, "FORCE", rows[1][2])
	assert.Equal(t, "0.500", rows[1][1])
	assert.Equal(t, "42.50", rows[1][3])
}

func TestNoRecordingOutsideRunning(t *testing.T) {
	m, b, root := newTestTM(t)
	prepared, err := m.Prepare(sampleMeta())
	require.NoError(t, err)

	// Before start: events no-op.
	b.Publish(bus.TopicSerialData, bus.SerialLine{SensorID: models.Force, Line: "ASC2 1 2 3 4 5"})
	b.Publish(bus.TopicProcessedData, frameAt(1, 1, 1, 1, 1))

	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())

	// After stop: stray publishes do nothing.
	b.Publish(bus.TopicProcessedData, frameAt(m.startTime+1, 1, 1, 1, 1))

	f, err := os.Open(filepath.Join(root, "test_data", prepared.TestID, "data.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Empty(t, rows, "no frames arrived while running")
}

// Ring appends are gated to the storage frequency: frames arriving faster
// than one storage period apart are skipped.
func TestRingBufferAppendRateGate(t *testing.T) {
	m, b, _ := newTestTM(t)
	_, err := m.Prepare(sampleMeta())
	require.NoError(t, err)
	require.NoError(t, m.Start())

	start := m.startTime
	// 8 frames 100 ms apart: at 4 Hz storage only every ~250 ms lands.
	for i := 0; i < 8; i++ {
		b.Publish(bus.TopicProcessedData, frameAt(start+float64(i)*0.1, 1, 1, 1, 1))
	}

	pts, err := m.SensorHistory(models.Force, 30)
	require.NoError(t, err)
	require.NotEmpty(t, pts)
	assert.Less(t, len(pts), 8)
	for i := 1; i < len(pts); i++ {
		assert.GreaterOrEqual(t, pts[i].Time-pts[i-1].Time, 0.25-1e-6)
	}
}

func TestStartClearsPreviousRingData(t *testing.T) {
	m, b, _ := newTestTM(t)
	_, err := m.Prepare(sampleMeta())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	b.Publish(bus.TopicProcessedData, frameAt(m.startTime, 1, 1, 1, 1))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Finalize())

	_, err = m.Prepare(sampleMeta())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	pts, err := m.SensorHistory(models.Force, 30)
	require.NoError(t, err)
	assert.Empty(t, pts, "new run starts with empty buffers")
	require.NoError(t, m.Stop())
}

func TestSummaryArtifact(t *testing.T) {
	m, b, root := newTestTM(t)
	prepared, err := m.Prepare(sampleMeta())
	require.NoError(t, err)
	require.NoError(t, m.Start())

	start := m.startTime
	for i := 0; i < 4; i++ {
		b.Publish(bus.TopicProcessedData, frameAt(start+float64(i)*0.25, float64(10+i), 1, 2, 3))
	}
	require.NoError(t, m.Stop())

	raw, err := os.ReadFile(filepath.Join(root, "test_data", prepared.TestID, "summary.json"))
	require.NoError(t, err)

	var summary map[string]sensorSummary
	require.NoError(t, json.Unmarshal(raw, &summary))
	force := summary["FORCE"]
	assert.Equal(t, 4, force.Count)
	assert.Equal(t, 10.0, force.Min)
	assert.Equal(t, 13.0, force.Max)
	assert.InDelta(t, 11.5, force.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(1.25), force.StdDev, 1e-9)
}

func TestHistoryExcludesInFlightTest(t *testing.T) {
	m, _, _ := newTestTM(t)

	prepared, err := m.Prepare(sampleMeta())
	require.NoError(t, err)

	// The directory exists on disk but the in-flight test must not surface.
	for _, id := range []string{prepared.TestID} {
		for _, h := range m.History() {
			assert.NotEqual(t, id, h.TestID)
		}
	}

	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())
	require.NoError(t, m.Finalize())
	history := m.History()
	require.Len(t, history, 1)
}

func TestHistorySortedByDateDescending(t *testing.T) {
	m, _, root := newTestTM(t)
	for i, date := range []string{"2026-01-10", "2026-03-01", "2026-02-15"} {
		dir := filepath.Join(root, "test_data", "t"+string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		meta := models.TestMetaData{TestID: "x", Date: date}
		raw, err := json.Marshal(&meta)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), raw, 0o644))
	}
	// A directory without metadata.json is skipped, not fatal.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "test_data", "junk"), 0o755))

	history := m.History()
	require.Len(t, history, 3)
	assert.Equal(t, "2026-03-01", history[0].Date)
	assert.Equal(t, "2026-02-15", history[1].Date)
	assert.Equal(t, "2026-01-10", history[2].Date)
	// Directory name overrides the persisted id.
	assert.Equal(t, "tb", history[0].TestID)
}

func TestArchiveAndDelete(t *testing.T) {
	m, _, root := newTestTM(t)

	prepared, err := m.Prepare(sampleMeta())
	require.NoError(t, err)

	// In-flight tests must not be touched.
	require.ErrorIs(t, m.Archive(prepared.TestID), models.ErrConflict)
	require.ErrorIs(t, m.Delete(prepared.TestID), models.ErrConflict)

	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())
	require.NoError(t, m.Finalize())

	require.NoError(t, m.Archive(prepared.TestID))
	_, err = os.Stat(filepath.Join(root, "archived_data", prepared.TestID))
	require.NoError(t, err)
	assert.Empty(t, m.History(), "archived tests leave history")

	// Archived tests are no longer in the active root.
	require.ErrorIs(t, m.Archive(prepared.TestID), models.ErrNotFound)
	require.ErrorIs(t, m.Delete(prepared.TestID), models.ErrNotFound)
	require.ErrorIs(t, m.Delete("never-existed"), models.ErrNotFound)
}

func TestDescriptionRoundTrip(t *testing.T) {
	m, _, _ := newTestTM(t)
	prepared, err := m.Prepare(sampleMeta())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())
	require.NoError(t, m.Finalize())

	content := "# my notes\n\nthe specimen cracked at 41 kN\n"
	require.NoError(t, m.SetDescription(prepared.TestID, content))
	got, err := m.Description(prepared.TestID)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Still reachable after archiving.
	require.NoError(t, m.Archive(prepared.TestID))
	got, err = m.Description(prepared.TestID)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = m.Description("missing-test")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestZeroPublishesCommand(t *testing.T) {
	m, b, _ := newTestTM(t)

	var got []bus.Command
	b.Subscribe(bus.TopicSensorCommand, func(_ string, msg any) {
		if cmd, ok := msg.(bus.Command); ok {
			got = append(got, cmd)
		}
	})

	require.NoError(t, m.Zero(models.Disp2))
	require.Len(t, got, 1)
	assert.Equal(t, bus.Command{Action: bus.ActionZero, SensorID: models.Disp2}, got[0])

	require.ErrorIs(t, m.Zero(models.SensorID(99)), models.ErrInvalidArgument)
}

func TestRelativeTimeEmulationClock(t *testing.T) {
	m, _, _ := newTestTM(t) // default config: emulation on

	first := m.RelativeTime()
	time.Sleep(30 * time.Millisecond)
	second := m.RelativeTime()
	assert.Greater(t, second, first)
}

func TestLifecycleEventsPublished(t *testing.T) {
	m, b, _ := newTestTM(t)

	var events []string
	for _, topic := range []string{
		bus.TopicTestPrepared, bus.TopicTestStarted,
		bus.TopicTestStopped, bus.TopicTestFinalized,
	} {
		topic := topic
		b.Subscribe(topic, func(string, any) { events = append(events, topic) })
	}
	var stateChanges []bool
	b.Subscribe(bus.TopicTestStateChanged, func(_ string, msg any) {
		stateChanges = append(stateChanges, msg.(bool))
	})

	_, err := m.Prepare(sampleMeta())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())
	require.NoError(t, m.Finalize())

	assert.Equal(t, []string{
		bus.TopicTestPrepared, bus.TopicTestStarted,
		bus.TopicTestStopped, bus.TopicTestFinalized,
	}, events)
	assert.Equal(t, []bool{true, false}, stateChanges)
}
