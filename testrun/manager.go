// Package testrun owns the test lifecycle: the NOTHING/PREPARED/RUNNING/
// STOPPED state machine, the on-disk artifact layout of a named test, CSV
// and raw-log recording of everything the bus delivers while running, and
// the bounded in-memory history buffers behind live queries.
package testrun

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/bus"
	"github.com/Le-Riz/IBEF-Backend/config"
	"github.com/Le-Riz/IBEF-Backend/models"
	"github.com/Le-Riz/IBEF-Backend/processing"
	"github.com/Le-Riz/IBEF-Backend/storage"
)

// Directory names under the storage root.
const (
	testDataDirName = "test_data"
	archiveDirName  = "archived_data"
)

// sensorSamplingFreq is the configured storage sampling frequency in Hz.
// The effective rate is capped by the processor's publish rate, since frames
// cannot arrive faster than they are produced.
const sensorSamplingFreq = 5.0

// Numeric output precision, in decimals after the point.
const (
	timeDecimals  = 3
	forceDecimals = 2
	dispDecimals  = 6
)

// appendEpsilon absorbs float jitter in the per-sensor append rate gate.
const appendEpsilon = 1e-6

// Manager is the test lifecycle state machine. All mutable state is guarded
// by mu; bus events are published after the lock is released so subscribers
// may call back into the manager.
type Manager struct {
	mu sync.Mutex

	log *zap.SugaredLogger
	bus *bus.Bus
	cfg *config.ConfigData

	dataDir    string
	archiveDir string

	store *storage.Storage

	current    *models.TestMetaData
	currentDir string
	running    bool
	stopped    bool
	startTime  float64

	rawLog  *os.File
	dataCSV *os.File
	rawCSV  *os.File
	dataW   *csv.Writer
	rawW    *csv.Writer

	history []*models.TestMetaData

	emulationStart float64
}

// New constructs the manager rooted at root, creating the storage
// directories and scanning existing tests into history.
func New(root string, cfg *config.ConfigData, b *bus.Bus, log *zap.SugaredLogger) (*Manager, error) {
	m := &Manager{
		log:        log,
		bus:        b,
		cfg:        cfg,
		dataDir:    filepath.Join(root, testDataDirName),
		archiveDir: filepath.Join(root, archiveDirName),
		store:      storage.New(math.Min(sensorSamplingFreq, processing.ProcessingRate)),
	}
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create test data dir: %w", err)
	}
	if err := os.MkdirAll(m.archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	m.reloadHistory()

	b.Subscribe(bus.TopicSerialData, m.onSerialData)
	b.Subscribe(bus.TopicSensorRawUpdate, m.onRawUpdate)
	b.Subscribe(bus.TopicProcessedData, m.onProcessedData)
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() models.TestState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() models.TestState {
	switch {
	case m.running:
		return models.StateRunning
	case m.stopped:
		return models.StateStopped
	case m.current != nil:
		return models.StatePrepared
	default:
		return models.StateNothing
	}
}

// Current returns the in-flight test's metadata, if any.
func (m *Manager) Current() *models.TestMetaData {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	c := *m.current
	return &c
}

// sanitizeID keeps only [A-Za-z0-9_-] from the caller-supplied id, falling
// back to "test" when nothing survives.
func sanitizeID(id string) string {
	var sb strings.Builder
	for _, r := range id {
		if r == '-' || r == '_' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "test"
	}
	return sb.String()
}

// Prepare records the metadata of an upcoming test, assigns its final id,
// creates the test directory and writes metadata.json and the default
// description.md. Requires state NOTHING.
func (m *Manager) Prepare(meta models.TestMetaData) (*models.TestMetaData, error) {
	m.mu.Lock()
	if st := m.stateLocked(); st != models.StateNothing {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot prepare a test while %s", models.ErrConflict, st)
	}

	finalID := fmt.Sprintf("%s_%s", time.Now().Format("20060102_150405"), sanitizeID(meta.TestID))
	meta.TestID = finalID

	dir := filepath.Join(m.dataDir, finalID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("create test dir: %w", err)
	}

	raw, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), raw, 0o644); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	desc := fmt.Sprintf(
		"# %s\n\nDescription de l'expérience.\n\n## Informations\n- Date: %s\n- Opérateur: %s\n- Spécimen: %s",
		meta.TestID, meta.Date, meta.OperatorName, meta.SpecimenCode)
	if err := os.WriteFile(filepath.Join(dir, "description.md"), []byte(desc), 0o644); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("write description: %w", err)
	}

	m.current = &meta
	m.currentDir = dir
	m.log.Infow("test prepared", "test_id", finalID)
	m.mu.Unlock()

	m.bus.Publish(bus.TopicTestPrepared, &meta)
	return &meta, nil
}

// Start opens the recording files, clears the history buffers and begins
// recording. Requires state PREPARED.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("%w: a test is already %s", models.ErrConflict, m.stateLocked())
	}
	if m.current == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: no test metadata prepared", models.ErrInvalidArgument)
	}

	rawLog, err := os.OpenFile(filepath.Join(m.currentDir, "raw.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("open raw.log: %w", err)
	}
	dataCSV, err := os.OpenFile(filepath.Join(m.currentDir, "data.csv"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = rawLog.Close()
		m.mu.Unlock()
		return fmt.Errorf("open data.csv: %w", err)
	}
	rawCSV, err := os.OpenFile(filepath.Join(m.currentDir, "raw_data.csv"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = rawLog.Close()
		_ = dataCSV.Close()
		m.mu.Unlock()
		return fmt.Errorf("open raw_data.csv: %w", err)
	}

	m.rawLog = rawLog
	m.dataCSV = dataCSV
	m.rawCSV = rawCSV
	m.dataW = nil
	m.rawW = nil

	m.store.ClearAll()
	m.startTime = float64(time.Now().UnixNano()) / 1e9
	m.running = true
	m.emulationStart = 0

	meta := *m.current
	m.log.Infow("test started", "test_id", meta.TestID)
	m.mu.Unlock()

	m.bus.Publish(bus.TopicTestStarted, &meta)
	m.bus.Publish(bus.TopicTestStateChanged, true)
	return nil
}

// Stop ends recording: the three file handles are closed (and nulled so
// stray publishes no-op) before the state change becomes observable, then
// the summary artifact is rendered. Ring-buffer content is preserved for
// review. Idempotent once stopped.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.current == nil || !m.running {
		m.mu.Unlock()
		return nil
	}

	m.closeFilesLocked()
	m.writeSummaryLocked()

	m.running = false
	m.stopped = true
	meta := *m.current
	m.log.Infow("test stopped", "test_id", meta.TestID)
	m.mu.Unlock()

	m.bus.Publish(bus.TopicTestStopped, &meta)
	m.bus.Publish(bus.TopicTestStateChanged, false)
	return nil
}

// closeFilesLocked closes and nulls every recording handle. Close errors
// are logged but do not prevent the test from terminating.
func (m *Manager) closeFilesLocked() {
	if m.dataW != nil {
		m.dataW.Flush()
		m.dataW = nil
	}
	if m.rawW != nil {
		m.rawW.Flush()
		m.rawW = nil
	}
	for _, f := range []*os.File{m.rawLog, m.dataCSV, m.rawCSV} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			m.log.Warnw("failed to close recording file", "file", f.Name(), "error", err)
		}
	}
	m.rawLog, m.dataCSV, m.rawCSV = nil, nil, nil
}

// Finalize releases the stopped test and rescans history, surfacing it.
// Requires state STOPPED.
func (m *Manager) Finalize() error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: no test to finalize", models.ErrInvalidArgument)
	}
	if !m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("%w: test is not stopped", models.ErrConflict)
	}

	meta := *m.current
	m.current = nil
	m.currentDir = ""
	m.stopped = false
	m.emulationStart = 0
	m.store.ClearAll()
	m.log.Infow("test finalized", "test_id", meta.TestID)
	m.mu.Unlock()

	m.History()
	m.bus.Publish(bus.TopicTestFinalized, &meta)
	return nil
}

// SensorHistory returns recent data for a sensor over the requested window.
// Allowed only while a test is RUNNING or STOPPED.
func (m *Manager) SensorHistory(id models.SensorID, windowSeconds int) ([]storage.Point, error) {
	m.mu.Lock()
	ok := m.running || m.stopped
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no test is currently running or stopped", models.ErrConflict)
	}
	return m.store.Window(id, windowSeconds)
}

// BufferStats returns occupancy statistics for a sensor's history buffer.
func (m *Manager) BufferStats(id models.SensorID) (storage.Stats, error) {
	return m.store.SensorStats(id)
}

// Zero delegates a zero request to the sensor manager via the command topic.
func (m *Manager) Zero(id models.SensorID) error {
	if !id.Valid() {
		return fmt.Errorf("%w: sensor index %d", models.ErrInvalidArgument, int(id))
	}
	m.bus.Publish(bus.TopicSensorCommand, bus.Command{Action: bus.ActionZero, SensorID: id})
	return nil
}

// RelativeTime returns seconds since test start while RUNNING. With no test
// running in emulation, a lazily-started monotonic clock is exposed so live
// displays do not sit at zero; otherwise 0.
func (m *Manager) RelativeTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := float64(time.Now().UnixNano()) / 1e9
	if m.running && m.startTime > 0 {
		return now - m.startTime
	}
	if m.cfg.Emulation() {
		if m.emulationStart == 0 {
			m.emulationStart = now
		}
		return now - m.emulationStart
	}
	return 0
}

// onSerialData appends every raw line to raw.log while recording, each
// prefixed with an ISO-8601 local timestamp.
func (m *Manager) onSerialData(_ string, msg any) {
	sl, ok := msg.(bus.SerialLine)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.rawLog == nil {
		return
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000000")
	if _, err := fmt.Fprintf(m.rawLog, "[%s] %s\n", ts, sl.Line); err != nil {
		m.log.Warnw("raw.log write failed", "error", err)
	}
}

// onRawUpdate appends one row per raw (pre-offset) sample to raw_data.csv,
// writing the header lazily on the first row.
func (m *Manager) onRawUpdate(_ string, msg any) {
	s, ok := msg.(models.SensorSample)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.rawCSV == nil {
		return
	}
	if m.rawW == nil {
		m.rawW = csv.NewWriter(m.rawCSV)
		if err := m.rawW.Write([]string{"timestamp", "relative_time", "sensor_id", "raw_value"}); err != nil {
			m.log.Warnw("raw_data.csv header write failed", "error", err)
		}
	}
	rel := s.Timestamp - m.startTime
	record := []string{
		formatTime(s.Timestamp),
		formatTime(rel),
		s.SensorID.String(),
		formatValue(s.SensorID, s.Value),
	}
	if err := m.rawW.Write(record); err != nil {
		m.log.Warnw("raw_data.csv write failed", "error", err)
	}
	m.rawW.Flush()
}

// csvColumns returns the data.csv sensor column order: physical sensors and
// ARC, alphabetized by name.
func csvColumns() []models.SensorID {
	return []models.SensorID{
		models.Arc,
		models.Disp1, models.Disp2, models.Disp3, models.Disp4, models.Disp5,
		models.Force,
	}
}

// onProcessedData records one processed frame: a data.csv row plus
// rate-gated appends into the per-sensor history buffers.
func (m *Manager) onProcessedData(_ string, msg any) {
	frame, ok := msg.(models.ProcessedFrame)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	rel := frame.Timestamp - m.startTime

	if m.dataCSV != nil {
		if m.dataW == nil {
			m.dataW = csv.NewWriter(m.dataCSV)
			header := []string{"timestamp", "relative_time"}
			for _, id := range csvColumns() {
				header = append(header, id.String())
			}
			if err := m.dataW.Write(header); err != nil {
				m.log.Warnw("data.csv header write failed", "error", err)
			}
		}
		record := []string{formatTime(frame.Timestamp), formatTime(rel)}
		for _, id := range csvColumns() {
			record = append(record, formatValue(id, frame.Values[id]))
		}
		if err := m.dataW.Write(record); err != nil {
			m.log.Warnw("data.csv write failed", "error", err)
		}
		m.dataW.Flush()
	}

	// History buffers sample slower than frames arrive; only append when a
	// sensor's last stored point is at least one storage period old.
	spacing := 1.0 / m.store.SamplingFrequency()
	for _, id := range models.AllSensors() {
		ring, err := m.store.Ring(id)
		if err != nil {
			continue
		}
		if ring.Len() > 0 {
			last, err := ring.Get(ring.Len() - 1)
			if err != nil {
				continue
			}
			if rel+appendEpsilon < last.Time+spacing {
				continue
			}
		}
		ring.Append(rel, frame.Values[id])
	}
}

// formatTime renders a timestamp or relative time with 3 decimals.
func formatTime(v float64) string {
	return fmt.Sprintf("%.*f", timeDecimals, v)
}

// formatValue renders a sensor value with its configured precision: force 2
// decimals, displacement and ARC 6. NaN becomes an empty field.
func formatValue(id models.SensorID, v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	if id == models.Force {
		return fmt.Sprintf("%.*f", forceDecimals, v)
	}
	return fmt.Sprintf("%.*f", dispDecimals, v)
}
