// Package sensors turns raw serial lines into calibrated readings: it parses
// the two wire formats, applies per-sensor zero offsets, keeps the current
// value of every sensor, and publishes raw and calibrated update events.
package sensors

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/bus"
	"github.com/Le-Riz/IBEF-Backend/config"
	"github.com/Le-Riz/IBEF-Backend/models"
)

// Manager owns the per-sensor value and offset arrays. Values are written
// from serial-line handlers and the emulation loop; both paths funnel
// through Notify, which serializes under the manager's mutex.
type Manager struct {
	mu      sync.Mutex
	values  [models.SensorCount]float64
	offsets [models.SensorCount]float64

	cfg       *config.ConfigData
	bus       *bus.Bus
	source    Source
	log       *zap.SugaredLogger
	senderMap map[string]models.SensorID

	subs []*bus.Subscription
}

// NewManager wires a manager to the bus and builds the authoritative
// usSenderId -> DISP_k mapping from configuration. Lines whose sender id is
// not configured are dropped.
func NewManager(cfg *config.ConfigData, b *bus.Bus, source Source, log *zap.SugaredLogger) *Manager {
	m := &Manager{
		cfg:       cfg,
		bus:       b,
		source:    source,
		log:       log,
		senderMap: make(map[string]models.SensorID, 5),
	}
	for id := models.Disp1; id <= models.Disp5; id++ {
		if sc, ok := cfg.Sensor(id); ok && sc.SerialID != "" {
			m.senderMap[sc.SerialID] = id
		}
	}
	m.subs = append(m.subs,
		b.Subscribe(bus.TopicSerialData, m.onSerialData),
		b.Subscribe(bus.TopicSensorCommand, m.onCommand),
	)
	return m
}

// Start begins acquisition through the configured source.
func (m *Manager) Start(ctx context.Context) error {
	m.log.Info("sensor manager started")
	return m.source.Start(ctx, m.Notify)
}

// Stop halts acquisition and detaches from the bus.
func (m *Manager) Stop() {
	m.source.Stop()
	for _, s := range m.subs {
		s.Unsubscribe()
	}
	m.subs = nil
	m.log.Info("sensor manager stopped")
}

// onSerialData parses one raw line. Malformed lines are dropped silently;
// a wrong field count or unparsable float is routine at line granularity.
func (m *Manager) onSerialData(_ string, msg any) {
	sl, ok := msg.(bus.SerialLine)
	if !ok {
		return
	}
	switch {
	case sl.SensorID == models.Force:
		m.parseForce(sl.Line)
	case sl.SensorID.IsDisplacement():
		m.parseDisp(sl.Line)
	}
}

// parseForce handles the FORCE wire format:
//
//	ASC2 <u32> <i32> <float> <float> <float>
//
// Field index 4 is the calibrated force reading.
func (m *Manager) parseForce(line string) {
	parts := strings.Fields(line)
	if len(parts) < 5 {
		return
	}
	v, err := strconv.ParseFloat(parts[4], 64)
	if err != nil {
		m.log.Debugw("unparsable force line", "line", line)
		return
	}
	m.Notify(models.Force, v)
}

// parseDisp handles the DISP wire format: a free-form line carrying
// SPC_VAL, usSenderId=0x???? and Val=<float> tokens. The configured sender
// id mapping decides which DISP_k the line belongs to; unknown sender ids
// are dropped.
func (m *Manager) parseDisp(line string) {
	var sender string
	var val float64
	var haveVal bool
	for _, part := range strings.Fields(line) {
		if v, ok := strings.CutPrefix(part, "usSenderId="); ok {
			sender = v
		} else if v, ok := strings.CutPrefix(part, "Val="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				val = f
				haveVal = true
			}
		}
	}
	if sender == "" || !haveVal {
		return
	}
	sensor, ok := m.senderMap[sender]
	if !ok {
		m.log.Debugw("dropping line from unconfigured sender", "sender", sender)
		return
	}
	m.Notify(sensor, val)
}

// onCommand executes operator commands. Zeroing folds the current
// calibrated reading into the sensor's offset so subsequent readings start
// near zero.
func (m *Manager) onCommand(_ string, msg any) {
	cmd, ok := msg.(bus.Command)
	if !ok || cmd.Action != bus.ActionZero {
		return
	}
	if !cmd.SensorID.Valid() {
		return
	}
	m.mu.Lock()
	m.offsets[cmd.SensorID] += m.values[cmd.SensorID]
	offset := m.offsets[cmd.SensorID]
	m.mu.Unlock()
	m.log.Infow("sensor zeroed", "sensor", cmd.SensorID, "offset", offset)
}

// Notify ingests one raw reading: it publishes the pre-offset sample,
// stores the corrected value, then publishes the post-offset sample. The
// raw update is always published strictly before the calibrated one.
func (m *Manager) Notify(id models.SensorID, rawValue float64) {
	if !id.Valid() {
		return
	}
	now := float64(time.Now().UnixNano()) / 1e9

	m.bus.Publish(bus.TopicSensorRawUpdate, models.SensorSample{
		Timestamp: now,
		SensorID:  id,
		Value:     rawValue,
	})

	m.mu.Lock()
	corrected := rawValue - m.offsets[id]
	m.values[id] = corrected
	m.mu.Unlock()

	m.bus.Publish(bus.TopicSensorUpdate, models.SensorSample{
		Timestamp: now,
		SensorID:  id,
		Value:     corrected,
	})
}

// Value returns the current calibrated value of a sensor.
func (m *Manager) Value(id models.SensorID) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[id]
}

// Offset returns the current zero offset of a sensor.
func (m *Manager) Offset(id models.SensorID) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets[id]
}

// Values returns a snapshot of all current calibrated values.
func (m *Manager) Values() [models.SensorCount]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values
}

// Zero requests a zero of the given sensor via the command topic, so the
// operation is recorded on the bus like any other command.
func (m *Manager) Zero(id models.SensorID) error {
	if !id.Valid() {
		return models.ErrInvalidArgument
	}
	m.bus.Publish(bus.TopicSensorCommand, bus.Command{Action: bus.ActionZero, SensorID: id})
	return nil
}

// IsSensorConnected reports whether a sensor currently delivers data. The
// decision is delegated to the source; a calculated sensor is connected
// when every one of its configured dependencies is.
func (m *Manager) IsSensorConnected(id models.SensorID) bool {
	if !id.Valid() {
		return false
	}
	if id.Calculated() {
		deps := m.cfg.Dependencies(id)
		if len(deps) == 0 {
			return false
		}
		for _, dep := range deps {
			if !m.IsSensorConnected(dep) {
				return false
			}
		}
		return true
	}
	return m.source.IsConnected(id)
}
