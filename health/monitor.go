// Package health supervises sensor link health: per-sensor silence
// detection, a connected/disconnected/reconnecting/failed state machine, and
// bounded-exponential reconnect backoff driven by a 1 Hz supervisor loop.
package health

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/models"
)

// State is the connection state of one monitored sensor.
type State int

const (
	Connected State = iota
	Disconnected
	Reconnecting
	Failed
)

var stateNames = [...]string{
	Connected:    "connected",
	Disconnected: "disconnected",
	Reconnecting: "reconnecting",
	Failed:       "failed",
}

func (s State) String() string {
	if s < Connected || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MonitorConfig tunes silence detection and reconnect backoff.
type MonitorConfig struct {
	MaxSilence   time.Duration // no data for this long means disconnected
	InitialDelay time.Duration // first reconnect delay
	MaxDelay     time.Duration // backoff cap
	Multiplier   float64       // delay growth per failed attempt
}

// DefaultMonitorConfig returns the standard tuning: 5 s silence, 1 s initial
// delay growing by 1.5x up to 30 s.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MaxSilence:   5 * time.Second,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   1.5,
	}
}

// Monitor tracks the health of a single sensor. All methods are safe for
// concurrent use; the reader task records data from its own goroutine while
// the supervisor ticks from another.
type Monitor struct {
	mu           sync.Mutex
	sensor       models.SensorID
	cfg          MonitorConfig
	state        State
	lastData     time.Time
	attempts     int
	currentDelay time.Duration
	eb           *backoff.ExponentialBackOff
	log          *zap.SugaredLogger
}

// NewMonitor constructs a monitor. When connected is false the sensor starts
// in the Disconnected state so the supervisor begins probing immediately.
func NewMonitor(sensor models.SensorID, cfg MonitorConfig, connected bool, log *zap.SugaredLogger) *Monitor {
	m := &Monitor{
		sensor:   sensor,
		cfg:      cfg,
		lastData: time.Now(),
		log:      log,
	}
	m.eb = m.newBackoff()
	m.currentDelay = cfg.InitialDelay
	if connected {
		m.state = Connected
	} else {
		m.state = Disconnected
	}
	return m
}

func (m *Monitor) newBackoff() *backoff.ExponentialBackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          m.cfg.Multiplier,
		MaxInterval:         m.cfg.MaxDelay,
	}
	eb.Reset()
	return eb
}

// Sensor returns the monitored sensor id.
func (m *Monitor) Sensor() models.SensorID { return m.sensor }

// State returns the current connection state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RecordData notes that data arrived. From any state this transitions to
// Connected and resets the backoff to its initial delay.
func (m *Monitor) RecordData() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastData = time.Now()
	if m.state != Connected {
		m.log.Infow("sensor reconnected", "sensor", m.sensor)
		m.state = Connected
		m.attempts = 0
		m.eb = m.newBackoff()
		m.currentDelay = m.cfg.InitialDelay
	}
}

// SilenceDuration returns how long the sensor has been silent.
func (m *Monitor) SilenceDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastData)
}

// silent reports whether the sensor exceeded its silence budget.
func (m *Monitor) silent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastData) > m.cfg.MaxSilence
}

// MarkDisconnected transitions Connected -> Disconnected and arms the
// backoff for the upcoming reconnect attempts. From any other state it is a
// no-op so it cannot fight the supervisor's in-flight attempt.
func (m *Monitor) MarkDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return
	}
	m.log.Warnw("sensor disconnected",
		"sensor", m.sensor,
		"silence", time.Since(m.lastData).Round(100*time.Millisecond))
	m.state = Disconnected
	m.attempts = 0
	m.eb = m.newBackoff()
	m.currentDelay = m.cfg.InitialDelay
}

// nextRetryDelay returns the delay to wait before the next reconnect attempt
// and advances the backoff sequence: d0, d0*k, d0*k^2, ... capped at MaxDelay.
func (m *Monitor) nextRetryDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.eb.NextBackOff()
	next := time.Duration(float64(d) * m.cfg.Multiplier)
	if next > m.cfg.MaxDelay {
		next = m.cfg.MaxDelay
	}
	m.currentDelay = next
	return d
}

// markReconnecting transitions into Reconnecting and counts the attempt.
func (m *Monitor) markReconnecting(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Reconnecting
	m.attempts++
	m.log.Infow("attempting sensor reconnect",
		"sensor", m.sensor, "attempt", m.attempts, "delay", delay)
}

// markFailed records a failed reconnect attempt.
func (m *Monitor) markFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Failed
}

// Status is a point-in-time snapshot of one monitor.
type Status struct {
	Sensor            models.SensorID `json:"sensor"`
	State             string          `json:"state"`
	SilenceDuration   float64         `json:"silence_duration"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	BackoffDelay      float64         `json:"backoff_delay"`
	MaxSilence        float64         `json:"max_silence_time"`
}

// Status returns a snapshot of the monitor.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Sensor:            m.sensor,
		State:             m.state.String(),
		SilenceDuration:   time.Since(m.lastData).Seconds(),
		ReconnectAttempts: m.attempts,
		BackoffDelay:      m.currentDelay.Seconds(),
		MaxSilence:        m.cfg.MaxSilence.Seconds(),
	}
}
