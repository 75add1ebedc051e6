package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/models"
)

// ReconnectFunc attempts to bring one sensor back. It returns true when the
// sensor was re-detected and its reader restarted.
type ReconnectFunc func(ctx context.Context, sensor models.SensorID) bool

// Supervisor owns the per-sensor monitors and drives reconnection: a 1 Hz
// loop checks every monitor for silence and dispatches at most one reconnect
// attempt per sensor at a time, waiting out the monitor's backoff delay
// before invoking the registered callback.
type Supervisor struct {
	mu        sync.Mutex
	monitors  map[models.SensorID]*Monitor
	callbacks map[models.SensorID]ReconnectFunc
	inflight  map[models.SensorID]bool
	log       *zap.SugaredLogger
}

// NewSupervisor constructs an empty supervisor.
func NewSupervisor(log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		monitors:  make(map[models.SensorID]*Monitor),
		callbacks: make(map[models.SensorID]ReconnectFunc),
		inflight:  make(map[models.SensorID]bool),
		log:       log,
	}
}

// AddSensor registers a monitor for a sensor and returns it. An existing
// monitor for the same sensor is replaced.
func (s *Supervisor) AddSensor(sensor models.SensorID, cfg MonitorConfig, connected bool) *Monitor {
	m := NewMonitor(sensor, cfg, connected, s.log)
	s.mu.Lock()
	s.monitors[sensor] = m
	s.mu.Unlock()
	s.log.Infow("health monitor registered",
		"sensor", sensor, "max_silence", cfg.MaxSilence, "connected", connected)
	return m
}

// Monitor returns the monitor for a sensor, if registered.
func (s *Supervisor) Monitor(sensor models.SensorID) (*Monitor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[sensor]
	return m, ok
}

// RegisterReconnect installs the reconnection callback for a sensor.
func (s *Supervisor) RegisterReconnect(sensor models.SensorID, fn ReconnectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[sensor] = fn
}

// RecordData forwards a data arrival to the sensor's monitor, if any.
func (s *Supervisor) RecordData(sensor models.SensorID) {
	if m, ok := s.Monitor(sensor); ok {
		m.RecordData()
	}
}

// IsConnected reports whether a sensor's monitor exists and is Connected.
func (s *Supervisor) IsConnected(sensor models.SensorID) bool {
	m, ok := s.Monitor(sensor)
	return ok && m.State() == Connected
}

// Statuses returns a snapshot of every registered monitor.
func (s *Supervisor) Statuses() map[models.SensorID]Status {
	s.mu.Lock()
	monitors := make([]*Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.mu.Unlock()

	out := make(map[models.SensorID]Status, len(monitors))
	for _, m := range monitors {
		out[m.Sensor()] = m.Status()
	}
	return out
}

// Run drives the supervision loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("sensor health monitoring started")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sensor health monitoring stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick is one supervision cycle over all monitors.
func (s *Supervisor) tick(ctx context.Context) {
	s.mu.Lock()
	monitors := make([]*Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.mu.Unlock()

	for _, m := range monitors {
		switch m.State() {
		case Connected:
			if m.silent() {
				m.MarkDisconnected()
			}
		case Disconnected, Failed:
			s.startReconnect(ctx, m)
		case Reconnecting:
			// An attempt is in flight; its goroutine resolves the state.
		}
	}
}

// startReconnect dispatches one backoff-delayed reconnect attempt unless one
// is already in flight for the sensor.
func (s *Supervisor) startReconnect(ctx context.Context, m *Monitor) {
	sensor := m.Sensor()

	s.mu.Lock()
	fn, ok := s.callbacks[sensor]
	if !ok {
		s.mu.Unlock()
		s.log.Debugw("no reconnection callback registered", "sensor", sensor)
		return
	}
	if s.inflight[sensor] {
		s.mu.Unlock()
		return
	}
	s.inflight[sensor] = true
	s.mu.Unlock()

	delay := m.nextRetryDelay()
	m.markReconnecting(delay)

	go func() {
		defer func() {
			s.mu.Lock()
			s.inflight[sensor] = false
			s.mu.Unlock()
		}()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if fn(ctx, sensor) {
			// RecordData resets state and backoff.
			m.RecordData()
			s.log.Infow("sensor successfully reconnected", "sensor", sensor)
		} else {
			m.markFailed()
		}
	}()
}
