// Package service composes the acquisition core: configuration, event bus,
// sensor source (hardware or emulated), sensor manager, data processor,
// health supervision and the test manager, with a single start/stop
// lifecycle.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Le-Riz/IBEF-Backend/bus"
	"github.com/Le-Riz/IBEF-Backend/config"
	"github.com/Le-Riz/IBEF-Backend/health"
	"github.com/Le-Riz/IBEF-Backend/models"
	"github.com/Le-Riz/IBEF-Backend/processing"
	"github.com/Le-Riz/IBEF-Backend/sensors"
	serialio "github.com/Le-Riz/IBEF-Backend/serial"
	"github.com/Le-Riz/IBEF-Backend/testrun"
)

// Rediscovery polling bounds for sensors absent at startup.
const (
	rediscoverInitialInterval = time.Second
	rediscoverMaxInterval     = 10 * time.Second
)

// Manager owns every long-lived component and wires them together. No
// component reaches for ambient global state; collaborators are passed by
// reference at construction.
type Manager struct {
	cfg *config.ConfigData
	log *zap.SugaredLogger

	bus       *bus.Bus
	detector  *serialio.Detector
	sup       *health.Supervisor
	hw        *HardwareSource
	sensorMgr *sensors.Manager
	processor *processing.Processor
	tests     *testrun.Manager

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New builds the component graph rooted at the storage directory root. The
// sensor source is chosen here from configuration; everything downstream is
// mode-agnostic.
func New(root string, cfg *config.ConfigData, log *zap.SugaredLogger) (*Manager, error) {
	b := bus.New(log)

	m := &Manager{
		cfg: cfg,
		log: log,
		bus: b,
	}

	var source sensors.Source
	if cfg.Emulation() {
		source = sensors.NewEmulatedSource(cfg, time.Now().UnixNano(), log)
	} else {
		m.detector = serialio.NewDetector(log)
		m.sup = health.NewSupervisor(log)
		m.hw = NewHardwareSource(cfg, m.detector, m.sup, b, log)
		source = m.hw
	}

	m.sensorMgr = sensors.NewManager(cfg, b, source, log)
	m.processor = processing.NewProcessor(m.sensorMgr, b, log)

	tests, err := testrun.New(root, cfg, b, log)
	if err != nil {
		return nil, err
	}
	m.tests = tests
	return m, nil
}

// Start launches the background services: the data processor tick and the
// sensor source (which in hardware mode runs detection, readers, health
// supervision and rediscovery).
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	m.eg, ctx = errgroup.WithContext(ctx)

	m.log.Infow("starting background services", "emulation", m.cfg.Emulation())

	if err := m.sensorMgr.Start(ctx); err != nil {
		m.cancel()
		return err
	}

	runCtx := ctx
	m.eg.Go(func() error {
		err := m.processor.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	m.log.Info("background services started")
	return nil
}

// Stop shuts everything down: background loops are cancelled, reader tasks
// close their serial handles, the sensor manager and processor stop, and
// any active test is closed.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.sensorMgr.Stop()
	m.processor.Close()
	if m.eg != nil {
		_ = m.eg.Wait()
	}
	if err := m.tests.Stop(); err != nil {
		m.log.Warnw("failed to stop active test during shutdown", "error", err)
	}
	m.log.Info("background services stopped")
}

// Bus returns the event bus for downstream consumers.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// Tests returns the test manager.
func (m *Manager) Tests() *testrun.Manager { return m.tests }

// Sensors returns the sensor manager.
func (m *Manager) Sensors() *sensors.Manager { return m.sensorMgr }

// Config returns the configuration snapshot.
func (m *Manager) Config() *config.ConfigData { return m.cfg }

// HealthStatuses returns per-sensor health snapshots, or nil in emulation
// where links cannot drop.
func (m *Manager) HealthStatuses() map[models.SensorID]health.Status {
	if m.sup == nil {
		return nil
	}
	return m.sup.Statuses()
}
