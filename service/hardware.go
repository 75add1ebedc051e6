package service

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/bus"
	"github.com/Le-Riz/IBEF-Backend/config"
	"github.com/Le-Riz/IBEF-Backend/health"
	"github.com/Le-Riz/IBEF-Backend/models"
	"github.com/Le-Riz/IBEF-Backend/sensors"
	serialio "github.com/Le-Riz/IBEF-Backend/serial"
)

// HardwareSource drives real sensors: it auto-detects ports at startup,
// runs one reader task per detected sensor, supervises link health with
// backoff reconnection, and periodically rediscovers sensors that were
// absent at startup. It implements sensors.Source; data reaches the sensor
// manager through serial-line events rather than the notify callback.
type HardwareSource struct {
	mu      sync.Mutex
	cfg     *config.ConfigData
	det     *serialio.Detector
	sup     *health.Supervisor
	bus     *bus.Bus
	log     *zap.SugaredLogger
	readers map[models.SensorID]*readerHandle
	missing []models.SensorID
	missIdx int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type readerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHardwareSource constructs the source around a shared detector and
// supervisor.
func NewHardwareSource(cfg *config.ConfigData, det *serialio.Detector, sup *health.Supervisor, b *bus.Bus, log *zap.SugaredLogger) *HardwareSource {
	return &HardwareSource{
		cfg:     cfg,
		det:     det,
		sup:     sup,
		bus:     b,
		log:     log,
		readers: make(map[models.SensorID]*readerHandle),
	}
}

// Start detects sensors, spawns their readers and launches the supervision
// and rediscovery loops.
func (h *HardwareSource) Start(ctx context.Context, _ sensors.NotifyFunc) error {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return nil
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	requested := make(map[models.SensorID]int)
	for _, id := range h.cfg.EnabledPhysical() {
		if sc, ok := h.cfg.Sensor(id); ok {
			requested[id] = sc.Baud
		}
	}

	h.log.Info("detecting connected sensors")
	detected := h.det.AutoDetect(requested, h.cfg)
	if len(detected) == 0 {
		h.log.Warn("no sensors detected; check connections and baud rates")
	}

	for id := range requested {
		_, found := detected[id]
		h.sup.AddSensor(id, health.DefaultMonitorConfig(), found)
		h.sup.RegisterReconnect(id, h.reconnect)
		if !found {
			h.mu.Lock()
			h.missing = append(h.missing, id)
			h.mu.Unlock()
			h.log.Warnw("sensor not present at startup", "sensor", id)
		}
	}
	for id, det := range detected {
		h.spawnReader(id, det)
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		_ = h.sup.Run(h.ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.rediscoverLoop(h.ctx)
	}()
	return nil
}

// Stop cancels every reader and loop and waits for them to exit; each
// reader closes its serial handle at the next I/O boundary.
func (h *HardwareSource) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	readers := h.readers
	h.readers = make(map[models.SensorID]*readerHandle)
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	for _, rh := range readers {
		rh.cancel()
		<-rh.done
	}
	h.wg.Wait()
	h.log.Info("hardware source stopped")
}

// IsConnected reports whether a sensor has a live reader whose health
// monitor is in the Connected state.
func (h *HardwareSource) IsConnected(id models.SensorID) bool {
	h.mu.Lock()
	_, hasReader := h.readers[id]
	h.mu.Unlock()
	return hasReader && h.sup.IsConnected(id)
}

// spawnReader starts (or restarts) the reader task for a sensor binding.
func (h *HardwareSource) spawnReader(id models.SensorID, det serialio.Detected) {
	mon, ok := h.sup.Monitor(id)
	if !ok {
		mon = h.sup.AddSensor(id, health.DefaultMonitorConfig(), true)
	}

	h.mu.Lock()
	if h.ctx == nil {
		h.mu.Unlock()
		return
	}
	if old, ok := h.readers[id]; ok {
		old.cancel()
		<-old.done
	}
	rctx, rcancel := context.WithCancel(h.ctx)
	rh := &readerHandle{cancel: rcancel, done: make(chan struct{})}
	h.readers[id] = rh
	h.mu.Unlock()

	r := serialio.NewReader(id, det.Path, det.Baud, h.bus, mon, h.log)
	h.log.Infow("starting serial reader",
		"sensor", id, "port", det.Path, "baud", det.Baud)
	go func() {
		defer close(rh.done)
		r.Run(rctx)
	}()
}

// reconnect is the supervisor callback: re-detect the sensor and restart
// its reader on the (possibly new) port. On failure the sensor's previous
// port binding is released back to the free pool for the next attempt.
func (h *HardwareSource) reconnect(ctx context.Context, id models.SensorID) bool {
	if ctx.Err() != nil {
		return false
	}
	sc, ok := h.cfg.Sensor(id)
	if !ok {
		return false
	}
	h.log.Infow("attempting to re-detect sensor", "sensor", id)

	detected := h.det.AutoDetect(map[models.SensorID]int{id: sc.Baud}, h.cfg)
	det, found := detected[id]
	if !found {
		h.det.Release(id)
		h.log.Warnw("could not re-detect sensor", "sensor", id)
		return false
	}
	h.spawnReader(id, det)
	return true
}

// rediscoverLoop probes for sensors that never appeared, one per iteration
// round-robin. The polling interval starts at one second and backs off to
// ten when nothing turns up, resetting whenever a sensor is found.
func (h *HardwareSource) rediscoverLoop(ctx context.Context) {
	newBackoff := func() *backoff.ExponentialBackOff {
		eb := &backoff.ExponentialBackOff{
			InitialInterval:     rediscoverInitialInterval,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         rediscoverMaxInterval,
		}
		eb.Reset()
		return eb
	}
	eb := newBackoff()
	interval := eb.NextBackOff()

	for {
		if !sleepCtx(ctx, interval) {
			return
		}

		id, ok := h.nextMissing()
		if !ok {
			interval = rediscoverMaxInterval
			continue
		}

		sc, _ := h.cfg.Sensor(id)
		detected := h.det.AutoDetect(map[models.SensorID]int{id: sc.Baud}, h.cfg)
		if det, found := detected[id]; found {
			h.log.Infow("sensor appeared", "sensor", id, "port", det.Path)
			h.sup.AddSensor(id, health.DefaultMonitorConfig(), true)
			h.sup.RegisterReconnect(id, h.reconnect)
			h.spawnReader(id, det)
			h.removeMissing(id)
			eb = newBackoff()
			interval = eb.NextBackOff()
			continue
		}
		interval = eb.NextBackOff()
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first; it reports whether
// the full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// nextMissing returns the next never-seen sensor in round-robin order.
func (h *HardwareSource) nextMissing() (models.SensorID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.missing) == 0 {
		return 0, false
	}
	h.missIdx %= len(h.missing)
	id := h.missing[h.missIdx]
	h.missIdx++
	return id, true
}

func (h *HardwareSource) removeMissing(id models.SensorID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, m := range h.missing {
		if m == id {
			h.missing = append(h.missing[:i], h.missing[i+1:]...)
			return
		}
	}
}
