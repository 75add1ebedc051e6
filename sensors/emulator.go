package sensors

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/config"
	"github.com/Le-Riz/IBEF-Backend/models"
)

const emulationTick = 100 * time.Millisecond // 10 Hz

// Displacement channels get distinct phase offsets and scales so the five
// synthetic ramps are visually distinguishable on the same plot.
var (
	dispPhases = [5]float64{0, 1.5, 3.0, 4.5, 6.0}
	dispScales = [5]float64{1.00, 1.10, 0.90, 1.20, 0.80}
)

// EmulatedSource synthesizes deterministic-plus-noise waveforms at 10 Hz
// for every enabled sensor, publishing from a dedicated goroutine. Enabled
// sensors are always considered connected; simulated data never stops.
type EmulatedSource struct {
	cfg    *config.ConfigData
	log    *zap.SugaredLogger
	rng    *rand.Rand
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewEmulatedSource constructs the source. seed fixes the noise stream;
// pass a time-derived seed in production and a constant in tests.
func NewEmulatedSource(cfg *config.ConfigData, seed int64, log *zap.SugaredLogger) *EmulatedSource {
	return &EmulatedSource{
		cfg: cfg,
		log: log,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Start launches the waveform loop.
func (e *EmulatedSource) Start(ctx context.Context, notify NotifyFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.log.Info("sensor emulation started")
	go e.loop(ctx, notify)
	return nil
}

// Stop halts the waveform loop and waits for it to exit.
func (e *EmulatedSource) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.log.Info("sensor emulation stopped")
}

// IsConnected reports configuration-level availability: an enabled emulated
// sensor always delivers.
func (e *EmulatedSource) IsConnected(id models.SensorID) bool {
	return e.cfg.IsEnabled(id)
}

func (e *EmulatedSource) loop(ctx context.Context, notify NotifyFunc) {
	defer close(e.done)
	start := time.Now()
	ticker := time.NewTicker(emulationTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.emit(time.Since(start).Seconds(), notify)
		}
	}
}

// emit produces one synthetic sample per enabled sensor at elapsed seconds t.
//
//	FORCE:  500 + 500*sin(t) + U(-10, 10)
//	DISP_k: (((t + phase_k) * 0.1) mod 10 + U(-0.05, 0.05)) * scale_k
func (e *EmulatedSource) emit(t float64, notify NotifyFunc) {
	if e.cfg.IsEnabled(models.Force) {
		notify(models.Force, 500+500*math.Sin(t)+e.uniform(-10, 10))
	}
	for i := 0; i < 5; i++ {
		id := models.Disp1 + models.SensorID(i)
		if !e.cfg.IsEnabled(id) {
			continue
		}
		ramp := math.Mod((t+dispPhases[i])*0.1, 10)
		notify(id, (ramp+e.uniform(-0.05, 0.05))*dispScales[i])
	}
}

func (e *EmulatedSource) uniform(lo, hi float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo + e.rng.Float64()*(hi-lo)
}
