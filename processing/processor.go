// Package processing fuses the latest per-sensor readings into fixed-rate
// frames: every 250 ms it snapshots the cached values, blanks disconnected
// sensors to NaN, derives the calculated ARC channel, and publishes the
// frame for the recorder and any live consumers.
package processing

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/bus"
	"github.com/Le-Riz/IBEF-Backend/models"
	"github.com/Le-Riz/IBEF-Backend/sensors"
)

// ProcessingRate is the frame publication rate in Hz.
const ProcessingRate = 4.0

// nanStrikeLimit is how many consecutive NaN arrivals poison a sensor's
// cached value.
const nanStrikeLimit = 3

// Processor runs the fixed-rate fusion loop. Latest values are fed by
// sensor_update events; connectivity is asked of the sensor manager at each
// tick.
type Processor struct {
	mu        sync.Mutex
	latest    [models.SensorCount]float64
	nanCounts [models.SensorCount]int

	mgr *sensors.Manager
	bus *bus.Bus
	log *zap.SugaredLogger
	sub *bus.Subscription
}

// NewProcessor wires a processor to the bus.
func NewProcessor(mgr *sensors.Manager, b *bus.Bus, log *zap.SugaredLogger) *Processor {
	p := &Processor{mgr: mgr, bus: b, log: log}
	p.sub = b.Subscribe(bus.TopicSensorUpdate, p.onUpdate)
	return p
}

// Close detaches the processor from the bus.
func (p *Processor) Close() {
	if p.sub != nil {
		p.sub.Unsubscribe()
		p.sub = nil
	}
}

// onUpdate caches the newest calibrated value for a sensor. A NaN arrival
// counts a strike; three consecutive strikes poison the cached value until
// a real reading arrives again.
func (p *Processor) onUpdate(_ string, msg any) {
	s, ok := msg.(models.SensorSample)
	if !ok || !s.SensorID.Valid() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !math.IsNaN(s.Value) {
		p.nanCounts[s.SensorID] = 0
		p.latest[s.SensorID] = s.Value
		return
	}
	p.nanCounts[s.SensorID]++
	if p.nanCounts[s.SensorID] >= nanStrikeLimit {
		p.latest[s.SensorID] = math.NaN()
		p.log.Warnw("sensor sent consecutive NaN values",
			"sensor", s.SensorID, "count", p.nanCounts[s.SensorID])
	}
}

// Run publishes frames at ProcessingRate until ctx is cancelled. Each tick
// sleeps the remainder of its 250 ms slot; there is no catch-up, so an
// overrunning tick simply delays the next one.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("data processor started")
	interval := time.Duration(float64(time.Second) / ProcessingRate)
	for {
		tickStart := time.Now()
		p.publishFrame(tickStart)

		remaining := interval - time.Since(tickStart)
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-ctx.Done():
			p.log.Info("data processor stopped")
			return ctx.Err()
		case <-time.After(remaining):
		}
	}
}

// publishFrame builds and publishes one frame stamped at tick time.
func (p *Processor) publishFrame(tick time.Time) {
	p.mu.Lock()
	snapshot := p.latest
	p.mu.Unlock()

	for _, id := range models.PhysicalSensors() {
		if !p.mgr.IsSensorConnected(id) {
			snapshot[id] = math.NaN()
		}
	}

	// ARC is the circular deflection derived from the three inner
	// displacement channels; NaN in any of them propagates.
	snapshot[models.Arc] = snapshot[models.Disp1] - (snapshot[models.Disp2]+snapshot[models.Disp3])/2

	p.bus.Publish(bus.TopicProcessedData, models.ProcessedFrame{
		Timestamp: float64(tick.UnixNano()) / 1e9,
		Values:    snapshot,
	})
}
