package serial

import (
	"context"
	"time"

	goserial "github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/bus"
	"github.com/Le-Riz/IBEF-Backend/health"
	"github.com/Le-Riz/IBEF-Backend/models"
)

const (
	readerLineTimeout = 500 * time.Millisecond
	readerRetryDelay  = time.Second
)

// Reader is the per-sensor reconnecting line reader. It exclusively owns its
// serial handle: opened lazily, closed on any error, and re-opened after a
// short delay. Every good line is published on TopicSerialData and recorded
// with the sensor's health monitor.
type Reader struct {
	sensor  models.SensorID
	path    string
	baud    int
	bus     *bus.Bus
	monitor *health.Monitor
	log     *zap.SugaredLogger
}

// NewReader constructs a reader for one detected sensor binding.
func NewReader(sensor models.SensorID, path string, baud int, b *bus.Bus, monitor *health.Monitor, log *zap.SugaredLogger) *Reader {
	return &Reader{
		sensor:  sensor,
		path:    path,
		baud:    baud,
		bus:     b,
		monitor: monitor,
		log:     log,
	}
}

// Run reads lines until ctx is cancelled. Cancellation is cooperative: the
// loop checks ctx at every I/O boundary and closes the handle promptly.
func (r *Reader) Run(ctx context.Context) {
	var (
		port      *goserial.Port
		lr        *lineReader
		connected bool
	)
	closePort := func() {
		if port != nil {
			_ = port.Close()
			port = nil
			lr = nil
		}
	}
	defer closePort()

	for {
		if ctx.Err() != nil {
			return
		}

		if port == nil {
			p, err := goserial.OpenPort(&goserial.Config{
				Name:        r.path,
				Baud:        r.baud,
				ReadTimeout: portReadSlice,
			})
			if err != nil {
				if connected {
					r.log.Warnw("serial port lost", "sensor", r.sensor, "port", r.path, "error", err)
					connected = false
				}
				r.monitor.MarkDisconnected()
				if !sleepCtx(ctx, readerRetryDelay) {
					return
				}
				continue
			}
			port = p
			lr = newLineReader(p)
			connected = true
			r.log.Infow("serial port opened", "sensor", r.sensor, "port", r.path, "baud", r.baud)
		}

		line, ok, err := lr.ReadLine(time.Now().Add(readerLineTimeout))
		if err != nil {
			r.log.Warnw("serial read failed", "sensor", r.sensor, "port", r.path, "error", err)
			closePort()
			connected = false
			r.monitor.MarkDisconnected()
			if !sleepCtx(ctx, readerRetryDelay) {
				return
			}
			continue
		}
		if !ok {
			// No complete line inside the timeout; the health monitor's
			// silence detection decides whether that matters.
			continue
		}
		if !validLine(line) {
			r.log.Debugw("dropping undecodable line", "sensor", r.sensor, "port", r.path)
			continue
		}
		if line == "" {
			continue
		}

		r.monitor.RecordData()
		r.bus.Publish(bus.TopicSerialData, bus.SerialLine{SensorID: r.sensor, Line: line})
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
