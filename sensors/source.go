package sensors

import (
	"context"

	"github.com/Le-Riz/IBEF-Backend/models"
)

// NotifyFunc receives one raw (pre-offset) reading for a sensor.
type NotifyFunc func(id models.SensorID, rawValue float64)

// Source is where sensor readings come from. The hardware source feeds the
// manager indirectly through serial-line events; the emulated source calls
// the notify function directly from its waveform loop. Either way the
// manager asks the source, not a mode flag, whether a sensor is live.
type Source interface {
	// Start begins producing data. notify is the manager's ingestion
	// entry point; sources that publish through the event bus may ignore it.
	Start(ctx context.Context, notify NotifyFunc) error

	// Stop halts production and releases any owned handles.
	Stop()

	// IsConnected reports whether a physical sensor is currently live.
	IsConnected(id models.SensorID) bool
}
