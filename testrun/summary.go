package testrun

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/Le-Riz/IBEF-Backend/models"
)

// sensorSummary condenses one sensor's recorded series.
type sensorSummary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// writeSummaryLocked renders summary.json in the test directory: per-sensor
// count/min/max/mean/stddev over the ring-buffer series recorded during the
// run. NaN points (disconnected stretches) are excluded from the statistics
// but not from the count of recorded frames.
func (m *Manager) writeSummaryLocked() {
	if m.currentDir == "" {
		return
	}

	summary := make(map[string]sensorSummary, models.SensorCount)
	for _, id := range models.AllSensors() {
		points, err := m.store.Data(id)
		if err != nil {
			continue
		}
		values := make([]float64, 0, len(points))
		for _, p := range points {
			if !math.IsNaN(p.Value) {
				values = append(values, p.Value)
			}
		}
		s := sensorSummary{Count: len(points)}
		if len(values) > 0 {
			s.Min = floats.Min(values)
			s.Max = floats.Max(values)
			s.Mean = stat.Mean(values, nil)
			s.StdDev = stat.PopStdDev(values, nil)
		}
		summary[id.String()] = s
	}

	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		m.log.Warnw("summary marshal failed", "error", err)
		return
	}
	path := filepath.Join(m.currentDir, "summary.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		m.log.Warnw("summary write failed", "path", path, "error", err)
		return
	}
	m.log.Infow("summary written", "path", path)
}
