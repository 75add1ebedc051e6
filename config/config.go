// Package config loads the sensor configuration file and exposes it as an
// immutable snapshot. A missing or unparsable file falls back to built-in
// defaults; the acquisition core never refuses to start over configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/models"
)

// SensorConfig describes one sensor. Physical sensors carry serial settings;
// calculated sensors carry a dependency list instead.
type SensorConfig struct {
	ID          models.SensorID
	DisplayName string
	Description string
	Max         float64

	// Physical sensors only.
	Baud     int
	SerialID string // expected wire-level usSenderId, e.g. "0x2E01"
	Enabled  bool

	// Calculated sensors only; ordered.
	Dependencies []models.SensorID
}

// ConfigData is an immutable snapshot of the configuration file.
type ConfigData struct {
	emulation bool
	sensors   map[models.SensorID]SensorConfig
}

// Emulation reports whether the system should synthesize sensor data
// instead of reading hardware.
func (c *ConfigData) Emulation() bool { return c.emulation }

// Sensor returns the configuration for id.
func (c *ConfigData) Sensor(id models.SensorID) (SensorConfig, bool) {
	sc, ok := c.sensors[id]
	return sc, ok
}

// IsEnabled reports whether a sensor is present and enabled. Calculated
// sensors are enabled when configured.
func (c *ConfigData) IsEnabled(id models.SensorID) bool {
	sc, ok := c.sensors[id]
	if !ok {
		return false
	}
	if id.Calculated() {
		return true
	}
	return sc.Enabled
}

// EnabledPhysical returns the enabled hardware-backed sensors in id order.
func (c *ConfigData) EnabledPhysical() []models.SensorID {
	out := make([]models.SensorID, 0, models.SensorCount)
	for _, id := range models.PhysicalSensors() {
		if c.IsEnabled(id) {
			out = append(out, id)
		}
	}
	return out
}

// Dependencies returns the ordered dependency list of a calculated sensor,
// or nil for physical sensors.
func (c *ConfigData) Dependencies(id models.SensorID) []models.SensorID {
	sc, ok := c.sensors[id]
	if !ok {
		return nil
	}
	return sc.Dependencies
}

// EnabledDispCount returns how many displacement sensors are enabled. The
// port detector stops probing for DISP once this many have been claimed.
func (c *ConfigData) EnabledDispCount() int {
	n := 0
	for id := models.Disp1; id <= models.Disp5; id++ {
		if c.IsEnabled(id) {
			n++
		}
	}
	return n
}

// WithEmulation returns a snapshot equal to cfg but with the emulation flag
// overridden; sensor metadata is shared, not copied, since snapshots are
// immutable.
func WithEmulation(cfg *ConfigData, emulation bool) *ConfigData {
	return &ConfigData{emulation: emulation, sensors: cfg.sensors}
}

// rawSensor is the on-disk shape of one sensors{} entry.
type rawSensor struct {
	DisplayName string  `json:"display_name"`
	Description string  `json:"description"`
	Max         float64 `json:"max"`
	Baud        int     `json:"baud"`
	SerialID    string  `json:"serial_id"`
	Enabled     bool    `json:"enabled"`
}

// rawCalculated is the on-disk shape of one calculated_sensors{} entry.
type rawCalculated struct {
	DisplayName  string   `json:"display_name"`
	Description  string   `json:"description"`
	Max          float64  `json:"max"`
	Dependencies []string `json:"dependencies"`
}

type rawConfig struct {
	Emulation         *bool                    `json:"emulation"`
	Sensors           map[string]rawSensor     `json:"sensors"`
	CalculatedSensors map[string]rawCalculated `json:"calculated_sensors"`
}

// Load reads the configuration file at path. Any failure (missing file,
// parse error, unknown sensor key) is logged and the built-in defaults are
// returned instead; the returned snapshot is never nil.
func Load(path string, log *zap.SugaredLogger) *ConfigData {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Errorw("configuration file not found, using defaults", "path", path, "error", err)
		return Default()
	}
	cfg, err := Parse(raw)
	if err != nil {
		log.Errorw("failed to parse configuration, using defaults", "path", path, "error", err)
		return Default()
	}
	log.Infow("configuration loaded", "path", path, "emulation", cfg.Emulation())
	return cfg
}

// Parse decodes a configuration document. Sensor keys outside the closed
// SensorID set are an error.
func Parse(data []byte) (*ConfigData, error) {
	var rc rawConfig
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, err
	}

	cfg := &ConfigData{
		emulation: true,
		sensors:   make(map[models.SensorID]SensorConfig, models.SensorCount),
	}
	if rc.Emulation != nil {
		cfg.emulation = *rc.Emulation
	}

	for name, rs := range rc.Sensors {
		id, err := models.ParseSensorID(name)
		if err != nil {
			return nil, fmt.Errorf("sensors: %w", err)
		}
		if id.Calculated() {
			return nil, fmt.Errorf("sensors: %w: %s is a calculated sensor", models.ErrInvalidArgument, name)
		}
		cfg.sensors[id] = SensorConfig{
			ID:          id,
			DisplayName: rs.DisplayName,
			Description: rs.Description,
			Max:         rs.Max,
			Baud:        rs.Baud,
			SerialID:    rs.SerialID,
			Enabled:     rs.Enabled,
		}
	}

	for name, rcs := range rc.CalculatedSensors {
		id, err := models.ParseSensorID(name)
		if err != nil {
			return nil, fmt.Errorf("calculated_sensors: %w", err)
		}
		if !id.Calculated() {
			return nil, fmt.Errorf("calculated_sensors: %w: %s is a physical sensor", models.ErrInvalidArgument, name)
		}
		deps := make([]models.SensorID, 0, len(rcs.Dependencies))
		for _, dn := range rcs.Dependencies {
			dep, err := models.ParseSensorID(dn)
			if err != nil {
				return nil, fmt.Errorf("calculated_sensors.%s: %w", name, err)
			}
			deps = append(deps, dep)
		}
		cfg.sensors[id] = SensorConfig{
			ID:           id,
			DisplayName:  rcs.DisplayName,
			Description:  rcs.Description,
			Max:          rcs.Max,
			Dependencies: deps,
		}
	}

	return cfg, nil
}

// Default returns the built-in configuration: emulation on, FORCE and
// DISP_1..DISP_3 enabled so the calculated ARC channel is live out of the
// box, DISP_4/DISP_5 present but disabled, and ARC computed from
// DISP_1..DISP_3.
func Default() *ConfigData {
	cfg := &ConfigData{
		emulation: true,
		sensors:   make(map[models.SensorID]SensorConfig, models.SensorCount),
	}
	cfg.sensors[models.Force] = SensorConfig{
		ID:          models.Force,
		DisplayName: "Force (kN)",
		Description: "Force transducer",
		Max:         100,
		Baud:        115200,
		Enabled:     true,
	}
	dispSerial := [...]string{"0x2E01", "0x2E02", "0x2E03", "0x2E04", "0x2E05"}
	for i := 0; i < 5; i++ {
		id := models.Disp1 + models.SensorID(i)
		cfg.sensors[id] = SensorConfig{
			ID:          id,
			DisplayName: fmt.Sprintf("Displacement %d (mm)", i+1),
			Description: "Displacement transducer",
			Max:         10,
			Baud:        9600,
			SerialID:    dispSerial[i],
			Enabled:     i < 3,
		}
	}
	cfg.sensors[models.Arc] = SensorConfig{
		ID:           models.Arc,
		DisplayName:  "Arc deflection (mm)",
		Description:  "Calculated circular deflection",
		Max:          5,
		Dependencies: []models.SensorID{models.Disp1, models.Disp2, models.Disp3},
	}
	return cfg
}
