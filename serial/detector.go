// Package serial owns everything that touches a serial device: port
// enumeration, sensor probing and classification, and the per-sensor
// reconnecting reader tasks that feed raw lines onto the event bus.
package serial

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	goserial "github.com/tarm/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/config"
	"github.com/Le-Riz/IBEF-Backend/models"
)

// SensorKind is the wire-format family a probed port speaks.
type SensorKind int

const (
	KindNone SensorKind = iota
	KindForce
	KindDisp
)

// Probe tuning. A device typically needs a short settle after open, then
// streams a few lines per second; 30 lines within ~3 s is ample to classify.
const (
	probeSettle     = time.Second
	probeReadSpan   = 3 * time.Second
	probeMaxLines   = 30
	portReadSlice   = 100 * time.Millisecond
	forceConfidence = 0.95
	dispConfidence  = 0.90
)

// Detected records a successful sensor-to-port binding.
type Detected struct {
	SensorID   models.SensorID
	Path       string
	Baud       int
	Confidence float64
}

// Detector enumerates and probes serial ports, binding sensors to device
// paths. The used-port set persists across invocations so a port claimed by
// one sensor is never re-offered to another; Release returns a port to the
// free pool when a sensor's binding turns out to be dead.
type Detector struct {
	mu       sync.Mutex
	used     map[string]bool
	detected map[models.SensorID]Detected
	log      *zap.SugaredLogger
}

// NewDetector constructs a detector with an empty used-port set.
func NewDetector(log *zap.SugaredLogger) *Detector {
	return &Detector{
		used:     make(map[string]bool),
		detected: make(map[models.SensorID]Detected),
		log:      log,
	}
}

// Enumerate returns the serial device paths visible right now, sorted and
// de-duplicated. The cross-platform enumerator is asked first; when it has
// nothing to say (some stripped-down Linux images, permission problems) the
// usual POSIX device-name patterns are globbed instead. On Windows the
// enumerator is the only source, so an empty answer stays empty.
func (d *Detector) Enumerate() []string {
	seen := make(map[string]struct{}, 8)
	out := make([]string, 0, 8)
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		d.log.Debugw("port enumeration failed, falling back to globs", "error", err)
	}
	for _, p := range ports {
		if p != nil {
			add(p.Name)
		}
	}
	if len(out) > 0 {
		sort.Strings(out)
		return out
	}

	var patterns []string
	switch runtime.GOOS {
	case "windows":
		// No filesystem namespace to glob; trust the enumerator's answer.
		return nil
	case "darwin":
		// Prefer "cu" devices for outgoing connections; keep "tty" too.
		patterns = []string{"/dev/cu.*", "/dev/tty.*"}
	default:
		// Linux/BSD-ish: common USB serial patterns.
		patterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/tty.*"}
	}
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		for _, m := range matches {
			// Skip entries that vanished between glob and probe.
			if _, err := os.Stat(m); err != nil {
				continue
			}
			add(m)
		}
	}
	sort.Strings(out)
	return out
}

// Probe opens path at baud and reads lines until it can classify the
// device. For displacement sensors expectedSender must match the embedded
// usSenderId token exactly; a mismatch classifies as KindNone so the port
// stays available for the sensor it actually belongs to. Decode errors are
// ignored silently; they usually mean a wrong baud rate.
func (d *Detector) Probe(path string, baud int, expectedSender string) SensorKind {
	cfg := &goserial.Config{Name: path, Baud: baud, ReadTimeout: portReadSlice}
	sp, err := goserial.OpenPort(cfg)
	if err != nil {
		d.log.Debugw("probe open failed", "port", path, "baud", baud, "error", err)
		return KindNone
	}
	defer func() { _ = sp.Close() }()

	time.Sleep(probeSettle)

	lr := newLineReader(sp)
	deadline := time.Now().Add(probeReadSpan)
	for i := 0; i < probeMaxLines; i++ {
		line, ok, err := lr.ReadLine(deadline)
		if err != nil {
			d.log.Debugw("probe read failed", "port", path, "baud", baud, "error", err)
			return KindNone
		}
		if !ok {
			break
		}
		if !validLine(line) {
			continue
		}
		if kind := ClassifyLine(line, expectedSender); kind != KindNone {
			return kind
		}
	}
	return KindNone
}

// ClassifyLine identifies the sensor family from a single line of serial
// output.
//
// FORCE lines look like
//
//	ASC2 20945595 -165341 -1.527986e-01 -4.965955e+01 -0.000000e+00
//
// with the calibrated reading in the 5th field. DISP lines are free-form but
// carry the SPC_VAL marker plus usSenderId= and Val= tokens; when
// expectedSender is non-empty the sender id must match it exactly.
func ClassifyLine(line, expectedSender string) SensorKind {
	if strings.Contains(line, "ASC2") {
		parts := strings.Fields(line)
		if len(parts) >= 5 {
			if _, err := strconv.ParseFloat(parts[4], 64); err == nil {
				return KindForce
			}
		}
	}
	if strings.Contains(line, "SPC_VAL") {
		sender, val := ParseDispTokens(line)
		if sender == "" || val == "" {
			return KindNone
		}
		if expectedSender != "" && sender != expectedSender {
			return KindNone
		}
		return KindDisp
	}
	return KindNone
}

// ParseDispTokens extracts the usSenderId= and Val= token values from a
// displacement line. Missing tokens yield empty strings.
func ParseDispTokens(line string) (sender, val string) {
	for _, part := range strings.Fields(line) {
		if v, ok := strings.CutPrefix(part, "usSenderId="); ok {
			sender = v
		} else if v, ok := strings.CutPrefix(part, "Val="); ok {
			val = v
		}
	}
	return sender, val
}

// AutoDetect makes a single pass over the free ports, probing each against
// the requested sensors until every port is classified or exhausted.
//
// For each free port the requested sensors are tried in id order, skipping
// sensors already bound and skipping further DISP probes once the configured
// displacement count has been claimed. A DISP probe passes the sensor's
// configured serial id so two displacement transducers can never swap slots.
func (d *Detector) AutoDetect(requested map[models.SensorID]int, cfg *config.ConfigData) map[models.SensorID]Detected {
	d.mu.Lock()
	defer d.mu.Unlock()

	ports := d.Enumerate()
	d.log.Infow("starting sensor detection", "ports", ports, "requested", len(requested))

	found := make(map[models.SensorID]Detected)
	dispFound := d.boundDispCount()
	dispWanted := cfg.EnabledDispCount()

	order := make([]models.SensorID, 0, len(requested))
	for _, id := range models.PhysicalSensors() {
		if _, ok := requested[id]; ok {
			order = append(order, id)
		}
	}

	for _, port := range ports {
		if d.used[port] {
			continue
		}
		for _, sensor := range order {
			if _, ok := d.detected[sensor]; ok {
				continue
			}
			if _, ok := found[sensor]; ok {
				continue
			}
			if sensor.IsDisplacement() && dispFound >= dispWanted {
				continue
			}

			baud := requested[sensor]
			expectedSender := ""
			confidence := forceConfidence
			wantKind := KindForce
			if sensor.IsDisplacement() {
				wantKind = KindDisp
				confidence = dispConfidence
				if sc, ok := cfg.Sensor(sensor); ok {
					expectedSender = sc.SerialID
				}
			}

			if d.Probe(port, baud, expectedSender) != wantKind {
				continue
			}

			det := Detected{SensorID: sensor, Path: port, Baud: baud, Confidence: confidence}
			found[sensor] = det
			d.detected[sensor] = det
			d.used[port] = true
			if sensor.IsDisplacement() {
				dispFound++
			}
			d.log.Infow("sensor detected",
				"sensor", sensor, "port", port, "baud", baud, "confidence", confidence)
			break
		}
	}

	d.log.Infow("sensor detection finished", "found", len(found))
	return found
}

func (d *Detector) boundDispCount() int {
	n := 0
	for id := range d.detected {
		if id.IsDisplacement() {
			n++
		}
	}
	return n
}

// Release frees a sensor's port binding so a later detection pass may
// re-offer the port. Called when a reconnect attempt on the previously
// detected path failed.
func (d *Detector) Release(sensor models.SensorID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	det, ok := d.detected[sensor]
	if !ok {
		return
	}
	delete(d.detected, sensor)
	delete(d.used, det.Path)
	d.log.Debugw("released port binding", "sensor", sensor, "port", det.Path)
}

// Binding returns the current port binding for a sensor, if any.
func (d *Detector) Binding(sensor models.SensorID) (Detected, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	det, ok := d.detected[sensor]
	return det, ok
}
