// Package server exposes the acquisition core over a local HTTP + WebSocket
// API: test lifecycle operations, live sensor history queries, zeroing, and
// a broadcast stream of processed frames.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/bus"
	"github.com/Le-Riz/IBEF-Backend/models"
	"github.com/Le-Riz/IBEF-Backend/service"
)

// Server routes HTTP requests into the service manager's components.
type Server struct {
	mux *http.ServeMux
	svc *service.Manager
	log *zap.SugaredLogger

	live     *LiveStream
	upgrader websocket.Upgrader
}

// New wires the routes and subscribes the live stream to the event bus.
func New(svc *service.Manager, log *zap.SugaredLogger) *Server {
	s := &Server{
		mux:  http.NewServeMux(),
		svc:  svc,
		log:  log,
		live: newLiveStream(log),
		upgrader: websocket.Upgrader{
			// Local single-user tool; the UI is served from the same host.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)

	s.mux.HandleFunc("/api/test/prepare", s.handleTestPrepare)
	s.mux.HandleFunc("/api/test/start", s.handleTestStart)
	s.mux.HandleFunc("/api/test/stop", s.handleTestStop)
	s.mux.HandleFunc("/api/test/finalize", s.handleTestFinalize)
	s.mux.HandleFunc("/api/test/archive", s.handleTestArchive)
	s.mux.HandleFunc("/api/test/delete", s.handleTestDelete)
	s.mux.HandleFunc("/api/test/history", s.handleTestHistory)
	s.mux.HandleFunc("/api/test/", s.handleTestDescription) // /api/test/{id}/description

	s.mux.HandleFunc("/api/sensors/", s.handleSensors) // /api/sensors/{id}/history|zero

	s.mux.HandleFunc("/ws/live", s.handleWSLive)

	// Bridge bus events onto the live stream.
	b := svc.Bus()
	b.Subscribe(bus.TopicProcessedData, func(_ string, msg any) {
		if frame, ok := msg.(models.ProcessedFrame); ok {
			s.live.PublishFrame(frame)
		}
	})
	b.Subscribe(bus.TopicTestStateChanged, func(_ string, msg any) {
		if running, ok := msg.(bool); ok {
			s.live.PublishTestState(running)
		}
	})
	b.Subscribe(bus.TopicHistoryUpdated, func(string, any) {
		s.live.PublishHistoryUpdated()
	})

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core's error kinds onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidArgument), errors.Is(err, models.ErrUnsupported):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, APIError{Error: err.Error()})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, 200, HealthResponse{OK: true, Timestamp: time.Now()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, 200, s.statusSnapshot())
}

// statusSnapshot assembles the full bench state: test lifecycle, per-sensor
// connectivity and values, health monitors, and buffer occupancy. It also
// seeds every newly attached live-stream client.
func (s *Server) statusSnapshot() StatusResponse {
	tests := s.svc.Tests()

	resp := StatusResponse{
		State:        tests.State().String(),
		Emulation:    s.svc.Config().Emulation(),
		RelativeTime: tests.RelativeTime(),
		Sensors:      make(map[string]SensorStatus, models.SensorCount),
	}
	if cur := tests.Current(); cur != nil {
		resp.TestID = cur.TestID
	}

	healthStatuses := s.svc.HealthStatuses()
	for _, id := range models.AllSensors() {
		st := SensorStatus{
			Connected: s.svc.Sensors().IsSensorConnected(id),
			Value:     s.svc.Sensors().Value(id),
		}
		if hs, ok := healthStatuses[id]; ok {
			st.Health = &hs
		}
		if stats, err := tests.BufferStats(id); err == nil {
			st.Buffer = &stats
		}
		resp.Sensors[id.String()] = st
	}
	return resp
}

func (s *Server) handleTestPrepare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var meta models.TestMetaData
	if err := s.readJSON(r, &meta); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	prepared, err := s.svc.Tests().Prepare(meta)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, 200, prepared)
}

func (s *Server) handleTestStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, s.svc.Tests().Start)
}

func (s *Server) handleTestStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, s.svc.Tests().Stop)
}

func (s *Server) handleTestFinalize(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, s.svc.Tests().Finalize)
}

func (s *Server) lifecycleOp(w http.ResponseWriter, r *http.Request, op func() error) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if err := op(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, 200, map[string]string{"state": s.svc.Tests().State().String()})
}

func (s *Server) handleTestArchive(w http.ResponseWriter, r *http.Request) {
	s.testIDOp(w, r, s.svc.Tests().Archive)
}

func (s *Server) handleTestDelete(w http.ResponseWriter, r *http.Request) {
	s.testIDOp(w, r, s.svc.Tests().Delete)
}

func (s *Server) testIDOp(w http.ResponseWriter, r *http.Request, op func(string) error) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req TestIDRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.TestID) == "" {
		s.writeJSON(w, 400, APIError{Error: "missing test_id"})
		return
	}
	if err := op(req.TestID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) handleTestHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, 200, s.svc.Tests().History())
}

// handleTestDescription serves GET/PUT /api/test/{id}/description.
func (s *Server) handleTestDescription(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/test/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "description" || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	testID := parts[0]

	switch r.Method {
	case http.MethodGet:
		content, err := s.svc.Tests().Description(testID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, 200, DescriptionResponse{TestID: testID, Content: content})
	case http.MethodPut:
		var req DescriptionRequest
		if err := s.readJSON(r, &req); err != nil {
			s.writeJSON(w, 400, APIError{Error: err.Error()})
			return
		}
		if err := s.svc.Tests().SetDescription(testID, req.Content); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, 200, map[string]bool{"ok": true})
	default:
		http.NotFound(w, r)
	}
}

// handleSensors serves GET /api/sensors/{id}/history?window=60 and
// POST /api/sensors/{id}/zero.
func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sensors/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id, err := models.ParseSensorID(parts[0])
	if err != nil {
		s.writeError(w, err)
		return
	}

	switch {
	case parts[1] == "history" && r.Method == http.MethodGet:
		window, err := strconv.Atoi(r.URL.Query().Get("window"))
		if err != nil {
			s.writeJSON(w, 400, APIError{Error: "invalid window parameter"})
			return
		}
		points, err := s.svc.Tests().SensorHistory(id, window)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, 200, SensorHistoryResponse{Sensor: id.String(), Window: window, Points: points})
	case parts[1] == "zero" && r.Method == http.MethodPost:
		if err := s.svc.Tests().Zero(id); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, 200, map[string]bool{"ok": true})
	default:
		http.NotFound(w, r)
	}
}

// handleWSLive upgrades the connection and attaches it to the live stream,
// which sends the status snapshot first. The read loop exists only to
// detect disconnects; clients never send data.
func (s *Server) handleWSLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("websocket upgrade failed", "error", err)
		return
	}
	c := s.live.Attach(conn, s.statusSnapshot())
	go func() {
		defer s.live.Detach(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
