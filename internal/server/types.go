package server

import (
	"time"

	"github.com/Le-Riz/IBEF-Backend/health"
	"github.com/Le-Riz/IBEF-Backend/storage"
)

// APIError is the JSON error envelope.
type APIError struct {
	Error string `json:"error"`
}

// HealthResponse answers /api/health.
type HealthResponse struct {
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

// SensorStatus is one sensor's slice of /api/status.
type SensorStatus struct {
	Connected bool           `json:"connected"`
	Value     float64        `json:"value"`
	Health    *health.Status `json:"health,omitempty"`
	Buffer    *storage.Stats `json:"buffer,omitempty"`
}

// StatusResponse answers /api/status.
type StatusResponse struct {
	State        string                  `json:"state"`
	TestID       string                  `json:"test_id,omitempty"`
	Emulation    bool                    `json:"emulation"`
	RelativeTime float64                 `json:"relative_time"`
	Sensors      map[string]SensorStatus `json:"sensors"`
}

// TestIDRequest targets a persisted test by id.
type TestIDRequest struct {
	TestID string `json:"test_id"`
}

// DescriptionRequest carries a replacement description.md body.
type DescriptionRequest struct {
	Content string `json:"content"`
}

// DescriptionResponse returns a test's description.md body.
type DescriptionResponse struct {
	TestID  string `json:"test_id"`
	Content string `json:"content"`
}

// SensorHistoryResponse answers a windowed history query.
type SensorHistoryResponse struct {
	Sensor string          `json:"sensor"`
	Window int             `json:"window"`
	Points []storage.Point `json:"points"`
}
