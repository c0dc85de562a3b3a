package http

import (
	"github.com/fyrsmithlabs/phasegate/internal/engine"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Tick      uint64                  `json:"tick"`
	Entities  int                     `json:"entities"`
	Services  map[string]string       `json:"services"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// IngestRequest is the request body for POST /api/v1/samples.
type IngestRequest struct {
	Samples []engine.MetricSample `json:"samples"`
}

// IngestResponse reports how many samples were queued.
type IngestResponse struct {
	Accepted int              `json:"accepted"`
	Rejected []RejectedSample `json:"rejected,omitempty"`
}

// RejectedSample identifies a sample that was not queued.
type RejectedSample struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// RegisterRequest is the request body for POST /api/v1/entities.
type RegisterRequest struct {
	ID    string `json:"id"`
	Phase string `json:"phase,omitempty"`
}

// OverrideRequest is the request body for POST /api/v1/entities/:id/override.
type OverrideRequest struct {
	Override string `json:"override"`
}

// ProgressRequest is the request body for the execution progress route.
type ProgressRequest struct {
	Progress float64 `json:"progress"`
}

// FinishRequest is the request body for the complete and fail routes.
type FinishRequest struct {
	Note string `json:"note,omitempty"`
}

// CatalogResponse summarizes the active catalog.
type CatalogResponse struct {
	Version    string   `json:"version,omitempty"`
	Generation uint64   `json:"generation"`
	Phases     []string `json:"phases"`
	Rules      int      `json:"rules"`
	Packages   int      `json:"packages"`
	Triggers   int      `json:"triggers"`
	Indicators []string `json:"indicators"`
}
