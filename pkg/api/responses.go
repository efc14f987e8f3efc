package api

// ResearchResponse acknowledges a research verb.
type ResearchResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ReportResponse is returned by GET /api/v1/research/report/:run_id.
type ReportResponse struct {
	RunID  string `json:"run_id"`
	Report string `json:"report"`
}

// HealthCheck is one component's health in HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// SystemInfoResponse is returned by GET /api/v1/system/info.
type SystemInfoResponse struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	LiveRuns          int    `json:"live_runs"`
	ActiveConnections int    `json:"active_connections"`
}
