package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const (
	serviceName  = "avatar-broadcast"
	probeTimeout = 5 * time.Second
)

// HealthCheckFunc probes one dependency.
type HealthCheckFunc func(ctx context.Context) (bool, error)

type probeResult struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type healthReport struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service"`
	Time    string                 `json:"time"`
	Checks  map[string]probeResult `json:"checks,omitempty"`
}

func writeReport(w http.ResponseWriter, code int, report healthReport) {
	report.Service = serviceName
	report.Time = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}

// HealthCheckHandler handles liveness requests.
func HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, http.StatusOK, healthReport{Status: "healthy"})
	}
}

// ReadinessHandler handles readiness requests. Each named check probes
// one dependency (engines, sink); any failure reports 503.
func ReadinessHandler(checks map[string]HealthCheckFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		results := make(map[string]probeResult, len(checks))
		ready := true
		for name, check := range checks {
			if check == nil {
				continue
			}
			start := time.Now()
			ok, err := check(ctx)
			res := probeResult{
				OK:        ok && err == nil,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				res.Error = err.Error()
			}
			if !res.OK {
				ready = false
			}
			results[name] = res
		}

		report := healthReport{Status: "ready", Checks: results}
		code := http.StatusOK
		if !ready {
			report.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}
