package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Probe is one named dependency check.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ProbeResult is the wire shape of one probe outcome.
type ProbeResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// Readiness runs dependency probes for /readyz.
type Readiness struct {
	Probes  []Probe
	Timeout time.Duration
}

// NewReadiness constructs a Readiness with a per-request probe budget.
func NewReadiness(timeout time.Duration, probes ...Probe) *Readiness {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Readiness{Probes: probes, Timeout: timeout}
}

// Handler reports 200 when every probe passes, 503 otherwise, with the
// per-probe breakdown either way.
func (r *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), r.Timeout)
		defer cancel()

		results := make([]ProbeResult, 0, len(r.Probes))
		allOK := true
		for _, p := range r.Probes {
			res := ProbeResult{Name: p.Name, OK: true}
			if err := p.Check(ctx); err != nil {
				res.OK = false
				res.Details = err.Error()
				allOK = false
			}
			results = append(results, res)
		}

		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ready":  allOK,
			"checks": results,
		})
	}
}
