package api

import (
	"net/http"

	"github.com/rakunlabs/opennotebook/internal/health"
)

// Health handles GET /health, backing C8's readiness probe.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	report := health.New(s.store).Check(r.Context())

	code := http.StatusOK
	if report.Status != health.StatusOK {
		code = http.StatusServiceUnavailable
	}

	httpResponseJSON(w, report, code)
}
