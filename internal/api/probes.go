package api

import (
	"net/http"

	"github.com/openbatch/ft-sender/internal/errors"
)

// HealthHandler reports the last known component health.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	status := s.health.GetHealthStatus()
	if !status.Healthy {
		return nil, errors.New(errors.CodeInternal, "unhealthy", nil)
	}

	return status, nil
}

// ReadinessHandler reports whether the store answers right now.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "store unavailable", err)
	}

	return map[string]any{"ready": true, "pending": stats.Pending}, nil
}
