package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealthz reports ok while the download directory is reachable.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp, code := healthResponse{Status: "ok"}, http.StatusOK
	if root := s.sandbox.Root(); root != "" {
		ok, err := s.sandbox.FS().Exists(root)
		switch {
		case err != nil:
			resp, code = healthResponse{Status: "unavailable", Error: err.Error()}, http.StatusServiceUnavailable
		case !ok:
			resp, code = healthResponse{Status: "unavailable", Error: "download directory missing"}, http.StatusServiceUnavailable
		}
	}
	if code != http.StatusOK {
		s.logger.Warn("health check failed", "sandbox", s.sandbox.Root(), "error", resp.Error)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
