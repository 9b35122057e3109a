package api

import (
	"net/http"

	"github.com/seantiz/jsbridge/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Session  string       `json:"session"`
	Engine   string       `json:"engine"`
	Live     int          `json:"live"`
	Capacity int          `json:"capacity"`
	Journal  *store.Stats `json:"journal,omitempty"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Session:  s.bridge.Session(),
		Engine:   s.bridge.Engine(),
		Live:     s.bridge.Len(),
		Capacity: s.bridge.Capacity(),
	}

	if s.store != nil {
		stats, err := s.store.GetStats(r.Context())
		if err != nil {
			s.logger.Error("get journal stats", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		resp.Journal = stats
	}

	s.writeJSON(w, http.StatusOK, resp)
}
