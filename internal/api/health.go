package api

import (
	"net/http"
)

type healthResponse struct {
	Status   string `json:"status"`
	Engine   string `json:"engine"`
	Contexts int    `json:"contexts"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Engine:   s.bridge.Engine(),
		Contexts: s.bridge.Len(),
	})
}

func (s *Server) handleListEngines(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engines.List())
}
