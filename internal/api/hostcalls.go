package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/jsbridge/internal/bridge"
)

type registerHostFunctionRequest struct {
	Name string `json:"name"`
}

type hostFunctionsResponse struct {
	Names []string `json:"names"`
}

type resolveHostCallRequest struct {
	Result json.RawMessage `json:"result"`
}

type rejectHostCallRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleRegisterHostFunction(w http.ResponseWriter, r *http.Request) {
	var req registerHostFunctionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	err := s.bridge.RegisterHostFunction(r.Context(), id, req.Name)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, bridge.ErrInvalidName):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, bridge.ErrNotFound):
		s.writeError(w, http.StatusNotFound, bridge.MsgContextNotFound)
	default:
		s.logger.Error("register host function", "context_id", id, "name", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to register host function")
	}
}

func (s *Server) handleListHostFunctions(w http.ResponseWriter, r *http.Request) {
	names, err := s.bridge.HostFunctions(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, bridge.MsgContextNotFound)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, hostFunctionsResponse{Names: names})
}

func (s *Server) handlePendingHostCalls(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	calls, err := s.bridge.PendingHostCalls(r.Context(), id)
	if errors.Is(err, bridge.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, bridge.MsgContextNotFound)
		return
	}
	if err != nil {
		s.logger.Error("pending host calls", "context_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read host calls")
		return
	}
	if calls == nil {
		calls = []bridge.HostCall{}
	}
	s.writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleResolveHostCall(w http.ResponseWriter, r *http.Request) {
	var req resolveHostCallRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result := string(req.Result)
	if result == "" {
		result = bridge.NullJSON
	}

	err := s.bridge.ResolveHostCall(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "callId"), result)
	if errors.Is(err, bridge.ErrInvalidResult) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRejectHostCall(w http.ResponseWriter, r *http.Request) {
	var req rejectHostCallRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.bridge.RejectHostCall(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "callId"), req.Message)
	w.WriteHeader(http.StatusNoContent)
}
