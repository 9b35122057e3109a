package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/jsbridge/internal/bridge"
	"github.com/seantiz/jsbridge/internal/model"
	"github.com/seantiz/jsbridge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// codeRequest is the JSON body for eval and resolve.
type codeRequest struct {
	Code string `json:"code"`
}

type createContextResponse struct {
	ID string `json:"id"`
}

// contextResponse is a journal record annotated with whether the context
// is still live in this process.
type contextResponse struct {
	*model.ContextRecord
	Live bool `json:"live"`
}

type listContextsResponse struct {
	Contexts []*model.ContextRecord `json:"contexts"`
	Total    int                    `json:"total"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

type drainResponse struct {
	Jobs int `json:"jobs"`
	// NextJobMS is set when timers remain queued after the drain.
	NextJobMS *int64 `json:"next_job_ms,omitempty"`
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	id, err := s.bridge.Create(r.Context())
	if errors.Is(err, bridge.ErrClosed) {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		// Engine failures are logged by the registry; hosts only see the
		// capacity sentinel.
		s.writeError(w, http.StatusServiceUnavailable, bridge.ErrCapacityExceeded.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, createContextResponse{ID: id})
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var (
		records []*model.ContextRecord
		total   int
	)
	if s.store != nil {
		var err error
		records, total, err = s.store.ListContexts(r.Context(), limit, offset)
		if err != nil {
			s.logger.Error("list contexts", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list contexts")
			return
		}
	} else {
		live := s.liveRecords()
		total = len(live)
		if offset < total {
			records = live[offset:min(offset+limit, total)]
		}
	}

	if records == nil {
		records = []*model.ContextRecord{}
	}

	s.writeJSON(w, http.StatusOK, listContextsResponse{
		Contexts: records,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	live := s.bridge.IsLive(id)

	if s.store != nil {
		rec, err := s.store.GetContext(r.Context(), s.bridge.Session(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, bridge.MsgContextNotFound)
			return
		}
		if err != nil {
			s.logger.Error("get context", "context_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get context")
			return
		}
		s.writeJSON(w, http.StatusOK, contextResponse{ContextRecord: rec, Live: live})
		return
	}

	for _, rec := range s.liveRecords() {
		if rec.ContextID == id {
			s.writeJSON(w, http.StatusOK, contextResponse{ContextRecord: rec, Live: true})
			return
		}
	}
	s.writeError(w, http.StatusNotFound, bridge.MsgContextNotFound)
}

// liveRecords renders the registry's live contexts as records for when no
// journal is configured.
func (s *Server) liveRecords() []*model.ContextRecord {
	infos := s.bridge.Live()
	records := make([]*model.ContextRecord, len(infos))
	for i, info := range infos {
		records[i] = &model.ContextRecord{
			ContextID: info.ID,
			Session:   s.bridge.Session(),
			Engine:    s.bridge.Engine(),
			Status:    model.StatusLive,
			CreatedAt: info.CreatedAt.UTC(),
		}
	}
	return records
}

func (s *Server) handleDisposeContext(w http.ResponseWriter, r *http.Request) {
	s.bridge.Dispose(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCode(w, r)
	if !ok {
		return
	}

	res := s.bridge.Evaluate(r.Context(), chi.URLParam(r, "id"), req.Code)

	status := http.StatusOK
	switch {
	case res.NotFound:
		status = http.StatusNotFound
	case res.Failed:
		status = http.StatusUnprocessableEntity
	}
	s.writeRaw(w, status, res.String())
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp := drainResponse{Jobs: s.bridge.Drain(r.Context(), id)}
	if wait, ok := s.bridge.NextJob(id); ok {
		ms := wait.Milliseconds()
		resp.NextJobMS = &ms
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCode(w, r)
	if !ok {
		return
	}

	s.bridge.Resolve(r.Context(), chi.URLParam(r, "id"), req.Code)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	id := chi.URLParam(r, "id")

	evals, err := s.store.ListEvaluations(r.Context(), s.bridge.Session(), id)
	if err != nil {
		s.logger.Error("list evaluations", "context_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list evaluations")
		return
	}
	if evals == nil {
		evals = []model.Evaluation{}
	}

	s.writeJSON(w, http.StatusOK, evals)
}

// decodeCode reads a {"code": ...} body, writing a 400 on failure.
func (s *Server) decodeCode(w http.ResponseWriter, r *http.Request) (codeRequest, bool) {
	var req codeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	return req, true
}

// requireJournal writes a 503 when the server runs without a store.
func (s *Server) requireJournal(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeRaw writes text that is already JSON.
func (s *Server) writeRaw(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(text)); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
