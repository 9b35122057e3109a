package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/jsbridge/internal/bridge"
)

func (s *Server) handleStreamConsole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !s.bridge.IsLive(id) {
		s.writeError(w, http.StatusNotFound, bridge.MsgContextNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A dispose racing the check above leaves a closed topic, so the loop
	// ends straight away with a done event.
	ch, unsub := s.bridge.Broker().Subscribe(id)
	defer unsub()

	consoleStreamsOpen.Inc()
	defer consoleStreamsOpen.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "context disposed")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode console event", "context_id", id, "error", err)
				continue
			}
			if err := writeSSEData(w, string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// consoleHistoryLine is a single console line in the history response.
type consoleHistoryLine struct {
	Seq       int    `json:"seq"`
	Level     string `json:"level"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// consoleHistoryResponse is the JSON response for
// GET /v1/contexts/{id}/console/history.
type consoleHistoryResponse struct {
	ContextID string               `json:"context_id"`
	Lines     []consoleHistoryLine `json:"lines"`
}

func (s *Server) handleConsoleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	id := chi.URLParam(r, "id")

	consoleLines, err := s.store.GetConsoleLines(r.Context(), s.bridge.Session(), id)
	if err != nil {
		s.logger.Error("get console lines", "context_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get console lines")
		return
	}

	lines := make([]consoleHistoryLine, len(consoleLines))
	for i, l := range consoleLines {
		lines[i] = consoleHistoryLine{
			Seq:       l.Seq,
			Level:     l.Level,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, consoleHistoryResponse{
		ContextID: id,
		Lines:     lines,
	})
}

// writeSSEData writes a payload as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, payload string) error {
	for seg := range strings.SplitSeq(payload, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
