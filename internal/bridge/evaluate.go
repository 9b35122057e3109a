package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/seantiz/jsbridge/internal/model"
	"github.com/seantiz/jsbridge/internal/script"
)

// Messages and sentinels visible to hosts.
const (
	MsgContextNotFound = "Context not found"
	MsgUnknownError    = "Unknown error"
	NullJSON           = "null"
)

// Source names reported in script stack traces.
const (
	sourceEval    = "<eval>"
	sourceResolve = "<resolve>"
)

// Result is the outcome of one evaluation: either the JSON encoding of the
// completion value or an exception message, never both.
type Result struct {
	// JSON is the encoded completion value. Empty when Failed.
	JSON string
	// Error is the exception message. Only meaningful when Failed.
	Error string
	// Failed is set when the evaluation produced an exception.
	Failed bool
	// NotFound is set when the identifier named no live context.
	NotFound bool
}

// String renders r as the text handed to hosts: the JSON value, or the
// {"error": message} envelope.
func (r Result) String() string {
	if r.Failed {
		return envelope(r.Error)
	}
	return r.JSON
}

func (r Result) outcome() string {
	switch {
	case r.NotFound:
		return model.OutcomeNotFound
	case r.Failed:
		return model.OutcomeException
	default:
		return model.OutcomeValue
	}
}

func errorResult(msg string) Result {
	return Result{Error: msg, Failed: true}
}

// Evaluate runs source as a top-level program in the context named by id.
func (r *Registry) Evaluate(ctx context.Context, id, source string) Result {
	started := time.Now()

	s := r.acquire(id)
	if s == nil {
		evaluationsTotal.WithLabelValues(model.OutcomeNotFound).Inc()
		res := errorResult(MsgContextNotFound)
		res.NotFound = true
		return res
	}
	defer s.mu.Unlock()

	res := r.evaluate(ctx, s, source)
	if res.Failed {
		res.Error = truncateMessage(res.Error, r.opts.MaxErrorBytes)
	}

	evaluationDuration.Observe(time.Since(started).Seconds())
	evaluationsTotal.WithLabelValues(res.outcome()).Inc()
	r.journalEvaluation(ctx, id, model.KindEval, source, res.outcome(), res.String(), started)
	return res
}

// evaluate runs source in s, which the caller holds. Every value the
// engine hands out is released exactly once before returning.
func (r *Registry) evaluate(ctx context.Context, s *slot, source string) Result {
	v, err := s.engine.Eval(ctx, source, sourceEval)
	if err != nil {
		return errorResult(r.exceptionMessage(s, err))
	}
	defer r.release(s, v)

	text, err := s.engine.EncodeJSON(v)
	if err != nil {
		r.logger.Debug("result not encodable", "context_id", s.id, "error", err)
		return Result{JSON: NullJSON}
	}
	return Result{JSON: text}
}

// exceptionMessage renders a failed evaluation. The thrown value, if any,
// is released here.
func (r *Registry) exceptionMessage(s *slot, err error) string {
	var se *script.ScriptError
	if !errors.As(err, &se) {
		r.logger.Warn("evaluation failed outside script", "context_id", s.id, "error", err)
		return err.Error()
	}
	if se.Value.IsZero() {
		if se.Message == "" {
			return MsgUnknownError
		}
		return se.Message
	}
	defer r.release(s, se.Value)

	msg, err := s.engine.DisplayString(se.Value)
	if err != nil {
		r.logger.Debug("exception not printable", "context_id", s.id, "error", err)
		return MsgUnknownError
	}
	return msg
}

func (r *Registry) release(s *slot, v script.Value) {
	if err := s.engine.Release(v); err != nil {
		r.logger.Error("release value failed", "context_id", s.id, "error", err)
	}
}

// envelope encodes the error envelope. HTML characters are left as is so
// messages read naturally.
func envelope(msg string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(struct {
		Error string `json:"error"`
	}{msg}); err != nil {
		return `{"error":"` + MsgUnknownError + `"}`
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

// truncateMessage shortens msg until its envelope fits in limit bytes. Cuts
// fall on rune boundaries, so the envelope stays valid JSON.
func truncateMessage(msg string, limit int) string {
	if limit <= 0 || len(envelope(msg)) <= limit {
		return msg
	}

	// The envelope is never shorter than the message.
	if len(msg) > limit {
		msg = strings.ToValidUTF8(msg[:limit], "")
	}
	for msg != "" && len(envelope(msg)) > limit {
		_, size := utf8.DecodeLastRuneInString(msg)
		msg = msg[:len(msg)-size]
	}
	return msg
}
