package bridge

import (
	"context"
	"time"

	"github.com/seantiz/jsbridge/internal/model"
)

// Drain runs due jobs in the context named by id until none remain or one
// fails, and returns how many ran successfully. Timers that are not yet
// due stay queued; NextJob reports when the earliest one is. Unknown
// identifiers drain nothing.
//
// A script that keeps scheduling due work keeps Drain running; only ctx
// can stop it early.
func (r *Registry) Drain(ctx context.Context, id string) int {
	s := r.acquire(id)
	if s == nil {
		return 0
	}
	defer s.mu.Unlock()

	return r.drain(ctx, s)
}

func (r *Registry) drain(ctx context.Context, s *slot) int {
	n := 0
	for {
		ran, err := s.engine.RunPendingJob(ctx)
		if err != nil {
			r.logger.Debug("pending job failed", "context_id", s.id, "jobs", n, "error", err)
			break
		}
		if !ran {
			break
		}
		n++
	}
	jobsRunTotal.Add(float64(n))
	return n
}

// NextJob reports how long until the earliest pending job in the context
// named by id is due, or false when nothing is pending.
func (r *Registry) NextJob(id string) (time.Duration, bool) {
	s := r.acquire(id)
	if s == nil {
		return 0, false
	}
	defer s.mu.Unlock()

	due, ok := s.engine.NextJob()
	if !ok {
		return 0, false
	}
	return max(time.Until(due), 0), true
}

// Resolve evaluates settlement code, typically a call to a captured
// resolve or reject function, and then drains the context so that
// continuations run before it returns. The completion value and any
// exception are discarded. Unknown identifiers are ignored.
func (r *Registry) Resolve(ctx context.Context, id, code string) {
	s := r.acquire(id)
	if s == nil {
		return
	}
	defer s.mu.Unlock()

	r.resolve(ctx, s, code)
}

func (r *Registry) resolve(ctx context.Context, s *slot, code string) {
	started := time.Now()
	outcome := model.OutcomeValue
	var result string

	v, err := s.engine.Eval(ctx, code, sourceResolve)
	if err != nil {
		outcome = model.OutcomeException
		result = envelope(truncateMessage(r.exceptionMessage(s, err), r.opts.MaxErrorBytes))
		r.logger.Debug("settlement code threw", "context_id", s.id, "error", result)
	} else {
		r.release(s, v)
	}

	jobs := r.drain(ctx, s)
	r.journalEvaluation(ctx, s.id, model.KindResolve, code, outcome, result, started)
	r.logger.Debug("settlement drained", "context_id", s.id, "jobs", jobs)
}
