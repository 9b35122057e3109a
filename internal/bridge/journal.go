package bridge

import (
	"context"
	"time"

	"github.com/seantiz/jsbridge/internal/model"
)

// Journal records context lifecycles, evaluations and console output.
// store.SQLiteStore satisfies it. Journal failures are logged and never
// change the result of a bridge operation.
type Journal interface {
	CreateContext(ctx context.Context, rec *model.ContextRecord) error
	MarkContextDisposed(ctx context.Context, session, contextID string, at time.Time) error
	InsertEvaluation(ctx context.Context, ev *model.Evaluation) error
	InsertConsoleLine(ctx context.Context, line *model.ConsoleLine) error
}

func (r *Registry) journalCreate(id string, createdAt time.Time) {
	if r.journal == nil {
		return
	}
	rec := &model.ContextRecord{
		ID:        model.NewID(),
		ContextID: id,
		Session:   r.session,
		Engine:    r.opts.Engine,
		Status:    model.StatusLive,
		CreatedAt: createdAt.UTC(),
	}
	if err := r.journal.CreateContext(context.Background(), rec); err != nil {
		r.logger.Error("journal context create failed", "context_id", id, "error", err)
	}
}

func (r *Registry) journalDispose(id string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.MarkContextDisposed(context.Background(), r.session, id, time.Now()); err != nil {
		r.logger.Error("journal context dispose failed", "context_id", id, "error", err)
	}
}

func (r *Registry) journalEvaluation(ctx context.Context, id, kind, source, outcome, result string, started time.Time) {
	if r.journal == nil {
		return
	}
	ev := &model.Evaluation{
		ID:         model.NewID(),
		ContextID:  id,
		Session:    r.session,
		Kind:       kind,
		Source:     source,
		Outcome:    outcome,
		Result:     result,
		DurationMS: int(time.Since(started).Milliseconds()),
		CreatedAt:  started.UTC(),
	}
	if err := r.journal.InsertEvaluation(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Error("journal evaluation failed", "context_id", id, "error", err)
	}
}

func (r *Registry) journalConsole(id string, ev ConsoleEvent) {
	if r.journal == nil {
		return
	}
	line := &model.ConsoleLine{
		ContextID: id,
		Session:   r.session,
		Seq:       ev.Seq,
		Level:     ev.Level,
		Line:      ev.Line,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.journal.InsertConsoleLine(context.Background(), line); err != nil {
		r.logger.Error("journal console line failed", "context_id", id, "error", err)
	}
}
