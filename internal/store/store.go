package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/jsbridge/internal/model"
)

// ErrInvalidTransition is returned when a context status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Stats holds aggregate journal statistics.
type Stats struct {
	TotalContexts    int            `json:"total_contexts"`
	CountByStatus    map[string]int `json:"count_by_status"`
	TotalEvaluations int            `json:"total_evaluations"`
	CountByOutcome   map[string]int `json:"count_by_outcome"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the context journal.
type Store interface {
	CreateContext(ctx context.Context, rec *model.ContextRecord) error
	GetContext(ctx context.Context, session, contextID string) (*model.ContextRecord, error)
	ListContexts(ctx context.Context, limit, offset int) ([]*model.ContextRecord, int, error)
	MarkContextDisposed(ctx context.Context, session, contextID string, at time.Time) error
	InsertEvaluation(ctx context.Context, ev *model.Evaluation) error
	ListEvaluations(ctx context.Context, session, contextID string) ([]model.Evaluation, error)
	InsertConsoleLine(ctx context.Context, line *model.ConsoleLine) error
	GetConsoleLines(ctx context.Context, session, contextID string) ([]model.ConsoleLine, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
