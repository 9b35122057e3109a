package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/jsbridge/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS contexts (
    id          TEXT PRIMARY KEY,
    context_id  TEXT NOT NULL,
    session     TEXT NOT NULL,
    engine      TEXT NOT NULL,
    status      TEXT NOT NULL,
    created_at  DATETIME NOT NULL,
    disposed_at DATETIME,
    UNIQUE (session, context_id)
)`,
	`CREATE TABLE IF NOT EXISTS evaluations (
    id          TEXT PRIMARY KEY,
    context_id  TEXT NOT NULL,
    session     TEXT NOT NULL,
    kind        TEXT NOT NULL,
    source      TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    result      TEXT,
    duration_ms INTEGER NOT NULL,
    created_at  DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_evaluations_context ON evaluations (session, context_id)`,
	`CREATE TABLE IF NOT EXISTS console_lines (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    context_id  TEXT NOT NULL,
    session     TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    level       TEXT NOT NULL,
    line        TEXT NOT NULL,
    created_at  DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_console_lines_context ON console_lines (session, context_id, seq)`,
}

// ErrNotFound is returned when a context record is not found.
var ErrNotFound = errors.New("context not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const contextColumns = `id, context_id, session, engine, status, created_at, disposed_at`

func scanContext(row interface{ Scan(...any) error }) (*model.ContextRecord, error) {
	rec := &model.ContextRecord{}
	err := row.Scan(
		&rec.ID, &rec.ContextID, &rec.Session, &rec.Engine, &rec.Status,
		&rec.CreatedAt, &rec.DisposedAt,
	)
	return rec, err
}

// CreateContext inserts a new context record.
func (s *SQLiteStore) CreateContext(ctx context.Context, rec *model.ContextRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contexts (`+contextColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ContextID, rec.Session, rec.Engine, rec.Status,
		rec.CreatedAt, rec.DisposedAt,
	)
	if err != nil {
		return fmt.Errorf("insert context: %w", err)
	}
	return nil
}

// GetContext retrieves a context record by session and bridge identifier.
func (s *SQLiteStore) GetContext(ctx context.Context, session, contextID string) (*model.ContextRecord, error) {
	rec, err := scanContext(s.db.QueryRowContext(ctx,
		`SELECT `+contextColumns+` FROM contexts WHERE session = ? AND context_id = ?`,
		session, contextID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	return rec, nil
}

// ListContexts returns a paginated list of context records ordered by
// created_at DESC, along with the total count.
func (s *SQLiteStore) ListContexts(ctx context.Context, limit, offset int) ([]*model.ContextRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM contexts").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count contexts: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+contextColumns+` FROM contexts ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	var records []*model.ContextRecord
	for rows.Next() {
		rec, err := scanContext(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan context: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate contexts: %w", err)
	}

	return records, total, nil
}

// MarkContextDisposed moves a live context record to disposed.
func (s *SQLiteStore) MarkContextDisposed(ctx context.Context, session, contextID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM contexts WHERE session = ? AND context_id = ?",
		session, contextID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get context status: %w", err)
	}

	if !model.ValidTransition(current, model.StatusDisposed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, model.StatusDisposed)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE contexts SET status = ?, disposed_at = ? WHERE session = ? AND context_id = ?",
		model.StatusDisposed, at.UTC(), session, contextID,
	); err != nil {
		return fmt.Errorf("update context status: %w", err)
	}

	return tx.Commit()
}

// InsertEvaluation records one evaluate or resolve call.
func (s *SQLiteStore) InsertEvaluation(ctx context.Context, ev *model.Evaluation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluations (
			id, context_id, session, kind, source, outcome, result, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ContextID, ev.Session, ev.Kind, ev.Source, ev.Outcome,
		ev.Result, ev.DurationMS, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// ListEvaluations returns the evaluations of one context in the order
// they were recorded.
func (s *SQLiteStore) ListEvaluations(ctx context.Context, session, contextID string) ([]model.Evaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, context_id, session, kind, source, outcome, result, duration_ms, created_at
		FROM evaluations WHERE session = ? AND context_id = ? ORDER BY id ASC`,
		session, contextID,
	)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var evals []model.Evaluation
	for rows.Next() {
		var ev model.Evaluation
		var result sql.NullString
		if err := rows.Scan(
			&ev.ID, &ev.ContextID, &ev.Session, &ev.Kind, &ev.Source, &ev.Outcome,
			&result, &ev.DurationMS, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		ev.Result = result.String
		evals = append(evals, ev)
	}
	return evals, rows.Err()
}

// InsertConsoleLine persists a single console line.
func (s *SQLiteStore) InsertConsoleLine(ctx context.Context, line *model.ConsoleLine) error {
	createdAt := line.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO console_lines (context_id, session, seq, level, line, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		line.ContextID, line.Session, line.Seq, line.Level, line.Line, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert console line: %w", err)
	}
	return nil
}

// GetConsoleLines returns all console lines for a context ordered by seq.
func (s *SQLiteStore) GetConsoleLines(ctx context.Context, session, contextID string) ([]model.ConsoleLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, context_id, session, seq, level, line, created_at
		FROM console_lines WHERE session = ? AND context_id = ? ORDER BY seq ASC`,
		session, contextID,
	)
	if err != nil {
		return nil, fmt.Errorf("get console lines: %w", err)
	}
	defer rows.Close()

	var lines []model.ConsoleLine
	for rows.Next() {
		var l model.ConsoleLine
		if err := rows.Scan(&l.ID, &l.ContextID, &l.Session, &l.Seq, &l.Level, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan console line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// GetStats returns aggregate journal statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &Stats{
		CountByStatus:  make(map[string]int),
		CountByOutcome: make(map[string]int),
	}

	if err := countGrouped(ctx, tx, "SELECT status, COUNT(*) FROM contexts GROUP BY status", stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("count contexts by status: %w", err)
	}
	for _, n := range stats.CountByStatus {
		stats.TotalContexts += n
	}

	if err := countGrouped(ctx, tx, "SELECT outcome, COUNT(*) FROM evaluations GROUP BY outcome", stats.CountByOutcome); err != nil {
		return nil, fmt.Errorf("count evaluations by outcome: %w", err)
	}
	for _, n := range stats.CountByOutcome {
		stats.TotalEvaluations += n
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx, "SELECT AVG(duration_ms) FROM evaluations").Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

func countGrouped(ctx context.Context, tx *sql.Tx, query string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
