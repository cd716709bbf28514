// ABOUTME: SQLite usage ledger recording one row per completed turn
// ABOUTME: Backs /cost and /status lifetime totals; failures never propagate to turns

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Statuses recorded for a turn.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// TurnRecord is one completed (or failed) turn.
type TurnRecord struct {
	ConversationID string
	Backend        string
	Model          string
	SessionID      string
	StartedAt      time.Time
	Duration       time.Duration
	DeltaChars     int
	CostUSD        float64
	Status         string
	Error          string
}

// Totals aggregates ledger rows.
type Totals struct {
	Turns      int64
	DeltaChars int64
	CostUSD    float64
	Errors     int64
}

// Ledger stores turn summaries in usage.db inside the state directory.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the ledger database, building the schema when
// missing. Parent directories are created as needed.
func Open(dir string, logger *slog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	path := filepath.Join(dir, "usage.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: logger.With("component", "ledger"),
	}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	l.logger.Info("usage ledger opened", "path", path)
	return l, nil
}

func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			backend TEXT NOT NULL,
			model TEXT,
			session_id TEXT,
			started_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			delta_chars INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			status TEXT NOT NULL,
			error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_turns_conversation
			ON turns(conversation_id);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// RecordTurn inserts one row. Callers treat failures as log-only.
func (l *Ledger) RecordTurn(ctx context.Context, rec TurnRecord) error {
	query := `
		INSERT INTO turns (
			conversation_id, backend, model, session_id,
			started_at, duration_ms, delta_chars, cost_usd, status, error
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(ctx, query,
		rec.ConversationID,
		rec.Backend,
		rec.Model,
		rec.SessionID,
		rec.StartedAt.UTC().Format(time.RFC3339),
		rec.Duration.Milliseconds(),
		rec.DeltaChars,
		rec.CostUSD,
		rec.Status,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting turn record: %w", err)
	}

	l.logger.Debug("recorded turn",
		"conversation", rec.ConversationID,
		"backend", rec.Backend,
		"status", rec.Status,
		"duration_ms", rec.Duration.Milliseconds(),
		"cost_usd", rec.CostUSD,
	)
	return nil
}

// Totals aggregates every recorded turn.
func (l *Ledger) Totals(ctx context.Context) (Totals, error) {
	return l.totals(ctx, "", nil)
}

// ConversationTotals aggregates the turns of one conversation.
func (l *Ledger) ConversationTotals(ctx context.Context, convID string) (Totals, error) {
	return l.totals(ctx, " WHERE conversation_id = ?", []any{convID})
}

func (l *Ledger) totals(ctx context.Context, where string, args []any) (Totals, error) {
	query := `
		SELECT
			COUNT(*) as turns,
			COALESCE(SUM(delta_chars), 0) as delta_chars,
			COALESCE(SUM(cost_usd), 0) as cost_usd,
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0) as errors
		FROM turns` + where

	var t Totals
	err := l.db.QueryRowContext(ctx, query, args...).Scan(
		&t.Turns,
		&t.DeltaChars,
		&t.CostUSD,
		&t.Errors,
	)
	if err != nil {
		return Totals{}, fmt.Errorf("querying turn totals: %w", err)
	}
	return t, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("closing ledger database: %w", err)
	}
	return nil
}
