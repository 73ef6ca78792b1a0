// Package stats persists one row of call statistics per telephony session.
//
// The writer is deliberately forgiving: a failed insert or update is logged
// and counted, never propagated. Losing a statistics row must not take a live
// call down with it.
package stats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taliaworks/pipecat-bridge/internal/observe"
)

// Schema is the SQL DDL for the call_stats table. Execute it via
// [Writer.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_stats (
    call_id        TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL DEFAULT 'N/A',
    stream_sid     TEXT NOT NULL DEFAULT 'N/A',
    caller_phone   TEXT NOT NULL DEFAULT 'N/A',
    business_status TEXT NOT NULL DEFAULT 'N/A',
    region         TEXT NOT NULL DEFAULT 'Piemonte',
    escalated      BOOLEAN NOT NULL DEFAULT FALSE,
    frames_in      BIGINT NOT NULL DEFAULT 0,
    frames_out     BIGINT NOT NULL DEFAULT 0,
    started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_call_stats_started ON call_stats(started_at);
`

// DB is the database interface used by [Writer]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CallRecord carries the initial attributes of a call, captured from the
// telephony start event. Empty text fields are stored as "N/A".
type CallRecord struct {
	CallID         string
	SessionID      string
	StreamSID      string
	CallerPhone    string
	BusinessStatus string
}

// Writer persists call statistics to PostgreSQL.
type Writer struct {
	db      DB
	metrics *observe.Metrics
}

// NewWriter creates a Writer using the given database connection or pool.
// The caller is responsible for calling [Writer.Migrate] to ensure the schema
// exists before issuing queries. A nil metrics falls back to the process-wide
// default instruments.
func NewWriter(db DB, metrics *observe.Metrics) *Writer {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Writer{db: db, metrics: metrics}
}

// Migrate executes the [Schema] DDL against the database, creating the
// call_stats table and index if they do not already exist.
func (w *Writer) Migrate(ctx context.Context) error {
	if _, err := w.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("stats: migrate: %w", err)
	}
	return nil
}

// RecordStart inserts the initial statistics row for a call. Re-processing
// the same call ID is a no-op (ON CONFLICT DO NOTHING). Failures are logged
// and counted; RecordStart never returns an error to its caller.
func (w *Writer) RecordStart(ctx context.Context, rec CallRecord) {
	const query = `
		INSERT INTO call_stats (call_id, session_id, stream_sid, caller_phone, business_status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id) DO NOTHING`

	_, err := w.db.Exec(ctx, query,
		orNA(rec.CallID), orNA(rec.SessionID), orNA(rec.StreamSID),
		orNA(rec.CallerPhone), orNA(rec.BusinessStatus),
	)
	w.observe(ctx, "record_start", rec.CallID, err)
}

// MarkEscalated flags a call as handed over to a human operator. Updating an
// absent row is a no-op. Failures are non-fatal.
func (w *Writer) MarkEscalated(ctx context.Context, callID string) {
	const query = `UPDATE call_stats SET escalated = TRUE WHERE call_id = $1`

	_, err := w.db.Exec(ctx, query, callID)
	w.observe(ctx, "mark_escalated", callID, err)
}

// FinishCall stamps the call's end time and final frame counts. Updating an
// absent row is a no-op. Failures are non-fatal.
func (w *Writer) FinishCall(ctx context.Context, callID string, framesIn, framesOut int64) {
	const query = `
		UPDATE call_stats
		SET ended_at = now(), frames_in = $2, frames_out = $3
		WHERE call_id = $1`

	_, err := w.db.Exec(ctx, query, callID, framesIn, framesOut)
	w.observe(ctx, "finish_call", callID, err)
}

// observe records the outcome of a write. Errors are logged at warning level
// and counted, then swallowed.
func (w *Writer) observe(ctx context.Context, op, callID string, err error) {
	w.metrics.RecordStatsWrite(ctx, op, err == nil)
	if err != nil {
		observe.Logger(ctx).Warn("call stats write failed",
			slog.String("op", op),
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
}

// orNA substitutes the "N/A" placeholder for empty text fields.
func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
