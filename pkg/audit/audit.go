// Package audit persists one record per remote function call: who called
// what, with which outcome, and how long it took. Parameters are stored for
// troubleshooting but pass through redaction first when enabled.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one audited remote call.
type Record struct {
	RequestID string
	Subject   string
	Kind      string
	Function  string
	ParamsRaw json.RawMessage
	Outcome   string
	ErrorCode string
	LatencyMS int64
	CreatedAt time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec.ParamsRaw = redactParams(rec.ParamsRaw, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO fsapi_call_audit
		(request_id, subject, kind, function_name, params_raw, outcome, error_code, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.RequestID, rec.Subject, rec.Kind, rec.Function, rec.ParamsRaw, rec.Outcome, rec.ErrorCode, rec.LatencyMS, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, requestID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT request_id, subject, kind, function_name, params_raw, outcome, error_code, latency_ms, created_at
		FROM fsapi_call_audit WHERE request_id=$1
	`, requestID)
	var params json.RawMessage
	if err := row.Scan(&rec.RequestID, &rec.Subject, &rec.Kind, &rec.Function, &params, &rec.Outcome, &rec.ErrorCode, &rec.LatencyMS, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.ParamsRaw = params
	return rec, nil
}
