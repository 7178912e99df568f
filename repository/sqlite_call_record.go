package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/akinalp/medcall/database"
	"github.com/akinalp/medcall/models"
	"github.com/akinalp/medcall/pkg"
)

const callRecordColumns = `id, appointment_id, caller_id, callee_id, status, end_reason, started_at, answered_at, ended_at`

type sqliteCallRecordRepo struct {
	db database.TxQuerier
}

// NewSQLiteCallRecordRepo returns the SQLite implementation.
func NewSQLiteCallRecordRepo(db database.TxQuerier) CallRecordRepository {
	return &sqliteCallRecordRepo{db: db}
}

func (r *sqliteCallRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	query := `INSERT INTO call_records (` + callRecordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.AppointmentID,
		rec.CallerID,
		rec.CalleeID,
		string(rec.Status),
		rec.EndReason,
		toMillis(rec.StartedAt),
		nullMillis(rec.AnsweredAt),
		nullMillis(rec.EndedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: call record %s", pkg.ErrAlreadyExists, rec.ID)
		}
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

// Update writes the mutable fields: status, end reason and timestamps.
func (r *sqliteCallRecordRepo) Update(ctx context.Context, rec *models.CallRecord) error {
	query := `
		UPDATE call_records
		SET status = ?, end_reason = ?, answered_at = ?, ended_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(rec.Status),
		rec.EndReason,
		nullMillis(rec.AnsweredAt),
		nullMillis(rec.EndedAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update call record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: call record %s", pkg.ErrNotFound, rec.ID)
	}
	return nil
}

func (r *sqliteCallRecordRepo) GetByID(ctx context.Context, id string) (*models.CallRecord, error) {
	query := `SELECT ` + callRecordColumns + ` FROM call_records WHERE id = ?`

	rec, err := scanCallRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: call record %s", pkg.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return rec, nil
}

func (r *sqliteCallRecordRepo) ListByAppointment(ctx context.Context, appointmentID string) ([]models.CallRecord, error) {
	query := `SELECT ` + callRecordColumns + `
		FROM call_records
		WHERE appointment_id = ?
		ORDER BY started_at ASC, rowid ASC`

	return r.list(ctx, query, appointmentID)
}

func (r *sqliteCallRecordRepo) ListOpen(ctx context.Context) ([]models.CallRecord, error) {
	query := `SELECT ` + callRecordColumns + `
		FROM call_records
		WHERE status IN ('ringing', 'answered')
		ORDER BY started_at ASC, rowid ASC`

	return r.list(ctx, query)
}

func (r *sqliteCallRecordRepo) CloseOpen(ctx context.Context, reason string, endedAt time.Time) (int64, error) {
	query := `
		UPDATE call_records
		SET status = 'ended', end_reason = ?, ended_at = ?
		WHERE status IN ('ringing', 'answered')`

	result, err := r.db.ExecContext(ctx, query, reason, toMillis(endedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to close open call records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return affected, nil
}

func (r *sqliteCallRecordRepo) list(ctx context.Context, query string, args ...any) ([]models.CallRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	defer rows.Close()

	records := []models.CallRecord{}
	for rows.Next() {
		rec, err := scanCallRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call record row: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call record rows: %w", err)
	}
	return records, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallRecord(row rowScanner) (*models.CallRecord, error) {
	var rec models.CallRecord
	var status string
	var startedAt int64
	var answeredAt, endedAt sql.NullInt64

	if err := row.Scan(
		&rec.ID, &rec.AppointmentID, &rec.CallerID, &rec.CalleeID,
		&status, &rec.EndReason, &startedAt, &answeredAt, &endedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = models.CallStatus(status)
	rec.StartedAt = fromMillis(startedAt)
	rec.AnsweredAt = fromNullMillis(answeredAt)
	rec.EndedAt = fromNullMillis(endedAt)
	return &rec, nil
}

// Timestamps are stored as unix milliseconds in UTC.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
