package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// NOTE: PostgresStore assumes the call_records table from
// migrations/0001_call_records.sql, in particular:
// - id uuid DEFAULT gen_random_uuid()
// - UNIQUE (provider_call_id)

const callColumns = `id, caller_id, lead_id, provider_call_id, from_number, to_number,
       start_time, end_time, duration_seconds, status, call_type, disposition,
       notes, recording_url, callback_datetime, updated_at`

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements Store over database/sql with the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, rec CallRecord) (string, error) {
	const q = `
INSERT INTO call_records (
  caller_id, lead_id, provider_call_id, from_number, to_number,
  start_time, status, call_type, disposition, notes, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
RETURNING id
`
	var id string
	err := s.db.QueryRowContext(ctx, q,
		rec.CallerID,
		nullString(rec.LeadID),
		nullString(rec.ProviderCallID),
		rec.From,
		rec.To,
		rec.StartTime,
		rec.Status,
		rec.CallType,
		rec.Disposition,
		rec.Notes,
		rec.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return "", wrapWriteErr(err)
	}
	return id, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, p Patch) error {
	if !validID(id) {
		return ErrNotFound
	}
	sets := make([]string, 0, 10)
	args := make([]any, 0, 12)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.ProviderCallID != nil {
		add("provider_call_id", *p.ProviderCallID)
	}
	if p.EndTime != nil {
		add("end_time", *p.EndTime)
	}
	if p.DurationSeconds != nil {
		add("duration_seconds", *p.DurationSeconds)
	}
	if p.Disposition != nil {
		add("disposition", *p.Disposition)
	}
	if p.Notes != nil {
		add("notes", *p.Notes)
	}
	if p.RecordingURL != nil {
		add("recording_url", *p.RecordingURL)
	}
	if p.CallbackDatetime != nil {
		add("callback_datetime", *p.CallbackDatetime)
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	add("updated_at", updatedAt)

	args = append(args, id)
	where := fmt.Sprintf("id = $%d", len(args))
	if p.ExpectStatus != "" {
		args = append(args, p.ExpectStatus)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	q := "UPDATE call_records SET " + strings.Join(sets, ", ") + " WHERE " + where
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return wrapWriteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if p.ExpectStatus == "" {
		return ErrNotFound
	}
	// Distinguish a missing row from a lost status race.
	if _, err := s.FindByID(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

// validID reports whether id can name a row. Anything else would fail the
// uuid cast in Postgres, which is a lookup miss rather than a storage error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (CallRecord, error) {
	if !validID(id) {
		return CallRecord{}, ErrNotFound
	}
	q := `SELECT ` + callColumns + ` FROM call_records WHERE id = $1`
	return scanRecord(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) FindByProviderCallID(ctx context.Context, providerCallID string) (CallRecord, error) {
	q := `SELECT ` + callColumns + ` FROM call_records WHERE provider_call_id = $1`
	return scanRecord(s.db.QueryRowContext(ctx, q, providerCallID))
}

func (s *PostgresStore) ListStuck(ctx context.Context, statuses []Status, before time.Time, limit int) ([]CallRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := make([]any, 0, len(statuses)+2)
	ph := make([]string, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, st)
		ph = append(ph, fmt.Sprintf("$%d", len(args)))
	}
	args = append(args, before, limit)
	q := `SELECT ` + callColumns + ` FROM call_records WHERE status IN (` + strings.Join(ph, ",") + `)` +
		fmt.Sprintf(" AND start_time < $%d ORDER BY start_time LIMIT $%d", len(args)-1, len(args))
	return s.query(ctx, q, args...)
}

func (s *PostgresStore) ListCalls(ctx context.Context, f ListFilter) ([]CallRecord, error) {
	conds := make([]string, 0, 4)
	args := make([]any, 0, 5)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.CallerID != "" {
		add("caller_id = $%d", f.CallerID)
	}
	if f.LeadID != "" {
		add("lead_id = $%d", f.LeadID)
	}
	if !f.From.IsZero() {
		add("start_time >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("start_time < $%d", f.To)
	}
	q := `SELECT ` + callColumns + ` FROM call_records`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY start_time"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.query(ctx, q, args...)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CallRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (CallRecord, error) {
	var (
		r          CallRecord
		leadID     sql.NullString
		providerID sql.NullString
		endTime    sql.NullTime
		recording  sql.NullString
		callback   sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.CallerID,
		&leadID,
		&providerID,
		&r.From,
		&r.To,
		&r.StartTime,
		&endTime,
		&r.DurationSeconds,
		&r.Status,
		&r.CallType,
		&r.Disposition,
		&r.Notes,
		&recording,
		&callback,
		&r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	r.LeadID = leadID.String
	r.ProviderCallID = providerID.String
	r.RecordingURL = recording.String
	if endTime.Valid {
		t := endTime.Time
		r.EndTime = &t
	}
	if callback.Valid {
		t := callback.Time
		r.CallbackDatetime = &t
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func wrapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("calls: duplicate %s: %w", pgErr.ConstraintName, err)
	}
	return err
}
