package sendlog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const recordColumns = `id, target_id, raw_phone_number, normalized_phone_number, message_body, status,
idempotency_reference, provider_message_id, error_detail, sent_at, created_at`

const lockTarget = `SELECT pg_advisory_xact_lock(hashtext($1))`

const selectBlocking = `
SELECT status, created_at
FROM sms_send_log
WHERE target_id = $1 AND status IN ('SENT', 'SENDING')
ORDER BY created_at DESC
`

const insertRecord = `
INSERT INTO sms_send_log (
id,
target_id,
raw_phone_number,
normalized_phone_number,
message_body,
status,
idempotency_reference,
error_detail,
created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING ` + recordColumns

const completeRecord = `
UPDATE sms_send_log
SET status = $2,
    provider_message_id = $3,
    error_detail = $4,
    sent_at = $5
WHERE id = $1 AND status = 'SENDING'
RETURNING ` + recordColumns

const selectByID = `SELECT status FROM sms_send_log WHERE id = $1`

const selectByTarget = `
SELECT ` + recordColumns + `
FROM sms_send_log
WHERE target_id = $1
ORDER BY created_at DESC
LIMIT $2
`

const selectByStatus = `
SELECT ` + recordColumns + `
FROM sms_send_log
WHERE status = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

const uniqueViolation = "23505"

var ErrNotConfigured = errors.New("postgres send log requires a non-nil pool")

// PostgresStore keeps the send log in the sms_send_log table. Begin takes
// a per-target advisory lock so the status check and insert are atomic,
// and a partial unique index backs the one-SENT-per-target rule.
type PostgresStore struct {
	pool        *pgxpool.Pool
	inFlightTTL time.Duration
}

func NewPostgresStore(pool *pgxpool.Pool, inFlightTTL time.Duration) (*PostgresStore, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	if inFlightTTL <= 0 {
		inFlightTTL = DefaultInFlightTTL
	}
	return &PostgresStore{pool: pool, inFlightTTL: inFlightTTL}, nil
}

// EnsureSchema creates the table and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure send log schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context, rec Record) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, lockTarget, rec.TargetID); err != nil {
		return Record{}, fmt.Errorf("lock target: %w", err)
	}

	rows, err := tx.Query(ctx, selectBlocking, rec.TargetID)
	if err != nil {
		return Record{}, fmt.Errorf("check target status: %w", err)
	}
	now := time.Now().UTC()
	var blockErr error
	for rows.Next() {
		var (
			status    string
			createdAt time.Time
		)
		if err := rows.Scan(&status, &createdAt); err != nil {
			rows.Close()
			return Record{}, fmt.Errorf("scan target status: %w", err)
		}
		switch {
		case Status(status) == StatusSent:
			blockErr = ErrAlreadySent
		case blockErr == nil && now.Sub(createdAt) < s.inFlightTTL:
			blockErr = ErrInFlight
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("check target status: %w", err)
	}
	if blockErr != nil {
		return Record{}, blockErr
	}

	rec.Status = StatusSending
	saved, err := insert(ctx, tx, rec, now)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("commit tx: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) Skip(ctx context.Context, rec Record) (Record, error) {
	rec.Status = StatusSkipped
	return insert(ctx, s.pool, rec, time.Now().UTC())
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insert(ctx context.Context, q queryRower, rec Record, now time.Time) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	row := q.QueryRow(ctx, insertRecord,
		rec.ID,
		rec.TargetID,
		rec.RawPhoneNumber,
		rec.NormalizedPhoneNumber,
		rec.MessageBody,
		string(rec.Status),
		strPtr(rec.IdempotencyReference),
		rec.ErrorDetail,
		rec.CreatedAt,
	)
	saved, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("insert send record: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, out Outcome) (Record, error) {
	if err := validateOutcome(out); err != nil {
		return Record{}, err
	}
	at := out.At
	if at.IsZero() {
		at = time.Now()
	}

	var sentAt *time.Time
	var providerID, detail *string
	if out.Status == StatusSent {
		t := at.UTC()
		sentAt = &t
		providerID = strPtr(out.ProviderMessageID)
	} else {
		detail = strPtr(out.ErrorDetail)
	}

	row := s.pool.QueryRow(ctx, completeRecord, id, string(out.Status), providerID, detail, sentAt)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return Record{}, ErrAlreadySent
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("complete send record: %w", err)
	}

	var status string
	if err := s.pool.QueryRow(ctx, selectByID, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("fetch send record: %w", err)
	}
	return Record{}, fmt.Errorf("%w: record %s is %s", ErrInvalidTransition, id, status)
}

func (s *PostgresStore) Latest(ctx context.Context, targetID string) (Record, bool, error) {
	recs, err := s.ListByTarget(ctx, targetID, 1)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[0], true, nil
}

func (s *PostgresStore) ListByTarget(ctx context.Context, targetID string, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, selectByTarget, targetID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list send records by target: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]Record, error) {
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, selectByStatus, string(status), clampLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list send records by status: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec       Record
		status    string
		reference *string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.TargetID,
		&rec.RawPhoneNumber,
		&rec.NormalizedPhoneNumber,
		&rec.MessageBody,
		&status,
		&reference,
		&rec.ProviderMessageID,
		&rec.ErrorDetail,
		&rec.SentAt,
		&rec.CreatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if reference != nil {
		rec.IdempotencyReference = *reference
	}
	return rec, nil
}
