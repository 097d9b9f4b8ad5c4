package salesrecord

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DefaultTable       = "sales_records"
	DefaultIDColumn    = "id"
	DefaultPhoneColumn = "customer_phone"
)

// PostgresResolver reads the current phone number of each sales record.
// The phone number is read on every dispatch, so edits made after a failed
// send are picked up by the next one.
type PostgresResolver struct {
	pool  *pgxpool.Pool
	query string
}

func NewPostgresResolver(pool *pgxpool.Pool, table, idColumn, phoneColumn string) (*PostgresResolver, error) {
	if pool == nil {
		return nil, errors.New("sales record resolver requires a non-nil pool")
	}
	return &PostgresResolver{pool: pool, query: buildQuery(table, idColumn, phoneColumn)}, nil
}

func buildQuery(table, idColumn, phoneColumn string) string {
	if table == "" {
		table = DefaultTable
	}
	if idColumn == "" {
		idColumn = DefaultIDColumn
	}
	if phoneColumn == "" {
		phoneColumn = DefaultPhoneColumn
	}
	id := pgx.Identifier{idColumn}.Sanitize()
	return fmt.Sprintf(`SELECT %s::text, %s FROM %s WHERE %s::text = ANY($1)`,
		id, pgx.Identifier{phoneColumn}.Sanitize(), pgx.Identifier{table}.Sanitize(), id)
}

// Resolve returns raw phone numbers keyed by id. Ids without a row are
// left out; a NULL phone number resolves to "".
func (r *PostgresResolver) Resolve(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, r.query, ids)
	if err != nil {
		return nil, fmt.Errorf("query sales records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    string
			phone *string
		)
		if err := rows.Scan(&id, &phone); err != nil {
			return nil, fmt.Errorf("scan sales record: %w", err)
		}
		if phone != nil {
			out[id] = *phone
		} else {
			out[id] = ""
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sales records: %w", err)
	}
	return out, nil
}

// StaticResolver serves a fixed id to phone mapping.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if phone, ok := s[id]; ok {
			out[id] = phone
		}
	}
	return out, nil
}
