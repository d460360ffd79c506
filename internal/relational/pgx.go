package relational

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxStore implements Store against PostgreSQL via pgxpool, the
// connection-pool pattern the teacher's internal/storage/storage.go
// establishes (NewPostgres / pgxpool.NewWithConfig / Ping-on-connect).
type PgxStore struct {
	pool *pgxpool.Pool
}

// NewPgxStore wraps an already-connected pool. Pool construction
// itself is kept in internal/storage (teacher's NewPostgres), so this
// package stays focused on the Store capability contract.
func NewPgxStore(pool *pgxpool.Pool) *PgxStore {
	return &PgxStore{pool: pool}
}

func (s *PgxStore) Insert(ctx context.Context, table string, row Row) error {
	cols := sortedKeys(row)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinCols(cols), joinCols(placeholders))
	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

func (s *PgxStore) UpdateByID(ctx context.Context, table, idColumn, id string, updates Row) error {
	cols := sortedKeys(updates)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
		args = append(args, updates[c])
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d", table, joinCols(sets), idColumn, len(args))
	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

func (s *PgxStore) DeleteByID(ctx context.Context, table, idColumn, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table, idColumn)
	_, err := s.pool.Exec(ctx, query, id)
	return err
}

func (s *PgxStore) FindByID(ctx context.Context, table, idColumn, id string) (Row, bool, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", table, idColumn)
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	return firstRow(rows)
}

func (s *PgxStore) FindByIndex(ctx context.Context, table, column string, value any) ([]Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", table, column)
	rows, err := s.pool.Query(ctx, query, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return allRows(rows)
}

func (s *PgxStore) ScanByTimeRange(ctx context.Context, table, timeColumn string, before time.Time) ([]Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s <= $1", table, timeColumn)
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return allRows(rows)
}

func firstRow(rows pgx.Rows) (Row, bool, error) {
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row, err := scanRow(rows)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func allRows(rows pgx.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRow(rows pgx.Rows) (Row, error) {
	fields := rows.FieldDescriptions()
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	row := make(Row, len(fields))
	for i, f := range fields {
		row[string(f.Name)] = values[i]
	}
	return row, nil
}

func sortedKeys(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
