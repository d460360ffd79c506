// Package relational defines the relational store-of-record
// capability spec §6 names (insert, update_by_id, delete_by_id,
// find_by_id, find_by_index, scan_by_time_range) and provides a pgx
// implementation generalized from the teacher's
// internal/storage/storage.go pool wiring, plus an in-memory
// implementation for tests.
//
// The teacher's sqlc-generated db.Queries (typed, one method per SQL
// statement) is not part of the retrieved pack, so this package
// exposes the narrower, spec-named capability surface directly
// instead of regenerating teacher-specific query code: every
// component (C3's durable session table, C5's user/role storage)
// talks to a small number of tables through Row maps the same way the
// teacher's own code moves pgtype-wrapped structs in and out of sqlc
// params.
package relational

import (
	"context"
	"time"
)

// Row is a single relational record, column name to value. Repository
// types built on top of Store (see internal/session, internal/auth)
// marshal/unmarshal their typed structs to/from Row at the boundary,
// the way the teacher's code converts between db.User and pgtype
// wrappers.
type Row map[string]any

// Store is the relational store-of-record capability surface.
type Store interface {
	Insert(ctx context.Context, table string, row Row) error
	UpdateByID(ctx context.Context, table, idColumn, id string, updates Row) error
	DeleteByID(ctx context.Context, table, idColumn, id string) error
	FindByID(ctx context.Context, table, idColumn, id string) (Row, bool, error)
	FindByIndex(ctx context.Context, table, column string, value any) ([]Row, error)
	ScanByTimeRange(ctx context.Context, table, timeColumn string, before time.Time) ([]Row, error)
}
