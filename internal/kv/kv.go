// Package kv defines the distributed keyspace capability spec §6
// names (get, set_with_ttl, del, incr, expire, pipeline,
// scan_by_pattern, ping) and provides a Redis-backed implementation
// grounded on yegamble-goimg-datalayer's Redis persistence layer
// (client.go, session_store.go, token_blacklist.go — Set-with-TTL,
// Exists, SCAN-based key enumeration, SAdd/SRem index sets) plus an
// in-memory implementation for tests.
package kv

import (
	"context"
	"time"
)

// Store is the distributed keyspace every component (C1, C2, C3, C4)
// talks to. It is intentionally narrow — just the operations spec §6
// lists — so a Redis Cluster, a single Redis node, or an in-memory
// fake can all satisfy it.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ScanByPattern(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error

	// Set-membership helpers used by the user->token / user->session
	// reverse indexes (spec §6 persisted layouts).
	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Pipeline batches a set of writes into one round trip, returning
	// per-op errors without rolling back partial success (spec §4.1's
	// "pipelined operation" / §4.2's "single pipelined write").
	Pipeline(ctx context.Context, ops []Op) []error
}

// OpKind discriminates the kinds of writes Pipeline can batch.
type OpKind int

const (
	OpSetWithTTL OpKind = iota
	OpSAdd
	OpDel
)

// Op is one write in a Pipeline batch.
type Op struct {
	Kind   OpKind
	Key    string
	Value  string
	TTL    time.Duration
	Member string // used by OpSAdd
}
