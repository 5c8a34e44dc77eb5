// Package storage defines the three narrow store contracts the
// knowledge-graph services consume, plus their production adapters:
// a property graph (Neo4j), a relational store (Postgres), and a
// key/value store (Redis, sessions only). No domain logic lives here;
// adapters own connections, timeouts, and health reporting.
package storage

import (
	"context"
	"database/sql"
	"time"
)

// Row is one result row, keyed by the column or return alias.
type Row map[string]any

// Lifecycle is shared by all three adapters.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error
	IsInitialized() bool
	HealthCheck(ctx context.Context) error
}

// ── Graph store ──────────────────────────────────────────────

// GraphQuerier runs one parameterized Cypher statement. Both the store
// itself and an open transaction satisfy it, so service code can be
// written once and run in either scope.
type GraphQuerier interface {
	Query(ctx context.Context, statement string, params map[string]any) ([]Row, error)
}

// VectorHit is one nearest-neighbour result.
type VectorHit struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// VectorScroll pages through a collection without similarity ranking.
type VectorScroll struct {
	Points []VectorHit
	Total  int
}

// VectorIndex is the embedding side of the graph store: cosine indexes
// per collection at the configured dimension.
type VectorIndex interface {
	UpsertVector(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error
	SearchVector(ctx context.Context, collection string, vector []float32, limit int, filter map[string]any) ([]VectorHit, error)
	DeleteVector(ctx context.Context, collection, id string) error
	ScrollVectors(ctx context.Context, collection string, limit, offset int) (*VectorScroll, error)
}

// GraphStore is the property-graph contract. Transaction runs fn
// inside one managed write transaction; any error rolls it back.
type GraphStore interface {
	GraphQuerier
	VectorIndex
	Lifecycle

	Transaction(ctx context.Context, fn func(tx GraphQuerier) error) error
	SetupGraph(ctx context.Context) error
	SetupVectorIndexes(ctx context.Context) error
}

// ── Relational store ─────────────────────────────────────────

// Statement is one SQL statement for BulkQuery.
type Statement struct {
	SQL  string
	Args []any
}

// TxOptions tunes one relational transaction. Zero values mean the
// store defaults.
type TxOptions struct {
	Timeout   time.Duration
	Isolation sql.IsolationLevel
}

// RelationalQuerier is satisfied by the store and by an open
// transaction.
type RelationalQuerier interface {
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
}

// RelationalStore backs the session checkpoint job table and auxiliary
// telemetry tables.
type RelationalStore interface {
	RelationalQuerier
	Lifecycle

	Transaction(ctx context.Context, opts *TxOptions, fn func(tx RelationalQuerier) error) error
	BulkQuery(ctx context.Context, stmts []Statement) error
	SetupSchema(ctx context.Context) error
}

// ── KV store ─────────────────────────────────────────────────

// KVMessage is one pub/sub delivery.
type KVMessage struct {
	Channel string
	Payload string
}

// Subscription streams pub/sub messages until closed.
type Subscription interface {
	Messages() <-chan KVMessage
	Close() error
}

// KVStore is the session manager's store: hashes for session state, a
// sorted set per event log, counters for seq, and pub/sub channels.
type KVStore interface {
	Lifecycle

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	Keys(ctx context.Context, pattern string) ([]string, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}
