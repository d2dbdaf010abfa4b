// Package storage is the PostgreSQL-backed persistence gateway: connection
// pooling, schema migration, and one repository per aggregate (users,
// conversations, agents, skills, MCP server configs, face identities).
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// DB is the subset of *pgxpool.Pool / pgx.Tx used by repositories, so a
// caller-supplied transaction can substitute for the pool transparently.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Gateway owns the connection pool and exposes one repository per aggregate.
type Gateway struct {
	pool *pgxpool.Pool

	Users         *UserStore
	Conversations *ConversationStore
	Agents        *AgentStore
	Skills        *SkillStore
	MCPServers    *MCPServerStore
	Faces         *FaceStore
}

// Open establishes a connection pool to dsn, registers pgvector types on
// every new connection, pings the pool, runs the embedded migration, and
// wires up the per-aggregate repositories.
func Open(ctx context.Context, dsn string) (*Gateway, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	if cfg.MaxConns < 10 {
		cfg.MaxConns = 30
	}
	if cfg.MinConns < 5 {
		cfg.MinConns = 10
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	convStore := &ConversationStore{db: pool}
	convStore.bind(pool)

	return &Gateway{
		pool:          pool,
		Users:         &UserStore{db: pool},
		Conversations: convStore,
		Agents:        &AgentStore{db: pool},
		Skills:        &SkillStore{db: pool},
		MCPServers:    &MCPServerStore{db: pool},
		Faces:         &FaceStore{db: pool},
	}, nil
}

// Pool exposes the underlying pool for callers that need to start their own
// transaction (e.g. the streaming-message upsert in ConversationStore).
func (g *Gateway) Pool() *pgxpool.Pool { return g.pool }

// Close releases all pooled connections.
func (g *Gateway) Close() {
	g.pool.Close()
}
