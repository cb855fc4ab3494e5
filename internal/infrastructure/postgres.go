package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
}

func NewPostgresClient(connString string) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Pool configuration
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	client := &PostgresClient{Pool: pool}

	// Auto-migrate schema
	if err := client.Migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return client, nil
}

func (p *PostgresClient) Migrate() error {
	ctx := context.Background()

	// Reviewer accounts
	_, err := p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			username VARCHAR(50) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			role VARCHAR(20) DEFAULT 'reviewer',
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("create users table: %w", err)
	}

	// Tenants: one row per store, credentials plus the auto-reply toggle.
	// Never hard-deleted.
	_, err = p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			tenant_id VARCHAR(64) PRIMARY KEY,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			platform VARCHAR(20) NOT NULL DEFAULT 'line',
			channel_secret TEXT NOT NULL,
			channel_access_token TEXT NOT NULL,
			auto_reply_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("create tenants table: %w", err)
	}

	// Tasks: append-only ledger of inbound messages and their outcomes.
	_, err = p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			task_id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			customer_id VARCHAR(128) NOT NULL,
			inbound_text TEXT NOT NULL,
			ack_token TEXT NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			ai_response TEXT,
			data_access_trace TEXT,
			human_response TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			responded_at TIMESTAMPTZ
		);
	`)
	if err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}

	p.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_tasks_tenant_status ON tasks (tenant_id, status);")
	p.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks (tenant_id, customer_id, created_at);")

	return nil
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
