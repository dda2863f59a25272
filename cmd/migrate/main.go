// Command migrate creates the database schema. It is idempotent and safe
// to run on every deploy.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS stock_records (
		tenant_id    TEXT NOT NULL,
		product_id   TEXT NOT NULL,
		warehouse_id TEXT NOT NULL,
		available    BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0),
		reserved     BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
		committed    BIGINT NOT NULL DEFAULT 0 CHECK (committed >= 0),
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, product_id, warehouse_id)
	)`,

	`CREATE TABLE IF NOT EXISTS inventory_movements (
		id           UUID PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		product_id   TEXT NOT NULL,
		warehouse_id TEXT NOT NULL,
		delta        BIGINT NOT NULL,
		reason       TEXT NOT NULL,
		order_id     TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_inventory_movements_key
		ON inventory_movements (tenant_id, product_id, warehouse_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS reservations (
		tenant_id    TEXT NOT NULL,
		order_id     TEXT NOT NULL,
		product_id   TEXT NOT NULL,
		warehouse_id TEXT NOT NULL,
		quantity     BIGINT NOT NULL CHECK (quantity >= 0),
		state        TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, order_id, product_id, warehouse_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_reservations_key_state
		ON reservations (tenant_id, product_id, warehouse_id, state)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id          TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		lines       JSONB NOT NULL DEFAULT '[]',
		status      TEXT NOT NULL,
		version     BIGINT NOT NULL DEFAULT 1,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_orders_tenant_status
		ON orders (tenant_id, status)`,
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		getEnv("DATABASE_USER", "root"),
		getEnv("DATABASE_PASSWORD", "pass"),
		getEnv("DATABASE_HOST", "localhost"),
		getEnv("DATABASE_PORT", "5432"),
		getEnv("DATABASE_NAME", "inventory_db"),
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("database not reachable")
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			logger.Fatal().Err(err).Str("statement", stmt).Msg("migration failed")
		}
	}
	logger.Info().Int("statements", len(statements)).Msg("schema up to date")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
