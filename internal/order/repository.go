package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists order snapshots. UpdateSnapshot enforces the
// optimistic version check that serializes mutations of one order.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, tenantID, orderID string) (*Order, error)

	// UpdateSnapshot persists lines and status if the stored version still
	// matches o.Version, then bumps o.Version. Returns ErrVersionConflict
	// when another mutation got there first.
	UpdateSnapshot(ctx context.Context, o *Order) error

	// UpdateStatus sets the status unconditionally. Used to quarantine an
	// order as inconsistent even when its version has moved.
	UpdateStatus(ctx context.Context, tenantID, orderID string, status Status) error
}

// PostgresRepository implements Repository on PostgreSQL. Line snapshots
// are stored as a jsonb column: the engine only ever reads and writes them
// whole.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates an order repository backed by pgx.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Create(ctx context.Context, o *Order) error {
	lines, err := json.Marshal(o.Lines)
	if err != nil {
		return fmt.Errorf("encoding order lines: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO orders (id, tenant_id, customer_id, lines, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ID, o.TenantID, o.CustomerID, lines, string(o.Status), o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating order: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, tenantID, orderID string) (*Order, error) {
	var o Order
	var lines []byte
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, customer_id, lines, status, version, created_at, updated_at
		FROM orders
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, orderID).Scan(
		&o.ID, &o.TenantID, &o.CustomerID, &lines, &status,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	if err := json.Unmarshal(lines, &o.Lines); err != nil {
		return nil, fmt.Errorf("decoding order lines: %w", err)
	}
	o.Status = Status(status)
	return &o, nil
}

func (r *PostgresRepository) UpdateSnapshot(ctx context.Context, o *Order) error {
	lines, err := json.Marshal(o.Lines)
	if err != nil {
		return fmt.Errorf("encoding order lines: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET lines = $4, status = $5, version = version + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND version = $3
	`, o.TenantID, o.ID, o.Version, lines, string(o.Status))
	if err != nil {
		return fmt.Errorf("updating order snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE tenant_id = $1 AND id = $2)`,
			o.TenantID, o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("checking order existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	o.Version++
	return nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, tenantID, orderID string, status Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET status = $3, version = version + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, orderID, string(status))
	if err != nil {
		return fmt.Errorf("updating order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
