package reservation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harihbk/saasmilk-mono-sub004/internal/ledger"
)

// Repository persists reservations. GetActive returns (nil, nil) when the
// order line holds no active reservation.
type Repository interface {
	GetActive(ctx context.Context, tenantID, orderID, productID, warehouseID string) (*Reservation, error)
	ListActiveByOrder(ctx context.Context, tenantID, orderID string) ([]*Reservation, error)
	Upsert(ctx context.Context, r *Reservation) error

	// SumActiveByKey recomputes the reserved total for one stock key from
	// the active reservations themselves; used by the reconciliation sweep.
	SumActiveByKey(ctx context.Context, key ledger.StockKey) (int64, error)
}

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a reservation repository backed by pgx.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) GetActive(ctx context.Context, tenantID, orderID, productID, warehouseID string) (*Reservation, error) {
	var res Reservation
	var state string
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, order_id, product_id, warehouse_id, quantity, state, created_at, updated_at
		FROM reservations
		WHERE tenant_id = $1 AND order_id = $2 AND product_id = $3 AND warehouse_id = $4
		  AND state = 'active'
	`, tenantID, orderID, productID, warehouseID).Scan(
		&res.TenantID, &res.OrderID, &res.ProductID, &res.WarehouseID,
		&res.Quantity, &state, &res.CreatedAt, &res.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting active reservation: %w", err)
	}
	res.State = State(state)
	return &res, nil
}

func (r *PostgresRepository) ListActiveByOrder(ctx context.Context, tenantID, orderID string) ([]*Reservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id, order_id, product_id, warehouse_id, quantity, state, created_at, updated_at
		FROM reservations
		WHERE tenant_id = $1 AND order_id = $2 AND state = 'active'
		ORDER BY product_id, warehouse_id
	`, tenantID, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing active reservations: %w", err)
	}
	defer rows.Close()

	var reservations []*Reservation
	for rows.Next() {
		var res Reservation
		var state string
		if err := rows.Scan(
			&res.TenantID, &res.OrderID, &res.ProductID, &res.WarehouseID,
			&res.Quantity, &state, &res.CreatedAt, &res.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning reservation: %w", err)
		}
		res.State = State(state)
		reservations = append(reservations, &res)
	}
	return reservations, rows.Err()
}

func (r *PostgresRepository) Upsert(ctx context.Context, res *Reservation) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO reservations (tenant_id, order_id, product_id, warehouse_id, quantity, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, order_id, product_id, warehouse_id)
		DO UPDATE SET quantity = EXCLUDED.quantity,
		              state = EXCLUDED.state,
		              updated_at = EXCLUDED.updated_at
	`, res.TenantID, res.OrderID, res.ProductID, res.WarehouseID,
		res.Quantity, string(res.State), res.CreatedAt, res.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting reservation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SumActiveByKey(ctx context.Context, key ledger.StockKey) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM reservations
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3 AND state = 'active'
	`, key.TenantID, key.ProductID, key.WarehouseID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("summing active reservations: %w", err)
	}
	return sum, nil
}
