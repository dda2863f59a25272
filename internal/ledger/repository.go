package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger owns the per-key stock counters and the append-only movement log.
// Apply must be linearizable per stock key: two concurrent movements on the
// same key must never interleave in a way that drives available negative.
// Movements on different keys may proceed fully in parallel.
type Ledger interface {
	// Apply atomically applies one movement and appends its log entry.
	// The returned level is the state immediately after the movement.
	Apply(ctx context.Context, mv Movement) (StockLevel, error)

	// Level returns a read-only snapshot. Untouched keys report zeros.
	Level(ctx context.Context, key StockKey) (StockLevel, error)

	// Movements returns the newest log entries for a key, for reporting.
	Movements(ctx context.Context, key StockKey, limit int) ([]MovementLogEntry, error)

	// Keys enumerates every stock key a tenant has ever touched.
	Keys(ctx context.Context, tenantID string) ([]StockKey, error)
}

// PostgresLedger implements Ledger on PostgreSQL. Per-key atomicity comes
// from single guarded UPDATE statements: the floor check lives in the WHERE
// clause, so a read-check-write race cannot slip a negative balance through.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a ledger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) Apply(ctx context.Context, mv Movement) (StockLevel, error) {
	if err := mv.Validate(); err != nil {
		return StockLevel{}, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return StockLevel{}, fmt.Errorf("%w: begin: %v", ErrLedgerUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var level StockLevel
	switch mv.Reason {
	case ReasonReserve:
		level, err = l.reserve(ctx, tx, mv)
	case ReasonRelease:
		level, err = l.release(ctx, tx, mv)
	case ReasonCommit:
		level, err = l.commit(ctx, tx, mv)
	case ReasonAdjust:
		level, err = l.adjust(ctx, tx, mv)
	}
	if err != nil {
		return StockLevel{}, err
	}

	if err := l.appendMovement(ctx, tx, mv); err != nil {
		return StockLevel{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return StockLevel{}, fmt.Errorf("%w: commit %s movement: %v", ErrLedgerUnavailable, mv.Reason, err)
	}
	return level, nil
}

func (l *PostgresLedger) reserve(ctx context.Context, tx pgx.Tx, mv Movement) (StockLevel, error) {
	var level StockLevel
	err := tx.QueryRow(ctx, `
		UPDATE stock_records
		SET available = available - $4,
		    reserved = reserved + $4,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
		  AND available >= $4
		RETURNING available, reserved, committed
	`, mv.Key.TenantID, mv.Key.ProductID, mv.Key.WarehouseID, mv.Quantity).
		Scan(&level.Available, &level.Reserved, &level.Committed)

	if errors.Is(err, pgx.ErrNoRows) {
		current, lvlErr := l.levelTx(ctx, tx, mv.Key)
		if lvlErr != nil {
			return StockLevel{}, lvlErr
		}
		return StockLevel{}, &InsufficientStockError{
			Key:       mv.Key,
			Requested: mv.Quantity,
			Available: current.Available,
		}
	}
	if err != nil {
		return StockLevel{}, fmt.Errorf("%w: reserve: %v", ErrLedgerUnavailable, err)
	}
	return level, nil
}

func (l *PostgresLedger) release(ctx context.Context, tx pgx.Tx, mv Movement) (StockLevel, error) {
	var level StockLevel
	err := tx.QueryRow(ctx, `
		UPDATE stock_records
		SET available = available + $4,
		    reserved = GREATEST(reserved - $4, 0),
		    updated_at = NOW()
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
		RETURNING available, reserved, committed
	`, mv.Key.TenantID, mv.Key.ProductID, mv.Key.WarehouseID, mv.Quantity).
		Scan(&level.Available, &level.Reserved, &level.Committed)

	if errors.Is(err, pgx.ErrNoRows) {
		return StockLevel{}, fmt.Errorf("release: no stock record for %s", mv.Key)
	}
	if err != nil {
		return StockLevel{}, fmt.Errorf("%w: release: %v", ErrLedgerUnavailable, err)
	}
	return level, nil
}

func (l *PostgresLedger) commit(ctx context.Context, tx pgx.Tx, mv Movement) (StockLevel, error) {
	var level StockLevel
	err := tx.QueryRow(ctx, `
		UPDATE stock_records
		SET reserved = reserved - $4,
		    committed = committed + $4,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
		  AND reserved >= $4
		RETURNING available, reserved, committed
	`, mv.Key.TenantID, mv.Key.ProductID, mv.Key.WarehouseID, mv.Quantity).
		Scan(&level.Available, &level.Reserved, &level.Committed)

	if errors.Is(err, pgx.ErrNoRows) {
		return StockLevel{}, fmt.Errorf("commit: reserved counter below %d for %s", mv.Quantity, mv.Key)
	}
	if err != nil {
		return StockLevel{}, fmt.Errorf("%w: commit: %v", ErrLedgerUnavailable, err)
	}
	return level, nil
}

func (l *PostgresLedger) adjust(ctx context.Context, tx pgx.Tx, mv Movement) (StockLevel, error) {
	var level StockLevel
	err := tx.QueryRow(ctx, `
		UPDATE stock_records
		SET available = available + $4,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
		  AND available + $4 >= 0
		RETURNING available, reserved, committed
	`, mv.Key.TenantID, mv.Key.ProductID, mv.Key.WarehouseID, mv.Quantity).
		Scan(&level.Available, &level.Reserved, &level.Committed)

	if err == nil {
		return level, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return StockLevel{}, fmt.Errorf("%w: adjust: %v", ErrLedgerUnavailable, err)
	}

	// No matching row: either the record does not exist yet, or the guard
	// rejected a negative result.
	if mv.Quantity < 0 {
		current, lvlErr := l.levelTx(ctx, tx, mv.Key)
		if lvlErr != nil {
			return StockLevel{}, lvlErr
		}
		return StockLevel{}, &InsufficientStockError{
			Key:       mv.Key,
			Requested: -mv.Quantity,
			Available: current.Available,
		}
	}

	// First movement for this key: create the record lazily. The ON
	// CONFLICT arm covers a concurrent first movement on the same key.
	err = tx.QueryRow(ctx, `
		INSERT INTO stock_records (tenant_id, product_id, warehouse_id, available, reserved, committed)
		VALUES ($1, $2, $3, $4, 0, 0)
		ON CONFLICT (tenant_id, product_id, warehouse_id)
		DO UPDATE SET available = stock_records.available + EXCLUDED.available,
		              updated_at = NOW()
		RETURNING available, reserved, committed
	`, mv.Key.TenantID, mv.Key.ProductID, mv.Key.WarehouseID, mv.Quantity).
		Scan(&level.Available, &level.Reserved, &level.Committed)
	if err != nil {
		return StockLevel{}, fmt.Errorf("%w: adjust insert: %v", ErrLedgerUnavailable, err)
	}
	return level, nil
}

func (l *PostgresLedger) appendMovement(ctx context.Context, tx pgx.Tx, mv Movement) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO inventory_movements (id, tenant_id, product_id, warehouse_id, delta, reason, order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New().String(), mv.Key.TenantID, mv.Key.ProductID, mv.Key.WarehouseID,
		movementLogDelta(mv), string(mv.Reason), mv.OrderID)
	if err != nil {
		return fmt.Errorf("%w: append movement: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

// movementLogDelta is the signed quantity recorded in the log. For commit
// entries the delta applies to the reserved pool (available is untouched);
// for everything else it is the change to available.
func movementLogDelta(mv Movement) int64 {
	if mv.Reason == ReasonCommit {
		return -mv.Quantity
	}
	return mv.Delta()
}

func (l *PostgresLedger) Level(ctx context.Context, key StockKey) (StockLevel, error) {
	if err := key.Validate(); err != nil {
		return StockLevel{}, err
	}

	var level StockLevel
	err := l.pool.QueryRow(ctx, `
		SELECT available, reserved, committed
		FROM stock_records
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
	`, key.TenantID, key.ProductID, key.WarehouseID).
		Scan(&level.Available, &level.Reserved, &level.Committed)

	if errors.Is(err, pgx.ErrNoRows) {
		// Never-touched records simply read as zero.
		return StockLevel{}, nil
	}
	if err != nil {
		return StockLevel{}, fmt.Errorf("%w: level: %v", ErrLedgerUnavailable, err)
	}
	return level, nil
}

func (l *PostgresLedger) levelTx(ctx context.Context, tx pgx.Tx, key StockKey) (StockLevel, error) {
	var level StockLevel
	err := tx.QueryRow(ctx, `
		SELECT available, reserved, committed
		FROM stock_records
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
	`, key.TenantID, key.ProductID, key.WarehouseID).
		Scan(&level.Available, &level.Reserved, &level.Committed)

	if errors.Is(err, pgx.ErrNoRows) {
		return StockLevel{}, nil
	}
	if err != nil {
		return StockLevel{}, fmt.Errorf("%w: level: %v", ErrLedgerUnavailable, err)
	}
	return level, nil
}

func (l *PostgresLedger) Movements(ctx context.Context, key StockKey, limit int) ([]MovementLogEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.pool.Query(ctx, `
		SELECT id, delta, reason, order_id, created_at
		FROM inventory_movements
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, key.TenantID, key.ProductID, key.WarehouseID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: movements: %v", ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var entries []MovementLogEntry
	for rows.Next() {
		entry := MovementLogEntry{Key: key}
		var reason string
		if err := rows.Scan(&entry.ID, &entry.Delta, &reason, &entry.OrderID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning movement: %w", err)
		}
		entry.Reason = Reason(reason)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (l *PostgresLedger) Keys(ctx context.Context, tenantID string) ([]StockKey, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT product_id, warehouse_id
		FROM stock_records
		WHERE tenant_id = $1
		ORDER BY product_id, warehouse_id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: keys: %v", ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var keys []StockKey
	for rows.Next() {
		key := StockKey{TenantID: tenantID}
		if err := rows.Scan(&key.ProductID, &key.WarehouseID); err != nil {
			return nil, fmt.Errorf("scanning stock key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
