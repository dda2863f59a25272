package reservation

import (
	"errors"
	"fmt"
	"time"

	"github.com/harihbk/saasmilk-mono-sub004/internal/ledger"
)

// State is the lifecycle state of a reservation. Active reservations are
// the only ones counted into a stock record's reserved sum; committed and
// released reservations are terminal.
type State string

const (
	StateActive    State = "active"
	StateCommitted State = "committed"
	StateReleased  State = "released"
)

// Reservation is a claim against available stock held by one order line.
// Identity is (tenant, order, product, warehouse): at most one row per
// order line. The row is revived by upsert if a later edit re-reserves a
// key the order had previously released; the movement log keeps history.
type Reservation struct {
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	OrderID     string    `json:"order_id" db:"order_id"`
	ProductID   string    `json:"product_id" db:"product_id"`
	WarehouseID string    `json:"warehouse_id" db:"warehouse_id"`
	Quantity    int64     `json:"quantity" db:"quantity"`
	State       State     `json:"state" db:"state"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// NewReservation creates an active reservation for an order line.
func NewReservation(tenantID, orderID, productID, warehouseID string, quantity int64) *Reservation {
	now := time.Now().UTC()
	return &Reservation{
		TenantID:    tenantID,
		OrderID:     orderID,
		ProductID:   productID,
		WarehouseID: warehouseID,
		Quantity:    quantity,
		State:       StateActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// StockKey returns the ledger key the reservation claims against.
func (r *Reservation) StockKey() ledger.StockKey {
	return ledger.StockKey{
		TenantID:    r.TenantID,
		ProductID:   r.ProductID,
		WarehouseID: r.WarehouseID,
	}
}

// NoActiveReservationError signals a status transition against an order
// line that holds no active reservation. This is surfaced as a conflict and
// never treated as "nothing to do": it usually means the caller got its
// status sequencing wrong.
type NoActiveReservationError struct {
	TenantID    string
	OrderID     string
	ProductID   string
	WarehouseID string
}

func (e *NoActiveReservationError) Error() string {
	return fmt.Sprintf("no active reservation for order %s on %s/%s (tenant %s)",
		e.OrderID, e.ProductID, e.WarehouseID, e.TenantID)
}

// IsNoActiveReservation reports whether err is a missing-reservation conflict.
func IsNoActiveReservation(err error) bool {
	var target *NoActiveReservationError
	return errors.As(err, &target)
}
