package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of an order. Terminal orders reject any
// item-changing mutation: their reservations have already been committed or
// released.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"

	// StatusInconsistent quarantines an order whose rollback failed. Such
	// orders are excluded from further automated mutation until manually
	// reconciled.
	StatusInconsistent Status = "inconsistent"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusShipped, StatusDelivered,
		StatusCancelled, StatusInconsistent:
		return true
	}
	return false
}

// Terminal reports whether the order's reservations are settled.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusShipped, StatusDelivered, StatusCancelled, StatusInconsistent:
		return true
	}
	return false
}

// Fulfilled reports whether s is a terminal status reached by consuming the
// reserved stock.
func (s Status) Fulfilled() bool {
	switch s {
	case StatusCompleted, StatusShipped, StatusDelivered:
		return true
	}
	return false
}

// Line is one order line: a quantity of a product drawn from a warehouse.
// A warehouse change is a different line key, never an in-place edit.
type Line struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int64  `json:"quantity"`
}

// Validate rejects malformed lines before any ledger work.
func (l Line) Validate() error {
	if l.ProductID == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidLine)
	}
	if l.WarehouseID == "" {
		return fmt.Errorf("%w: warehouse id is required", ErrInvalidLine)
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("%w: quantity for %s/%s must be positive, got %d",
			ErrInvalidLine, l.ProductID, l.WarehouseID, l.Quantity)
	}
	return nil
}

// Order is the engine's view of an order: the line snapshot the
// reservations were made against, plus status and an optimistic version.
// The version serializes mutations of one order relative to each other.
type Order struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	CustomerID string    `json:"customer_id" db:"customer_id"`
	Lines      []Line    `json:"lines"`
	Status     Status    `json:"status" db:"status"`
	Version    int64     `json:"version" db:"version"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// NewOrder creates a pending order with a fresh identifier.
func NewOrder(tenantID, customerID string, lines []Line) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		CustomerID: customerID,
		Lines:      lines,
		Status:     StatusPending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MutationKind is the explicit request variant. The caller declares what it
// wants; the engine never infers it from payload shape.
type MutationKind string

const (
	MutationStatusOnly MutationKind = "status_only"
	MutationItemUpdate MutationKind = "item_update"
	MutationCancel     MutationKind = "cancel"
)

// Mutation is one declared order mutation. Status is read for StatusOnly,
// Lines for ItemUpdate; Cancel needs neither.
type Mutation struct {
	Kind   MutationKind
	Status Status
	Lines  []Line
}

// Sentinel errors for order lookup and optimistic serialization.
var (
	ErrInvalidLine     = errors.New("invalid order line")
	ErrNotFound        = errors.New("order not found")
	ErrVersionConflict = errors.New("order modified concurrently")
)

// OrderLockedError rejects mutations against a terminal order.
type OrderLockedError struct {
	OrderID string
	Status  Status
}

func (e *OrderLockedError) Error() string {
	return fmt.Sprintf("order %s is locked in terminal status %s", e.OrderID, e.Status)
}

// IsOrderLocked reports whether err is a terminal-order rejection.
func IsOrderLocked(err error) bool {
	var target *OrderLockedError
	return errors.As(err, &target)
}

// InconsistentError quarantines an order whose rollback failed partway: the
// ledger and the order snapshot can no longer be reconciled automatically.
type InconsistentError struct {
	OrderID string
	Cause   error
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("order %s flagged inconsistent, manual reconciliation required: %v", e.OrderID, e.Cause)
}

func (e *InconsistentError) Unwrap() error { return e.Cause }

// IsInconsistent reports whether err quarantined an order.
func IsInconsistent(err error) bool {
	var target *InconsistentError
	return errors.As(err, &target)
}
