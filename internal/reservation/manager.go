package reservation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/harihbk/saasmilk-mono-sub004/internal/ledger"
)

// Manager exposes the atomic reservation operations on top of the ledger.
// The ledger is the sole writer of available/reserved; the manager is the
// sole writer of reservation state.
type Manager struct {
	ledger       ledger.Ledger
	reservations Repository
	logger       zerolog.Logger
	tracer       trace.Tracer

	reserved     metric.Int64Counter
	released     metric.Int64Counter
	committed    metric.Int64Counter
	insufficient metric.Int64Counter
}

// NewManager creates a reservation manager.
func NewManager(l ledger.Ledger, repo Repository, logger zerolog.Logger) *Manager {
	meter := otel.Meter("inventory.reservation")
	reserved, _ := meter.Int64Counter("inventory.reservations.reserved")
	released, _ := meter.Int64Counter("inventory.reservations.released")
	committed, _ := meter.Int64Counter("inventory.reservations.committed")
	insufficient, _ := meter.Int64Counter("inventory.reservations.insufficient_stock")

	return &Manager{
		ledger:       l,
		reservations: repo,
		logger:       logger.With().Str("component", "reservation-manager").Logger(),
		tracer:       otel.Tracer("inventory.reservation"),
		reserved:     reserved,
		released:     released,
		committed:    committed,
		insufficient: insufficient,
	}
}

// Reserve claims quantity units of stock for one order line. A reserve on
// a line that already holds an active reservation merges into it. On
// insufficient stock nothing is created or mutated and the ledger error is
// returned unchanged.
func (m *Manager) Reserve(ctx context.Context, tenantID, orderID, productID, warehouseID string, quantity int64) (*Reservation, error) {
	ctx, span := m.tracer.Start(ctx, "reservation.reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("order_id", orderID),
		attribute.String("product_id", productID),
	)

	if quantity <= 0 {
		return nil, fmt.Errorf("reserve: quantity must be positive, got %d", quantity)
	}

	key := ledger.StockKey{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID}
	_, err := m.ledger.Apply(ctx, ledger.Movement{
		Key:      key,
		OrderID:  orderID,
		Quantity: quantity,
		Reason:   ledger.ReasonReserve,
	})
	if err != nil {
		if ledger.IsInsufficientStock(err) {
			m.insufficient.Add(ctx, 1)
			m.logger.Warn().
				Str("tenant_id", tenantID).
				Str("order_id", orderID).
				Str("product_id", productID).
				Str("warehouse_id", warehouseID).
				Int64("requested", quantity).
				Msg("reserve rejected: insufficient stock")
		}
		return nil, err
	}

	res, err := m.reservations.GetActive(ctx, tenantID, orderID, productID, warehouseID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = NewReservation(tenantID, orderID, productID, warehouseID, quantity)
	} else {
		res.Quantity += quantity
	}
	if err := m.reservations.Upsert(ctx, res); err != nil {
		// The ledger already moved; the sweep will flag the resulting
		// drift between reserved and the reservation rows.
		m.logger.Error().Err(err).
			Str("order_id", orderID).
			Msg("reservation row not persisted after ledger reserve")
		return nil, fmt.Errorf("persisting reservation: %w", err)
	}

	m.reserved.Add(ctx, quantity)
	m.logger.Debug().
		Str("tenant_id", tenantID).
		Str("order_id", orderID).
		Str("product_id", productID).
		Int64("quantity", res.Quantity).
		Msg("stock reserved")
	return res, nil
}

// Release returns the full quantity of an order line's active reservation
// to the available pool. Releasing a line with no active reservation is a
// no-op, so the call is idempotent.
func (m *Manager) Release(ctx context.Context, tenantID, orderID, productID, warehouseID string) error {
	ctx, span := m.tracer.Start(ctx, "reservation.release")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("order_id", orderID),
		attribute.String("product_id", productID),
	)

	res, err := m.reservations.GetActive(ctx, tenantID, orderID, productID, warehouseID)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	return m.releaseQuantity(ctx, res, res.Quantity)
}

// ReleaseQuantity returns part of an active reservation to the available
// pool. It exists for the orchestrator's rollback: undoing a merged reserve
// must subtract only that reserve's own quantity, never the pre-existing
// claim. Releasing the full remaining quantity transitions the reservation
// to released.
func (m *Manager) ReleaseQuantity(ctx context.Context, tenantID, orderID, productID, warehouseID string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("release: quantity must be positive, got %d", quantity)
	}

	res, err := m.reservations.GetActive(ctx, tenantID, orderID, productID, warehouseID)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	if quantity > res.Quantity {
		quantity = res.Quantity
	}
	return m.releaseQuantity(ctx, res, quantity)
}

func (m *Manager) releaseQuantity(ctx context.Context, res *Reservation, quantity int64) error {
	// The quantity being returned was atomically subtracted from available
	// when it was reserved, so this adjust cannot violate the floor.
	_, err := m.ledger.Apply(ctx, ledger.Movement{
		Key:      res.StockKey(),
		OrderID:  res.OrderID,
		Quantity: quantity,
		Reason:   ledger.ReasonRelease,
	})
	if err != nil {
		return fmt.Errorf("releasing %d units for order %s: %w", quantity, res.OrderID, err)
	}

	res.Quantity -= quantity
	if res.Quantity == 0 {
		res.State = StateReleased
	}
	if err := m.reservations.Upsert(ctx, res); err != nil {
		m.logger.Error().Err(err).
			Str("order_id", res.OrderID).
			Msg("reservation row not persisted after ledger release")
		return fmt.Errorf("persisting released reservation: %w", err)
	}

	m.released.Add(ctx, quantity)
	m.logger.Debug().
		Str("tenant_id", res.TenantID).
		Str("order_id", res.OrderID).
		Str("product_id", res.ProductID).
		Int64("quantity", quantity).
		Msg("stock released")
	return nil
}

// ActiveForOrder lists every active reservation an order currently holds.
func (m *Manager) ActiveForOrder(ctx context.Context, tenantID, orderID string) ([]*Reservation, error) {
	return m.reservations.ListActiveByOrder(ctx, tenantID, orderID)
}

// ActiveQuantity returns the quantity of an order line's active
// reservation, or zero when it has none. Used by the availability query's
// adjustment mode.
func (m *Manager) ActiveQuantity(ctx context.Context, tenantID, orderID, productID, warehouseID string) (int64, error) {
	res, err := m.reservations.GetActive(ctx, tenantID, orderID, productID, warehouseID)
	if err != nil {
		return 0, err
	}
	if res == nil {
		return 0, nil
	}
	return res.Quantity, nil
}

// Commit reclassifies an active reservation as consumed. Available stock is
// not touched: it already left the pool at reservation time. Committing a
// line with no active reservation fails with NoActiveReservationError;
// commit is never a fresh reservation request.
func (m *Manager) Commit(ctx context.Context, tenantID, orderID, productID, warehouseID string) error {
	ctx, span := m.tracer.Start(ctx, "reservation.commit")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("order_id", orderID),
		attribute.String("product_id", productID),
	)

	res, err := m.reservations.GetActive(ctx, tenantID, orderID, productID, warehouseID)
	if err != nil {
		return err
	}
	if res == nil {
		return &NoActiveReservationError{
			TenantID:    tenantID,
			OrderID:     orderID,
			ProductID:   productID,
			WarehouseID: warehouseID,
		}
	}

	_, err = m.ledger.Apply(ctx, ledger.Movement{
		Key:      res.StockKey(),
		OrderID:  orderID,
		Quantity: res.Quantity,
		Reason:   ledger.ReasonCommit,
	})
	if err != nil {
		return fmt.Errorf("committing %d units for order %s: %w", res.Quantity, orderID, err)
	}

	res.State = StateCommitted
	if err := m.reservations.Upsert(ctx, res); err != nil {
		m.logger.Error().Err(err).
			Str("order_id", orderID).
			Msg("reservation row not persisted after ledger commit")
		return fmt.Errorf("persisting committed reservation: %w", err)
	}

	m.committed.Add(ctx, res.Quantity)
	m.logger.Debug().
		Str("tenant_id", tenantID).
		Str("order_id", orderID).
		Str("product_id", productID).
		Int64("quantity", res.Quantity).
		Msg("reservation committed")
	return nil
}
