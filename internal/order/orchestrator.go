package order

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/harihbk/saasmilk-mono-sub004/internal/reservation"
)

// ReservationManager is the slice of the reservation manager the
// orchestrator drives. Satisfied by *reservation.Manager.
type ReservationManager interface {
	Reserve(ctx context.Context, tenantID, orderID, productID, warehouseID string, quantity int64) (*reservation.Reservation, error)
	Release(ctx context.Context, tenantID, orderID, productID, warehouseID string) error
	ReleaseQuantity(ctx context.Context, tenantID, orderID, productID, warehouseID string, quantity int64) error
	Commit(ctx context.Context, tenantID, orderID, productID, warehouseID string) error
	ActiveForOrder(ctx context.Context, tenantID, orderID string) ([]*reservation.Reservation, error)
}

// Event is a notification about a settled order mutation, published for the
// reporting collaborator after the ledger and the snapshot agree.
type Event struct {
	TenantID string    `json:"tenant_id"`
	OrderID  string    `json:"order_id"`
	Action   string    `json:"action"`
	At       time.Time `json:"at"`
}

// EventPublisher forwards order events to downstream consumers. Publishing
// is best effort and never fails a mutation.
type EventPublisher interface {
	Publish(ctx context.Context, evt Event) error
}

/// Orchestrator drives the end-to-end order mutation protocol: classify the
// request, release, reserve, persist. When the reserve phase fails partway
// the compensating rollback runs in reverse application order.
type Orchestrator struct {
	orders       Repository
	reservations ReservationManager
	events       EventPublisher
	logger       zerolog.Logger
	tracer       trace.Tracer
	rollbacks    metric.Int64Counter
}

// NewOrchestrator creates an orchestrator. events may be nil.
func NewOrchestrator(orders Repository, reservations ReservationManager, events EventPublisher, logger zerolog.Logger) *Orchestrator {
	meter := otel.Meter("inventory.order")
	rollbacks, _ := meter.Int64Counter("inventory.orders.rollbacks")

	return &Orchestrator{
		orders:       orders,
		reservations: reservations,
		events:       events,
		logger:       logger.With().Str("component", "order-orchestrator").Logger(),
		tracer:       otel.Tracer("inventory.order"),
		rollbacks:    rollbacks,
	}
}

// Create reserves stock for every line of a new order and persists the
// snapshot only once all reservations succeeded. On a partial failure every
// already-applied reserve is undone in reverse order and the original
// failure is returned.
func (o *Orchestrator) Create(ctx context.Context, tenantID, customerID string, lines []Line) (*Order, error) {
	ctx, span := o.tracer.Start(ctx, "order.create")
	defer span.End()

	normalized, err := NormalizeLines(lines)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("order must have at least one line")
	}

	ord := NewOrder(tenantID, customerID, normalized)
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("order_id", ord.ID),
	)

	deltas := Diff(nil, normalized)
	if err := o.applyDeltas(ctx, ord, DeltaSet{ToReserve: deltas.ToReserve}); err != nil {
		return nil, err
	}

	if err := o.orders.Create(ctx, ord); err != nil {
		// The reservations exist but the snapshot does not: give the
		// stock back before surfacing the failure.
		if rbErr := o.undoReserves(ctx, ord, deltas.ToReserve); rbErr != nil {
			o.logger.Error().Err(rbErr).
				Str("order_id", ord.ID).
				Msg("rollback after failed order insert did not complete")
		}
		return nil, fmt.Errorf("persisting new order: %w", err)
	}

	o.publish(ctx, ord, "created")
	o.logger.Info().
		Str("tenant_id", tenantID).
		Str("order_id", ord.ID).
		Int("lines", len(normalized)).
		Msg("order created")
	return ord, nil
}

// Mutate applies one declared mutation to an existing order.
func (o *Orchestrator) Mutate(ctx context.Context, tenantID, orderID string, mut Mutation) (*Order, error) {
	ctx, span := o.tracer.Start(ctx, "order.mutate")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("order_id", orderID),
		attribute.String("mutation_kind", string(mut.Kind)),
	)

	ord, err := o.orders.Get(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}

	switch mut.Kind {
	case MutationCancel:
		return o.cancel(ctx, ord)
	case MutationStatusOnly:
		return o.changeStatus(ctx, ord, mut.Status)
	case MutationItemUpdate:
		return o.updateItems(ctx, ord, mut.Lines)
	default:
		return nil, fmt.Errorf("unknown mutation kind %q", mut.Kind)
	}
}

// changeStatus routes a pure status change. Fulfilled targets commit every
// active reservation; cancellation releases them; neither enters the diff
// protocol.
func (o *Orchestrator) changeStatus(ctx context.Context, ord *Order, target Status) (*Order, error) {
	if !target.Valid() || target == StatusInconsistent {
		return nil, fmt.Errorf("invalid target status %q", target)
	}
	if target == StatusCancelled {
		return o.cancel(ctx, ord)
	}
	if target.Fulfilled() {
		if ord.Status.Fulfilled() {
			// Moving between fulfilled statuses (completed -> shipped ->
			// delivered) is pure bookkeeping: the stock was committed on
			// the first fulfilled transition.
			ord.Status = target
			if err := o.orders.UpdateSnapshot(ctx, ord); err != nil {
				return nil, err
			}
			return ord, nil
		}
		return o.complete(ctx, ord, target)
	}
	if ord.Status.Terminal() {
		return nil, &OrderLockedError{OrderID: ord.ID, Status: ord.Status}
	}

	ord.Status = target
	if err := o.orders.UpdateSnapshot(ctx, ord); err != nil {
		return nil, err
	}
	return ord, nil
}

// complete commits every active reservation of the order. An order with no
// active reservations is a sequencing bug on the caller's side and surfaces
// as a conflict, never as a silent no-op.
func (o *Orchestrator) complete(ctx context.Context, ord *Order, target Status) (*Order, error) {
	if ord.Status.Terminal() {
		return nil, &OrderLockedError{OrderID: ord.ID, Status: ord.Status}
	}

	active, err := o.reservations.ActiveForOrder(ctx, ord.TenantID, ord.ID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, &reservation.NoActiveReservationError{
			TenantID: ord.TenantID,
			OrderID:  ord.ID,
		}
	}

	for i, res := range active {
		if err := o.reservations.Commit(ctx, ord.TenantID, ord.ID, res.ProductID, res.WarehouseID); err != nil {
			// A half-committed order cannot be retried blindly: the
			// committed lines no longer hold active reservations. Flag it.
			if i > 0 {
				return nil, o.quarantine(ctx, ord, fmt.Errorf("commit stopped after %d of %d lines: %w", i, len(active), err))
			}
			return nil, err
		}
	}

	ord.Status = target
	if err := o.orders.UpdateSnapshot(ctx, ord); err != nil {
		return nil, o.quarantine(ctx, ord, fmt.Errorf("reservations committed but snapshot not persisted: %w", err))
	}

	o.publish(ctx, ord, "completed")
	o.logger.Info().
		Str("tenant_id", ord.TenantID).
		Str("order_id", ord.ID).
		Str("status", string(target)).
		Msg("order completed, reservations committed")
	return ord, nil
}

// cancel releases every active reservation and marks the order cancelled.
// Releases are idempotent, so a retried cancellation converges.
func (o *Orchestrator) cancel(ctx context.Context, ord *Order) (*Order, error) {
	if ord.Status.Terminal() {
		return nil, &OrderLockedError{OrderID: ord.ID, Status: ord.Status}
	}

	active, err := o.reservations.ActiveForOrder(ctx, ord.TenantID, ord.ID)
	if err != nil {
		return nil, err
	}
	for _, res := range active {
		if err := o.reservations.Release(ctx, ord.TenantID, ord.ID, res.ProductID, res.WarehouseID); err != nil {
			return nil, fmt.Errorf("releasing reservations for cancellation: %w", err)
		}
	}

	ord.Status = StatusCancelled
	if err := o.orders.UpdateSnapshot(ctx, ord); err != nil {
		return nil, err
	}

	o.publish(ctx, ord, "cancelled")
	o.logger.Info().
		Str("tenant_id", ord.TenantID).
		Str("order_id", ord.ID).
		Msg("order cancelled, reservations released")
	return ord, nil
}

// updateItems runs the full diff protocol: release phase, reserve phase
// with compensating rollback, then snapshot persist. The snapshot is only
// written after every ledger delta succeeded, so a concurrent reader never
// observes the ledger and the recorded items out of sync.
func (o *Orchestrator) updateItems(ctx context.Context, ord *Order, lines []Line) (*Order, error) {
	if ord.Status.Terminal() {
		return nil, &OrderLockedError{OrderID: ord.ID, Status: ord.Status}
	}

	normalized, err := NormalizeLines(lines)
	if err != nil {
		return nil, err
	}

	deltas := Diff(ord.Lines, normalized)
	if deltas.Empty() {
		return ord, nil
	}

	if err := o.applyDeltas(ctx, ord, deltas); err != nil {
		return nil, err
	}

	ord.Lines = normalized
	if err := o.orders.UpdateSnapshot(ctx, ord); err != nil {
		// The ledger moved but the snapshot did not. Undo the whole delta
		// set; if that fails too the order is quarantined.
		if rbErr := o.rollback(ctx, ord, deltas.ToRelease, deltas.ToReserve); rbErr != nil {
			return nil, o.quarantine(ctx, ord, rbErr)
		}
		return nil, err
	}

	o.publish(ctx, ord, "items_updated")
	o.logger.Info().
		Str("tenant_id", ord.TenantID).
		Str("order_id", ord.ID).
		Int("released", len(deltas.ToRelease)).
		Int("reserved", len(deltas.ToReserve)).
		Msg("order items updated")
	return ord, nil
}

// applyDeltas runs the release and reserve phases. On a reserve failure it
// compensates everything already applied, reserves first and then the
// releases, each in reverse order, and surfaces the original error.
func (o *Orchestrator) applyDeltas(ctx context.Context, ord *Order, deltas DeltaSet) error {
	for _, d := range deltas.ToRelease {
		if err := o.reservations.Release(ctx, ord.TenantID, ord.ID, d.ProductID, d.WarehouseID); err != nil {
			// Releases cannot fail under normal operation; this is the
			// ledger being unreachable. Abort before any reserve.
			return fmt.Errorf("release phase: %w", err)
		}
	}

	var applied []Delta
	for _, d := range deltas.ToReserve {
		if _, err := o.reservations.Reserve(ctx, ord.TenantID, ord.ID, d.ProductID, d.WarehouseID, d.Quantity); err != nil {
			if rbErr := o.rollback(ctx, ord, deltas.ToRelease, applied); rbErr != nil {
				return o.quarantine(ctx, ord, rbErr)
			}
			return err
		}
		applied = append(applied, d)
	}
	return nil
}

// rollback undoes applied reserves and re-reserves released keys, both in
// reverse order. Any failure here leaves the order in a state that cannot
// be repaired automatically.
func (o *Orchestrator) rollback(ctx context.Context, ord *Order, released, reserved []Delta) error {
	o.rollbacks.Add(ctx, 1)
	o.logger.Warn().
		Str("tenant_id", ord.TenantID).
		Str("order_id", ord.ID).
		Int("reserves_to_undo", len(reserved)).
		Int("releases_to_restore", len(released)).
		Msg("rolling back partial order mutation")

	if err := o.undoReserves(ctx, ord, reserved); err != nil {
		return err
	}
	for i := len(released) - 1; i >= 0; i-- {
		d := released[i]
		if _, err := o.reservations.Reserve(ctx, ord.TenantID, ord.ID, d.ProductID, d.WarehouseID, d.Quantity); err != nil {
			return fmt.Errorf("restoring released reservation %s/%s: %w", d.ProductID, d.WarehouseID, err)
		}
	}
	return nil
}

func (o *Orchestrator) undoReserves(ctx context.Context, ord *Order, reserved []Delta) error {
	for i := len(reserved) - 1; i >= 0; i-- {
		d := reserved[i]
		if err := o.reservations.ReleaseQuantity(ctx, ord.TenantID, ord.ID, d.ProductID, d.WarehouseID, d.Quantity); err != nil {
			return fmt.Errorf("undoing reserve %s/%s: %w", d.ProductID, d.WarehouseID, err)
		}
	}
	return nil
}

// quarantine flags the order inconsistent and wraps the cause. The status
// write bypasses the version check: quarantining must not lose to a
// concurrent bump.
func (o *Orchestrator) quarantine(ctx context.Context, ord *Order, cause error) error {
	o.logger.Error().Err(cause).
		Str("tenant_id", ord.TenantID).
		Str("order_id", ord.ID).
		Msg("rollback failed, quarantining order")

	if err := o.orders.UpdateStatus(ctx, ord.TenantID, ord.ID, StatusInconsistent); err != nil {
		o.logger.Error().Err(err).
			Str("order_id", ord.ID).
			Msg("failed to flag order inconsistent")
	}
	return &InconsistentError{OrderID: ord.ID, Cause: cause}
}

func (o *Orchestrator) publish(ctx context.Context, ord *Order, action string) {
	if o.events == nil {
		return
	}
	evt := Event{
		TenantID: ord.TenantID,
		OrderID:  ord.ID,
		Action:   action,
		At:       time.Now().UTC(),
	}
	if err := o.events.Publish(ctx, evt); err != nil {
		o.logger.Warn().Err(err).
			Str("order_id", ord.ID).
			Str("action", action).
			Msg("order event not published")
	}
}
