// Package availability implements the read-only stock check used before
// order submission. Results are snapshots, never reservations: a reserve
// issued right after a positive check may still fail if stock moved in
// between.
package availability

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harihbk/saasmilk-mono-sub004/internal/ledger"
)

// Item is one requested product quantity in a check.
type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Result is the per-product outcome of a check. Available already includes
// the adjustment for the order's own reservation when an order id was
// supplied.
type Result struct {
	ProductID    string `json:"product_id"`
	RequestedQty int64  `json:"requested_qty"`
	Available    int64  `json:"available"`
	Sufficient   bool   `json:"sufficient"`
}

// ReservationReader is the slice of the reservation manager the service
// needs. Satisfied by *reservation.Manager.
type ReservationReader interface {
	ActiveQuantity(ctx context.Context, tenantID, orderID, productID, warehouseID string) (int64, error)
}

// Service answers availability queries against the ledger.
type Service struct {
	ledger       ledger.Ledger
	reservations ReservationReader
	logger       zerolog.Logger
	tracer       trace.Tracer
}

// NewService creates an availability query service.
func NewService(l ledger.Ledger, reservations ReservationReader, logger zerolog.Logger) *Service {
	return &Service{
		ledger:       l,
		reservations: reservations,
		logger:       logger.With().Str("component", "availability").Logger(),
		tracer:       otel.Tracer("inventory.availability"),
	}
}

// Check reports, per item, whether the requested quantity fits the
// available stock in the warehouse. When orderID is non-empty the order's
// own active reservation for each product is added back before comparing,
// so growing an existing line is not double-checked against stock the
// order already holds.
func (s *Service) Check(ctx context.Context, tenantID string, items []Item, warehouseID, orderID string) ([]Result, error) {
	ctx, span := s.tracer.Start(ctx, "availability.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("warehouse_id", warehouseID),
		attribute.Int("items", len(items)),
	)

	results := make([]Result, 0, len(items))
	for _, item := range items {
		key := ledger.StockKey{TenantID: tenantID, ProductID: item.ProductID, WarehouseID: warehouseID}
		level, err := s.ledger.Level(ctx, key)
		if err != nil {
			return nil, err
		}

		available := level.Available
		if orderID != "" {
			held, err := s.reservations.ActiveQuantity(ctx, tenantID, orderID, item.ProductID, warehouseID)
			if err != nil {
				return nil, err
			}
			available += held
		}

		results = append(results, Result{
			ProductID:    item.ProductID,
			RequestedQty: item.Quantity,
			Available:    available,
			Sufficient:   available >= item.Quantity,
		})
	}
	return results, nil
}
