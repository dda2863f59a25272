// Package api exposes the order and stock operations over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harihbk/saasmilk-mono-sub004/internal/availability"
	"github.com/harihbk/saasmilk-mono-sub004/internal/ledger"
	"github.com/harihbk/saasmilk-mono-sub004/internal/order"
	"github.com/harihbk/saasmilk-mono-sub004/internal/ordlock"
	"github.com/harihbk/saasmilk-mono-sub004/internal/reservation"
)

const tenantHeader = "X-Tenant-ID"

// Handler wires the HTTP surface to the domain services.
type Handler struct {
	orchestrator *order.Orchestrator
	orders       order.Repository
	availability *availability.Service
	ledger       ledger.Ledger
	locker       *ordlock.Locker
	logger       zerolog.Logger
	tracer       trace.Tracer
}

// NewHandler creates a handler. locker may be nil, in which case order
// mutations are not serialized across instances.
func NewHandler(orch *order.Orchestrator, orders order.Repository, avail *availability.Service, l ledger.Ledger, locker *ordlock.Locker, logger zerolog.Logger) *Handler {
	return &Handler{
		orchestrator: orch,
		orders:       orders,
		availability: avail,
		ledger:       l,
		locker:       locker,
		logger:       logger.With().Str("component", "api").Logger(),
		tracer:       otel.Tracer("inventory.api"),
	}
}

// RegisterRoutes mounts all endpoints on the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api", TenantMiddleware())
	{
		api.POST("/orders", h.CreateOrder)
		api.GET("/orders/:id", h.GetOrder)
		api.PUT("/orders/:id/items", h.UpdateOrderItems)
		api.POST("/orders/:id/status", h.ChangeOrderStatus)
		api.POST("/orders/:id/cancel", h.CancelOrder)

		api.POST("/stock/check", h.CheckStock)
		api.POST("/stock/adjust", h.AdjustStock)
		api.GET("/stock/:productID/:warehouseID", h.GetStockLevel)
		api.GET("/stock/:productID/:warehouseID/movements", h.GetStockMovements)
	}
}

// TenantMiddleware requires the tenant header on every request. The value
// is trusted; authentication happens upstream at the gateway.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(tenantHeader)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing " + tenantHeader + " header"})
			return
		}
		c.Set("tenant_id", tenantID)
		c.Next()
	}
}

func tenantID(c *gin.Context) string {
	return c.GetString("tenant_id")
}

type createOrderRequest struct {
	CustomerID string       `json:"customer_id" binding:"required"`
	Lines      []order.Line `json:"lines" binding:"required"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "create_order")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID(c)))

	ord, err := h.orchestrator.Create(ctx, tenantID(c), req.CustomerID, req.Lines)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ord)
}

func (h *Handler) GetOrder(c *gin.Context) {
	ord, err := h.orders.Get(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ord)
}

type updateItemsRequest struct {
	Lines []order.Line `json:"lines" binding:"required"`
}

func (h *Handler) UpdateOrderItems(c *gin.Context) {
	var req updateItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.mutate(c, order.Mutation{Kind: order.MutationItemUpdate, Lines: req.Lines})
}

type changeStatusRequest struct {
	Status order.Status `json:"status" binding:"required"`
}

func (h *Handler) ChangeOrderStatus(c *gin.Context) {
	var req changeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}
	h.mutate(c, order.Mutation{Kind: order.MutationStatusOnly, Status: req.Status})
}

func (h *Handler) CancelOrder(c *gin.Context) {
	h.mutate(c, order.Mutation{Kind: order.MutationCancel})
}

func (h *Handler) mutate(c *gin.Context, mut order.Mutation) {
	orderID := c.Param("id")

	ctx, span := h.tracer.Start(c.Request.Context(), "mutate_order")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID(c)),
		attribute.String("order_id", orderID),
		attribute.String("mutation_kind", string(mut.Kind)),
	)

	if h.locker != nil {
		lock, err := h.locker.Acquire(ctx, tenantID(c), orderID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		defer func() {
			if err := lock.Unlock(ctx); err != nil {
				h.logger.Warn().Err(err).Str("order_id", orderID).Msg("order lock not released")
			}
		}()
	}

	ord, err := h.orchestrator.Mutate(ctx, tenantID(c), orderID, mut)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ord)
}

type checkStockRequest struct {
	Items       []availability.Item `json:"items" binding:"required"`
	WarehouseID string              `json:"warehouse_id" binding:"required"`
	OrderID     string              `json:"order_id"`
}

func (h *Handler) CheckStock(c *gin.Context) {
	var req checkStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.availability.Check(c.Request.Context(), tenantID(c), req.Items, req.WarehouseID, req.OrderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type adjustStockRequest struct {
	ProductID   string `json:"product_id" binding:"required"`
	WarehouseID string `json:"warehouse_id" binding:"required"`
	Delta       int64  `json:"delta" binding:"required"`
}

func (h *Handler) AdjustStock(c *gin.Context) {
	var req adjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	level, err := h.ledger.Apply(c.Request.Context(), ledger.Movement{
		Key: ledger.StockKey{
			TenantID:    tenantID(c),
			ProductID:   req.ProductID,
			WarehouseID: req.WarehouseID,
		},
		Quantity: req.Delta,
		Reason:   ledger.ReasonAdjust,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, level)
}

func (h *Handler) GetStockLevel(c *gin.Context) {
	key := ledger.StockKey{
		TenantID:    tenantID(c),
		ProductID:   c.Param("productID"),
		WarehouseID: c.Param("warehouseID"),
	}
	level, err := h.ledger.Level(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, level)
}

func (h *Handler) GetStockMovements(c *gin.Context) {
	key := ledger.StockKey{
		TenantID:    tenantID(c),
		ProductID:   c.Param("productID"),
		WarehouseID: c.Param("warehouseID"),
	}
	entries, err := h.ledger.Movements(c.Request.Context(), key, 100)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"movements": entries})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// writeError maps domain errors to HTTP status codes. Conflicts that the
// caller can resolve by retrying or changing the request map to 409,
// quarantined orders surface as 500 so they page, and an unreachable
// ledger maps to 503.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrInvalidLine):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, order.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case ledger.IsInsufficientStock(err),
		order.IsOrderLocked(err),
		reservation.IsNoActiveReservation(err),
		errors.Is(err, order.ErrVersionConflict),
		errors.Is(err, ordlock.ErrLockBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case order.IsInconsistent(err):
		h.logger.Error().Err(err).Msg("order quarantined")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error().Err(err).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
