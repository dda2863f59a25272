package order

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type orderKey struct {
	tenantID string
	orderID  string
}

// MemoryRepository is the in-memory Repository used by tests and embedded
// setups. It honors the same version semantics as the Postgres
// implementation.
type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[orderKey]*Order
}

// NewMemoryRepository creates an empty in-memory order store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[orderKey]*Order)}
}

func (r *MemoryRepository) Create(ctx context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := orderKey{o.TenantID, o.ID}
	if _, exists := r.orders[key]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	r.orders[key] = cloneOrder(o)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, tenantID, orderID string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[orderKey{tenantID, orderID}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (r *MemoryRepository) UpdateSnapshot(ctx context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[orderKey{o.TenantID, o.ID}]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != o.Version {
		return ErrVersionConflict
	}

	o.Version++
	o.UpdatedAt = time.Now().UTC()
	r.orders[orderKey{o.TenantID, o.ID}] = cloneOrder(o)
	return nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, tenantID, orderID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[orderKey{tenantID, orderID}]
	if !ok {
		return ErrNotFound
	}
	stored.Status = status
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneOrder(o *Order) *Order {
	clone := *o
	clone.Lines = append([]Line(nil), o.Lines...)
	return &clone
}
