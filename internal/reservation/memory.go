package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harihbk/saasmilk-mono-sub004/internal/ledger"
)

type resKey struct {
	tenantID    string
	orderID     string
	productID   string
	warehouseID string
}

// MemoryRepository is the in-memory Repository used by tests and embedded
// setups.
type MemoryRepository struct {
	mu           sync.RWMutex
	reservations map[resKey]*Reservation
}

// NewMemoryRepository creates an empty in-memory reservation store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		reservations: make(map[resKey]*Reservation),
	}
}

func (r *MemoryRepository) GetActive(ctx context.Context, tenantID, orderID, productID, warehouseID string) (*Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.reservations[resKey{tenantID, orderID, productID, warehouseID}]
	if !ok || res.State != StateActive {
		return nil, nil
	}
	clone := *res
	return &clone, nil
}

func (r *MemoryRepository) ListActiveByOrder(ctx context.Context, tenantID, orderID string) ([]*Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var reservations []*Reservation
	for _, res := range r.reservations {
		if res.TenantID == tenantID && res.OrderID == orderID && res.State == StateActive {
			clone := *res
			reservations = append(reservations, &clone)
		}
	}
	sort.Slice(reservations, func(i, j int) bool {
		if reservations[i].ProductID != reservations[j].ProductID {
			return reservations[i].ProductID < reservations[j].ProductID
		}
		return reservations[i].WarehouseID < reservations[j].WarehouseID
	})
	return reservations, nil
}

func (r *MemoryRepository) Upsert(ctx context.Context, res *Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *res
	clone.UpdatedAt = time.Now().UTC()
	r.reservations[resKey{res.TenantID, res.OrderID, res.ProductID, res.WarehouseID}] = &clone
	return nil
}

func (r *MemoryRepository) SumActiveByKey(ctx context.Context, key ledger.StockKey) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sum int64
	for _, res := range r.reservations {
		if res.State == StateActive && res.StockKey() == key {
			sum += res.Quantity
		}
	}
	return sum, nil
}
