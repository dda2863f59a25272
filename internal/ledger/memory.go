package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-memory Ledger used by tests and by embedded setups
// without a database. A single mutex serializes all movements, which is a
// stricter guarantee than the per-key linearizability the contract requires.
type MemoryLedger struct {
	mu        sync.Mutex
	records   map[StockKey]*StockRecord
	movements []MovementLogEntry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[StockKey]*StockRecord),
	}
}

func (l *MemoryLedger) Apply(ctx context.Context, mv Movement) (StockLevel, error) {
	if err := mv.Validate(); err != nil {
		return StockLevel{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[mv.Key]
	if !ok {
		if mv.Reason == ReasonAdjust && mv.Quantity > 0 {
			now := time.Now().UTC()
			rec = &StockRecord{Key: mv.Key, CreatedAt: now, UpdatedAt: now}
			l.records[mv.Key] = rec
		} else {
			return StockLevel{}, &InsufficientStockError{
				Key:       mv.Key,
				Requested: positiveQuantity(mv),
				Available: 0,
			}
		}
	}

	switch mv.Reason {
	case ReasonReserve:
		if rec.Available < mv.Quantity {
			return StockLevel{}, &InsufficientStockError{
				Key:       mv.Key,
				Requested: mv.Quantity,
				Available: rec.Available,
			}
		}
		rec.Available -= mv.Quantity
		rec.Reserved += mv.Quantity
	case ReasonRelease:
		rec.Available += mv.Quantity
		rec.Reserved -= mv.Quantity
		if rec.Reserved < 0 {
			rec.Reserved = 0
		}
	case ReasonCommit:
		if rec.Reserved < mv.Quantity {
			return StockLevel{}, &InsufficientStockError{
				Key:       mv.Key,
				Requested: mv.Quantity,
				Available: rec.Reserved,
			}
		}
		rec.Reserved -= mv.Quantity
		rec.Committed += mv.Quantity
	case ReasonAdjust:
		if rec.Available+mv.Quantity < 0 {
			return StockLevel{}, &InsufficientStockError{
				Key:       mv.Key,
				Requested: -mv.Quantity,
				Available: rec.Available,
			}
		}
		rec.Available += mv.Quantity
	}
	rec.UpdatedAt = time.Now().UTC()

	l.movements = append(l.movements, MovementLogEntry{
		ID:        uuid.New().String(),
		Key:       mv.Key,
		Delta:     movementLogDelta(mv),
		Reason:    mv.Reason,
		OrderID:   mv.OrderID,
		CreatedAt: rec.UpdatedAt,
	})

	return StockLevel{Available: rec.Available, Reserved: rec.Reserved, Committed: rec.Committed}, nil
}

func positiveQuantity(mv Movement) int64 {
	if mv.Quantity < 0 {
		return -mv.Quantity
	}
	return mv.Quantity
}

func (l *MemoryLedger) Level(ctx context.Context, key StockKey) (StockLevel, error) {
	if err := key.Validate(); err != nil {
		return StockLevel{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return StockLevel{}, nil
	}
	return StockLevel{Available: rec.Available, Reserved: rec.Reserved, Committed: rec.Committed}, nil
}

func (l *MemoryLedger) Movements(ctx context.Context, key StockKey, limit int) ([]MovementLogEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []MovementLogEntry
	for i := len(l.movements) - 1; i >= 0 && len(entries) < limit; i-- {
		if l.movements[i].Key == key {
			entries = append(entries, l.movements[i])
		}
	}
	return entries, nil
}

func (l *MemoryLedger) Keys(ctx context.Context, tenantID string) ([]StockKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var keys []StockKey
	for key := range l.records {
		if key.TenantID == tenantID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ProductID != keys[j].ProductID {
			return keys[i].ProductID < keys[j].ProductID
		}
		return keys[i].WarehouseID < keys[j].WarehouseID
	})
	return keys, nil
}
