package ledger

import (
	"fmt"
	"time"
)

// StockKey identifies the stock counters for one product in one warehouse
// of one tenant. Every ledger operation is scoped by the full key; there is
// no way to address a record without a tenant.
type StockKey struct {
	TenantID    string `json:"tenant_id" db:"tenant_id"`
	ProductID   string `json:"product_id" db:"product_id"`
	WarehouseID string `json:"warehouse_id" db:"warehouse_id"`
}

func (k StockKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.ProductID, k.WarehouseID)
}

// Validate rejects keys with a missing component before they reach the store.
func (k StockKey) Validate() error {
	if k.TenantID == "" {
		return fmt.Errorf("stock key: tenant id is required")
	}
	if k.ProductID == "" {
		return fmt.Errorf("stock key: product id is required")
	}
	if k.WarehouseID == "" {
		return fmt.Errorf("stock key: warehouse id is required")
	}
	return nil
}

// StockRecord holds the authoritative counters for a stock key.
// Available never goes negative; Reserved mirrors the sum of active
// reservation quantities; Committed is a lifetime counter of consumed stock
// kept for reporting. Records are created lazily on the first movement and
// never deleted, only zeroed.
type StockRecord struct {
	Key       StockKey  `json:"key"`
	Available int64     `json:"available" db:"available"`
	Reserved  int64     `json:"reserved" db:"reserved"`
	Committed int64     `json:"committed" db:"committed"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// StockLevel is the read snapshot returned by ledger queries.
type StockLevel struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Committed int64 `json:"committed"`
}

// Reason classifies a ledger mutation. It decides which counters a movement
// touches and is recorded verbatim in the movement log.
type Reason string

const (
	ReasonReserve Reason = "reserve"
	ReasonRelease Reason = "release"
	ReasonCommit  Reason = "commit"
	ReasonAdjust  Reason = "adjust"
)

// Movement is a single requested ledger mutation. Quantity is positive for
// reserve/release/commit; for adjust it is the signed delta applied to
// available stock.
type Movement struct {
	Key      StockKey
	OrderID  string
	Quantity int64
	Reason   Reason
}

// Delta returns the signed change the movement applies to available stock.
// Commit movements do not touch available; their consumed quantity is
// recorded against reserved instead.
func (m Movement) Delta() int64 {
	switch m.Reason {
	case ReasonReserve:
		return -m.Quantity
	case ReasonRelease:
		return m.Quantity
	case ReasonCommit:
		return 0
	default:
		return m.Quantity
	}
}

// Validate rejects malformed movements before any store round trip.
func (m Movement) Validate() error {
	if err := m.Key.Validate(); err != nil {
		return err
	}
	switch m.Reason {
	case ReasonReserve, ReasonRelease, ReasonCommit:
		if m.Quantity <= 0 {
			return fmt.Errorf("%s movement: quantity must be positive, got %d", m.Reason, m.Quantity)
		}
	case ReasonAdjust:
		if m.Quantity == 0 {
			return fmt.Errorf("adjust movement: zero delta")
		}
	default:
		return fmt.Errorf("unknown movement reason %q", m.Reason)
	}
	return nil
}

// MovementLogEntry is the append-only audit record written once per ledger
// mutation. Entries are never updated or deleted; together with the reason
// they allow the available/reserved history of a key to be replayed.
type MovementLogEntry struct {
	ID        string    `json:"id" db:"id"`
	Key       StockKey  `json:"key"`
	Delta     int64     `json:"delta" db:"delta"`
	Reason    Reason    `json:"reason" db:"reason"`
	OrderID   string    `json:"order_id" db:"order_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
