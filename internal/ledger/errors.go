package ledger

import (
	"errors"
	"fmt"
)

// ErrLedgerUnavailable wraps infrastructure failures (pool exhausted, store
// down). Mutations failing with it applied no partial state and are safe to
// retry from scratch.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// InsufficientStockError is returned when a movement would drive available
// stock negative. It carries enough detail for the caller to render an
// actionable message.
type InsufficientStockError struct {
	Key       StockKey
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		e.Key, e.Requested, e.Available)
}

// IsInsufficientStock reports whether err is an insufficient stock failure.
func IsInsufficientStock(err error) bool {
	var target *InsufficientStockError
	return errors.As(err, &target)
}
