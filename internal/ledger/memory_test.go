package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() StockKey {
	return StockKey{TenantID: "tenant-a", ProductID: "prod-1", WarehouseID: "wh-1"}
}

func seed(t *testing.T, l *MemoryLedger, key StockKey, available int64) {
	t.Helper()
	_, err := l.Apply(context.Background(), Movement{Key: key, Quantity: available, Reason: ReasonAdjust})
	require.NoError(t, err)
}

func TestMemoryLedger_AdjustCreatesRecordLazily(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	level, err := l.Level(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, StockLevel{}, level, "untouched key reads as zeros")

	level, err = l.Apply(ctx, Movement{Key: testKey(), Quantity: 10, Reason: ReasonAdjust})
	require.NoError(t, err)
	assert.Equal(t, int64(10), level.Available)
}

func TestMemoryLedger_NegativeAdjustOnMissingRecordFails(t *testing.T) {
	l := NewMemoryLedger()

	_, err := l.Apply(context.Background(), Movement{Key: testKey(), Quantity: -5, Reason: ReasonAdjust})
	require.Error(t, err)
	assert.True(t, IsInsufficientStock(err))
}

func TestMemoryLedger_ReserveGuardsFloor(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	seed(t, l, testKey(), 10)

	level, err := l.Apply(ctx, Movement{Key: testKey(), OrderID: "o1", Quantity: 2, Reason: ReasonReserve})
	require.NoError(t, err)
	assert.Equal(t, int64(8), level.Available)
	assert.Equal(t, int64(2), level.Reserved)

	_, err = l.Apply(ctx, Movement{Key: testKey(), OrderID: "o2", Quantity: 9, Reason: ReasonReserve})
	require.Error(t, err)

	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(9), insufficient.Requested)
	assert.Equal(t, int64(8), insufficient.Available)

	// Failed movements leave state untouched and write no log entry.
	level, err = l.Level(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, int64(8), level.Available)
	entries, err := l.Movements(ctx, testKey(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMemoryLedger_CommitMovesReservedToCommitted(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	seed(t, l, testKey(), 10)

	_, err := l.Apply(ctx, Movement{Key: testKey(), OrderID: "o1", Quantity: 8, Reason: ReasonReserve})
	require.NoError(t, err)

	level, err := l.Apply(ctx, Movement{Key: testKey(), OrderID: "o1", Quantity: 8, Reason: ReasonCommit})
	require.NoError(t, err)

	// Commit reclassifies stock; available is untouched.
	assert.Equal(t, int64(2), level.Available)
	assert.Equal(t, int64(0), level.Reserved)
	assert.Equal(t, int64(8), level.Committed)
}

func TestMemoryLedger_CommitBeyondReservedFails(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	seed(t, l, testKey(), 10)

	_, err := l.Apply(ctx, Movement{Key: testKey(), OrderID: "o1", Quantity: 3, Reason: ReasonReserve})
	require.NoError(t, err)

	_, err = l.Apply(ctx, Movement{Key: testKey(), OrderID: "o1", Quantity: 5, Reason: ReasonCommit})
	assert.Error(t, err)
}

func TestMemoryLedger_ReleaseReturnsStock(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	seed(t, l, testKey(), 10)

	_, err := l.Apply(ctx, Movement{Key: testKey(), OrderID: "o1", Quantity: 4, Reason: ReasonReserve})
	require.NoError(t, err)

	level, err := l.Apply(ctx, Movement{Key: testKey(), OrderID: "o1", Quantity: 4, Reason: ReasonRelease})
	require.NoError(t, err)
	assert.Equal(t, int64(10), level.Available)
	assert.Equal(t, int64(0), level.Reserved)
}

func TestMemoryLedger_ConcurrentReservesNeverGoNegative(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	seed(t, l, testKey(), 50)

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Apply(ctx, Movement{Key: testKey(), OrderID: "o", Quantity: 5, Reason: ReasonReserve})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.True(t, IsInsufficientStock(err))
			}
		}()
	}
	wg.Wait()

	// Exactly 10 workers can win 5 units each out of 50.
	assert.Equal(t, 10, succeeded)

	level, err := l.Level(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, int64(0), level.Available)
	assert.Equal(t, int64(50), level.Reserved)
	assert.GreaterOrEqual(t, level.Available, int64(0))
}

func TestMemoryLedger_MovementLogOrderAndKeys(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	other := StockKey{TenantID: "tenant-b", ProductID: "prod-1", WarehouseID: "wh-1"}

	seed(t, l, testKey(), 5)
	seed(t, l, other, 7)
	_, err := l.Apply(ctx, Movement{Key: testKey(), OrderID: "o1", Quantity: 2, Reason: ReasonReserve})
	require.NoError(t, err)

	entries, err := l.Movements(ctx, testKey(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ReasonReserve, entries[0].Reason, "newest first")
	assert.Equal(t, int64(-2), entries[0].Delta)
	assert.Equal(t, ReasonAdjust, entries[1].Reason)

	// Tenants only see their own keys.
	keys, err := l.Keys(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, []StockKey{testKey()}, keys)
}
