package order

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harihbk/saasmilk-mono-sub004/internal/ledger"
	"github.com/harihbk/saasmilk-mono-sub004/internal/reservation"
)

const (
	tenantA = "tenant-a"
	wh1     = "wh-1"
)

type fixture struct {
	ledger *ledger.MemoryLedger
	orders *MemoryRepository
	orch   *Orchestrator
}

func newFixture(t *testing.T, stock map[string]int64) *fixture {
	t.Helper()
	l := ledger.NewMemoryLedger()
	for productID, qty := range stock {
		_, err := l.Apply(context.Background(), ledger.Movement{
			Key:      ledger.StockKey{TenantID: tenantA, ProductID: productID, WarehouseID: wh1},
			Quantity: qty,
			Reason:   ledger.ReasonAdjust,
		})
		require.NoError(t, err)
	}

	manager := reservation.NewManager(l, reservation.NewMemoryRepository(), zerolog.Nop())
	orders := NewMemoryRepository()
	return &fixture{
		ledger: l,
		orders: orders,
		orch:   NewOrchestrator(orders, manager, nil, zerolog.Nop()),
	}
}

func (f *fixture) level(t *testing.T, productID string) ledger.StockLevel {
	t.Helper()
	lvl, err := f.ledger.Level(context.Background(), ledger.StockKey{
		TenantID: tenantA, ProductID: productID, WarehouseID: wh1,
	})
	require.NoError(t, err)
	return lvl
}

func TestOrchestrator_CreateReservesAndPersists(t *testing.T) {
	f := newFixture(t, map[string]int64{"p1": 10})
	ctx := context.Background()

	ord, err := f.orch.Create(ctx, tenantA, "cust-1", []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 2}})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, ord.Status)

	lvl := f.level(t, "p1")
	assert.Equal(t, int64(8), lvl.Available)
	assert.Equal(t, int64(2), lvl.Reserved)

	stored, err := f.orders.Get(ctx, tenantA, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, ord.Lines, stored.Lines)
}

func TestOrchestrator_CreateRollsBackOnPartialFailure(t *testing.T) {
	f := newFixture(t, map[string]int64{"p1": 10, "p2": 1})
	ctx := context.Background()

	_, err := f.orch.Create(ctx, tenantA, "cust-1", []Line{
		{ProductID: "p1", WarehouseID: wh1, Quantity: 5},
		{ProductID: "p2", WarehouseID: wh1, Quantity: 3},
	})
	require.Error(t, err)

	var insufficient *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "p2", insufficient.Key.ProductID)
	assert.Equal(t, int64(3), insufficient.Requested)
	assert.Equal(t, int64(1), insufficient.Available)

	// Every key touched in the request reads as before the request.
	p1 := f.level(t, "p1")
	assert.Equal(t, int64(10), p1.Available)
	assert.Equal(t, int64(0), p1.Reserved)
	p2 := f.level(t, "p2")
	assert.Equal(t, int64(1), p2.Available)
	assert.Equal(t, int64(0), p2.Reserved)
}

func TestOrchestrator_QuantityIncrease(t *testing.T) {
	f := newFixture(t, map[string]int64{"p1": 10})
	ctx := context.Background()

	ord, err := f.orch.Create(ctx, tenantA, "cust-1", []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 2}})
	require.NoError(t, err)

	ord, err = f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{
		Kind:  MutationItemUpdate,
		Lines: []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 8}},
	})
	require.NoError(t, err)

	lvl := f.level(t, "p1")
	assert.Equal(t, int64(2), lvl.Available)
	assert.Equal(t, int64(8), lvl.Reserved)
	assert.Equal(t, int64(8), ord.Lines[0].Quantity)
}

func TestOrchestrator_QuantityDecreaseReturnsStock(t *testing.T) {
	f := newFixture(t, map[string]int64{"p1": 10})
	ctx := context.Background()

	ord, err := f.orch.Create(ctx, tenantA, "cust-1", []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 8}})
	require.NoError(t, err)

	_, err = f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{
		Kind:  MutationItemUpdate,
		Lines: []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 3}},
	})
	require.NoError(t, err)

	lvl := f.level(t, "p1")
	assert.Equal(t, int64(7), lvl.Available)
	assert.Equal(t, int64(3), lvl.Reserved)
}

func TestOrchestrator_IdenticalPayloadIsNoOp(t *testing.T) {
	f := newFixture(t, map[string]int64{"p1": 10})
	ctx := context.Background()

	ord, err := f.orch.Create(ctx, tenantA, "cust-1", []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 2}})
	require.NoError(t, err)
	before := f.level(t, "p1")

	after, err := f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{
		Kind:  MutationItemUpdate,
		Lines: ord.Lines,
	})
	require.NoError(t, err)
	assert.Equal(t, before, f.level(t, "p1"))
	assert.Equal(t, ord.Version, after.Version)
}

func TestOrchestrator_UpdateRollbackRestoresEveryKey(t *testing.T) {
	f := newFixture(t, map[string]int64{"p1": 10, "p2": 4})
	ctx := context.Background()

	ord, err := f.orch.Create(ctx, tenantA, "cust-1", []Line{
		{ProductID: "p1", WarehouseID: wh1, Quantity: 2},
		{ProductID: "p2", WarehouseID: wh1, Quantity: 2},
	})
	require.NoError(t, err)

	p1Before := f.level(t, "p1")
	p2Before := f.level(t, "p2")

	// p1 grows (fine), p2 grows beyond stock (fails) -> rollback.
	_, err = f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{
		Kind: MutationItemUpdate,
		Lines: []Line{
			{ProductID: "p1", WarehouseID: wh1, Quantity: 6},
			{ProductID: "p2", WarehouseID: wh1, Quantity: 9},
		},
	})
	require.Error(t, err)
	assert.True(t, ledger.IsInsufficientStock(err))

	assert.Equal(t, p1Before, f.level(t, "p1"), "p1 restored to pre-request state")
	assert.Equal(t, p2Before, f.level(t, "p2"), "p2 restored to pre-request state")

	stored, err := f.orders.Get(ctx, tenantA, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Lines[0].Quantity, "snapshot unchanged")
}

func TestOrchestrator_WarehouseMove(t *testing.T) {
	f := newFixture(t, map[string]int64{"p1": 10})
	ctx := context.Background()

	// Stock p1 in a second warehouse as well.
	_, err := f.ledger.Apply(ctx, ledger.Movement{
		Key:      ledger.StockKey{TenantID: tenantA, ProductID: "p1", WarehouseID: "wh-2"},
		Quantity: 6,
		Reason:   ledger.ReasonAdjust,
	})
	require.NoError(t, err)

	ord, err := f.orch.Create(ctx, tenantA, "cust-1", []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 4}})
	require.NoError(t, err)

	_, err = f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{
		Kind:  MutationItemUpdate,
		Lines: []Line{{ProductID: "p1", WarehouseID: "wh-2", Quantity: 4}},
	})
	require.NoError(t, err)

	old := f.level(t, "p1")
	assert.Equal(t, int64(10), old.Available, "old warehouse fully released")
	assert.Equal(t, int64(0), old.Reserved)

	moved, err := f.ledger.Level(ctx, ledger.StockKey{TenantID: tenantA, ProductID: "p1", WarehouseID: "wh-2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved.Available)
	assert.Equal(t, int64(4), moved.Reserved)
}

func TestOrchestrator_CompleteCommitsWithoutTouchingAvailable(t *testing.T) {
	f := newFixture(t, map[string]int64{"p1": 10})
	ctx := context.Background()

	ord, err := f.orch.Create(ctx, tenantA, "cust-1", []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 8}})
	require.NoError(t, err)
	before := f.level(t, "p1")

	ord, err = f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{Kind: MutationStatusOnly, Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, ord.Status)

	lvl := f.level(t, "p1")
	assert.Equal(t, before.Available, lvl.Available)
	assert.Equal(t, int64(0), lvl.Reserved)
	assert.Equal(t, int64(8), lvl.Committed)
}

func TestOrchestrator_CompleteWithoutReservationsConflicts(t *testing.T) {
	f := newFixture(t, map[string]int64{"p1": 10})
	ctx := context.Background()

	// A pending order that somehow holds no reservations (caller bug or
	// drift) is seeded directly, bypassing Create.
	ord := NewOrder(tenantA, "cust-1", []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 2}})
	require.NoError(t, f.orders.Create(ctx, ord))

	_, err := f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{Kind: MutationStatusOnly, Status: StatusCompleted})
	require.Error(t, err)
	assert.True(t, reservation.IsNoActiveReservation(err), "never silently treated as nothing to do")
}

func TestOrchestrator_CancelReleasesStock(t *testing.T) {
	f := newFixture(t, map[string]int64{"p1": 10})
	ctx := context.Background()

	ord, err := f.orch.Create(ctx, tenantA, "cust-1", []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 5}})
	require.NoError(t, err)

	ord, err = f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{Kind: MutationCancel})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, ord.Status)

	lvl := f.level(t, "p1")
	assert.Equal(t, int64(10), lvl.Available)
	assert.Equal(t, int64(0), lvl.Reserved)
}

func TestOrchestrator_TerminalOrderRejectsItemChanges(t *testing.T) {
	f := newFixture(t, map[string]int64{"p1": 10})
	ctx := context.Background()

	ord, err := f.orch.Create(ctx, tenantA, "cust-1", []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 2}})
	require.NoError(t, err)
	_, err = f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{Kind: MutationCancel})
	require.NoError(t, err)

	_, err = f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{
		Kind:  MutationItemUpdate,
		Lines: []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 4}},
	})
	require.Error(t, err)

	var locked *OrderLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, StatusCancelled, locked.Status)

	_, err = f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{Kind: MutationCancel})
	assert.True(t, IsOrderLocked(err), "double cancel is rejected, stock is not released twice")
}

func TestOrchestrator_FulfilledStatusProgressionSkipsLedger(t *testing.T) {
	f := newFixture(t, map[string]int64{"p1": 10})
	ctx := context.Background()

	ord, err := f.orch.Create(ctx, tenantA, "cust-1", []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 2}})
	require.NoError(t, err)
	_, err = f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{Kind: MutationStatusOnly, Status: StatusCompleted})
	require.NoError(t, err)
	before := f.level(t, "p1")

	ord, err = f.orch.Mutate(ctx, tenantA, ord.ID, Mutation{Kind: MutationStatusOnly, Status: StatusShipped})
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, ord.Status)
	assert.Equal(t, before, f.level(t, "p1"), "no ledger movement between fulfilled statuses")
}

// flakyManager delegates to a real manager but fails Reserve for a chosen
// product after a set number of successful calls, letting tests break the
// rollback path itself.
type flakyManager struct {
	ReservationManager
	failProduct string
	allow       int
	calls       int
}

func (m *flakyManager) Reserve(ctx context.Context, tenantID, orderID, productID, warehouseID string, quantity int64) (*reservation.Reservation, error) {
	if productID == m.failProduct {
		m.calls++
		if m.calls > m.allow {
			return nil, errors.New("ledger unreachable")
		}
	}
	return m.ReservationManager.Reserve(ctx, tenantID, orderID, productID, warehouseID, quantity)
}

func TestOrchestrator_FailedRollbackQuarantinesOrder(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()
	for product, qty := range map[string]int64{"p1": 10, "p2": 1} {
		_, err := l.Apply(ctx, ledger.Movement{
			Key:      ledger.StockKey{TenantID: tenantA, ProductID: product, WarehouseID: wh1},
			Quantity: qty,
			Reason:   ledger.ReasonAdjust,
		})
		require.NoError(t, err)
	}

	manager := reservation.NewManager(l, reservation.NewMemoryRepository(), zerolog.Nop())
	orders := NewMemoryRepository()

	// p1 reserves once at create; the rollback's restore-reserve for p1
	// then fails.
	flaky := &flakyManager{ReservationManager: manager, failProduct: "p1", allow: 1}
	orch := NewOrchestrator(orders, flaky, nil, zerolog.Nop())

	ord, err := orch.Create(ctx, tenantA, "cust-1", []Line{{ProductID: "p1", WarehouseID: wh1, Quantity: 5}})
	require.NoError(t, err)

	// The decrease releases p1 fully; re-reserving its new quantity fails
	// (flaky), and the rollback's restore-reserve for p1 fails again.
	_, err = orch.Mutate(ctx, tenantA, ord.ID, Mutation{
		Kind: MutationItemUpdate,
		Lines: []Line{
			{ProductID: "p1", WarehouseID: wh1, Quantity: 2},
			{ProductID: "p2", WarehouseID: wh1, Quantity: 9},
		},
	})
	require.Error(t, err)
	assert.True(t, IsInconsistent(err))

	stored, err := orders.Get(ctx, tenantA, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInconsistent, stored.Status, "order quarantined from further automated mutation")
}
