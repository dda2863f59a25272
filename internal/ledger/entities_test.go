package ledger

import "testing"

func TestMovementValidate(t *testing.T) {
	key := StockKey{TenantID: "tenant-a", ProductID: "prod-1", WarehouseID: "wh-1"}

	if err := (Movement{Key: key, Quantity: 5, Reason: ReasonReserve}).Validate(); err != nil {
		t.Errorf("expected valid reserve movement, got %v", err)
	}
	if err := (Movement{Key: key, Quantity: 0, Reason: ReasonReserve}).Validate(); err == nil {
		t.Error("expected error for zero-quantity reserve")
	}
	if err := (Movement{Key: key, Quantity: -3, Reason: ReasonRelease}).Validate(); err == nil {
		t.Error("expected error for negative release")
	}
	if err := (Movement{Key: key, Quantity: -3, Reason: ReasonAdjust}).Validate(); err != nil {
		t.Errorf("negative adjust deltas are allowed, got %v", err)
	}
	if err := (Movement{Key: key, Quantity: 1, Reason: Reason("unknown")}).Validate(); err == nil {
		t.Error("expected error for unknown reason")
	}
	if err := (Movement{Key: StockKey{ProductID: "p", WarehouseID: "w"}, Quantity: 1, Reason: ReasonReserve}).Validate(); err == nil {
		t.Error("expected error for missing tenant")
	}
}

func TestMovementDelta(t *testing.T) {
	key := StockKey{TenantID: "t", ProductID: "p", WarehouseID: "w"}

	cases := []struct {
		reason   Reason
		quantity int64
		want     int64
	}{
		{ReasonReserve, 4, -4},
		{ReasonRelease, 4, 4},
		{ReasonCommit, 4, 0},
		{ReasonAdjust, -2, -2},
		{ReasonAdjust, 7, 7},
	}
	for _, c := range cases {
		got := Movement{Key: key, Quantity: c.quantity, Reason: c.reason}.Delta()
		if got != c.want {
			t.Errorf("delta for %s(%d): expected %d, got %d", c.reason, c.quantity, c.want, got)
		}
	}
}
