package order

import "sort"

// Delta is one ledger operation the differ asks for: a quantity against a
// product/warehouse key. Release deltas carry the full previously reserved
// quantity so a rollback knows what to restore.
type Delta struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int64  `json:"quantity"`
}

// DeltaSet is the differ's output: the releases and reserves that turn the
// previous line set into the new one.
type DeltaSet struct {
	ToRelease []Delta
	ToReserve []Delta
}

// Empty reports whether the mutation needs no ledger work at all.
func (d DeltaSet) Empty() bool {
	return len(d.ToRelease) == 0 && len(d.ToReserve) == 0
}

type lineKey struct {
	productID   string
	warehouseID string
}

// Diff computes the minimal ledger deltas between an order's previous and
// proposed line sets. Per key:
//
//	removed line      -> release(prev)
//	decreased line    -> release(prev) + reserve(new)
//	increased line    -> reserve(new - prev)
//	new line          -> reserve(new)
//	unchanged line    -> nothing
//
// A warehouse change is a removed key plus a new key. Identical inputs
// produce an empty set: every ledger operation carries real contention
// cost, so net no-ops are never emitted. Output ordering is deterministic.
func Diff(previous, next []Line) DeltaSet {
	prev := aggregate(previous)
	want := aggregate(next)

	var set DeltaSet
	for key, prevQty := range prev {
		newQty := want[key]
		switch {
		case newQty == prevQty:
			// untouched
		case newQty == 0:
			set.ToRelease = append(set.ToRelease, Delta{key.productID, key.warehouseID, prevQty})
		case newQty > prevQty:
			set.ToReserve = append(set.ToReserve, Delta{key.productID, key.warehouseID, newQty - prevQty})
		default:
			// Decreases release the whole old claim and re-reserve the new
			// quantity: reservations only ever grow in place.
			set.ToRelease = append(set.ToRelease, Delta{key.productID, key.warehouseID, prevQty})
			set.ToReserve = append(set.ToReserve, Delta{key.productID, key.warehouseID, newQty})
		}
	}
	for key, newQty := range want {
		if _, existed := prev[key]; !existed {
			set.ToReserve = append(set.ToReserve, Delta{key.productID, key.warehouseID, newQty})
		}
	}

	sortDeltas(set.ToRelease)
	sortDeltas(set.ToReserve)
	return set
}

// aggregate merges duplicate keys in a line payload and drops non-positive
// quantities (a zero line is a removal).
func aggregate(lines []Line) map[lineKey]int64 {
	quantities := make(map[lineKey]int64, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		quantities[lineKey{line.ProductID, line.WarehouseID}] += line.Quantity
	}
	return quantities
}

func sortDeltas(deltas []Delta) {
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].ProductID != deltas[j].ProductID {
			return deltas[i].ProductID < deltas[j].ProductID
		}
		return deltas[i].WarehouseID < deltas[j].WarehouseID
	})
}

// NormalizeLines validates and canonicalizes a line payload: duplicate keys
// merge, ordering is deterministic.
func NormalizeLines(lines []Line) ([]Line, error) {
	for _, line := range lines {
		if err := line.Validate(); err != nil {
			return nil, err
		}
	}
	quantities := aggregate(lines)
	normalized := make([]Line, 0, len(quantities))
	for key, qty := range quantities {
		normalized = append(normalized, Line{ProductID: key.productID, WarehouseID: key.warehouseID, Quantity: qty})
	}
	sort.Slice(normalized, func(i, j int) bool {
		if normalized[i].ProductID != normalized[j].ProductID {
			return normalized[i].ProductID < normalized[j].ProductID
		}
		return normalized[i].WarehouseID < normalized[j].WarehouseID
	})
	return normalized, nil
}
