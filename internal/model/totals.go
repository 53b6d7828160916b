package model

import (
	"sort"

	"github.com/shopspring/decimal"
)

// LocationTotals aggregates active records stocked at one location.
type LocationTotals struct {
	Items int
	Units int
	Value decimal.Decimal
}

// Totals is the per-location and overall inventory value.
type Totals struct {
	ByLocation map[Location]LocationTotals
	Overall    decimal.Decimal
}

// ComputeTotals sums count, units and quantity × price per location. Tombstoned
// records and records with an unknown location are skipped.
func ComputeTotals(records []*Record) Totals {
	t := Totals{ByLocation: make(map[Location]LocationTotals, len(Locations))}
	for _, loc := range Locations {
		t.ByLocation[loc] = LocationTotals{}
	}

	for _, r := range records {
		if r == nil || r.IsDeleted || !r.Location.Valid() {
			continue
		}
		lt := t.ByLocation[r.Location]
		lt.Items++
		lt.Units += r.Quantity
		lt.Value = lt.Value.Add(r.Value())
		t.ByLocation[r.Location] = lt
		t.Overall = t.Overall.Add(r.Value())
	}
	return t
}

// LowStock returns active records whose quantity is at or below threshold,
// lowest quantity first.
func LowStock(records []*Record, threshold int) []*Record {
	var out []*Record
	for _, r := range records {
		if r == nil || r.IsDeleted {
			continue
		}
		if r.Quantity <= threshold {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Quantity != out[j].Quantity {
			return out[i].Quantity < out[j].Quantity
		}
		return out[i].ItemName < out[j].ItemName
	})
	return out
}
