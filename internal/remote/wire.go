package remote

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/njoerd114/shelfsync/internal/model"
)

// WireRecord is the JSON shape of a record on the Remote Inventory Service.
// Some deployments still send the id as "_id"; both are accepted on read and
// only "id" is written.
type WireRecord struct {
	ID          string      `json:"id,omitempty"`
	LegacyID    string      `json:"_id,omitempty"`
	ItemName    string      `json:"itemName"`
	Quantity    int         `json:"quantity"`
	Price       json.Number `json:"price"`
	Location    string      `json:"location"`
	LastUpdated *time.Time  `json:"lastUpdated,omitempty"`
}

// conflictBody is the 409 response payload.
type conflictBody struct {
	Server WireRecord `json:"server"`
}

// ToWire converts a model record to its wire form.
func ToWire(rr model.RemoteRecord) WireRecord {
	w := WireRecord{
		ID:       rr.ID,
		ItemName: rr.ItemName,
		Quantity: rr.Quantity,
		Price:    json.Number(rr.Price.String()),
		Location: string(rr.Location),
	}
	if !rr.LastUpdated.IsZero() {
		t := rr.LastUpdated.UTC()
		w.LastUpdated = &t
	}
	return w
}

// FromWire converts a wire record to the model type. Locations are normalized
// so "c-store" from an older client still lands on [model.LocationCStore].
func FromWire(w WireRecord) (model.RemoteRecord, error) {
	id := w.ID
	if id == "" {
		id = w.LegacyID
	}
	if id == "" {
		return model.RemoteRecord{}, fmt.Errorf("remote record %q has no id", w.ItemName)
	}

	price := decimal.Zero
	if s := strings.TrimSpace(w.Price.String()); s != "" {
		p, err := decimal.NewFromString(s)
		if err != nil {
			return model.RemoteRecord{}, fmt.Errorf("remote record %s: price %q: %w", id, s, err)
		}
		price = p
	}

	loc := model.Location(w.Location)
	if norm, ok := model.NormalizeLocation(w.Location); ok {
		loc = norm
	}

	rr := model.RemoteRecord{
		ID:       id,
		ItemName: strings.TrimSpace(w.ItemName),
		Quantity: w.Quantity,
		Price:    price,
		Location: loc,
	}
	if w.LastUpdated != nil {
		rr.LastUpdated = w.LastUpdated.UTC()
	}
	return rr, nil
}
