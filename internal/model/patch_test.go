package model

import (
	"testing"
)

func TestPatch_Apply(t *testing.T) {
	base := Record{ItemName: "Oil Filter", Quantity: 3, Price: dec("9.99"), Location: LocationCStore}

	r := base
	if err := SetQuantity(7).Apply(&r); err != nil || r.Quantity != 7 {
		t.Errorf("SetQuantity: got %d, err %v", r.Quantity, err)
	}

	r = base
	if err := SetPrice(dec("12.50")).Apply(&r); err != nil || !r.Price.Equal(dec("12.5")) {
		t.Errorf("SetPrice: got %s, err %v", r.Price, err)
	}

	r = base
	if err := SetLocation(LocationRestaurant).Apply(&r); err != nil || r.Location != LocationRestaurant {
		t.Errorf("SetLocation: got %q, err %v", r.Location, err)
	}

	r = base
	if err := SetItemName("  Fuel Filter ").Apply(&r); err != nil || r.ItemName != "Fuel Filter" {
		t.Errorf("SetItemName: got %q, err %v", r.ItemName, err)
	}
}

func TestPatch_ApplyRejectsInvalid(t *testing.T) {
	base := Record{ItemName: "Oil Filter", Quantity: 3, Price: dec("9.99"), Location: LocationCStore}

	for _, p := range []Patch{
		SetQuantity(-2),
		SetPrice(dec("-1")),
		SetLocation("Garage"),
		SetItemName(" "),
		{Field: Field(99)},
	} {
		r := base
		if err := p.Apply(&r); err == nil {
			t.Errorf("Apply(%v) expected error", p.Field)
		}
		if r != base {
			t.Errorf("Apply(%v) modified record on error", p.Field)
		}
	}
}

func TestParsePatch(t *testing.T) {
	tests := []struct {
		field, value string
		want         Field
		wantErr      bool
	}{
		{"qty", "5", FieldQuantity, false},
		{"Quantity", "x", 0, true},
		{"price", "3.25", FieldPrice, false},
		{"price", "three", 0, true},
		{"loc", "resto", FieldLocation, false},
		{"location", "moon", 0, true},
		{"name", "Wipers", FieldItemName, false},
		{"isDeleted", "true", 0, true},
	}
	for _, tt := range tests {
		p, err := ParsePatch(tt.field, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePatch(%q, %q) err = %v, wantErr %v", tt.field, tt.value, err, tt.wantErr)
			continue
		}
		if err == nil && p.Field != tt.want {
			t.Errorf("ParsePatch(%q, %q).Field = %v, want %v", tt.field, tt.value, p.Field, tt.want)
		}
	}
}

func TestDraft_Normalize(t *testing.T) {
	r, err := Draft{ItemName: "  Oil Filter ", Quantity: 3, Price: dec("9.99"), Location: LocationCStore}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r.ItemName != "Oil Filter" || r.SyncStatus != StatusPending || r.ID != "" {
		t.Errorf("unexpected normalized record: %+v", r)
	}

	if _, err := (Draft{ItemName: "", Location: LocationCStore}).Normalize(); err == nil {
		t.Error("expected error for empty name")
	}
}
