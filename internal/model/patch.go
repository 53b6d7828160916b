package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Field names one of the user-editable fields of a record.
type Field int

const (
	FieldItemName Field = iota + 1
	FieldQuantity
	FieldPrice
	FieldLocation
)

// String returns the wire name of the field.
func (f Field) String() string {
	switch f {
	case FieldItemName:
		return "itemName"
	case FieldQuantity:
		return "quantity"
	case FieldPrice:
		return "price"
	case FieldLocation:
		return "location"
	default:
		return fmt.Sprintf("Field(%d)", int(f))
	}
}

// Patch is a single-field edit. Only the value matching Field is read; build
// one with [SetItemName], [SetQuantity], [SetPrice] or [SetLocation].
type Patch struct {
	Field    Field
	ItemName string
	Quantity int
	Price    decimal.Decimal
	Location Location
}

func SetItemName(name string) Patch { return Patch{Field: FieldItemName, ItemName: name} }

func SetQuantity(qty int) Patch { return Patch{Field: FieldQuantity, Quantity: qty} }

func SetPrice(p decimal.Decimal) Patch { return Patch{Field: FieldPrice, Price: p} }

func SetLocation(l Location) Patch { return Patch{Field: FieldLocation, Location: l} }

// Apply writes the patched field into r after validating the new value. r is
// left untouched on error.
func (p Patch) Apply(r *Record) error {
	switch p.Field {
	case FieldItemName:
		name := strings.TrimSpace(p.ItemName)
		if name == "" {
			return fmt.Errorf("item name is required")
		}
		r.ItemName = name
	case FieldQuantity:
		if p.Quantity < 0 {
			return fmt.Errorf("quantity %d must not be negative", p.Quantity)
		}
		r.Quantity = p.Quantity
	case FieldPrice:
		if p.Price.IsNegative() {
			return fmt.Errorf("price %s must not be negative", p.Price)
		}
		r.Price = p.Price
	case FieldLocation:
		if !p.Location.Valid() {
			return fmt.Errorf("location %q is not valid", p.Location)
		}
		r.Location = p.Location
	default:
		return fmt.Errorf("unknown patch field %v", p.Field)
	}
	return nil
}

// ParsePatch builds a patch from a field name and a textual value, as typed
// on the command line. Field names are matched case-insensitively and accept
// "name"/"qty" shorthands.
func ParsePatch(field, value string) (Patch, error) {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "itemname", "item_name", "name":
		return SetItemName(value), nil
	case "quantity", "qty":
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return Patch{}, fmt.Errorf("quantity %q is not an integer", value)
		}
		return SetQuantity(n), nil
	case "price":
		d, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return Patch{}, fmt.Errorf("price %q is not a decimal", value)
		}
		return SetPrice(d), nil
	case "location", "loc":
		loc, err := ParseLocation(value)
		if err != nil {
			return Patch{}, err
		}
		return SetLocation(loc), nil
	}
	return Patch{}, fmt.Errorf("field %q cannot be edited (want name, quantity, price or location)", field)
}

// Draft is user input for a new record before it is assigned an id.
type Draft struct {
	ItemName string
	Quantity int
	Price    decimal.Decimal
	Location Location
}

// Normalize trims the name and validates the draft, returning a pending
// record without an id.
func (d Draft) Normalize() (*Record, error) {
	r := &Record{
		ItemName:   strings.TrimSpace(d.ItemName),
		Quantity:   d.Quantity,
		Price:      d.Price,
		Location:   d.Location,
		SyncStatus: StatusPending,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
