package model

import (
	"fmt"
	"regexp"
	"strings"
)

// Location is where an inventory item is stocked.
type Location string

const (
	// LocationCStore is the convenience store.
	LocationCStore Location = "C-Store"
	// LocationRestaurant is the restaurant.
	LocationRestaurant Location = "Restaurant"
)

// Locations lists every location in display order.
var Locations = []Location{LocationCStore, LocationRestaurant}

// Valid reports whether l is a canonical location.
func (l Location) Valid() bool {
	return l == LocationCStore || l == LocationRestaurant
}

var (
	cStorePattern     = regexp.MustCompile(`^c[\W_]*store`)
	restaurantPattern = regexp.MustCompile(`^rest(aurant)?`)
)

// NormalizeLocation maps free text to a canonical location. "c", "cstore",
// "c-store", "c store" and "store" map to C-Store; "r", "resto" and anything
// starting with "rest" map to Restaurant. The boolean is false when nothing
// matches.
func NormalizeLocation(raw string) (Location, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return "", false
	}

	switch v {
	case "c", "cstore", "c-store", "c store", "store":
		return LocationCStore, true
	case "r", "restaurant", "resto":
		return LocationRestaurant, true
	}
	if cStorePattern.MatchString(v) {
		return LocationCStore, true
	}
	if restaurantPattern.MatchString(v) {
		return LocationRestaurant, true
	}
	return "", false
}

// ParseLocation is [NormalizeLocation] with an error for unknown input.
func ParseLocation(raw string) (Location, error) {
	loc, ok := NormalizeLocation(raw)
	if !ok {
		return "", fmt.Errorf("unknown location %q (want %q or %q)", raw, LocationCStore, LocationRestaurant)
	}
	return loc, nil
}
