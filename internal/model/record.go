// Package model defines the inventory types shared by the record store, the
// remote client and the sync engine.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SyncStatus is the replication state of a local record.
type SyncStatus string

const (
	// StatusSynced means the local copy matches what the server last acknowledged.
	StatusSynced SyncStatus = "synced"
	// StatusPending means the record carries a local change the server has not seen.
	StatusPending SyncStatus = "pending"
	// StatusConflict means the server rejected a push and returned its own copy.
	// The record stays here until a human resolves it.
	StatusConflict SyncStatus = "conflict"
)

// Valid reports whether s is one of the three known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusSynced, StatusPending, StatusConflict:
		return true
	}
	return false
}

// TempIDPrefix marks identifiers generated on this device for records the
// server has not acknowledged yet.
const TempIDPrefix = "local_"

// NewTemporaryID returns a fresh locally generated identifier.
func NewTemporaryID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id was generated locally.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Record is one inventory entry as held in the local store.
type Record struct {
	// ID is either a temporary id (see [IsTemporaryID]) or the canonical
	// server-issued id. A record never carries both.
	ID string

	ItemName string
	Quantity int
	Price    decimal.Decimal
	Location Location

	// IsDeleted marks a tombstone. Tombstones are hidden from active queries
	// and kept until the server acknowledges the delete.
	IsDeleted bool

	SyncStatus SyncStatus

	// ConflictServer holds the server's copy when SyncStatus is
	// StatusConflict, and is nil otherwise.
	ConflictServer *RemoteRecord

	// LastUpdated is bumped on every local mutation and drives
	// last-writer-wins decisions.
	LastUpdated time.Time

	// SyncedAt is when the server last acknowledged this record. Zero if never.
	SyncedAt time.Time
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	cp := *r
	if r.ConflictServer != nil {
		srv := *r.ConflictServer
		cp.ConflictServer = &srv
	}
	return &cp
}

// IsTemporary reports whether the record has never been acknowledged by the server.
func (r *Record) IsTemporary() bool {
	return IsTemporaryID(r.ID)
}

// NaturalKey returns the business identity of the record.
func (r *Record) NaturalKey() NaturalKey {
	return NewNaturalKey(r.ItemName, r.Location)
}

// Validate checks the field-level invariants of a record.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.ItemName) == "" {
		return fmt.Errorf("item name is required")
	}
	if r.Quantity < 0 {
		return fmt.Errorf("quantity %d must not be negative", r.Quantity)
	}
	if r.Price.IsNegative() {
		return fmt.Errorf("price %s must not be negative", r.Price)
	}
	if !r.Location.Valid() {
		return fmt.Errorf("location %q is not one of %q, %q", r.Location, LocationCStore, LocationRestaurant)
	}
	return nil
}

// ContentHash returns a SHA-256 hex digest of the business fields: name,
// quantity, price and location. Status, timestamps and the tombstone flag are
// not part of it.
func (r *Record) ContentHash() string {
	return contentHash(r.ItemName, r.Quantity, r.Price, r.Location)
}

// Value returns quantity × price.
func (r *Record) Value() decimal.Decimal {
	return r.Price.Mul(decimal.NewFromInt(int64(r.Quantity)))
}

// RemoteRecord is the server's representation of an inventory entry. It is
// also the snapshot type stored in [Record.ConflictServer].
type RemoteRecord struct {
	ID          string
	ItemName    string
	Quantity    int
	Price       decimal.Decimal
	Location    Location
	LastUpdated time.Time
}

// NaturalKey returns the business identity of the remote record.
func (rr *RemoteRecord) NaturalKey() NaturalKey {
	return NewNaturalKey(rr.ItemName, rr.Location)
}

// ContentHash matches [Record.ContentHash] for equal business fields.
func (rr *RemoteRecord) ContentHash() string {
	return contentHash(rr.ItemName, rr.Quantity, rr.Price, rr.Location)
}

// ToRecord materialises the remote copy as a synced local record.
func (rr *RemoteRecord) ToRecord() *Record {
	return &Record{
		ID:          rr.ID,
		ItemName:    rr.ItemName,
		Quantity:    rr.Quantity,
		Price:       rr.Price,
		Location:    rr.Location,
		SyncStatus:  StatusSynced,
		LastUpdated: rr.LastUpdated,
	}
}

// ToRemote projects the business fields of a local record onto the wire type.
func (r *Record) ToRemote() RemoteRecord {
	return RemoteRecord{
		ID:          r.ID,
		ItemName:    r.ItemName,
		Quantity:    r.Quantity,
		Price:       r.Price,
		Location:    r.Location,
		LastUpdated: r.LastUpdated,
	}
}

func contentHash(name string, qty int, price decimal.Decimal, loc Location) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte("|"))
	_, _ = fmt.Fprintf(h, "%d", qty)
	h.Write([]byte("|"))
	// StringFixed keeps "9.9" and "9.90" equal.
	h.Write([]byte(price.StringFixed(4)))
	h.Write([]byte("|"))
	h.Write([]byte(loc))
	return hex.EncodeToString(h.Sum(nil))
}

// NaturalKey identifies an inventory item by business meaning rather than by
// storage id. Two records created independently offline for the same item at
// the same location share a natural key.
type NaturalKey struct {
	Name     string
	Location Location
}

// NewNaturalKey builds a key with the name folded to lower case and trimmed,
// so "Oil Filter" and " oil filter" collide.
func NewNaturalKey(name string, loc Location) NaturalKey {
	return NaturalKey{
		Name:     strings.ToLower(strings.TrimSpace(name)),
		Location: loc,
	}
}

// Equal reports whether two keys identify the same item.
func (k NaturalKey) Equal(other NaturalKey) bool {
	return k.Name == other.Name && k.Location == other.Location
}

// String renders the key for log output.
func (k NaturalKey) String() string {
	return k.Name + "@" + string(k.Location)
}
