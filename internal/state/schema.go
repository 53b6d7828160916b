package state

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// schema is the base table. It is only ever created, never rewritten: later
// fields are appended through additiveColumns so existing databases upgrade
// in place without losing rows.
const schema = `
CREATE TABLE IF NOT EXISTS inventory (
    id           TEXT    PRIMARY KEY,
    item_name    TEXT    NOT NULL,
    quantity     INTEGER NOT NULL DEFAULT 0,
    price        TEXT    NOT NULL DEFAULT '0',
    location     TEXT    NOT NULL,
    is_deleted   INTEGER NOT NULL DEFAULT 0,
    sync_status  TEXT    NOT NULL DEFAULT 'pending',
    last_updated TEXT    NOT NULL DEFAULT ''
);
`

// additiveColumns lists columns added after the first release, in order.
var additiveColumns = []struct {
	name string
	ddl  string
}{
	{"conflict_server", `ALTER TABLE inventory ADD COLUMN conflict_server TEXT NOT NULL DEFAULT ''`},
	{"synced_at", `ALTER TABLE inventory ADD COLUMN synced_at TEXT NOT NULL DEFAULT ''`},
}

const indexes = `
CREATE INDEX IF NOT EXISTS idx_inventory_sync_status  ON inventory (sync_status);
CREATE INDEX IF NOT EXISTS idx_inventory_is_deleted   ON inventory (is_deleted);
CREATE INDEX IF NOT EXISTS idx_inventory_last_updated ON inventory (last_updated);
`

// migrate applies the schema idempotently: CREATE IF NOT EXISTS for the table
// and indexes, ADD COLUMN for any additive column the file is missing.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	existing, err := columnNames(db, "inventory")
	if err != nil {
		return err
	}
	for _, col := range additiveColumns {
		if existing[col.name] {
			continue
		}
		if _, err := db.Exec(col.ddl); err != nil {
			return fmt.Errorf("adding column %s: %w", col.name, err)
		}
	}

	_, err = db.Exec(indexes)
	return err
}

func columnNames(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning column name: %w", err)
		}
		names[name] = true
	}
	return names, rows.Err()
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing price %q: %w", s, err)
	}
	return d, nil
}
