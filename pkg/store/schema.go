package store

// Table describes one synchronized entity table.
type Table struct {
	// Name is the local table name and the collection segment in server URLs.
	Name string
}

var tables = []Table{
	{Name: "bookkeeping_records"},
	{Name: "sellers"},
	{Name: "accounts"},
	{Name: "collection_runs"},
}

// Tables returns the synchronized entity tables in a stable order.
func Tables() []Table {
	out := make([]Table, len(tables))
	copy(out, tables)
	return out
}

// TableNames returns the names of all synchronized entity tables.
func TableNames() []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}

// IsKnownTable reports whether name is a synchronized entity table.
func IsKnownTable(name string) bool {
	for _, t := range tables {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Entity rows keep the full server object as JSON alongside the columns
// the engine orders and filters on. Secondary indexes cover the fields
// the dashboard filters by.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS bookkeeping_records (
		id TEXT PRIMARY KEY,
		updated_at TEXT NOT NULL DEFAULT '',
		deleted_at TEXT,
		data BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bookkeeping_records_flagged
		ON bookkeeping_records (json_extract(data, '$.flagged'))`,
	`CREATE INDEX IF NOT EXISTS idx_bookkeeping_records_category
		ON bookkeeping_records (json_extract(data, '$.category'))`,

	`CREATE TABLE IF NOT EXISTS sellers (
		id TEXT PRIMARY KEY,
		updated_at TEXT NOT NULL DEFAULT '',
		deleted_at TEXT,
		data BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sellers_platform
		ON sellers (json_extract(data, '$.platform'))`,
	`CREATE INDEX IF NOT EXISTS idx_sellers_flagged
		ON sellers (json_extract(data, '$.flagged'))`,

	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		updated_at TEXT NOT NULL DEFAULT '',
		deleted_at TEXT,
		data BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_archived
		ON accounts (json_extract(data, '$.archived'))`,

	`CREATE TABLE IF NOT EXISTS collection_runs (
		id TEXT PRIMARY KEY,
		updated_at TEXT NOT NULL DEFAULT '',
		deleted_at TEXT,
		data BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_collection_runs_status
		ON collection_runs (json_extract(data, '$.status'))`,
	`CREATE INDEX IF NOT EXISTS idx_collection_runs_seller
		ON collection_runs (json_extract(data, '$.seller_id'))`,

	`CREATE TABLE IF NOT EXISTS pending_mutations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		op TEXT NOT NULL,
		data BLOB,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_mutations_record
		ON pending_mutations (table_name, record_id)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_mutations_status
		ON pending_mutations (status)`,

	`CREATE TABLE IF NOT EXISTS sync_state (
		table_name TEXT PRIMARY KEY,
		cursor TEXT,
		last_sync_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`,
}
