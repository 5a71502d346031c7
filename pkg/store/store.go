// Package store implements the durable local mirror of server entities,
// the pending-mutation queue, and per-table sync cursors on top of an
// embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	apperrors "github.com/dsprosolution/sync-engine/pkg/app/errors"
)

// ErrNotFound is returned when a record does not exist locally.
var ErrNotFound = errors.New("record not found")

// Predicate filters entities in Query results.
type Predicate func(Entity) bool

// Less orders entities in Query results.
type Less func(a, b Entity) bool

// Store provides local persistence for entities, queued mutations and
// sync cursors. A store that failed to open stays usable in a degraded
// mode: reads come back empty and writes return a store-unavailable error.
type Store struct {
	db     *bun.DB
	logger *zap.Logger

	available bool

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

// Open opens (or creates) the store at path. On failure the returned
// store is non-nil but unavailable, together with the open error, so the
// caller can keep running without local persistence.
func Open(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		logger: logger,
		subs:   make(map[int]*subscriber),
	}

	sqldb, err := sql.Open("sqlite", dsn(path))
	if err == nil {
		// The store is single-process; one connection avoids SQLITE_BUSY.
		sqldb.SetMaxOpenConns(1)
		err = sqldb.Ping()
	}
	if err != nil {
		return s, fmt.Errorf("open local store: %w", err)
	}

	s.db = bun.NewDB(sqldb, sqlitedialect.New())
	s.available = true
	return s, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return ":memory:"
	}
	return "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Available reports whether local persistence is usable.
func (s *Store) Available() bool {
	return s.available
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if !s.available {
		return nil
	}
	return s.db.Close()
}

// Migrate creates tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.Debug("Local store migrated", zap.Int("statements", len(ddl)))
	return nil
}

func (s *Store) guard() error {
	if !s.available {
		return apperrors.StoreUnavailableError(nil)
	}
	return nil
}

func checkTable(table string) error {
	if !IsKnownTable(table) {
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

// Get returns the entity with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, table, id string) (Entity, error) {
	if !s.available {
		return nil, ErrNotFound
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}

	row := new(entityRow)
	err := s.db.NewSelect().
		Model(row).
		ModelTableExpr("? AS entity_row", bun.Ident(table)).
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return row.entity()
}

// Put writes the entity unconditionally, replacing any local version.
func (s *Store) Put(ctx context.Context, table string, ent Entity) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := checkTable(table); err != nil {
		return err
	}
	if err := s.putIn(ctx, s.db, table, ent); err != nil {
		return err
	}
	s.notify(table)
	return nil
}

// PutIfNewer writes the entity only when its updated_at is strictly newer
// than the local version. It reports whether the write was applied. This
// is the guard that keeps a pull from clobbering a just-committed local
// write with an older server copy.
func (s *Store) PutIfNewer(ctx context.Context, table string, ent Entity) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	if err := checkTable(table); err != nil {
		return false, err
	}

	incoming, err := splitEntity(ent)
	if err != nil {
		return false, err
	}

	applied := false
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := new(entityRow)
		err := tx.NewSelect().
			Model(existing).
			ModelTableExpr("? AS entity_row", bun.Ident(table)).
			Where("id = ?", incoming.ID).
			Scan(ctx)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// New record, always applied.
		case err != nil:
			return err
		default:
			if !newerTimestamp(incoming.UpdatedAt, existing.UpdatedAt) {
				return nil
			}
		}
		applied = true
		return upsertRow(ctx, tx, table, incoming)
	})
	if err != nil {
		return false, fmt.Errorf("put if newer %s/%s: %w", table, incoming.ID, err)
	}
	if applied {
		s.notify(table)
	}
	return applied, nil
}

// ApplyPartial merges the given fields into an existing entity.
func (s *Store) ApplyPartial(ctx context.Context, table, id string, fields Entity) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := checkTable(table); err != nil {
		return err
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := new(entityRow)
		err := tx.NewSelect().
			Model(row).
			ModelTableExpr("? AS entity_row", bun.Ident(table)).
			Where("id = ?", id).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		ent, err := row.entity()
		if err != nil {
			return err
		}
		for k, v := range fields {
			if k == "id" {
				continue
			}
			ent[k] = v
		}

		updated, err := splitEntity(ent)
		if err != nil {
			return err
		}
		return upsertRow(ctx, tx, table, updated)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("apply partial %s/%s: %w", table, id, err)
	}
	s.notify(table)
	return nil
}

// Delete removes the entity. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := checkTable(table); err != nil {
		return err
	}

	res, err := s.db.NewDelete().
		Model((*entityRow)(nil)).
		ModelTableExpr("?", bun.Ident(table)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(table)
	}
	return nil
}

// BulkPut writes a batch of entities in one transaction.
func (s *Store) BulkPut(ctx context.Context, table string, ents []Entity) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := checkTable(table); err != nil {
		return err
	}
	if len(ents) == 0 {
		return nil
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, ent := range ents {
			row, err := splitEntity(ent)
			if err != nil {
				return err
			}
			if err := upsertRow(ctx, tx, table, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bulk put %s: %w", table, err)
	}
	s.notify(table)
	return nil
}

// BulkDelete removes a batch of entities in one transaction.
func (s *Store) BulkDelete(ctx context.Context, table string, ids []string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := checkTable(table); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	_, err := s.db.NewDelete().
		Model((*entityRow)(nil)).
		ModelTableExpr("?", bun.Ident(table)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("bulk delete %s: %w", table, err)
	}
	s.notify(table)
	return nil
}

// Query returns a filtered, ordered snapshot of a table. A degraded
// store returns an empty result.
func (s *Store) Query(ctx context.Context, table string, pred Predicate, less Less) ([]Entity, error) {
	if !s.available {
		return []Entity{}, nil
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}

	var rows []entityRow
	err := s.db.NewSelect().
		Model(&rows).
		ModelTableExpr("? AS entity_row", bun.Ident(table)).
		Where("deleted_at IS NULL").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}

	out := make([]Entity, 0, len(rows))
	for i := range rows {
		ent, err := rows[i].entity()
		if err != nil {
			return nil, err
		}
		if pred == nil || pred(ent) {
			out = append(out, ent)
		}
	}
	if less != nil {
		sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out, nil
}

// Count returns the number of live rows in a table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if !s.available {
		return 0, nil
	}
	if err := checkTable(table); err != nil {
		return 0, err
	}
	return s.db.NewSelect().
		Model((*entityRow)(nil)).
		ModelTableExpr("? AS entity_row", bun.Ident(table)).
		Where("deleted_at IS NULL").
		Count(ctx)
}

// MigrateRecordID atomically replaces a provisional local id with the
// server-assigned one: the entity row is rewritten from the server copy
// and every remaining queue entry for the old id is repointed.
func (s *Store) MigrateRecordID(ctx context.Context, table, oldID, newID string, server Entity) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := checkTable(table); err != nil {
		return err
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*entityRow)(nil)).
			ModelTableExpr("?", bun.Ident(table)).
			Where("id = ?", oldID).
			Exec(ctx)
		if err != nil {
			return err
		}

		server["id"] = newID
		row, err := splitEntity(server)
		if err != nil {
			return err
		}
		if err := upsertRow(ctx, tx, table, row); err != nil {
			return err
		}

		var muts []PendingMutation
		err = tx.NewSelect().
			Model(&muts).
			Where("table_name = ?", table).
			Where("record_id = ?", oldID).
			Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		for i := range muts {
			m := &muts[i]
			m.RecordID = newID
			if len(m.Data) > 0 {
				payload, err := m.Payload()
				if err != nil {
					return err
				}
				if id, ok := payload["id"].(string); ok && id == oldID {
					payload["id"] = newID
					if err := m.SetPayload(payload); err != nil {
						return err
					}
				}
			}
			m.UpdatedAt = time.Now().UTC()
			if _, err := tx.NewUpdate().
				Model(m).
				Column("record_id", "data", "updated_at").
				Where("seq = ?", m.Seq).
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("migrate record id %s: %s -> %s: %w", table, oldID, newID, err)
	}
	s.notify(table)
	return nil
}

func (s *Store) putIn(ctx context.Context, idb bun.IDB, table string, ent Entity) error {
	row, err := splitEntity(ent)
	if err != nil {
		return err
	}
	if err := upsertRow(ctx, idb, table, row); err != nil {
		return fmt.Errorf("put %s/%s: %w", table, row.ID, err)
	}
	return nil
}

func upsertRow(ctx context.Context, idb bun.IDB, table string, row *entityRow) error {
	_, err := idb.NewInsert().
		Model(row).
		ModelTableExpr("?", bun.Ident(table)).
		On("CONFLICT (id) DO UPDATE").
		Set("updated_at = EXCLUDED.updated_at").
		Set("deleted_at = EXCLUDED.deleted_at").
		Set("data = EXCLUDED.data").
		Exec(ctx)
	return err
}

func splitEntity(ent Entity) (*entityRow, error) {
	id, _ := ent["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("entity missing id")
	}
	updated, _ := ent["updated_at"].(string)

	var deleted *string
	if v, ok := ent["deleted_at"].(string); ok && v != "" {
		deleted = &v
	}

	data, err := json.Marshal(ent)
	if err != nil {
		return nil, fmt.Errorf("encode entity %s: %w", id, err)
	}
	return &entityRow{ID: id, UpdatedAt: updated, DeletedAt: deleted, Data: data}, nil
}

func (r *entityRow) entity() (Entity, error) {
	ent := Entity{}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &ent); err != nil {
			return nil, fmt.Errorf("decode entity %s: %w", r.ID, err)
		}
	}
	ent["id"] = r.ID
	if r.UpdatedAt != "" {
		ent["updated_at"] = r.UpdatedAt
	}
	if r.DeletedAt != nil {
		ent["deleted_at"] = *r.DeletedAt
	}
	return ent, nil
}

// newerTimestamp reports whether a is strictly newer than b. Timestamps
// are RFC3339 strings from the server; unparseable values fall back to a
// string comparison.
func newerTimestamp(a, b string) bool {
	if b == "" {
		return true
	}
	if a == "" {
		return false
	}
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.After(tb)
	}
	return a > b
}
