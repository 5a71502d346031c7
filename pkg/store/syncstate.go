package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSyncState returns the pull cursor row for a table, or nil when the
// table has never been synced.
func (s *Store) GetSyncState(ctx context.Context, table string) (*SyncState, error) {
	if !s.available {
		return nil, nil
	}
	st := new(SyncState)
	err := s.db.NewSelect().Model(st).Where("table_name = ?", table).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state %s: %w", table, err)
	}
	return st, nil
}

// ListSyncStates returns the cursor rows for all tables.
func (s *Store) ListSyncStates(ctx context.Context) ([]*SyncState, error) {
	if !s.available {
		return nil, nil
	}
	var states []*SyncState
	err := s.db.NewSelect().Model(&states).Order("table_name ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}
	return states, nil
}

// SetSyncCursor persists the mid-sync cursor so an interrupted pull
// resumes where it stopped.
func (s *Store) SetSyncCursor(ctx context.Context, table, cursor string) error {
	if err := s.guard(); err != nil {
		return err
	}
	st := &SyncState{
		TableName: table,
		Cursor:    &cursor,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(st).
		On("CONFLICT (table_name) DO UPDATE").
		Set("cursor = EXCLUDED.cursor").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set sync cursor %s: %w", table, err)
	}
	return nil
}

// CompleteSync clears the cursor and stamps the last full sync time.
func (s *Store) CompleteSync(ctx context.Context, table string, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	at = at.UTC()
	st := &SyncState{
		TableName:  table,
		Cursor:     nil,
		LastSyncAt: &at,
		UpdatedAt:  time.Now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(st).
		On("CONFLICT (table_name) DO UPDATE").
		Set("cursor = NULL").
		Set("last_sync_at = EXCLUDED.last_sync_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("complete sync %s: %w", table, err)
	}
	return nil
}
