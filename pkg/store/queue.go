package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// InsertMutation appends a queue entry.
func (s *Store) InsertMutation(ctx context.Context, m *PendingMutation) error {
	if err := s.guard(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = MutationStatusPending
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("insert mutation: %w", err)
	}
	return nil
}

// GetMutation returns a queue entry by id, or ErrNotFound.
func (s *Store) GetMutation(ctx context.Context, id string) (*PendingMutation, error) {
	if !s.available {
		return nil, ErrNotFound
	}
	m := new(PendingMutation)
	err := s.db.NewSelect().Model(m).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mutation %s: %w", id, err)
	}
	return m, nil
}

// ActiveMutation returns the live (pending or in-flight) queue entry for
// a record, or nil when none exists. At most one such entry exists per
// record; it carries the record's full intended next state.
func (s *Store) ActiveMutation(ctx context.Context, table, recordID string) (*PendingMutation, error) {
	if !s.available {
		return nil, nil
	}
	m := new(PendingMutation)
	err := s.db.NewSelect().
		Model(m).
		Where("table_name = ?", table).
		Where("record_id = ?", recordID).
		Where("status IN (?)", bun.In([]string{
			string(MutationStatusPending),
			string(MutationStatusInFlight),
		})).
		Order("seq DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active mutation %s/%s: %w", table, recordID, err)
	}
	return m, nil
}

// PendingMutations returns all pending entries in enqueue order.
func (s *Store) PendingMutations(ctx context.Context) ([]*PendingMutation, error) {
	return s.mutationsByStatus(ctx, MutationStatusPending)
}

// FailedMutations returns permanently failed entries in enqueue order.
func (s *Store) FailedMutations(ctx context.Context) ([]*PendingMutation, error) {
	return s.mutationsByStatus(ctx, MutationStatusFailed)
}

func (s *Store) mutationsByStatus(ctx context.Context, status MutationStatus) ([]*PendingMutation, error) {
	if !s.available {
		return nil, nil
	}
	var muts []*PendingMutation
	err := s.db.NewSelect().
		Model(&muts).
		Where("status = ?", status).
		Order("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s mutations: %w", status, err)
	}
	return muts, nil
}

// AllMutations returns every queue entry in enqueue order.
func (s *Store) AllMutations(ctx context.Context) ([]*PendingMutation, error) {
	if !s.available {
		return nil, nil
	}
	var muts []*PendingMutation
	err := s.db.NewSelect().Model(&muts).Order("seq ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	return muts, nil
}

// UpdateMutation persists payload, status, attempt count and error text.
func (s *Store) UpdateMutation(ctx context.Context, m *PendingMutation) error {
	if err := s.guard(); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	_, err := s.db.NewUpdate().
		Model(m).
		Column("record_id", "op", "data", "status", "attempt_count", "last_error", "updated_at").
		Where("seq = ?", m.Seq).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update mutation %s: %w", m.ID, err)
	}
	return nil
}

// DeleteMutation removes a queue entry.
func (s *Store) DeleteMutation(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.NewDelete().
		Model((*PendingMutation)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete mutation %s: %w", id, err)
	}
	return nil
}

// ResetInFlightMutations moves entries stranded in_flight by a crash or
// shutdown back to pending. Replays are idempotent enough to re-send.
func (s *Store) ResetInFlightMutations(ctx context.Context) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.NewUpdate().
		Model((*PendingMutation)(nil)).
		Set("status = ?", MutationStatusPending).
		Set("updated_at = ?", time.Now().UTC()).
		Where("status = ?", MutationStatusInFlight).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MutationCounts returns queue depth by status.
func (s *Store) MutationCounts(ctx context.Context) (map[MutationStatus]int, error) {
	counts := map[MutationStatus]int{
		MutationStatusPending:  0,
		MutationStatusInFlight: 0,
		MutationStatusFailed:   0,
	}
	if !s.available {
		return counts, nil
	}

	var rows []struct {
		Status MutationStatus `bun:"status"`
		N      int            `bun:"n"`
	}
	err := s.db.NewSelect().
		Model((*PendingMutation)(nil)).
		ColumnExpr("status, count(*) AS n").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("count mutations: %w", err)
	}
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
