// Package queue accepts local mutations: it applies them to the local
// store immediately and records them durably for replay against the
// server.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/dsprosolution/sync-engine/pkg/store"
)

// ErrPendingDelete is returned when a record with a queued delete is
// edited again before the delete has replayed.
var ErrPendingDelete = errors.New("record has a pending delete")

// MutationRequest describes one local write.
type MutationRequest struct {
	Table    string           `validate:"required"`
	RecordID string           `validate:"-"`
	Op       store.MutationOp `validate:"required,oneof=create update delete"`
	Data     store.Entity     `validate:"-"`
}

// Queue is the durable pending-mutation queue. One live entry exists per
// record; superseding edits collapse into it so the entry always carries
// the record's full intended next state.
type Queue struct {
	store    *store.Store
	validate *validator.Validate
	logger   *zap.Logger

	wake chan struct{}
}

// New creates a mutation queue over the local store.
func New(st *store.Store, logger *zap.Logger) *Queue {
	return &Queue{
		store:    st,
		validate: validator.New(),
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Wake signals when the queue has gained work worth draining.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue applies the mutation to the local store and queues it for
// replay. Creates without an id get a provisional local id. The
// returned mutation is nil when the request annihilated a queued create
// (offline create followed by delete).
func (q *Queue) Enqueue(ctx context.Context, req MutationRequest) (*store.PendingMutation, error) {
	if err := q.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}
	if !store.IsKnownTable(req.Table) {
		return nil, fmt.Errorf("invalid mutation: unknown table %q", req.Table)
	}
	switch req.Op {
	case store.OpCreate:
		if len(req.Data) == 0 {
			return nil, fmt.Errorf("invalid mutation: create requires data")
		}
	case store.OpUpdate:
		if req.RecordID == "" {
			return nil, fmt.Errorf("invalid mutation: update requires record id")
		}
		if len(req.Data) == 0 {
			return nil, fmt.Errorf("invalid mutation: update requires data")
		}
	case store.OpDelete:
		if req.RecordID == "" {
			return nil, fmt.Errorf("invalid mutation: delete requires record id")
		}
	}

	if req.Op == store.OpCreate {
		if req.RecordID == "" {
			if id, ok := req.Data["id"].(string); ok && id != "" {
				req.RecordID = id
			} else {
				req.RecordID = store.NewTempID()
			}
		}
		req.Data["id"] = req.RecordID
	}

	active, err := q.store.ActiveMutation(ctx, req.Table, req.RecordID)
	if err != nil {
		return nil, err
	}
	if active != nil && active.Op == store.OpDelete {
		return nil, ErrPendingDelete
	}

	if err := q.applyLocal(ctx, req); err != nil {
		return nil, err
	}

	m, err := q.collapse(ctx, active, req)
	if err != nil {
		return nil, err
	}

	q.nudge()
	if m != nil {
		q.logger.Debug("Mutation queued",
			zap.String("table", m.TableName),
			zap.String("record_id", m.RecordID),
			zap.String("op", string(m.Op)))
	}
	return m, nil
}

func (q *Queue) applyLocal(ctx context.Context, req MutationRequest) error {
	switch req.Op {
	case store.OpCreate:
		return q.store.Put(ctx, req.Table, req.Data)
	case store.OpUpdate:
		err := q.store.ApplyPartial(ctx, req.Table, req.RecordID, req.Data)
		if errors.Is(err, store.ErrNotFound) {
			// Record only exists on the server so far; mirror the
			// intended fields locally anyway.
			ent := make(store.Entity, len(req.Data)+1)
			for k, v := range req.Data {
				ent[k] = v
			}
			ent["id"] = req.RecordID
			return q.store.Put(ctx, req.Table, ent)
		}
		return err
	case store.OpDelete:
		return q.store.Delete(ctx, req.Table, req.RecordID)
	}
	return fmt.Errorf("unknown op %q", req.Op)
}

// collapse folds the request into the record's live queue entry, if any.
func (q *Queue) collapse(ctx context.Context, active *store.PendingMutation, req MutationRequest) (*store.PendingMutation, error) {
	if active == nil {
		m := &store.PendingMutation{
			ID:        store.NewMutationID(),
			TableName: req.Table,
			RecordID:  req.RecordID,
			Op:        req.Op,
			Status:    store.MutationStatusPending,
		}
		if req.Op != store.OpDelete {
			if err := m.SetPayload(req.Data); err != nil {
				return nil, err
			}
		}
		if err := q.store.InsertMutation(ctx, m); err != nil {
			return nil, err
		}
		return m, nil
	}

	switch req.Op {
	case store.OpDelete:
		if active.Op == store.OpCreate && store.IsTempID(req.RecordID) {
			// The server never saw this record; nothing left to send.
			if err := q.store.DeleteMutation(ctx, active.ID); err != nil {
				return nil, err
			}
			return nil, nil
		}
		active.Op = store.OpDelete
		active.Data = nil
		active.Status = store.MutationStatusPending
		active.AttemptCount = 0
		active.LastError = nil
		if err := q.store.UpdateMutation(ctx, active); err != nil {
			return nil, err
		}
		return active, nil

	case store.OpUpdate, store.OpCreate:
		// Fold the new fields into the carried payload; a create stays
		// a create so the server still sees a single insert.
		payload, err := active.Payload()
		if err != nil {
			return nil, err
		}
		for k, v := range req.Data {
			payload[k] = v
		}
		if err := active.SetPayload(payload); err != nil {
			return nil, err
		}
		active.Status = store.MutationStatusPending
		active.AttemptCount = 0
		active.LastError = nil
		if err := q.store.UpdateMutation(ctx, active); err != nil {
			return nil, err
		}
		return active, nil
	}
	return nil, fmt.Errorf("unknown op %q", req.Op)
}

// Retry moves a failed mutation back to pending with a fresh attempt
// budget.
func (q *Queue) Retry(ctx context.Context, mutationID string) error {
	m, err := q.store.GetMutation(ctx, mutationID)
	if err != nil {
		return err
	}
	if m.Status != store.MutationStatusFailed {
		return fmt.Errorf("mutation %s is %s, only failed mutations can be retried", mutationID, m.Status)
	}
	m.Status = store.MutationStatusPending
	m.AttemptCount = 0
	m.LastError = nil
	if err := q.store.UpdateMutation(ctx, m); err != nil {
		return err
	}
	q.nudge()
	return nil
}

// Payload returns a queue entry's current intended payload. Later edits
// collapse into a live entry, so this can differ from what the entry
// carried when a conflict against it was detected.
func (q *Queue) Payload(ctx context.Context, mutationID string) (store.Entity, error) {
	m, err := q.store.GetMutation(ctx, mutationID)
	if err != nil {
		return nil, err
	}
	if m.Op == store.OpDelete {
		return nil, nil
	}
	return m.Payload()
}

// Discard drops a queue entry. Used when a conflict settles in the
// server's favor.
func (q *Queue) Discard(ctx context.Context, mutationID string) error {
	return q.store.DeleteMutation(ctx, mutationID)
}

// Replace rewrites a queue entry's payload and re-arms it for replay.
// Used when a conflict settles with local or merged values.
func (q *Queue) Replace(ctx context.Context, mutationID string, payload store.Entity) error {
	m, err := q.store.GetMutation(ctx, mutationID)
	if err != nil {
		return err
	}
	if err := m.SetPayload(payload); err != nil {
		return err
	}
	m.Status = store.MutationStatusPending
	m.AttemptCount = 0
	m.LastError = nil
	if err := q.store.UpdateMutation(ctx, m); err != nil {
		return err
	}
	q.nudge()
	return nil
}

// Pending returns all pending mutations in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]*store.PendingMutation, error) {
	return q.store.PendingMutations(ctx)
}

// Failed returns all permanently failed mutations.
func (q *Queue) Failed(ctx context.Context) ([]*store.PendingMutation, error) {
	return q.store.FailedMutations(ctx)
}
