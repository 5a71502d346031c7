package processor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/dsprosolution/sync-engine/pkg/app/errors"
	"github.com/dsprosolution/sync-engine/pkg/conflict"
	"github.com/dsprosolution/sync-engine/pkg/queue"
	"github.com/dsprosolution/sync-engine/pkg/store"
)

func newTestProcessor(t *testing.T, api *MockAPI) (*Processor, *store.Store, *queue.Queue, *conflict.Manager) {
	t.Helper()
	st, err := store.Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, zap.NewNop())
	cm := conflict.NewManager(st, q, zap.NewNop())
	p, err := New(st, api, cm, zap.NewNop(), Options{
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, st, q, cm
}

func TestProcessor_Create_AdoptsServerID(t *testing.T) {
	api := &MockAPI{
		CreateEntityFunc: func(_ context.Context, _ string, payload store.Entity) (store.Entity, error) {
			if _, hasID := payload["id"]; hasID {
				t.Error("Expected provisional id stripped from create payload")
			}
			out := store.Entity{"id": "srv-1", "updated_at": "2026-08-10T00:00:00Z"}
			for k, v := range payload {
				out[k] = v
			}
			return out, nil
		},
	}
	p, st, q, _ := newTestProcessor(t, api)
	ctx := context.Background()

	created, err := q.Enqueue(ctx, queue.MutationRequest{
		Table: "sellers", Op: store.OpCreate, Data: store.Entity{"name": "new seller"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	outcome, err := p.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if outcome.Processed != 1 || outcome.Failed != 0 {
		t.Errorf("Expected 1 processed, got %+v", outcome)
	}

	ent, err := st.Get(ctx, "sellers", "srv-1")
	if err != nil {
		t.Fatalf("Get server id failed: %v", err)
	}
	if ent["name"] != "new seller" {
		t.Errorf("Expected server row locally, got %v", ent)
	}
	if _, err := st.Get(ctx, "sellers", created.RecordID); err == nil {
		t.Error("Expected provisional row replaced")
	}
	if muts, _ := st.AllMutations(ctx); len(muts) != 0 {
		t.Errorf("Expected empty queue, got %d entries", len(muts))
	}
}

func TestProcessor_Update_WritesServerTruth(t *testing.T) {
	api := &MockAPI{
		UpdateEntityFunc: func(_ context.Context, _, id string, payload store.Entity) (store.Entity, error) {
			out := store.Entity{"id": id, "updated_at": "2026-08-11T00:00:00Z", "normalized": true}
			for k, v := range payload {
				if k != "id" && k != "updated_at" {
					out[k] = v
				}
			}
			return out, nil
		},
	}
	p, st, q, _ := newTestProcessor(t, api)
	ctx := context.Background()

	if err := st.Put(ctx, "accounts", store.Entity{"id": "a-1", "updated_at": "2026-08-01T00:00:00Z"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.MutationRequest{
		Table: "accounts", RecordID: "a-1", Op: store.OpUpdate, Data: store.Entity{"name": "renamed"},
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	outcome, err := p.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if outcome.Processed != 1 {
		t.Fatalf("Expected 1 processed, got %+v", outcome)
	}

	ent, _ := st.Get(ctx, "accounts", "a-1")
	if ent["normalized"] != true || ent["updated_at"] != "2026-08-11T00:00:00Z" {
		t.Errorf("Expected server truth mirrored locally, got %v", ent)
	}
}

func TestProcessor_LocalApplyFailureDoesNotResend(t *testing.T) {
	attempts := 0
	api := &MockAPI{
		UpdateEntityFunc: func(context.Context, string, string, store.Entity) (store.Entity, error) {
			attempts++
			// Server accepted the write but its response cannot be
			// mirrored locally (no id to key the row on).
			return store.Entity{"updated_at": "2026-08-11T00:00:00Z"}, nil
		},
	}
	p, st, q, _ := newTestProcessor(t, api)
	ctx := context.Background()

	if err := st.Put(ctx, "accounts", store.Entity{"id": "a-1", "updated_at": "2026-08-01T00:00:00Z"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.MutationRequest{
		Table: "accounts", RecordID: "a-1", Op: store.OpUpdate,
		Data: store.Entity{"id": "a-1", "name": "x"},
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	outcome, err := p.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected exactly one send despite the local failure, got %d", attempts)
	}
	if outcome.Processed != 1 || outcome.Failed != 0 {
		t.Errorf("Expected mutation settled, got %+v", outcome)
	}
	if muts, _ := st.AllMutations(ctx); len(muts) != 0 {
		t.Errorf("Expected empty queue, got %d entries", len(muts))
	}
}

func TestProcessor_TransientThenSuccess(t *testing.T) {
	attempts := 0
	api := &MockAPI{
		UpdateEntityFunc: func(_ context.Context, _, id string, payload store.Entity) (store.Entity, error) {
			attempts++
			if attempts == 1 {
				return nil, apperrors.FromStatusCode(500, "internal error")
			}
			return payload, nil
		},
	}
	p, st, q, _ := newTestProcessor(t, api)
	ctx := context.Background()

	if err := st.Put(ctx, "accounts", store.Entity{"id": "a-1", "updated_at": "2026-08-01T00:00:00Z"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.MutationRequest{
		Table: "accounts", RecordID: "a-1", Op: store.OpUpdate,
		Data: store.Entity{"id": "a-1", "name": "x"},
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	outcome, err := p.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if outcome.Processed != 1 || attempts != 2 {
		t.Errorf("Expected success on second attempt, got %+v after %d attempts", outcome, attempts)
	}
}

func TestProcessor_TransientExhaustion(t *testing.T) {
	attempts := 0
	api := &MockAPI{
		UpdateEntityFunc: func(context.Context, string, string, store.Entity) (store.Entity, error) {
			attempts++
			return nil, apperrors.FromStatusCode(503, "maintenance window")
		},
	}
	p, st, q, _ := newTestProcessor(t, api)
	ctx := context.Background()

	if err := st.Put(ctx, "accounts", store.Entity{"id": "a-1", "updated_at": "2026-08-01T00:00:00Z"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	m, err := q.Enqueue(ctx, queue.MutationRequest{
		Table: "accounts", RecordID: "a-1", Op: store.OpUpdate,
		Data: store.Entity{"id": "a-1", "name": "x"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	outcome, err := p.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if outcome.Failed != 1 || attempts != 3 {
		t.Errorf("Expected permanent failure after 3 attempts, got %+v after %d", outcome, attempts)
	}

	got, _ := st.GetMutation(ctx, m.ID)
	if got.Status != store.MutationStatusFailed {
		t.Errorf("Expected failed status, got %s", got.Status)
	}
	if got.LastError == nil || *got.LastError != "maintenance window" {
		t.Errorf("Expected server message preserved, got %v", got.LastError)
	}
}

func TestProcessor_ValidationFailsImmediately(t *testing.T) {
	attempts := 0
	api := &MockAPI{
		UpdateEntityFunc: func(context.Context, string, string, store.Entity) (store.Entity, error) {
			attempts++
			return nil, apperrors.FromStatusCode(422, "amount must be positive")
		},
	}
	p, st, q, _ := newTestProcessor(t, api)
	ctx := context.Background()

	if err := st.Put(ctx, "bookkeeping_records", store.Entity{"id": "r-1", "updated_at": "2026-08-01T00:00:00Z"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	m, err := q.Enqueue(ctx, queue.MutationRequest{
		Table: "bookkeeping_records", RecordID: "r-1", Op: store.OpUpdate,
		Data: store.Entity{"id": "r-1", "amount_cents": -5},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	outcome, err := p.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if outcome.Failed != 1 || attempts != 1 {
		t.Errorf("Expected one rejected attempt without retries, got %+v after %d", outcome, attempts)
	}

	got, _ := st.GetMutation(ctx, m.ID)
	if got.LastError == nil || *got.LastError != "amount must be positive" {
		t.Errorf("Expected rejection reason verbatim, got %v", got.LastError)
	}
}

func TestProcessor_Conflict_BlocksRecord(t *testing.T) {
	serverVersion := store.Entity{
		"id": "r-1", "updated_at": "2026-08-12T00:00:00Z", "category": "server category",
	}
	api := &MockAPI{
		UpdateEntityFunc: func(context.Context, string, string, store.Entity) (store.Entity, error) {
			return nil, apperrors.FromStatusCode(409, "record was modified")
		},
		FetchEntityFunc: func(context.Context, string, string) (store.Entity, error) {
			return serverVersion, nil
		},
	}
	p, st, q, cm := newTestProcessor(t, api)
	ctx := context.Background()

	if err := st.Put(ctx, "bookkeeping_records", store.Entity{"id": "r-1", "updated_at": "2026-08-01T00:00:00Z"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	m, err := q.Enqueue(ctx, queue.MutationRequest{
		Table: "bookkeeping_records", RecordID: "r-1", Op: store.OpUpdate,
		Data: store.Entity{"id": "r-1", "category": "local category"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	outcome, err := p.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if outcome.Conflicts != 1 {
		t.Fatalf("Expected 1 conflict, got %+v", outcome)
	}

	c := cm.Current()
	if c == nil {
		t.Fatal("Expected an open conflict")
	}
	if len(c.Fields) != 1 || c.Fields[0] != "category" {
		t.Errorf("Expected [category] conflicting, got %v", c.Fields)
	}
	if c.MutationID != m.ID {
		t.Errorf("Expected conflict bound to mutation %s, got %s", m.ID, c.MutationID)
	}

	got, _ := st.GetMutation(ctx, m.ID)
	if got.Status != store.MutationStatusPending {
		t.Errorf("Expected mutation kept pending behind the conflict, got %s", got.Status)
	}

	// A further pass must not touch the blocked record.
	before := len(api.Calls())
	if _, err := p.ProcessQueue(ctx); err != nil {
		t.Fatalf("second ProcessQueue failed: %v", err)
	}
	if len(api.Calls()) != before {
		t.Errorf("Expected blocked record skipped, got calls %v", api.Calls())
	}
}

func TestProcessor_Conflict_AgreeingSettlesSilently(t *testing.T) {
	api := &MockAPI{
		UpdateEntityFunc: func(context.Context, string, string, store.Entity) (store.Entity, error) {
			return nil, apperrors.FromStatusCode(409, "record was modified")
		},
		FetchEntityFunc: func(context.Context, string, string) (store.Entity, error) {
			// Someone else already wrote the same value.
			return store.Entity{
				"id": "r-1", "updated_at": "2026-08-12T00:00:00Z", "flagged": true,
			}, nil
		},
	}
	p, st, q, cm := newTestProcessor(t, api)
	ctx := context.Background()

	if err := st.Put(ctx, "bookkeeping_records", store.Entity{"id": "r-1", "updated_at": "2026-08-01T00:00:00Z"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.MutationRequest{
		Table: "bookkeeping_records", RecordID: "r-1", Op: store.OpUpdate,
		Data: store.Entity{"id": "r-1", "flagged": true},
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	outcome, err := p.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if outcome.Processed != 1 || outcome.Conflicts != 0 {
		t.Errorf("Expected silent settle, got %+v", outcome)
	}
	if cm.OpenCount() != 0 {
		t.Error("Expected no surfaced conflict")
	}

	ent, _ := st.Get(ctx, "bookkeeping_records", "r-1")
	if ent["updated_at"] != "2026-08-12T00:00:00Z" {
		t.Errorf("Expected server version adopted, got %v", ent)
	}
	if muts, _ := st.AllMutations(ctx); len(muts) != 0 {
		t.Errorf("Expected empty queue, got %d entries", len(muts))
	}
}

func TestProcessor_Conflict_ServerDeletedRecord(t *testing.T) {
	api := &MockAPI{
		UpdateEntityFunc: func(context.Context, string, string, store.Entity) (store.Entity, error) {
			return nil, apperrors.FromStatusCode(409, "record was modified")
		},
		FetchEntityFunc: func(context.Context, string, string) (store.Entity, error) {
			return nil, apperrors.ResourceNotFoundError(nil, "record not found")
		},
	}
	p, st, q, _ := newTestProcessor(t, api)
	ctx := context.Background()

	if err := st.Put(ctx, "accounts", store.Entity{"id": "a-1", "updated_at": "2026-08-01T00:00:00Z"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.MutationRequest{
		Table: "accounts", RecordID: "a-1", Op: store.OpUpdate,
		Data: store.Entity{"id": "a-1", "name": "too late"},
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := p.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}

	if _, err := st.Get(ctx, "accounts", "a-1"); err == nil {
		t.Error("Expected local row dropped after server-side delete")
	}
	if muts, _ := st.AllMutations(ctx); len(muts) != 0 {
		t.Errorf("Expected empty queue, got %d entries", len(muts))
	}
}

func TestProcessor_Unauthorized_AbortsPass(t *testing.T) {
	attempts := 0
	api := &MockAPI{
		UpdateEntityFunc: func(context.Context, string, string, store.Entity) (store.Entity, error) {
			attempts++
			return nil, apperrors.UnAuthorizedError(nil, "token expired")
		},
	}
	p, st, q, _ := newTestProcessor(t, api)
	ctx := context.Background()

	if err := st.Put(ctx, "accounts", store.Entity{"id": "a-1", "updated_at": "2026-08-01T00:00:00Z"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	m, err := q.Enqueue(ctx, queue.MutationRequest{
		Table: "accounts", RecordID: "a-1", Op: store.OpUpdate,
		Data: store.Entity{"id": "a-1", "name": "x"},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	outcome, err := p.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if !outcome.Aborted || attempts != 1 {
		t.Errorf("Expected aborted pass after one attempt, got %+v after %d", outcome, attempts)
	}

	got, _ := st.GetMutation(ctx, m.ID)
	if got.Status != store.MutationStatusPending {
		t.Errorf("Expected mutation left pending, got %s", got.Status)
	}
}

func TestProcessor_DeleteOfMissingRecordSucceeds(t *testing.T) {
	api := &MockAPI{
		DeleteEntityFunc: func(context.Context, string, string) error {
			return apperrors.ResourceNotFoundError(nil, "record not found")
		},
	}
	p, st, q, _ := newTestProcessor(t, api)
	ctx := context.Background()

	if err := st.Put(ctx, "accounts", store.Entity{"id": "a-1", "updated_at": "2026-08-01T00:00:00Z"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.MutationRequest{Table: "accounts", RecordID: "a-1", Op: store.OpDelete}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	outcome, err := p.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if outcome.Processed != 1 {
		t.Errorf("Expected delete of a missing record to count as done, got %+v", outcome)
	}
}

func TestProcessor_TableOrderPreserved(t *testing.T) {
	api := &MockAPI{
		UpdateEntityFunc: func(_ context.Context, _, id string, payload store.Entity) (store.Entity, error) {
			return payload, nil
		},
	}
	p, st, q, _ := newTestProcessor(t, api)
	ctx := context.Background()

	for _, id := range []string{"a-1", "a-2", "a-3"} {
		if err := st.Put(ctx, "accounts", store.Entity{"id": id, "updated_at": "2026-08-01T00:00:00Z"}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if _, err := q.Enqueue(ctx, queue.MutationRequest{
			Table: "accounts", RecordID: id, Op: store.OpUpdate,
			Data: store.Entity{"id": id, "touched": true},
		}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	if _, err := p.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}

	want := []string{"update accounts/a-1", "update accounts/a-2", "update accounts/a-3"}
	got := api.Calls()
	if len(got) != len(want) {
		t.Fatalf("Expected %d calls, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Call %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
