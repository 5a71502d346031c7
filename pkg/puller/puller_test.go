package puller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/dsprosolution/sync-engine/pkg/api"
	"github.com/dsprosolution/sync-engine/pkg/config"
	"github.com/dsprosolution/sync-engine/pkg/store"
)

type MockFetcher struct {
	FetchFunc func(ctx context.Context, table, cursor string, limit int, includeDeleted bool, filters map[string]string) (*api.SyncPage, error)
}

func (m *MockFetcher) FetchSyncPage(ctx context.Context, table, cursor string, limit int, includeDeleted bool, filters map[string]string) (*api.SyncPage, error) {
	return m.FetchFunc(ctx, table, cursor, limit, includeDeleted, filters)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func syncCfg() config.SyncConfig {
	return config.SyncConfig{PageSize: 2}
}

func TestPuller_SyncTable_Paginates(t *testing.T) {
	st := newTestStore(t)
	cursors := []string{}
	next := "page-2"
	fetcher := &MockFetcher{
		FetchFunc: func(_ context.Context, table, cursor string, limit int, _ bool, _ map[string]string) (*api.SyncPage, error) {
			cursors = append(cursors, cursor)
			if limit != 2 {
				t.Errorf("Expected page size 2, got %d", limit)
			}
			if cursor == "" {
				return &api.SyncPage{
					Items: []store.Entity{
						{"id": "s-1", "updated_at": "2026-08-10T00:00:00Z", "name": "one"},
						{"id": "s-2", "updated_at": "2026-08-10T00:00:00Z", "name": "two"},
					},
					NextCursor: &next,
					HasMore:    true,
				}, nil
			}
			return &api.SyncPage{
				Items: []store.Entity{
					{"id": "s-3", "updated_at": "2026-08-10T00:00:00Z", "name": "three"},
				},
			}, nil
		},
	}
	p := New(st, fetcher, syncCfg(), nil, zap.NewNop())

	res, err := p.SyncTable(context.Background(), "sellers")
	if err != nil {
		t.Fatalf("SyncTable failed: %v", err)
	}
	if res.Pages != 2 || res.Applied != 3 {
		t.Errorf("Expected 2 pages and 3 rows, got %+v", res)
	}
	if len(cursors) != 2 || cursors[0] != "" || cursors[1] != "page-2" {
		t.Errorf("Expected cursor chain [\"\" page-2], got %v", cursors)
	}

	ent, err := st.Get(context.Background(), "sellers", "s-3")
	if err != nil || ent["name"] != "three" {
		t.Errorf("Expected pulled row present, got %v (%v)", ent, err)
	}

	// A completed pull clears the cursor and stamps last_sync_at.
	state, err := st.GetSyncState(context.Background(), "sellers")
	if err != nil || state == nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.Cursor != nil {
		t.Errorf("Expected cursor cleared, got %v", *state.Cursor)
	}
	if state.LastSyncAt == nil {
		t.Error("Expected last_sync_at set")
	}

	last, err := p.LastSync(context.Background())
	if err != nil || last["sellers"].IsZero() {
		t.Errorf("Expected LastSync entry for sellers, got %v (%v)", last, err)
	}
}

func TestPuller_Tombstones(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, "sellers", store.Entity{"id": "s-1", "updated_at": "2026-08-01T00:00:00Z"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	fetcher := &MockFetcher{
		FetchFunc: func(context.Context, string, string, int, bool, map[string]string) (*api.SyncPage, error) {
			return &api.SyncPage{
				Items: []store.Entity{
					{"id": "s-1", "updated_at": "2026-08-10T00:00:00Z", "deleted_at": "2026-08-10T00:00:00Z"},
				},
			}, nil
		},
	}
	p := New(st, fetcher, syncCfg(), nil, zap.NewNop())

	res, err := p.SyncTable(ctx, "sellers")
	if err != nil {
		t.Fatalf("SyncTable failed: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("Expected 1 deletion, got %+v", res)
	}
	if _, err := st.Get(ctx, "sellers", "s-1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("Expected tombstoned row removed locally")
	}
}

func TestPuller_KeepsNewerLocalVersion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// A local optimistic edit is ahead of what the server returns.
	if err := st.Put(ctx, "accounts", store.Entity{
		"id": "a-1", "updated_at": "2026-08-20T00:00:00Z", "name": "local edit",
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	fetcher := &MockFetcher{
		FetchFunc: func(context.Context, string, string, int, bool, map[string]string) (*api.SyncPage, error) {
			return &api.SyncPage{
				Items: []store.Entity{
					{"id": "a-1", "updated_at": "2026-08-10T00:00:00Z", "name": "stale server copy"},
				},
			}, nil
		},
	}
	p := New(st, fetcher, syncCfg(), nil, zap.NewNop())

	res, err := p.SyncTable(ctx, "accounts")
	if err != nil {
		t.Fatalf("SyncTable failed: %v", err)
	}
	if res.Skipped != 1 || res.Applied != 0 {
		t.Errorf("Expected stale row skipped, got %+v", res)
	}

	ent, _ := st.Get(ctx, "accounts", "a-1")
	if ent["name"] != "local edit" {
		t.Errorf("Expected local edit preserved, got %v", ent)
	}
}

func TestPuller_ResumesFromPersistedCursor(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.SetSyncCursor(ctx, "sellers", "page-7"); err != nil {
		t.Fatalf("SetSyncCursor failed: %v", err)
	}

	var seenCursor string
	fetcher := &MockFetcher{
		FetchFunc: func(_ context.Context, _, cursor string, _ int, _ bool, _ map[string]string) (*api.SyncPage, error) {
			seenCursor = cursor
			return &api.SyncPage{}, nil
		},
	}
	p := New(st, fetcher, syncCfg(), nil, zap.NewNop())

	if _, err := p.SyncTable(ctx, "sellers"); err != nil {
		t.Fatalf("SyncTable failed: %v", err)
	}
	if seenCursor != "page-7" {
		t.Errorf("Expected resume from page-7, got %q", seenCursor)
	}
}

func TestPuller_InFlightGuard(t *testing.T) {
	st := newTestStore(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var enteredOnce sync.Once
	fetcher := &MockFetcher{
		FetchFunc: func(context.Context, string, string, int, bool, map[string]string) (*api.SyncPage, error) {
			enteredOnce.Do(func() { close(entered) })
			<-release
			return &api.SyncPage{}, nil
		},
	}
	p := New(st, fetcher, syncCfg(), nil, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := p.SyncTable(context.Background(), "sellers")
		done <- err
	}()

	<-entered
	if _, err := p.SyncTable(context.Background(), "sellers"); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("Expected ErrSyncInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first SyncTable failed: %v", err)
	}

	// The guard lifts once the pull finishes.
	if _, err := p.SyncTable(context.Background(), "sellers"); err != nil {
		t.Errorf("Expected guard released, got %v", err)
	}
}

func TestPuller_TableOverrides(t *testing.T) {
	st := newTestStore(t)
	incl := true
	overrides := map[string]config.TableOverride{
		"bookkeeping_records": {
			PageSize:       50,
			IncludeDeleted: &incl,
			Filters:        map[string]string{"archived": "false"},
		},
	}

	var gotLimit int
	var gotDeleted bool
	var gotFilters map[string]string
	fetcher := &MockFetcher{
		FetchFunc: func(_ context.Context, _, _ string, limit int, includeDeleted bool, filters map[string]string) (*api.SyncPage, error) {
			gotLimit, gotDeleted, gotFilters = limit, includeDeleted, filters
			return &api.SyncPage{}, nil
		},
	}
	p := New(st, fetcher, syncCfg(), overrides, zap.NewNop())

	if _, err := p.SyncTable(context.Background(), "bookkeeping_records"); err != nil {
		t.Fatalf("SyncTable failed: %v", err)
	}
	if gotLimit != 50 || !gotDeleted || gotFilters["archived"] != "false" {
		t.Errorf("Expected overrides applied, got limit=%d deleted=%v filters=%v", gotLimit, gotDeleted, gotFilters)
	}
}

func TestPuller_SyncAll_ContinuesPastFailures(t *testing.T) {
	st := newTestStore(t)
	fetcher := &MockFetcher{
		FetchFunc: func(_ context.Context, table, _ string, _ int, _ bool, _ map[string]string) (*api.SyncPage, error) {
			if table == "sellers" {
				return nil, fmt.Errorf("boom")
			}
			return &api.SyncPage{Items: []store.Entity{
				{"id": table + "-1", "updated_at": "2026-08-10T00:00:00Z"},
			}}, nil
		},
	}
	p := New(st, fetcher, syncCfg(), nil, zap.NewNop())

	results, err := p.SyncAll(context.Background())
	if err == nil {
		t.Fatal("Expected combined error for the failing table")
	}
	if len(results) != len(store.TableNames()) {
		t.Errorf("Expected a result per table, got %d", len(results))
	}
	for _, table := range store.TableNames() {
		if table == "sellers" {
			continue
		}
		if results[table] == nil || results[table].Applied != 1 {
			t.Errorf("Expected table %s pulled despite sellers failing, got %+v", table, results[table])
		}
	}
}
