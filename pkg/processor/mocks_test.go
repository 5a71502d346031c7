package processor

import (
	"context"
	"sync"

	"github.com/dsprosolution/sync-engine/pkg/store"
)

// MockAPI implements RemoteAPI with overridable behavior per call.
type MockAPI struct {
	mu    sync.Mutex
	calls []string

	CreateEntityFunc func(ctx context.Context, table string, payload store.Entity) (store.Entity, error)
	UpdateEntityFunc func(ctx context.Context, table, id string, payload store.Entity) (store.Entity, error)
	DeleteEntityFunc func(ctx context.Context, table, id string) error
	FetchEntityFunc  func(ctx context.Context, table, id string) (store.Entity, error)
}

func (m *MockAPI) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

// Calls returns the calls seen so far, in order.
func (m *MockAPI) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockAPI) CreateEntity(ctx context.Context, table string, payload store.Entity) (store.Entity, error) {
	m.record("create " + table)
	if m.CreateEntityFunc != nil {
		return m.CreateEntityFunc(ctx, table, payload)
	}
	return payload, nil
}

func (m *MockAPI) UpdateEntity(ctx context.Context, table, id string, payload store.Entity) (store.Entity, error) {
	m.record("update " + table + "/" + id)
	if m.UpdateEntityFunc != nil {
		return m.UpdateEntityFunc(ctx, table, id, payload)
	}
	return payload, nil
}

func (m *MockAPI) DeleteEntity(ctx context.Context, table, id string) error {
	m.record("delete " + table + "/" + id)
	if m.DeleteEntityFunc != nil {
		return m.DeleteEntityFunc(ctx, table, id)
	}
	return nil
}

func (m *MockAPI) FetchEntity(ctx context.Context, table, id string) (store.Entity, error) {
	m.record("fetch " + table + "/" + id)
	if m.FetchEntityFunc != nil {
		return m.FetchEntityFunc(ctx, table, id)
	}
	return nil, nil
}
