package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dsprosolution/sync-engine/pkg/config"
	"github.com/dsprosolution/sync-engine/pkg/conflict"
	"github.com/dsprosolution/sync-engine/pkg/connectivity"
	"github.com/dsprosolution/sync-engine/pkg/processor"
	"github.com/dsprosolution/sync-engine/pkg/puller"
	"github.com/dsprosolution/sync-engine/pkg/store"
)

type MockDrainer struct {
	calls atomic.Int32
}

func (m *MockDrainer) ProcessQueue(context.Context) (*processor.Outcome, error) {
	m.calls.Add(1)
	return &processor.Outcome{}, nil
}

type MockPuller struct {
	calls atomic.Int32
}

func (m *MockPuller) SyncAll(context.Context) (map[string]*puller.Result, error) {
	m.calls.Add(1)
	return map[string]*puller.Result{}, nil
}

func (m *MockPuller) LastSync(context.Context) (map[string]time.Time, error) {
	return map[string]time.Time{}, nil
}

type MockPinger struct {
	fail atomic.Bool
}

func (m *MockPinger) Ping(context.Context) error {
	if m.fail.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func newTestEngine(t *testing.T, pinger *MockPinger) (*Engine, *MockDrainer, *MockPuller, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	drainer := &MockDrainer{}
	tablePuller := &MockPuller{}
	monitor := connectivity.NewMonitor(pinger, 5*time.Millisecond, time.Second, zap.NewNop())
	conflicts := conflict.NewManager(st, &noopQueue{}, zap.NewNop())

	eng := New(st, drainer, tablePuller, monitor, conflicts, config.SyncConfig{
		PullInterval: 50 * time.Millisecond,
	}, zap.NewNop())
	return eng, drainer, tablePuller, st
}

type noopQueue struct{}

func (noopQueue) Payload(context.Context, string) (store.Entity, error) { return nil, nil }
func (noopQueue) Discard(context.Context, string) error                 { return nil }
func (noopQueue) Replace(context.Context, string, store.Entity) error   { return nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestEngine_InitialCycleWhenOnline(t *testing.T) {
	eng, drainer, tablePuller, _ := newTestEngine(t, &MockPinger{})

	eng.Start(context.Background(), nil)
	defer eng.Stop()

	waitFor(t, "ready", eng.IsReady)
	if drainer.calls.Load() < 1 {
		t.Error("Expected initial drain")
	}
	if tablePuller.calls.Load() < 1 {
		t.Error("Expected initial pull")
	}
}

func TestEngine_ReadyWhileOffline(t *testing.T) {
	pinger := &MockPinger{}
	pinger.fail.Store(true)
	eng, drainer, tablePuller, _ := newTestEngine(t, pinger)

	eng.Start(context.Background(), nil)
	defer eng.Stop()

	waitFor(t, "ready", eng.IsReady)
	if drainer.calls.Load() != 0 || tablePuller.calls.Load() != 0 {
		t.Error("Expected no sync attempts while offline")
	}
}

func TestEngine_DrainsOnWake(t *testing.T) {
	eng, drainer, _, _ := newTestEngine(t, &MockPinger{})
	wake := make(chan struct{}, 1)

	eng.Start(context.Background(), wake)
	defer eng.Stop()
	waitFor(t, "ready", eng.IsReady)

	before := drainer.calls.Load()
	wake <- struct{}{}
	waitFor(t, "drain after wake", func() bool { return drainer.calls.Load() > before })
}

func TestEngine_SyncsOnReconnect(t *testing.T) {
	pinger := &MockPinger{}
	pinger.fail.Store(true)
	eng, drainer, tablePuller, _ := newTestEngine(t, pinger)

	eng.Start(context.Background(), nil)
	defer eng.Stop()
	waitFor(t, "ready", eng.IsReady)

	pinger.fail.Store(false)
	waitFor(t, "drain after reconnect", func() bool { return drainer.calls.Load() > 0 })
	waitFor(t, "pull after reconnect", func() bool { return tablePuller.calls.Load() > 0 })
}

func TestEngine_PullTicker(t *testing.T) {
	eng, _, tablePuller, _ := newTestEngine(t, &MockPinger{})

	eng.Start(context.Background(), nil)
	defer eng.Stop()
	waitFor(t, "ready", eng.IsReady)

	waitFor(t, "interval pulls", func() bool { return tablePuller.calls.Load() >= 3 })
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, &MockPinger{})

	eng.Start(context.Background(), nil)
	waitFor(t, "ready", eng.IsReady)

	eng.Stop()
	eng.Stop()
}

func TestEngine_Status(t *testing.T) {
	eng, _, _, st := newTestEngine(t, &MockPinger{})
	ctx := context.Background()

	m := &store.PendingMutation{
		ID: store.NewMutationID(), TableName: "sellers", RecordID: "s-1",
		Op: store.OpUpdate, Status: store.MutationStatusFailed,
	}
	if err := st.InsertMutation(ctx, m); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}

	eng.Start(ctx, nil)
	defer eng.Stop()
	waitFor(t, "ready", eng.IsReady)

	status, err := eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Ready || !status.Online {
		t.Errorf("Expected ready and online, got %+v", status)
	}
	if status.Queue["failed"] != 1 {
		t.Errorf("Expected one failed entry in queue counts, got %v", status.Queue)
	}
	if status.StoreDegraded {
		t.Error("Did not expect a degraded store")
	}
}
