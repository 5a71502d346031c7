// Package engine runs the sync lifecycle: pull server changes on an
// interval, drain the mutation queue when online, and react to
// connectivity transitions and local writes.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dsprosolution/sync-engine/internal/metrics"
	"github.com/dsprosolution/sync-engine/pkg/config"
	"github.com/dsprosolution/sync-engine/pkg/conflict"
	"github.com/dsprosolution/sync-engine/pkg/connectivity"
	"github.com/dsprosolution/sync-engine/pkg/processor"
	"github.com/dsprosolution/sync-engine/pkg/puller"
	"github.com/dsprosolution/sync-engine/pkg/store"
)

const defaultPullInterval = 5 * time.Minute

// QueueDrainer replays pending mutations against the server.
type QueueDrainer interface {
	ProcessQueue(ctx context.Context) (*processor.Outcome, error)
}

// TablePuller mirrors server tables into the local store.
type TablePuller interface {
	SyncAll(ctx context.Context) (map[string]*puller.Result, error)
	LastSync(ctx context.Context) (map[string]time.Time, error)
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Online        bool                 `json:"online"`
	Ready         bool                 `json:"ready"`
	StoreDegraded bool                 `json:"store_degraded"`
	Queue         map[string]int       `json:"queue"`
	OpenConflicts int                  `json:"open_conflicts"`
	LastSync      map[string]time.Time `json:"last_sync"`
}

// Engine owns the background sync loop.
type Engine struct {
	store     *store.Store
	drainer   QueueDrainer
	puller    TablePuller
	monitor   *connectivity.Monitor
	conflicts *conflict.Manager
	logger    *zap.Logger
	interval  time.Duration

	ready   atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// New wires an engine from its parts.
func New(
	st *store.Store,
	drainer QueueDrainer,
	tablePuller TablePuller,
	monitor *connectivity.Monitor,
	conflicts *conflict.Manager,
	cfg config.SyncConfig,
	logger *zap.Logger,
) *Engine {
	interval := cfg.PullInterval
	if interval <= 0 {
		interval = defaultPullInterval
	}
	return &Engine{
		store:     st,
		drainer:   drainer,
		puller:    tablePuller,
		monitor:   monitor,
		conflicts: conflicts,
		logger:    logger,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sync loop. wake should deliver whenever the local
// queue gains work; pass nil to rely on the pull interval alone.
func (e *Engine) Start(ctx context.Context, wake <-chan struct{}) {
	// Entries stranded in-flight by an earlier crash replay again.
	if n, err := e.store.ResetInFlightMutations(ctx); err != nil {
		e.logger.Warn("Failed to reset in-flight mutations", zap.Error(err))
	} else if n > 0 {
		e.logger.Info("Requeued in-flight mutations from previous run", zap.Int("count", n))
	}

	transitions, cancelSub := e.monitor.Subscribe()
	e.monitor.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancelSub()

		// First cycle: the app becomes ready once the initial sync has
		// been attempted, reachable server or not.
		if e.monitor.CheckNow(ctx) {
			e.cycle(ctx)
		}
		e.ready.Store(true)
		e.logger.Info("Sync engine ready", zap.Bool("online", e.monitor.Online()))

		// The first probe's offline-to-online flip is already covered
		// by the initial cycle.
		select {
		case <-transitions:
		default:
		}

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if e.monitor.Online() {
					e.cycle(ctx)
				}
			case online, ok := <-transitions:
				if !ok {
					return
				}
				if online {
					// Back online: flush local edits, then pull.
					e.drain(ctx)
					e.pull(ctx)
				}
			case <-wake:
				if e.monitor.Online() {
					e.drain(ctx)
				}
			}
		}
	}()
}

// Stop halts the loop and the connectivity monitor.
func (e *Engine) Stop() {
	e.stopped.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
	e.monitor.Stop()
}

// IsReady reports whether the initial sync cycle has completed.
func (e *Engine) IsReady() bool {
	return e.ready.Load()
}

// Status snapshots current sync health.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	counts, err := e.store.MutationCounts(ctx)
	if err != nil {
		return nil, err
	}
	queue := make(map[string]int, len(counts))
	for status, n := range counts {
		queue[string(status)] = n
	}

	lastSync, err := e.puller.LastSync(ctx)
	if err != nil {
		return nil, err
	}

	return &Status{
		Online:        e.monitor.Online(),
		Ready:         e.ready.Load(),
		StoreDegraded: !e.store.Available(),
		Queue:         queue,
		OpenConflicts: e.conflicts.OpenCount(),
		LastSync:      lastSync,
	}, nil
}

// SyncNow runs one drain-then-pull cycle immediately.
func (e *Engine) SyncNow(ctx context.Context) {
	e.cycle(ctx)
}

func (e *Engine) cycle(ctx context.Context) {
	e.drain(ctx)
	e.pull(ctx)
}

func (e *Engine) drain(ctx context.Context) {
	outcome, err := e.drainer.ProcessQueue(ctx)
	if err != nil {
		e.logger.Error("Queue drain failed", zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("engine", "drain").Inc()
		return
	}
	if outcome.Processed > 0 || outcome.Failed > 0 || outcome.Conflicts > 0 {
		e.logger.Info("Queue drained",
			zap.Int("processed", outcome.Processed),
			zap.Int("failed", outcome.Failed),
			zap.Int("conflicts", outcome.Conflicts),
			zap.Bool("aborted", outcome.Aborted))
	}
}

func (e *Engine) pull(ctx context.Context) {
	if _, err := e.puller.SyncAll(ctx); err != nil {
		e.logger.Error("Pull failed", zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("engine", "pull").Inc()
	}
}
