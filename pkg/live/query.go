// Package live keeps query results current against the local store: a
// Query re-runs itself whenever its table changes and publishes fresh
// snapshots.
package live

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dsprosolution/sync-engine/pkg/store"
)

// Query is a self-refreshing view over one table. Snapshot reports a
// loading state until the first evaluation lands, so callers can tell
// "no rows" apart from "not loaded yet".
type Query struct {
	store  *store.Store
	logger *zap.Logger
	table  string
	pred   store.Predicate
	less   store.Less

	mu      sync.RWMutex
	results []store.Entity
	loaded  bool

	updates chan []store.Entity
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewQuery builds and starts a live query. pred and less may be nil for
// all rows in storage order.
func NewQuery(ctx context.Context, st *store.Store, table string, pred store.Predicate, less store.Less, logger *zap.Logger) (*Query, error) {
	if !store.IsKnownTable(table) {
		return nil, store.ErrNotFound
	}

	q := &Query{
		store:   st,
		logger:  logger,
		table:   table,
		pred:    pred,
		less:    less,
		updates: make(chan []store.Entity, 4),
		stopCh:  make(chan struct{}),
	}

	changes, cancel := st.Subscribe()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer cancel()

		q.refresh(ctx)
		for {
			select {
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			case table, ok := <-changes:
				if !ok {
					return
				}
				if table != q.table {
					continue
				}
				q.refresh(ctx)
			}
		}
	}()

	return q, nil
}

// Snapshot returns the latest results and whether the query has loaded.
func (q *Query) Snapshot() ([]store.Entity, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.results, q.loaded
}

// Updates delivers a fresh result set after every re-evaluation. Slow
// consumers miss intermediate snapshots, never the channel itself.
func (q *Query) Updates() <-chan []store.Entity {
	return q.updates
}

// Close stops the query and releases its store subscription.
func (q *Query) Close() {
	q.once.Do(func() {
		close(q.stopCh)
	})
	q.wg.Wait()
}

func (q *Query) refresh(ctx context.Context) {
	results, err := q.store.Query(ctx, q.table, q.pred, q.less)
	if err != nil {
		q.logger.Error("Live query evaluation failed",
			zap.String("table", q.table),
			zap.Error(err))
		return
	}

	q.mu.Lock()
	q.results = results
	q.loaded = true
	q.mu.Unlock()

	// Replace a stale undelivered snapshot instead of blocking.
	for {
		select {
		case q.updates <- results:
			return
		default:
			select {
			case <-q.updates:
			default:
			}
		}
	}
}
