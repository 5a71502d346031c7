// Package puller mirrors server tables into the local store through
// cursor-paged sync endpoints.
package puller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dsprosolution/sync-engine/internal/metrics"
	"github.com/dsprosolution/sync-engine/pkg/api"
	"github.com/dsprosolution/sync-engine/pkg/config"
	"github.com/dsprosolution/sync-engine/pkg/store"
)

// ErrSyncInProgress is returned when a table is already being pulled.
var ErrSyncInProgress = errors.New("sync already in progress for table")

// PageFetcher is the slice of the server client the puller needs.
type PageFetcher interface {
	FetchSyncPage(ctx context.Context, table, cursor string, limit int, includeDeleted bool, filters map[string]string) (*api.SyncPage, error)
}

// Result summarizes one table pull.
type Result struct {
	Pages   int
	Applied int
	Skipped int
	Deleted int
}

// Puller pulls server changes table by table. The cursor is persisted
// after every page, so an interrupted pull resumes where it stopped
// instead of starting over.
type Puller struct {
	store     *store.Store
	client    PageFetcher
	logger    *zap.Logger
	cfg       config.SyncConfig
	overrides map[string]config.TableOverride

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a puller. overrides may be nil.
func New(st *store.Store, client PageFetcher, cfg config.SyncConfig, overrides map[string]config.TableOverride, logger *zap.Logger) *Puller {
	if overrides == nil {
		overrides = map[string]config.TableOverride{}
	}
	return &Puller{
		store:     st,
		client:    client,
		logger:    logger,
		cfg:       cfg,
		overrides: overrides,
		inFlight:  make(map[string]bool),
	}
}

// SyncTable pulls one table to completion. A second call for the same
// table while one is running returns ErrSyncInProgress.
func (p *Puller) SyncTable(ctx context.Context, table string) (*Result, error) {
	if !store.IsKnownTable(table) {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	p.mu.Lock()
	if p.inFlight[table] {
		p.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	p.inFlight[table] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, table)
		p.mu.Unlock()
	}()

	cursor := ""
	if state, err := p.store.GetSyncState(ctx, table); err != nil {
		return nil, err
	} else if state != nil && state.Cursor != nil {
		cursor = *state.Cursor
		p.logger.Debug("Resuming interrupted pull",
			zap.String("table", table),
			zap.String("cursor", cursor))
	}

	limit, includeDeleted, filters := p.pageParams(table)
	res := &Result{}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := p.client.FetchSyncPage(ctx, table, cursor, limit, includeDeleted, filters)
		if err != nil {
			metrics.ErrorsTotal.WithLabelValues("puller", "fetch_page").Inc()
			return res, fmt.Errorf("pull %s: %w", table, err)
		}
		res.Pages++
		metrics.SyncPages.WithLabelValues(table).Inc()

		if err := p.applyPage(ctx, table, page.Items, res); err != nil {
			return res, err
		}

		if !page.HasMore || page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
		if err := p.store.SetSyncCursor(ctx, table, cursor); err != nil {
			return res, err
		}
	}

	now := time.Now().UTC()
	if err := p.store.CompleteSync(ctx, table, now); err != nil {
		return res, err
	}
	metrics.LastSyncTimestamp.WithLabelValues(table).Set(float64(now.Unix()))

	p.logger.Info("Table pulled",
		zap.String("table", table),
		zap.Int("pages", res.Pages),
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
		zap.Int("deleted", res.Deleted))
	return res, nil
}

// applyPage writes one page of rows into the mirror. Rows the local
// store already holds in a newer or equal version are skipped, so a
// pull never clobbers an optimistic local write.
func (p *Puller) applyPage(ctx context.Context, table string, items []store.Entity, res *Result) error {
	for _, ent := range items {
		id, _ := ent["id"].(string)
		if id == "" {
			p.logger.Warn("Dropping pulled row without id", zap.String("table", table))
			continue
		}

		if isTombstone(ent) {
			if err := p.store.Delete(ctx, table, id); err != nil {
				return err
			}
			res.Deleted++
			metrics.RowsPulled.WithLabelValues(table, "deleted").Inc()
			continue
		}

		applied, err := p.store.PutIfNewer(ctx, table, ent)
		if err != nil {
			return err
		}
		if applied {
			res.Applied++
			metrics.RowsPulled.WithLabelValues(table, "applied").Inc()
		} else {
			res.Skipped++
			metrics.RowsPulled.WithLabelValues(table, "skipped").Inc()
		}
	}
	return nil
}

// SyncAll pulls every known table in order. A failing table does not
// stop the others; all failures are reported together.
func (p *Puller) SyncAll(ctx context.Context) (map[string]*Result, error) {
	results := make(map[string]*Result, len(store.TableNames()))
	var errs []error
	for _, table := range store.TableNames() {
		res, err := p.SyncTable(ctx, table)
		results[table] = res
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return results, err
			}
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// LastSync returns the completion time of the most recent full pull per
// table, keyed by table name. Tables never pulled are absent.
func (p *Puller) LastSync(ctx context.Context) (map[string]time.Time, error) {
	states, err := p.store.ListSyncStates(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(states))
	for _, st := range states {
		if st.LastSyncAt != nil {
			out[st.TableName] = *st.LastSyncAt
		}
	}
	return out, nil
}

func (p *Puller) pageParams(table string) (limit int, includeDeleted bool, filters map[string]string) {
	limit = p.cfg.PageSize
	includeDeleted = p.cfg.IncludeDeleted
	if ov, ok := p.overrides[table]; ok {
		if ov.PageSize > 0 {
			limit = ov.PageSize
		}
		if ov.IncludeDeleted != nil {
			includeDeleted = *ov.IncludeDeleted
		}
		filters = ov.Filters
	}
	return limit, includeDeleted, filters
}

func isTombstone(ent store.Entity) bool {
	switch v := ent["deleted_at"].(type) {
	case string:
		return v != ""
	case nil:
		return false
	default:
		return true
	}
}
