// Package processor drains the pending-mutation queue against the
// server: replay in order, retry transient failures with backoff, and
// hand stale writes to the conflict manager.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"go.uber.org/zap"

	"github.com/dsprosolution/sync-engine/internal/metrics"
	apperrors "github.com/dsprosolution/sync-engine/pkg/app/errors"
	"github.com/dsprosolution/sync-engine/pkg/conflict"
	"github.com/dsprosolution/sync-engine/pkg/store"
)

// RemoteAPI is the slice of the server client the processor needs.
type RemoteAPI interface {
	CreateEntity(ctx context.Context, table string, payload store.Entity) (store.Entity, error)
	UpdateEntity(ctx context.Context, table, id string, payload store.Entity) (store.Entity, error)
	DeleteEntity(ctx context.Context, table, id string) error
	FetchEntity(ctx context.Context, table, id string) (store.Entity, error)
}

// Options tune the replay loop.
type Options struct {
	// MaxAttempts is the total number of sends before a mutation is
	// parked as failed.
	MaxAttempts int `default:"3"`
	// BackoffBase is the wait after the first transient failure; each
	// further failure doubles it up to BackoffMax.
	BackoffBase time.Duration `default:"1s"`
	BackoffMax  time.Duration `default:"30s"`
	// TableConcurrency bounds how many tables drain at once. Entries
	// within a table always replay sequentially, oldest first.
	TableConcurrency int `default:"4"`
}

// Outcome summarizes one drain pass.
type Outcome struct {
	Processed int
	Failed    int
	Conflicts int
	// Aborted is set when the pass stopped early, e.g. on an expired
	// token or a cancelled context. Remaining entries stay pending.
	Aborted bool
}

type replayResult int

const (
	replayDone replayResult = iota
	replayFailed
	replayConflict
	replayAborted
)

// Processor replays queued mutations against the server.
type Processor struct {
	store     *store.Store
	client    RemoteAPI
	conflicts *conflict.Manager
	logger    *zap.Logger
	opts      Options
}

// New creates a processor. Zero option fields take their defaults.
func New(st *store.Store, client RemoteAPI, conflicts *conflict.Manager, logger *zap.Logger, opts Options) (*Processor, error) {
	if err := defaults.Set(&opts); err != nil {
		return nil, err
	}
	return &Processor{
		store:     st,
		client:    client,
		conflicts: conflicts,
		logger:    logger,
		opts:      opts,
	}, nil
}

// ProcessQueue drains every pending mutation once. Tables drain
// concurrently; within a table entries replay strictly in enqueue
// order, and a record with an open conflict is skipped until settled.
func (p *Processor) ProcessQueue(ctx context.Context) (*Outcome, error) {
	pending, err := p.store.PendingMutations(ctx)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{}
	if len(pending) == 0 {
		p.updateGauges(ctx)
		return outcome, nil
	}

	byTable := make(map[string][]*store.PendingMutation)
	var order []string
	for _, m := range pending {
		if _, seen := byTable[m.TableName]; !seen {
			order = append(order, m.TableName)
		}
		byTable[m.TableName] = append(byTable[m.TableName], m)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, p.opts.TableConcurrency)
	)
	for _, table := range order {
		wg.Add(1)
		go func(table string, muts []*store.PendingMutation) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			for _, m := range muts {
				if ctx.Err() != nil {
					mu.Lock()
					outcome.Aborted = true
					mu.Unlock()
					return
				}
				if p.conflicts.IsBlocked(m.TableName, m.RecordID) {
					continue
				}

				res := p.replay(ctx, m)
				mu.Lock()
				switch res {
				case replayDone:
					outcome.Processed++
				case replayFailed:
					outcome.Failed++
				case replayConflict:
					outcome.Conflicts++
				case replayAborted:
					outcome.Aborted = true
				}
				aborted := outcome.Aborted
				mu.Unlock()
				if aborted {
					return
				}
			}
		}(table, byTable[table])
	}
	wg.Wait()

	p.updateGauges(ctx)
	return outcome, nil
}

// replay sends one mutation, retrying transient failures in place.
func (p *Processor) replay(ctx context.Context, m *store.PendingMutation) replayResult {
	start := time.Now()
	defer func() {
		metrics.ReplayDuration.WithLabelValues(m.TableName).Observe(time.Since(start).Seconds())
	}()

	m.Status = store.MutationStatusInFlight
	if err := p.store.UpdateMutation(ctx, m); err != nil {
		p.logger.Error("Failed to mark mutation in-flight", zap.String("mutation_id", m.ID), zap.Error(err))
		return replayAborted
	}

	for {
		err := p.submit(ctx, m)
		if err == nil {
			if derr := p.store.DeleteMutation(ctx, m.ID); derr != nil {
				p.logger.Error("Failed to remove replayed mutation", zap.String("mutation_id", m.ID), zap.Error(derr))
			}
			metrics.MutationsTotal.WithLabelValues(m.TableName, "applied").Inc()
			p.logger.Debug("Mutation replayed",
				zap.String("table", m.TableName),
				zap.String("record_id", m.RecordID),
				zap.String("op", string(m.Op)))
			return replayDone
		}

		switch {
		case ctx.Err() != nil:
			p.park(ctx, m, store.MutationStatusPending, nil)
			return replayAborted

		case apperrors.IsConflict(err):
			return p.handleConflict(ctx, m)

		case apperrors.IsUnauthorized(err):
			// Token trouble stops the whole pass; the entry stays
			// pending and replays after the next successful auth.
			p.logger.Warn("Replay halted on authorization failure", zap.Error(err))
			metrics.ErrorsTotal.WithLabelValues("processor", "unauthorized").Inc()
			p.park(ctx, m, store.MutationStatusPending, nil)
			return replayAborted

		case apperrors.IsValidation(err):
			msg := apperrors.Message(err)
			p.park(ctx, m, store.MutationStatusFailed, &msg)
			metrics.MutationsTotal.WithLabelValues(m.TableName, "failed").Inc()
			p.logger.Warn("Mutation rejected by server",
				zap.String("table", m.TableName),
				zap.String("record_id", m.RecordID),
				zap.String("reason", msg))
			return replayFailed

		default:
			m.AttemptCount++
			if m.AttemptCount >= p.opts.MaxAttempts {
				msg := apperrors.Message(err)
				p.park(ctx, m, store.MutationStatusFailed, &msg)
				metrics.MutationsTotal.WithLabelValues(m.TableName, "failed").Inc()
				p.logger.Warn("Mutation failed permanently",
					zap.String("table", m.TableName),
					zap.String("record_id", m.RecordID),
					zap.Int("attempts", m.AttemptCount),
					zap.String("reason", msg))
				return replayFailed
			}
			if err := p.store.UpdateMutation(ctx, m); err != nil {
				p.logger.Error("Failed to persist attempt count", zap.String("mutation_id", m.ID), zap.Error(err))
			}
			metrics.ErrorsTotal.WithLabelValues("processor", "transient").Inc()
			wait := p.backoff(m.AttemptCount)
			p.logger.Debug("Transient replay failure, backing off",
				zap.String("table", m.TableName),
				zap.String("record_id", m.RecordID),
				zap.Int("attempt", m.AttemptCount),
				zap.Duration("wait", wait),
				zap.Error(err))
			select {
			case <-ctx.Done():
				p.park(ctx, m, store.MutationStatusPending, nil)
				return replayAborted
			case <-time.After(wait):
			}
		}
	}
}

// submit performs the server call and applies its result locally.
func (p *Processor) submit(ctx context.Context, m *store.PendingMutation) error {
	switch m.Op {
	case store.OpCreate:
		payload, err := m.Payload()
		if err != nil {
			return apperrors.ValidationError(err, "corrupt queue payload")
		}
		if store.IsTempID(m.RecordID) {
			// The server assigns the real id.
			delete(payload, "id")
		}
		server, err := p.client.CreateEntity(ctx, m.TableName, payload)
		if err != nil {
			return err
		}
		// The server has accepted the create; a local-apply failure must
		// not resend it, or the record would be duplicated. The next
		// pull converges the mirror.
		serverID, _ := server["id"].(string)
		if serverID != "" && serverID != m.RecordID {
			if merr := p.store.MigrateRecordID(ctx, m.TableName, m.RecordID, serverID, server); merr != nil {
				p.logger.Warn("Create accepted by server but local id migration failed",
					zap.String("table", m.TableName),
					zap.String("record_id", m.RecordID),
					zap.String("server_id", serverID),
					zap.Error(merr))
			}
			return nil
		}
		if perr := p.store.Put(ctx, m.TableName, server); perr != nil {
			p.logger.Warn("Create accepted by server but local write failed",
				zap.String("table", m.TableName),
				zap.String("record_id", m.RecordID),
				zap.Error(perr))
		}
		return nil

	case store.OpUpdate:
		payload, err := m.Payload()
		if err != nil {
			return apperrors.ValidationError(err, "corrupt queue payload")
		}
		server, err := p.client.UpdateEntity(ctx, m.TableName, m.RecordID, payload)
		if err != nil {
			return err
		}
		// Same rule as creates: once the server has the write, a local
		// mirror failure must not trigger another send.
		if perr := p.store.Put(ctx, m.TableName, server); perr != nil {
			p.logger.Warn("Update accepted by server but local write failed",
				zap.String("table", m.TableName),
				zap.String("record_id", m.RecordID),
				zap.Error(perr))
		}
		return nil

	case store.OpDelete:
		err := p.client.DeleteEntity(ctx, m.TableName, m.RecordID)
		if apperrors.Is(err, apperrors.CategoryResourceNotFound) {
			// Already gone server-side; the delete has won.
			return nil
		}
		return err
	}
	return apperrors.ValidationError(nil, "unknown mutation op "+string(m.Op))
}

// handleConflict re-fetches the server version and diffs it against the
// intended payload. When no payload field actually disagrees the server
// version is adopted silently; otherwise the conflict waits for the
// user and the record is blocked from further replay.
func (p *Processor) handleConflict(ctx context.Context, m *store.PendingMutation) replayResult {
	payload, err := m.Payload()
	if err != nil {
		msg := "corrupt queue payload: " + err.Error()
		p.park(ctx, m, store.MutationStatusFailed, &msg)
		return replayFailed
	}

	server, err := p.client.FetchEntity(ctx, m.TableName, m.RecordID)
	if apperrors.Is(err, apperrors.CategoryResourceNotFound) {
		// Deleted server-side while we edited it. The server's delete
		// wins; there is nothing left to write to.
		if derr := p.store.Delete(ctx, m.TableName, m.RecordID); derr != nil {
			p.logger.Error("Failed to drop locally deleted record", zap.String("record_id", m.RecordID), zap.Error(derr))
		}
		if derr := p.store.DeleteMutation(ctx, m.ID); derr != nil {
			p.logger.Error("Failed to drop superseded mutation", zap.String("mutation_id", m.ID), zap.Error(derr))
		}
		metrics.MutationsTotal.WithLabelValues(m.TableName, "superseded").Inc()
		p.logger.Info("Record deleted on server, local edit discarded",
			zap.String("table", m.TableName),
			zap.String("record_id", m.RecordID))
		return replayDone
	}
	if err != nil {
		// Cannot see the server version right now; leave the entry
		// pending and let the next pass take another look.
		p.park(ctx, m, store.MutationStatusPending, nil)
		metrics.ErrorsTotal.WithLabelValues("processor", "conflict_fetch").Inc()
		return replayAborted
	}

	fields := conflict.DetectFields(payload, server)
	if len(fields) == 0 {
		// Stale stamp but identical data: adopt the server version.
		if err := p.store.Put(ctx, m.TableName, server); err != nil {
			p.park(ctx, m, store.MutationStatusPending, nil)
			return replayAborted
		}
		if err := p.store.DeleteMutation(ctx, m.ID); err != nil {
			p.logger.Error("Failed to drop agreeing mutation", zap.String("mutation_id", m.ID), zap.Error(err))
		}
		metrics.MutationsTotal.WithLabelValues(m.TableName, "applied").Inc()
		return replayDone
	}

	p.conflicts.Add(&conflict.Conflict{
		Table:      m.TableName,
		RecordID:   m.RecordID,
		MutationID: m.ID,
		Local:      payload,
		Server:     server,
		Fields:     fields,
	})
	metrics.MutationsTotal.WithLabelValues(m.TableName, "conflict").Inc()
	p.park(ctx, m, store.MutationStatusPending, nil)
	return replayConflict
}

func (p *Processor) park(ctx context.Context, m *store.PendingMutation, status store.MutationStatus, lastError *string) {
	m.Status = status
	m.LastError = lastError
	if err := p.store.UpdateMutation(ctx, m); err != nil {
		p.logger.Error("Failed to park mutation",
			zap.String("mutation_id", m.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (p *Processor) backoff(attempt int) time.Duration {
	wait := p.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= p.opts.BackoffMax {
			return p.opts.BackoffMax
		}
	}
	if wait > p.opts.BackoffMax {
		return p.opts.BackoffMax
	}
	return wait
}

func (p *Processor) updateGauges(ctx context.Context) {
	counts, err := p.store.MutationCounts(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		metrics.PendingMutations.WithLabelValues(string(status)).Set(float64(n))
	}
}
