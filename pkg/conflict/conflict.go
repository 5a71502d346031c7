// Package conflict detects stale-write conflicts field by field and
// manages their resolution queue.
package conflict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dsprosolution/sync-engine/internal/metrics"
	"github.com/dsprosolution/sync-engine/pkg/store"
)

// Resolution selects how a conflict is settled.
type Resolution string

const (
	KeepMine   Resolution = "keep-mine"
	KeepTheirs Resolution = "keep-theirs"
	Merge      Resolution = "merge"
)

// Side names where a merged field value comes from.
const (
	SideLocal  = "local"
	SideServer = "server"
)

// ErrNotFound is returned for an unknown conflict id.
var ErrNotFound = errors.New("conflict not found")

// Conflict is a rejected local write together with the server's current
// version. Conflicts live in memory only; they do not survive a restart
// and are re-detected on the next replay.
type Conflict struct {
	ID         string       `json:"id"`
	Table      string       `json:"table"`
	RecordID   string       `json:"record_id"`
	MutationID string       `json:"mutation_id"`
	Local      store.Entity `json:"local"`
	Server     store.Entity `json:"server"`
	Fields     []string     `json:"conflicting_fields"`
	DetectedAt time.Time    `json:"detected_at"`
}

// Metadata fields never count as conflicting: updated_at moving is what
// staleness means, not a disagreement about data.
var metaFields = map[string]bool{
	"id":         true,
	"updated_at": true,
	"deleted_at": true,
}

// DetectFields returns the keys that are present in the intended payload
// and hold a different value on the server, sorted. An empty result
// means the writes agree and the conflict can settle silently.
func DetectFields(local, server store.Entity) []string {
	fields := make([]string, 0)
	for k, lv := range local {
		if metaFields[k] {
			continue
		}
		if !valueEqual(lv, server[k]) {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

// valueEqual compares two field values structurally via their JSON
// encoding, so 5 and 5.0 agree and nested objects compare by content.
func valueEqual(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

// StoreWriter is the slice of the local store the manager needs.
type StoreWriter interface {
	Put(ctx context.Context, table string, ent store.Entity) error
}

// MutationQueue is the slice of the queue the manager needs: reading a
// live entry's current payload, dropping a settled mutation, or
// rewriting its payload for another replay round.
type MutationQueue interface {
	Payload(ctx context.Context, mutationID string) (store.Entity, error)
	Discard(ctx context.Context, mutationID string) error
	Replace(ctx context.Context, mutationID string, payload store.Entity) error
}

// Manager holds unresolved conflicts in FIFO order and applies
// resolutions. Records with an open conflict are blocked from replay
// until settled.
type Manager struct {
	store  StoreWriter
	queue  MutationQueue
	logger *zap.Logger

	mu        sync.Mutex
	conflicts []*Conflict
}

// NewManager creates a new conflict manager.
func NewManager(storeWriter StoreWriter, queue MutationQueue, logger *zap.Logger) *Manager {
	return &Manager{
		store:  storeWriter,
		queue:  queue,
		logger: logger,
	}
}

// Add queues a detected conflict. A record already holding an open
// conflict keeps the first one; the mutation stays blocked either way.
func (m *Manager) Add(c *Conflict) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.conflicts {
		if existing.Table == c.Table && existing.RecordID == c.RecordID {
			return
		}
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	m.conflicts = append(m.conflicts, c)

	metrics.ConflictsTotal.WithLabelValues(c.Table).Inc()
	metrics.OpenConflicts.Set(float64(len(m.conflicts)))

	m.logger.Warn("Write conflict detected",
		zap.String("table", c.Table),
		zap.String("record_id", c.RecordID),
		zap.Strings("fields", c.Fields))
}

// Current returns the oldest unresolved conflict, surfaced one at a time.
func (m *Manager) Current() *Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conflicts) == 0 {
		return nil
	}
	return m.conflicts[0]
}

// List returns all unresolved conflicts in detection order.
func (m *Manager) List() []*Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conflict, len(m.conflicts))
	copy(out, m.conflicts)
	return out
}

// OpenCount returns the number of unresolved conflicts.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conflicts)
}

// IsBlocked reports whether a record has an open conflict; its queue
// entries must not be replayed until it is settled.
func (m *Manager) IsBlocked(table, recordID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conflicts {
		if c.Table == table && c.RecordID == recordID {
			return true
		}
	}
	return false
}

// Resolve settles one conflict. For Merge, selection maps each
// conflicting field to SideLocal or SideServer; unselected fields take
// the server value. Merge never applies to more than one conflict.
func (m *Manager) Resolve(ctx context.Context, conflictID string, res Resolution, selection map[string]string) error {
	m.mu.Lock()
	idx := -1
	for i, c := range m.conflicts {
		if c.ID == conflictID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotFound
	}
	c := m.conflicts[idx]
	m.mu.Unlock()

	if err := m.apply(ctx, c, res, selection); err != nil {
		return err
	}

	m.mu.Lock()
	for i, cc := range m.conflicts {
		if cc.ID == conflictID {
			m.conflicts = append(m.conflicts[:i], m.conflicts[i+1:]...)
			break
		}
	}
	metrics.OpenConflicts.Set(float64(len(m.conflicts)))
	m.mu.Unlock()

	m.logger.Info("Conflict resolved",
		zap.String("table", c.Table),
		zap.String("record_id", c.RecordID),
		zap.String("resolution", string(res)))
	return nil
}

// ResolveAll settles every open conflict the same way. Merge is not a
// valid bulk resolution.
func (m *Manager) ResolveAll(ctx context.Context, res Resolution) error {
	if res == Merge {
		return fmt.Errorf("merge requires per-field selection and resolves one conflict at a time")
	}
	for {
		c := m.Current()
		if c == nil {
			return nil
		}
		if err := m.Resolve(ctx, c.ID, res, nil); err != nil {
			return err
		}
	}
}

func (m *Manager) apply(ctx context.Context, c *Conflict, res Resolution, selection map[string]string) error {
	// Edits queued while the conflict was open collapsed into the same
	// entry, so resolutions work on its current payload, not the
	// detection-time snapshot, or those edits would be thrown away.
	current, err := m.queue.Payload(ctx, c.MutationID)
	if err != nil || current == nil {
		current = c.Local
	}

	switch res {
	case KeepTheirs:
		// Server wins for the conflicted intent. Fields changed since
		// detection are not part of that intent; they stay queued and
		// replay against the adopted server version.
		residual := residualEdits(current, c.Local)
		adopted := clone(c.Server)
		for k, v := range residual {
			adopted[k] = v
		}
		if err := m.store.Put(ctx, c.Table, adopted); err != nil {
			return fmt.Errorf("apply server version: %w", err)
		}
		if len(residual) == 0 {
			if err := m.queue.Discard(ctx, c.MutationID); err != nil {
				return fmt.Errorf("discard mutation: %w", err)
			}
			return nil
		}
		payload := clone(residual)
		payload["id"] = c.RecordID
		payload["updated_at"] = c.Server["updated_at"]
		if err := m.queue.Replace(ctx, c.MutationID, payload); err != nil {
			return fmt.Errorf("requeue later edits: %w", err)
		}
		return nil

	case KeepMine:
		// Local wins: rebase the intended payload onto the server's
		// version stamp so the next replay passes the staleness check.
		payload := clone(current)
		payload["updated_at"] = c.Server["updated_at"]
		if err := m.queue.Replace(ctx, c.MutationID, payload); err != nil {
			return fmt.Errorf("requeue mutation: %w", err)
		}
		return nil

	case Merge:
		merged := clone(current)
		for _, field := range c.Fields {
			if selection[field] != SideLocal {
				merged[field] = c.Server[field]
			}
		}
		merged["updated_at"] = c.Server["updated_at"]
		if err := m.queue.Replace(ctx, c.MutationID, merged); err != nil {
			return fmt.Errorf("requeue merged mutation: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown resolution %q", res)
	}
}

// residualEdits returns the fields of the current payload that changed
// after the conflict snapshot was taken.
func residualEdits(current, snapshot store.Entity) store.Entity {
	out := store.Entity{}
	for k, v := range current {
		if metaFields[k] {
			continue
		}
		if !valueEqual(v, snapshot[k]) {
			out[k] = v
		}
	}
	return out
}

func clone(ent store.Entity) store.Entity {
	out := make(store.Entity, len(ent))
	for k, v := range ent {
		out[k] = v
	}
	return out
}
