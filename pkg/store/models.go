package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Entity is a synchronized server object as a JSON field map.
type Entity = map[string]any

// MutationStatus represents the current state of a queued mutation
type MutationStatus string

const (
	MutationStatusPending  MutationStatus = "pending"
	MutationStatusInFlight MutationStatus = "in_flight"
	MutationStatusFailed   MutationStatus = "failed"
)

// MutationOp indicates the kind of write a mutation replays
type MutationOp string

const (
	OpCreate MutationOp = "create"
	OpUpdate MutationOp = "update"
	OpDelete MutationOp = "delete"
)

// PendingMutation is a durable queue entry awaiting replay against the server
type PendingMutation struct {
	bun.BaseModel `bun:"table:pending_mutations"`

	Seq          int64          `bun:"seq,pk,autoincrement" json:"-"`
	ID           string         `bun:"id" json:"id"`
	TableName    string         `bun:"table_name" json:"table"`
	RecordID     string         `bun:"record_id" json:"record_id"`
	Op           MutationOp     `bun:"op" json:"op"`
	Data         []byte         `bun:"data" json:"-"`
	Status       MutationStatus `bun:"status" json:"status"`
	AttemptCount int            `bun:"attempt_count" json:"attempt_count"`
	LastError    *string        `bun:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time      `bun:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `bun:"updated_at" json:"updated_at"`
}

// Payload decodes the mutation data into an entity field map.
func (m *PendingMutation) Payload() (Entity, error) {
	if len(m.Data) == 0 {
		return Entity{}, nil
	}
	var ent Entity
	if err := json.Unmarshal(m.Data, &ent); err != nil {
		return nil, fmt.Errorf("decode mutation payload: %w", err)
	}
	return ent, nil
}

// SetPayload encodes an entity field map as the mutation data.
func (m *PendingMutation) SetPayload(ent Entity) error {
	raw, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("encode mutation payload: %w", err)
	}
	m.Data = raw
	return nil
}

// SyncState tracks the pull cursor for each table
type SyncState struct {
	bun.BaseModel `bun:"table:sync_state"`

	TableName  string     `bun:"table_name,pk" json:"table"`
	Cursor     *string    `bun:"cursor" json:"cursor,omitempty"`
	LastSyncAt *time.Time `bun:"last_sync_at" json:"last_sync_at,omitempty"`
	UpdatedAt  time.Time  `bun:"updated_at" json:"updated_at"`
}

// entityRow is the storage shape shared by all entity tables; the actual
// table is selected per query with ModelTableExpr.
type entityRow struct {
	bun.BaseModel `bun:"table:entity_row"`

	ID        string  `bun:"id,pk"`
	UpdatedAt string  `bun:"updated_at"`
	DeletedAt *string `bun:"deleted_at"`
	Data      []byte  `bun:"data"`
}

const tempIDPrefix = "local-"

// NewTempID returns a provisional record id for an offline create.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was generated locally and still awaits
// the server-assigned id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// NewMutationID returns an id for a queue entry.
func NewMutationID() string {
	return uuid.NewString()
}
