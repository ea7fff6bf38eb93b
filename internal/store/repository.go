package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/tezland/metadata-indexer/internal/domain/event"
	"github.com/tezland/metadata-indexer/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// UpsertResult describes the outcome of a record upsert.
type UpsertResult struct {
	// Applied is false when the monotonic guard rejected the write: the
	// stored row already carries a newer observed_at.
	Applied bool
}

// RecordRepository persists normalized metadata. The upsert is the sink's
// single conditional write: body by fingerprint, row by token identity
// guarded by observed_at, one transaction.
type RecordRepository interface {
	Upsert(ctx context.Context, rec *model.NormalizedRecord, observedAt int64) (UpsertResult, error)
	GetRow(ctx context.Context, token model.TokenID) (*model.TokenMetadataRow, error)
	GetBody(ctx context.Context, fingerprint string) (*model.NormalizedRecord, error)
}

// QuarantineRepository stores terminally failed events.
type QuarantineRepository interface {
	Insert(ctx context.Context, q *model.QuarantinedEvent) error
	List(ctx context.Context, limit int) ([]model.QuarantinedEvent, error)
	Get(ctx context.Context, id uuid.UUID) (*model.QuarantinedEvent, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Count(ctx context.Context) (int64, error)
}

// CheckpointRepository stores named source resume positions.
type CheckpointRepository interface {
	Get(ctx context.Context, name string) (*model.Checkpoint, error)
	Upsert(ctx context.Context, name, position string) error
}

// QueuedEvent is one row of the metadata event queue the indexer writes.
type QueuedEvent struct {
	ID    int64
	Event event.MetadataEvent
}

// EventQueueRepository reads the indexer-fed event queue for the postgres
// source backend.
type EventQueueRepository interface {
	FetchBatch(ctx context.Context, afterID int64, limit int) ([]QueuedEvent, error)
	// Enqueue exists for tests and backfill tooling; the indexer writes
	// this table directly in production.
	Enqueue(ctx context.Context, ev event.MetadataEvent) (int64, error)
}
