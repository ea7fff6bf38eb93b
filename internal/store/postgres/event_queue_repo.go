package postgres

import (
	"context"
	"fmt"

	"github.com/tezland/metadata-indexer/internal/domain/event"
	"github.com/tezland/metadata-indexer/internal/domain/model"
	"github.com/tezland/metadata-indexer/internal/store"
)

// EventQueueRepo reads the metadata_events table the indexer appends to.
// Rows are immutable; the poller tracks its position by row id.
type EventQueueRepo struct {
	db *DB
}

func NewEventQueueRepo(db *DB) *EventQueueRepo {
	return &EventQueueRepo{db: db}
}

func (r *EventQueueRepo) FetchBatch(ctx context.Context, afterID int64, limit int) ([]store.QueuedEvent, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, contract, token_index, kind, uri, inline_payload, observed_at
		FROM metadata_events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch event batch: %w", err)
	}
	defer rows.Close()

	var out []store.QueuedEvent
	for rows.Next() {
		var (
			q    store.QueuedEvent
			kind string
		)
		if err := rows.Scan(
			&q.ID, &q.Event.Token.Contract, &q.Event.Token.TokenIndex, &kind,
			&q.Event.URI, &q.Event.Inline, &q.Event.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("fetch event batch scan: %w", err)
		}
		q.Event.Token.Kind = model.TokenKind(kind)
		q.Event.DeliveryTag = fmt.Sprintf("pg:%d", q.ID)
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch event batch rows: %w", err)
	}
	return out, nil
}

func (r *EventQueueRepo) Enqueue(ctx context.Context, ev event.MetadataEvent) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO metadata_events (contract, token_index, kind, uri, inline_payload, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, ev.Token.Contract, ev.Token.TokenIndex, string(ev.Token.Kind),
		ev.URI, ev.Inline, ev.ObservedAt).Scan(&id)
	if err != nil {
		return 0, classify("enqueue event", err)
	}
	return id, nil
}
