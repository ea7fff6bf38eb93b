package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/tezland/metadata-indexer/internal/domain/model"
)

type QuarantineRepo struct {
	db *DB
}

func NewQuarantineRepo(db *DB) *QuarantineRepo {
	return &QuarantineRepo{db: db}
}

func (r *QuarantineRepo) Insert(ctx context.Context, q *model.QuarantinedEvent) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO quarantined_events (id, contract, token_index, kind, uri, inline_payload, observed_at, attempts, last_error_kind, last_error, quarantined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, q.ID, q.Contract, q.TokenIndex, q.Kind, q.URI, q.Inline,
		q.ObservedAt, q.Attempts, q.LastErrorKind, q.LastError, q.QuarantinedAt)
	if err != nil {
		return classify("insert quarantine", err)
	}
	return nil
}

func (r *QuarantineRepo) List(ctx context.Context, limit int) ([]model.QuarantinedEvent, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, contract, token_index, kind, uri, inline_payload, observed_at, attempts, last_error_kind, last_error, quarantined_at
		FROM quarantined_events
		ORDER BY quarantined_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	var out []model.QuarantinedEvent
	for rows.Next() {
		var q model.QuarantinedEvent
		if err := rows.Scan(
			&q.ID, &q.Contract, &q.TokenIndex, &q.Kind, &q.URI, &q.Inline,
			&q.ObservedAt, &q.Attempts, &q.LastErrorKind, &q.LastError, &q.QuarantinedAt,
		); err != nil {
			return nil, fmt.Errorf("list quarantine scan: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list quarantine rows: %w", err)
	}
	return out, nil
}

func (r *QuarantineRepo) Get(ctx context.Context, id uuid.UUID) (*model.QuarantinedEvent, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var q model.QuarantinedEvent
	err := r.db.QueryRowContext(ctx, `
		SELECT id, contract, token_index, kind, uri, inline_payload, observed_at, attempts, last_error_kind, last_error, quarantined_at
		FROM quarantined_events
		WHERE id = $1
	`, id).Scan(
		&q.ID, &q.Contract, &q.TokenIndex, &q.Kind, &q.URI, &q.Inline,
		&q.ObservedAt, &q.Attempts, &q.LastErrorKind, &q.LastError, &q.QuarantinedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quarantine: %w", err)
	}
	return &q, nil
}

func (r *QuarantineRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM quarantined_events WHERE id = $1`, id)
	if err != nil {
		return classify("delete quarantine", err)
	}
	return nil
}

func (r *QuarantineRepo) Count(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM quarantined_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count quarantine: %w", err)
	}
	return n, nil
}
