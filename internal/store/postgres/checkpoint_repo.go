package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tezland/metadata-indexer/internal/domain/model"
)

type CheckpointRepo struct {
	db *DB
}

func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

func (r *CheckpointRepo) Get(ctx context.Context, name string) (*model.Checkpoint, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var cp model.Checkpoint
	err := r.db.QueryRowContext(ctx, `
		SELECT name, position, updated_at
		FROM source_checkpoints
		WHERE name = $1
	`, name).Scan(&cp.Name, &cp.Position, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

func (r *CheckpointRepo) Upsert(ctx context.Context, name, position string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO source_checkpoints (name, position)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET
			position = EXCLUDED.position,
			updated_at = now()
	`, name, position)
	if err != nil {
		return classify("upsert checkpoint", err)
	}
	return nil
}
