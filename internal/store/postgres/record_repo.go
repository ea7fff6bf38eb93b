package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tezland/metadata-indexer/internal/domain/model"
	"github.com/tezland/metadata-indexer/internal/metrics"
	"github.com/tezland/metadata-indexer/internal/store"
)

type RecordRepo struct {
	db *DB
}

func NewRecordRepo(db *DB) *RecordRepo {
	return &RecordRepo{db: db}
}

// Upsert persists a normalized record in one transaction: the body keyed
// by fingerprint (idempotent), then the per-token row guarded by
// observed_at so an older event can never overwrite a newer one. The
// guard lives in the UPDATE's WHERE clause, making the write a single
// conditional statement rather than a read-then-write race.
func (r *RecordRepo) Upsert(ctx context.Context, rec *model.NormalizedRecord, observedAt int64) (store.UpsertResult, error) {
	start := time.Now()

	fieldsJSON, err := marshalOr(rec.Fields, "{}")
	if err != nil {
		return store.UpsertResult{}, r.fail("marshal fields", err)
	}
	extensionsJSON, err := marshalOr(rec.Extensions, "{}")
	if err != nil {
		return store.UpsertResult{}, r.fail("marshal extensions", err)
	}
	defectsJSON, err := marshalOr(rec.Defects, "[]")
	if err != nil {
		return store.UpsertResult{}, r.fail("marshal defects", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return store.UpsertResult{}, r.fail("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO metadata_bodies (fingerprint, schema_version, fields, extensions, validity, defects, invalid_reason, size_bytes, fetched_via, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (fingerprint) DO NOTHING
	`, rec.Fingerprint, rec.SchemaVersion, fieldsJSON, extensionsJSON, string(rec.Validity),
		defectsJSON, rec.InvalidReason, rec.SizeBytes, rec.FetchedVia, rec.FetchedAt,
	); err != nil {
		return store.UpsertResult{}, r.fail("insert body", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO token_metadata (contract, token_index, kind, fingerprint, validity, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (contract, token_index, kind) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			validity = EXCLUDED.validity,
			observed_at = EXCLUDED.observed_at,
			updated_at = now()
		WHERE token_metadata.observed_at <= EXCLUDED.observed_at
	`, rec.Token.Contract, rec.Token.TokenIndex, string(rec.Token.Kind),
		rec.Fingerprint, string(rec.Validity), observedAt,
	)
	if err != nil {
		return store.UpsertResult{}, r.fail("upsert row", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return store.UpsertResult{}, r.fail("rows affected", err)
	}

	if err := tx.Commit(); err != nil {
		return store.UpsertResult{}, r.fail("commit", err)
	}

	outcome := "applied"
	if affected == 0 {
		// The guard rejected the write: stored row is newer.
		outcome = "stale"
	}
	metrics.SinkUpsertsTotal.WithLabelValues(outcome).Inc()
	metrics.SinkLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return store.UpsertResult{Applied: affected > 0}, nil
}

func (r *RecordRepo) GetRow(ctx context.Context, token model.TokenID) (*model.TokenMetadataRow, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		row  model.TokenMetadataRow
		kind string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT contract, token_index, kind, fingerprint, validity, observed_at, updated_at
		FROM token_metadata
		WHERE contract = $1 AND token_index = $2 AND kind = $3
	`, token.Contract, token.TokenIndex, string(token.Kind)).Scan(
		&row.Token.Contract, &row.Token.TokenIndex, &kind,
		&row.Fingerprint, &row.Validity, &row.ObservedAt, &row.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, r.fail("get row", err)
	}
	row.Token.Kind = model.TokenKind(kind)
	return &row, nil
}

func (r *RecordRepo) GetBody(ctx context.Context, fingerprint string) (*model.NormalizedRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		rec            model.NormalizedRecord
		fieldsJSON     []byte
		extensionsJSON []byte
		defectsJSON    []byte
		validity       string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT fingerprint, schema_version, fields, extensions, validity, defects, invalid_reason, size_bytes, fetched_via, fetched_at
		FROM metadata_bodies
		WHERE fingerprint = $1
	`, fingerprint).Scan(
		&rec.Fingerprint, &rec.SchemaVersion, &fieldsJSON, &extensionsJSON,
		&validity, &defectsJSON, &rec.InvalidReason, &rec.SizeBytes,
		&rec.FetchedVia, &rec.FetchedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, r.fail("get body", err)
	}

	rec.Validity = model.Validity(validity)
	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields for %s: %w", fingerprint, err)
	}
	if err := json.Unmarshal(extensionsJSON, &rec.Extensions); err != nil {
		return nil, fmt.Errorf("unmarshal extensions for %s: %w", fingerprint, err)
	}
	if err := json.Unmarshal(defectsJSON, &rec.Defects); err != nil {
		return nil, fmt.Errorf("unmarshal defects for %s: %w", fingerprint, err)
	}
	return &rec, nil
}

func (r *RecordRepo) fail(op string, err error) error {
	classified := classify(op, err)
	if se, ok := store.AsSinkError(classified); ok {
		metrics.SinkErrors.WithLabelValues(string(se.Class)).Inc()
	}
	return classified
}

// marshalOr marshals v, substituting empty for nil so NOT NULL jsonb
// columns never see a SQL NULL.
func marshalOr(v any, empty string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}
