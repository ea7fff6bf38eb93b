package model

import (
	"encoding/json"
	"time"
)

// Validity classifies a validation outcome. Invalid and PartiallyValid
// records are persisted like Valid ones so downstream consumers can tell
// "unresolved" apart from "resolved but malformed".
type Validity string

const (
	ValidityValid   Validity = "valid"
	ValidityPartial Validity = "partially_valid"
	ValidityInvalid Validity = "invalid"
)

func (v Validity) String() string {
	return string(v)
}

type DefectKind string

const (
	DefectMissing   DefectKind = "missing"
	DefectMalformed DefectKind = "malformed"
	DefectMismatch  DefectKind = "mismatch"
)

// FieldDefect records one field-level validation problem. Malformed fields
// are excluded from Fields; the defect is the only trace of them.
type FieldDefect struct {
	Field  string     `json:"field"`
	Kind   DefectKind `json:"kind"`
	Detail string     `json:"detail,omitempty"`
}

// NormalizedRecord is the validated, normalized form of one metadata
// payload. The body (everything but Token and ObservedAt) is a pure
// function of the raw bytes and is shared across tokens via Fingerprint.
type NormalizedRecord struct {
	Token         TokenID                    `db:"-"`
	Fingerprint   string                     `db:"fingerprint"`
	SchemaVersion string                     `db:"schema_version"`
	Fields        map[string]any             `db:"fields"`
	Extensions    map[string]json.RawMessage `db:"extensions"`
	Validity      Validity                   `db:"validity"`
	Defects       []FieldDefect              `db:"defects"`
	InvalidReason string                     `db:"invalid_reason"`
	SizeBytes     int                        `db:"size_bytes"`
	FetchedVia    string                     `db:"fetched_via"`
	FetchedAt     time.Time                  `db:"fetched_at"`
}

// AddDefect appends a defect and demotes a Valid record to PartiallyValid.
// Invalid records stay Invalid.
func (r *NormalizedRecord) AddDefect(d FieldDefect) {
	r.Defects = append(r.Defects, d)
	if r.Validity == ValidityValid {
		r.Validity = ValidityPartial
	}
}

// TokenMetadataRow is the persisted per-token view joined with its body.
type TokenMetadataRow struct {
	Token       TokenID   `db:"-"`
	Fingerprint string    `db:"fingerprint"`
	Validity    Validity  `db:"validity"`
	ObservedAt  int64     `db:"observed_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}
