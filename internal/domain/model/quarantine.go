package model

import (
	"time"

	"github.com/google/uuid"
)

// QuarantinedEvent is the terminal record of an event the pipeline gave up
// on. Insert-only; requeueing deletes the row and re-injects the event.
type QuarantinedEvent struct {
	ID            uuid.UUID `db:"id"`
	Contract      string    `db:"contract"`
	TokenIndex    int64     `db:"token_index"`
	Kind          TokenKind `db:"kind"`
	URI           string    `db:"uri"`
	Inline        []byte    `db:"inline_payload"`
	ObservedAt    int64     `db:"observed_at"`
	Attempts      int       `db:"attempts"`
	LastErrorKind string    `db:"last_error_kind"`
	LastError     string    `db:"last_error"`
	QuarantinedAt time.Time `db:"quarantined_at"`
}

func (q QuarantinedEvent) Token() TokenID {
	return TokenID{Contract: q.Contract, TokenIndex: q.TokenIndex, Kind: q.Kind}
}

// Checkpoint is a named source resume position. Position format is
// backend-specific (queue row id, stream entry id).
type Checkpoint struct {
	Name      string    `db:"name"`
	Position  string    `db:"position"`
	UpdatedAt time.Time `db:"updated_at"`
}
