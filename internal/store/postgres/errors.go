package postgres

import (
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/tezland/metadata-indexer/internal/store"
)

// classify wraps a database error as a SinkError. SQLSTATE class 23
// (integrity constraint violation) signals a logic defect and is fatal
// for the event; everything else is treated as transient infrastructure
// trouble and retried.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && strings.HasPrefix(string(pqErr.Code), "23") {
		return store.NewSinkError(store.SinkConstraintViolation, op, err)
	}
	return store.NewSinkError(store.SinkTransient, op, err)
}
