package event

import (
	"time"

	"github.com/tezland/metadata-indexer/internal/domain/model"
)

// MetadataEvent is one token-metadata-update notice from the indexer.
// Either URI or Inline is set, never both. Delivery is at-least-once:
// the same event may arrive more than once and consumers must converge.
type MetadataEvent struct {
	Token      model.TokenID `json:"token"`
	URI        string        `json:"uri,omitempty"`
	Inline     []byte        `json:"inline,omitempty"`
	ObservedAt int64         `json:"observed_at"` // block level / monotonic sequence assigned upstream

	// DeliveryTag is the source-assigned position for checkpoint
	// acknowledgement. Empty for requeued or synthetic events. Never
	// serialized; the consuming source assigns it on delivery.
	DeliveryTag string `json:"-"`
}

func (e MetadataEvent) IsInline() bool {
	return len(e.Inline) > 0
}

// Gateway provenance labels for payloads that never touched a gateway.
const (
	GatewayInline = "inline"
	GatewayData   = "data"
	GatewayOrigin = "origin"
)

// RawPayload carries fetched metadata bytes from the fetch stage to
// validation, with provenance. Discarded after validation.
type RawPayload struct {
	Bytes     []byte
	URI       string
	Gateway   string
	FetchedAt time.Time
}
