package source

import (
	"context"
	"sync"
	"time"

	"github.com/tezland/metadata-indexer/internal/domain/event"
)

// Source feeds the pipeline intake channel with metadata events. Run
// blocks until ctx is done, resuming from the persisted checkpoint.
// Delivery is at-least-once: after a crash every event past the
// checkpoint is delivered again, and consumers must converge.
type Source interface {
	Run(ctx context.Context) error
	Ack(ctx context.Context, ev event.MetadataEvent) error
}

// Acker is the slice of Source the pipeline needs: acknowledging an
// event that reached a terminal state so the checkpoint can advance.
type Acker interface {
	Ack(ctx context.Context, ev event.MetadataEvent) error
}

// ackTracker advances a checkpoint through the highest contiguous run
// of acknowledged delivery positions. Workers finish out of order; the
// checkpoint must never move past an unacknowledged event or a crash
// would skip it.
type ackTracker[P comparable] struct {
	mu      sync.Mutex
	order   []P
	pending map[P]bool
}

func newAckTracker[P comparable]() *ackTracker[P] {
	return &ackTracker[P]{pending: make(map[P]bool)}
}

// deliver registers pos before the event is handed to a worker, so an
// ack racing the handoff is never lost.
func (t *ackTracker[P]) deliver(pos P) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[pos]; exists {
		return
	}
	t.order = append(t.order, pos)
	t.pending[pos] = false
}

// ack marks pos handled and reports the newest position the checkpoint
// may advance to. Unknown positions are ignored; requeued events carry
// tags from a previous delivery.
func (t *ackTracker[P]) ack(pos P) (P, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var advanceTo P
	if _, known := t.pending[pos]; !known {
		return advanceTo, false
	}
	t.pending[pos] = true

	advanced := false
	for len(t.order) > 0 {
		head := t.order[0]
		if !t.pending[head] {
			break
		}
		delete(t.pending, head)
		t.order = t.order[1:]
		advanceTo = head
		advanced = true
	}
	return advanceTo, advanced
}

// inFlight reports how many delivered events have no contiguous ack yet.
func (t *ackTracker[P]) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
