package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezland/metadata-indexer/internal/domain/event"
	"github.com/tezland/metadata-indexer/internal/domain/model"
	"github.com/tezland/metadata-indexer/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collectEvents drains n events from ch or fails the test.
func collectEvents(t *testing.T, ch <-chan event.MetadataEvent, n int) []event.MetadataEvent {
	t.Helper()
	out := make([]event.MetadataEvent, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func queuedRow(id int64) store.QueuedEvent {
	return store.QueuedEvent{
		ID: id,
		Event: event.MetadataEvent{
			Token: model.TokenID{
				Contract:   "KT1Fake",
				TokenIndex: id,
				Kind:       model.KindItem,
			},
			URI:         fmt.Sprintf("ipfs://Qm%d", id),
			ObservedAt:  id,
			DeliveryTag: fmt.Sprintf("pg:%d", id),
		},
	}
}

func queuedRows(ids ...int64) []store.QueuedEvent {
	rows := make([]store.QueuedEvent, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, queuedRow(id))
	}
	return rows
}

type fakeQueue struct {
	mu    sync.Mutex
	rows  []store.QueuedEvent
	calls []int64
	errs  []error
}

func (q *fakeQueue) FetchBatch(ctx context.Context, afterID int64, limit int) ([]store.QueuedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, afterID)
	if len(q.errs) > 0 {
		err := q.errs[0]
		q.errs = q.errs[1:]
		return nil, err
	}
	var out []store.QueuedEvent
	for _, row := range q.rows {
		if row.ID <= afterID {
			continue
		}
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *fakeQueue) Enqueue(ctx context.Context, ev event.MetadataEvent) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := int64(len(q.rows) + 1)
	row := store.QueuedEvent{ID: id, Event: ev}
	row.Event.DeliveryTag = fmt.Sprintf("pg:%d", id)
	q.rows = append(q.rows, row)
	return id, nil
}

func (q *fakeQueue) fetchCalls() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.calls...)
}

type fakeCheckpoints struct {
	mu        sync.Mutex
	positions map[string]string
	history   []string
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{positions: make(map[string]string)}
}

func (c *fakeCheckpoints) Get(ctx context.Context, name string) (*model.Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[name]
	if !ok {
		return nil, nil
	}
	return &model.Checkpoint{Name: name, Position: pos}, nil
}

func (c *fakeCheckpoints) Upsert(ctx context.Context, name, position string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[name] = position
	c.history = append(c.history, position)
	return nil
}

func (c *fakeCheckpoints) upserts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.history...)
}

func TestAckTracker_AdvancesContiguously(t *testing.T) {
	t.Parallel()

	tr := newAckTracker[int64]()
	tr.deliver(1)
	tr.deliver(2)
	tr.deliver(3)

	_, advanced := tr.ack(2)
	assert.False(t, advanced, "gap before 2 must hold the checkpoint")

	pos, advanced := tr.ack(1)
	require.True(t, advanced)
	assert.Equal(t, int64(2), pos, "acking 1 closes the run through 2")

	pos, advanced = tr.ack(3)
	require.True(t, advanced)
	assert.Equal(t, int64(3), pos)
	assert.Equal(t, 0, tr.inFlight())
}

func TestAckTracker_IgnoresUnknownAndDuplicate(t *testing.T) {
	t.Parallel()

	tr := newAckTracker[int64]()
	tr.deliver(7)
	tr.deliver(7)
	assert.Equal(t, 1, tr.inFlight())

	_, advanced := tr.ack(99)
	assert.False(t, advanced)

	pos, advanced := tr.ack(7)
	require.True(t, advanced)
	assert.Equal(t, int64(7), pos)

	_, advanced = tr.ack(7)
	assert.False(t, advanced, "second ack of a drained position is a no-op")
}
