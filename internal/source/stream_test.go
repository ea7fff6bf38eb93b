package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezland/metadata-indexer/internal/domain/event"
	"github.com/tezland/metadata-indexer/internal/domain/model"
	"github.com/tezland/metadata-indexer/internal/store/redis"
)

func streamEvent(index int64) event.MetadataEvent {
	return event.MetadataEvent{
		Token: model.TokenID{
			Contract:   "KT1Fake",
			TokenIndex: index,
			Kind:       model.KindPlace,
		},
		URI:        "ipfs://QmPlace",
		ObservedAt: index,
	}
}

func TestStreamSource_DeliversAndAdvancesCheckpoint(t *testing.T) {
	t.Parallel()

	transport := redis.NewInMemoryStream()
	defer transport.Close()

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		_, err := transport.PublishJSON(ctx, defaultStreamName, streamEvent(i))
		require.NoError(t, err)
	}

	out := make(chan event.MetadataEvent, 8)
	src := NewStreamSource(transport, out, testLogger())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- src.Run(runCtx) }()

	events := collectEvents(t, out, 3)
	cancel()
	<-done

	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Token.TokenIndex)
		assert.Contains(t, ev.DeliveryTag, streamDeliveryTagPrefix)
	}

	// Middle ack leaves a gap; first ack closes the run through it.
	require.NoError(t, src.Ack(ctx, events[1]))
	pos, err := transport.LoadStreamCheckpoint(ctx, defaultStreamCheckpoint)
	require.NoError(t, err)
	assert.Empty(t, pos)

	require.NoError(t, src.Ack(ctx, events[0]))
	pos, err = transport.LoadStreamCheckpoint(ctx, defaultStreamCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, "2-0", pos)

	require.NoError(t, src.Ack(ctx, events[2]))
	pos, err = transport.LoadStreamCheckpoint(ctx, defaultStreamCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, "3-0", pos)
	assert.Equal(t, 0, src.InFlight())
}

func TestStreamSource_ResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	transport := redis.NewInMemoryStream()
	defer transport.Close()

	ctx := context.Background()
	var ids []string
	for i := int64(1); i <= 3; i++ {
		id, err := transport.PublishJSON(ctx, defaultStreamName, streamEvent(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, transport.PersistStreamCheckpoint(ctx, defaultStreamCheckpoint, ids[0]))

	out := make(chan event.MetadataEvent, 8)
	src := NewStreamSource(transport, out, testLogger())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- src.Run(runCtx) }()

	events := collectEvents(t, out, 2)
	cancel()
	<-done

	assert.Equal(t, int64(2), events[0].Token.TokenIndex)
	assert.Equal(t, int64(3), events[1].Token.TokenIndex)
}

func TestStreamSource_SkipsPoisonEntry(t *testing.T) {
	t.Parallel()

	transport := redis.NewInMemoryStream()
	defer transport.Close()

	ctx := context.Background()
	_, err := transport.PublishJSON(ctx, defaultStreamName, map[string]any{"token": "not-an-object"})
	require.NoError(t, err)
	_, err = transport.PublishJSON(ctx, defaultStreamName, streamEvent(2))
	require.NoError(t, err)

	out := make(chan event.MetadataEvent, 4)
	src := NewStreamSource(transport, out, testLogger())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- src.Run(runCtx) }()

	events := collectEvents(t, out, 1)
	cancel()
	<-done

	assert.Equal(t, int64(2), events[0].Token.TokenIndex, "poison entry must be skipped, not redelivered")
}

func TestStreamSource_CustomStreamAndKey(t *testing.T) {
	t.Parallel()

	transport := redis.NewInMemoryStream()
	defer transport.Close()

	ctx := context.Background()
	_, err := transport.PublishJSON(ctx, "other-stream", streamEvent(1))
	require.NoError(t, err)

	out := make(chan event.MetadataEvent, 4)
	src := NewStreamSource(transport, out, testLogger(),
		WithStreamName("other-stream"),
		WithStreamCheckpointKey("other-ck"),
	)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- src.Run(runCtx) }()

	events := collectEvents(t, out, 1)
	cancel()
	<-done

	require.NoError(t, src.Ack(ctx, events[0]))
	pos, err := transport.LoadStreamCheckpoint(ctx, "other-ck")
	require.NoError(t, err)
	assert.Equal(t, "1-0", pos)
}
