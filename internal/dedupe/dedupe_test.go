package dedupe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezland/metadata-indexer/internal/domain/model"
	"github.com/tezland/metadata-indexer/internal/validate"
)

func TestGetOrCompute_SingleFlight(t *testing.T) {
	c := New(16)

	var calls atomic.Int64
	release := make(chan struct{})
	const racers = 20

	var wg sync.WaitGroup
	results := make([]model.NormalizedRecord, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(context.Background(), "ipfs://QmShared",
				func(ctx context.Context) (model.NormalizedRecord, error) {
					calls.Add(1)
					<-release
					return model.NormalizedRecord{Fingerprint: "fp-1", Validity: model.ValidityValid}, nil
				})
		}(i)
	}

	// Let every racer pile onto the flight before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "exactly one racer computes")
	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fp-1", results[i].Fingerprint)
	}
}

func TestGetOrCompute_FailureNotCached(t *testing.T) {
	c := New(16)
	boom := errors.New("gateway fell over")
	calls := 0

	_, err := c.GetOrCompute(context.Background(), "ipfs://QmFlaky",
		func(ctx context.Context) (model.NormalizedRecord, error) {
			calls++
			return model.NormalizedRecord{}, boom
		})
	require.ErrorIs(t, err, boom)

	rec, err := c.GetOrCompute(context.Background(), "ipfs://QmFlaky",
		func(ctx context.Context) (model.NormalizedRecord, error) {
			calls++
			return model.NormalizedRecord{Fingerprint: "fp-2"}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "a failed computation must be recomputed")
	assert.Equal(t, "fp-2", rec.Fingerprint)
}

func TestLookup_MemoizesByFingerprint(t *testing.T) {
	c := New(16)

	_, err := c.GetOrCompute(context.Background(), "ipfs://QmA",
		func(ctx context.Context) (model.NormalizedRecord, error) {
			return model.NormalizedRecord{Fingerprint: "fp-x", Validity: model.ValidityValid}, nil
		})
	require.NoError(t, err)

	rec, ok := c.Lookup("fp-x")
	require.True(t, ok)
	assert.Equal(t, model.ValidityValid, rec.Validity)

	_, ok = c.Lookup("fp-unknown")
	assert.False(t, ok)
}

func TestGetOrCompute_ByteIdenticalPayloadsValidateOnce(t *testing.T) {
	c := New(16)
	data := []byte(`{"name":"shared body"}`)
	validations := 0

	computeFromBytes := func(ctx context.Context) (model.NormalizedRecord, error) {
		fp := validate.Fingerprint(data)
		if rec, ok := c.Lookup(fp); ok {
			return rec, nil
		}
		validations++
		return model.NormalizedRecord{Fingerprint: fp, Validity: model.ValidityValid}, nil
	}

	// Two different references carrying identical bytes.
	a, err := c.GetOrCompute(context.Background(), "ipfs://QmFirst", computeFromBytes)
	require.NoError(t, err)
	b, err := c.GetOrCompute(context.Background(), "https://example.com/copy.json", computeFromBytes)
	require.NoError(t, err)

	assert.Equal(t, 1, validations)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
}

func TestCache_CapacityEviction(t *testing.T) {
	c := New(2)

	for _, fp := range []string{"fp-1", "fp-2", "fp-3"} {
		_, err := c.GetOrCompute(context.Background(), "uri-"+fp,
			func(ctx context.Context) (model.NormalizedRecord, error) {
				return model.NormalizedRecord{Fingerprint: fp}, nil
			})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.Len())
	_, ok := c.Lookup("fp-1")
	assert.False(t, ok, "oldest entry is evicted")
	_, ok = c.Lookup("fp-3")
	assert.True(t, ok)

	_, _, evictions := c.Stats()
	assert.Equal(t, int64(1), evictions)
}
