package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezland/metadata-indexer/internal/domain/event"
)

func newTestFetcher(t *testing.T, gateways []GatewayConfig, opts ...Option) *Fetcher {
	t.Helper()
	f, err := New(gateways, opts...)
	require.NoError(t, err)
	return f
}

func TestResolve_InlinePassThrough(t *testing.T) {
	f := newTestFetcher(t, nil)

	payload, err := f.Resolve(context.Background(), "", []byte(`{"name":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"name":"x"}`), payload.Bytes)
	assert.Equal(t, event.GatewayInline, payload.Gateway)
	assert.False(t, payload.FetchedAt.IsZero())
}

func TestResolve_InlineTooLarge(t *testing.T) {
	f := newTestFetcher(t, nil, WithMaxBytes(8))

	_, err := f.Resolve(context.Background(), "", []byte("123456789"))
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTooLarge, fe.Kind)
	assert.True(t, fe.Retryable())
}

func TestResolve_IPFSGatewayFallback(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ipfs/QmTest/metadata.json", r.URL.Path)
		_, _ = w.Write([]byte(`{"name":"ok"}`))
	}))
	defer up.Close()

	f := newTestFetcher(t, []GatewayConfig{
		{URL: down.URL, Timeout: time.Second},
		{URL: up.URL, Timeout: time.Second},
	})

	payload, err := f.Resolve(context.Background(), "ipfs://QmTest/metadata.json", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"name":"ok"}`), payload.Bytes)
	assert.Contains(t, up.URL, payload.Gateway)
}

func TestResolve_IPFSAllNotFound(t *testing.T) {
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	a := httptest.NewServer(notFound)
	defer a.Close()
	b := httptest.NewServer(notFound)
	defer b.Close()

	f := newTestFetcher(t, []GatewayConfig{
		{URL: a.URL, Timeout: time.Second},
		{URL: b.URL, Timeout: time.Second},
	})

	_, err := f.Resolve(context.Background(), "ipfs://QmMissing", nil)
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, fe.Kind)
	assert.False(t, fe.Retryable())
}

func TestResolve_IPFSMixedFailuresAreRetryable(t *testing.T) {
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer b.Close()

	f := newTestFetcher(t, []GatewayConfig{
		{URL: a.URL, Timeout: time.Second},
		{URL: b.URL, Timeout: time.Second},
	})

	// One gateway says gone, the other is broken. The content may still
	// exist, so the event stays retryable.
	_, err := f.Resolve(context.Background(), "ipfs://QmMaybe", nil)
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindGatewayExhausted, fe.Kind)
	assert.True(t, fe.Retryable())
}

func TestResolve_TooLargeStopsFallback(t *testing.T) {
	big := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer big.Close()

	var secondHits atomic.Int64
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer second.Close()

	f := newTestFetcher(t, []GatewayConfig{
		{URL: big.URL, Timeout: time.Second},
		{URL: second.URL, Timeout: time.Second},
	}, WithMaxBytes(32))

	_, err := f.Resolve(context.Background(), "ipfs://QmBig", nil)
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTooLarge, fe.Kind)
	assert.Equal(t, int64(0), secondHits.Load(), "oversized content must not trigger gateway fallback")
}

func TestResolve_ContentLengthShortCircuit(t *testing.T) {
	// The handler declares a huge body but delivers only a fragment. If the
	// fetcher read the body, the truncated response would surface as a
	// transport error; the Content-Length check must turn it into a clean
	// TooLarge before any body bytes move.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, []GatewayConfig{
		{URL: srv.URL, Timeout: time.Second},
	}, WithMaxBytes(1024))

	_, err := f.Resolve(context.Background(), "ipfs://QmDeclared", nil)
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTooLarge, fe.Kind)
}

func TestResolve_PerGatewayTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer slow.Close()

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"from":"fast"}`))
	}))
	defer fast.Close()

	f := newTestFetcher(t, []GatewayConfig{
		{URL: slow.URL, Timeout: 30 * time.Millisecond},
		{URL: fast.URL, Timeout: time.Second},
	})

	payload, err := f.Resolve(context.Background(), "ipfs://QmSlow", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"from":"fast"}`), payload.Bytes)
}

func TestResolve_OriginStatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantKind  ErrorKind
		retryable bool
	}{
		{"not found is fatal", http.StatusNotFound, KindNotFound, false},
		{"forbidden is fatal", http.StatusForbidden, KindNotFound, false},
		{"too many requests is retryable", http.StatusTooManyRequests, KindGatewayExhausted, true},
		{"server error is retryable", http.StatusServiceUnavailable, KindGatewayExhausted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			f := newTestFetcher(t, nil)
			_, err := f.Resolve(context.Background(), srv.URL+"/meta.json", nil)
			fe, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, fe.Kind)
			assert.Equal(t, tt.retryable, fe.Retryable())
		})
	}
}

func TestResolve_OriginTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil, WithOriginTimeout(30*time.Millisecond))

	_, err := f.Resolve(context.Background(), srv.URL+"/meta.json", nil)
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, fe.Kind)
	assert.True(t, fe.Retryable())
}

func TestResolve_OriginSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Contains(t, r.Header.Get("User-Agent"), "tezland-metadata-indexer/")
		_, _ = w.Write([]byte(`{"name":"direct"}`))
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	payload, err := f.Resolve(context.Background(), srv.URL+"/meta.json", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"name":"direct"}`), payload.Bytes)
	assert.Equal(t, event.GatewayOrigin, payload.Gateway)
}

func TestResolve_DataURI(t *testing.T) {
	f := newTestFetcher(t, nil)

	tests := []struct {
		name string
		uri  string
		want string
	}{
		{"base64", "data:application/json;base64,eyJuYW1lIjoieCJ9", `{"name":"x"}`},
		{"percent encoded", `data:application/json,%7B%22name%22%3A%22y%22%7D`, `{"name":"y"}`},
		{"plain", `data:,hello`, "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := f.Resolve(context.Background(), tt.uri, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(payload.Bytes))
			assert.Equal(t, event.GatewayData, payload.Gateway)
		})
	}
}

func TestResolve_MalformedURIs(t *testing.T) {
	f := newTestFetcher(t, nil)

	tests := []struct {
		name string
		uri  string
	}{
		{"unsupported scheme", "ftp://example.com/meta.json"},
		{"empty ipfs cid", "ipfs://"},
		{"data without comma", "data:application/json"},
		{"garbage", "://nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Resolve(context.Background(), tt.uri, nil)
			fe, ok := AsError(err)
			require.True(t, ok, "expected fetch error, got %v", err)
			assert.Equal(t, KindMalformedURI, fe.Kind)
			assert.False(t, fe.Retryable())
		})
	}
}

func TestResolve_BreakerSkipsOpenGateway(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(t,
		[]GatewayConfig{{URL: srv.URL, Timeout: time.Second}},
		WithBreakerConfig(1, time.Hour),
	)

	_, err := f.Resolve(context.Background(), "ipfs://QmFail", nil)
	fe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindGatewayExhausted, fe.Kind)
	require.Equal(t, int64(1), hits.Load())

	// The breaker is open now; the next resolve must not touch the server.
	_, err = f.Resolve(context.Background(), "ipfs://QmFail", nil)
	fe, ok = AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindGatewayExhausted, fe.Kind)
	assert.Equal(t, int64(1), hits.Load())
}

func TestResolve_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	f := newTestFetcher(t, []GatewayConfig{{URL: srv.URL, Timeout: 10 * time.Second}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.Resolve(ctx, "ipfs://QmWait", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIPFSPath(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    string
		wantErr bool
	}{
		{"bare cid", "ipfs://QmTest", "QmTest", false},
		{"cid with path", "ipfs://QmTest/metadata.json", "QmTest/metadata.json", false},
		{"double prefix", "ipfs://ipfs/QmTest", "QmTest", false},
		{"trailing slash", "ipfs://QmTest/", "QmTest", false},
		{"space gets encoded", "ipfs://QmTest/my file.json", "QmTest/my%20file.json", false},
		{"already encoded stays stable", "ipfs://QmTest/my%20file.json", "QmTest/my%20file.json", false},
		{"empty", "ipfs://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ipfsPath(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGatewayStates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f := newTestFetcher(t, []GatewayConfig{{URL: srv.URL, Timeout: time.Second}})

	states := f.GatewayStates()
	require.Len(t, states, 1)
	for _, state := range states {
		assert.Equal(t, "closed", state)
	}
}

func TestNew_RejectsBadGatewayURL(t *testing.T) {
	_, err := New([]GatewayConfig{{URL: "   "}})
	require.Error(t, err)

	_, err = New([]GatewayConfig{{URL: "not a url"}})
	require.Error(t, err)
}
