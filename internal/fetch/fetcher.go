package fetch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/tezland/metadata-indexer/internal/circuitbreaker"
	"github.com/tezland/metadata-indexer/internal/domain/event"
	"github.com/tezland/metadata-indexer/internal/metrics"
	"github.com/tezland/metadata-indexer/internal/ratelimit"
)

const (
	defaultMaxBytes      = 1 << 20 // 1 MiB metadata cap
	defaultOriginTimeout = 10 * time.Second
	defaultMaxRedirects  = 5
)

var errTooLarge = errors.New("response exceeds byte cap")

// GatewayConfig configures one content-addressed gateway.
type GatewayConfig struct {
	URL     string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

type gateway struct {
	base    string // normalized base URL, ends with /
	host    string // metric label
	timeout time.Duration
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
}

// Fetcher resolves metadata references to raw bytes. Content-addressed
// URIs walk the ordered gateway list; each gateway carries its own
// timeout, rate limiter, and circuit breaker.
type Fetcher struct {
	client        *http.Client
	gateways      []*gateway
	maxBytes      int64
	originTimeout time.Duration
	maxRedirects  int
	userAgent     string
	logger        *slog.Logger
	nowFn         func() time.Time

	breakerFailureThreshold int
	breakerOpenTimeout      time.Duration
}

type Option func(*Fetcher)

func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

func WithOriginTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.originTimeout = d
		}
	}
}

// WithMaxRedirects caps redirect chains on the default client. Ignored
// when WithHTTPClient supplies a client with its own redirect policy.
func WithMaxRedirects(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxRedirects = n
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger.With("component", "fetch")
		}
	}
}

// WithHTTPClient replaces the default client. Tests use this to point the
// fetcher at httptest servers with short timeouts.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

func WithBreakerConfig(failureThreshold int, openTimeout time.Duration) Option {
	return func(f *Fetcher) {
		f.breakerFailureThreshold = failureThreshold
		f.breakerOpenTimeout = openTimeout
	}
}

func New(gateways []GatewayConfig, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		maxBytes:      defaultMaxBytes,
		originTimeout: defaultOriginTimeout,
		maxRedirects:  defaultMaxRedirects,
		userAgent:     fmt.Sprintf("tezland-metadata-indexer/dev (%s; %s)", runtime.GOOS, runtime.GOARCH),
		logger:        slog.Default().With("component", "fetch"),
		nowFn:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.client == nil {
		f.client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= f.maxRedirects {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		}
	}
	for _, gc := range gateways {
		gw, err := newGateway(gc, f.breakerFailureThreshold, f.breakerOpenTimeout)
		if err != nil {
			return nil, err
		}
		f.gateways = append(f.gateways, gw)
	}
	return f, nil
}

func newGateway(gc GatewayConfig, failureThreshold int, openTimeout time.Duration) (*gateway, error) {
	base := strings.TrimSpace(gc.URL)
	if base == "" {
		return nil, fmt.Errorf("gateway url is empty")
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	// Configured gateways are bare origins; requests go to <origin>/ipfs/<path>.
	if !strings.HasSuffix(base, "/ipfs/") {
		base += "ipfs/"
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("gateway url %q is not a valid base URL", gc.URL)
	}
	host := parsed.Host
	timeout := gc.Timeout
	if timeout <= 0 {
		timeout = defaultOriginTimeout
	}
	gw := &gateway{
		base:    base,
		host:    host,
		timeout: timeout,
		limiter: ratelimit.NewLimiter(gc.RPS, gc.Burst, host),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:             host,
			FailureThreshold: failureThreshold,
			OpenTimeout:      openTimeout,
			OnStateChange: func(name string, _, to circuitbreaker.State) {
				metrics.FetchBreakerState.WithLabelValues(name).Set(float64(to))
			},
		}),
	}
	return gw, nil
}

// GatewayStates reports each gateway's breaker state for the health surface.
func (f *Fetcher) GatewayStates() map[string]string {
	states := make(map[string]string, len(f.gateways))
	for _, gw := range f.gateways {
		states[gw.host] = gw.breaker.State().String()
	}
	return states
}

// Resolve turns a metadata reference into raw bytes. Inline payloads pass
// through without network I/O. Failures come back as *Error; context
// cancellation comes back unwrapped.
func (f *Fetcher) Resolve(ctx context.Context, uri string, inline []byte) (event.RawPayload, error) {
	if len(inline) > 0 {
		if int64(len(inline)) > f.maxBytes {
			return event.RawPayload{}, newError(KindTooLarge, "", event.GatewayInline,
				fmt.Errorf("inline payload is %d bytes, cap %d", len(inline), f.maxBytes))
		}
		return event.RawPayload{
			Bytes:     inline,
			Gateway:   event.GatewayInline,
			FetchedAt: f.nowFn(),
		}, nil
	}

	uri = strings.TrimSpace(uri)
	parsed, err := url.Parse(uri)
	if err != nil {
		return event.RawPayload{}, newError(KindMalformedURI, uri, "", err)
	}

	switch parsed.Scheme {
	case "ipfs":
		return f.resolveIPFS(ctx, uri)
	case "http", "https":
		return f.fetchOrigin(ctx, uri)
	case "data":
		return f.decodeData(uri)
	default:
		return event.RawPayload{}, newError(KindMalformedURI, uri, "",
			fmt.Errorf("unsupported scheme %q", parsed.Scheme))
	}
}

func (f *Fetcher) resolveIPFS(ctx context.Context, uri string) (event.RawPayload, error) {
	path, err := ipfsPath(uri)
	if err != nil {
		return event.RawPayload{}, newError(KindMalformedURI, uri, "", err)
	}

	var (
		lastErr     error
		lastGateway string
		notFound    int
		responded   int
	)
	for _, gw := range f.gateways {
		if err := ctx.Err(); err != nil {
			return event.RawPayload{}, err
		}
		if err := gw.breaker.Allow(); err != nil {
			f.record(gw.host, "breaker_open", 0, 0)
			lastErr, lastGateway = err, gw.host
			continue
		}
		if err := gw.limiter.Wait(ctx); err != nil {
			return event.RawPayload{}, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, gw.timeout)
		start := f.nowFn()
		data, status, err := f.get(attemptCtx, gw.base+path)
		cancel()
		elapsed := time.Since(start)

		switch {
		case err == nil && status == http.StatusOK:
			gw.breaker.RecordSuccess()
			f.record(gw.host, "ok", elapsed, len(data))
			return event.RawPayload{
				Bytes:     data,
				URI:       uri,
				Gateway:   gw.host,
				FetchedAt: f.nowFn(),
			}, nil

		case errors.Is(err, errTooLarge):
			// The content is the same behind every gateway; trying the
			// next one cannot shrink it.
			gw.breaker.RecordSuccess()
			f.record(gw.host, "too_large", elapsed, 0)
			return event.RawPayload{}, newError(KindTooLarge, uri, gw.host,
				fmt.Errorf("response exceeds %d byte cap", f.maxBytes))

		case err == nil && (status == http.StatusNotFound || status == http.StatusGone):
			gw.breaker.RecordSuccess()
			f.record(gw.host, "not_found", elapsed, 0)
			responded++
			notFound++
			lastErr, lastGateway = fmt.Errorf("http status %d", status), gw.host

		case err == nil:
			gw.breaker.RecordFailure()
			f.record(gw.host, statusOutcome(status), elapsed, 0)
			responded++
			lastErr, lastGateway = fmt.Errorf("http status %d", status), gw.host

		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			gw.breaker.RecordFailure()
			f.record(gw.host, "timeout", elapsed, 0)
			lastErr, lastGateway = fmt.Errorf("gateway timeout after %s", gw.timeout), gw.host

		case ctx.Err() != nil:
			return event.RawPayload{}, ctx.Err()

		default:
			gw.breaker.RecordFailure()
			f.record(gw.host, "network_error", elapsed, 0)
			lastErr, lastGateway = err, gw.host
		}

		f.logger.Debug("gateway attempt failed",
			"uri", uri,
			"gateway", gw.host,
			"error", lastErr,
		)
	}

	if len(f.gateways) == 0 {
		return event.RawPayload{}, newError(KindGatewayExhausted, uri, "",
			errors.New("no gateways configured"))
	}
	if responded > 0 && notFound == responded {
		// Every gateway that answered said the content does not exist.
		return event.RawPayload{}, newError(KindNotFound, uri, lastGateway, lastErr)
	}
	return event.RawPayload{}, newError(KindGatewayExhausted, uri, lastGateway, lastErr)
}

func (f *Fetcher) fetchOrigin(ctx context.Context, uri string) (event.RawPayload, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.originTimeout)
	defer cancel()

	start := f.nowFn()
	data, status, err := f.get(attemptCtx, uri)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, errTooLarge):
		f.record(event.GatewayOrigin, "too_large", elapsed, 0)
		return event.RawPayload{}, newError(KindTooLarge, uri, event.GatewayOrigin,
			fmt.Errorf("response exceeds %d byte cap", f.maxBytes))

	case err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		f.record(event.GatewayOrigin, "timeout", elapsed, 0)
		return event.RawPayload{}, newError(KindTimeout, uri, event.GatewayOrigin,
			fmt.Errorf("timeout after %s", f.originTimeout))

	case err != nil && ctx.Err() != nil:
		return event.RawPayload{}, ctx.Err()

	case err != nil:
		f.record(event.GatewayOrigin, "network_error", elapsed, 0)
		return event.RawPayload{}, newError(KindGatewayExhausted, uri, event.GatewayOrigin, err)

	case status == http.StatusOK:
		f.record(event.GatewayOrigin, "ok", elapsed, len(data))
		return event.RawPayload{
			Bytes:     data,
			URI:       uri,
			Gateway:   event.GatewayOrigin,
			FetchedAt: f.nowFn(),
		}, nil

	case status == http.StatusTooManyRequests || status >= 500:
		f.record(event.GatewayOrigin, statusOutcome(status), elapsed, 0)
		return event.RawPayload{}, newError(KindGatewayExhausted, uri, event.GatewayOrigin,
			fmt.Errorf("http status %d", status))

	default:
		// Remaining 4xx: the reference itself is dead.
		f.record(event.GatewayOrigin, statusOutcome(status), elapsed, 0)
		return event.RawPayload{}, newError(KindNotFound, uri, event.GatewayOrigin,
			fmt.Errorf("http status %d", status))
	}
}

// decodeData resolves data: URIs locally. Both base64 and percent-encoded
// bodies appear in the wild.
func (f *Fetcher) decodeData(uri string) (event.RawPayload, error) {
	rest := strings.TrimPrefix(uri, "data:")
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return event.RawPayload{}, newError(KindMalformedURI, uri, "",
			errors.New("data uri has no comma separator"))
	}

	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(meta, ";base64") {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(payload)
		}
	} else {
		var s string
		s, err = url.QueryUnescape(payload)
		data = []byte(s)
	}
	if err != nil {
		return event.RawPayload{}, newError(KindMalformedURI, uri, "", err)
	}
	if int64(len(data)) > f.maxBytes {
		return event.RawPayload{}, newError(KindTooLarge, uri, event.GatewayData,
			fmt.Errorf("decoded payload is %d bytes, cap %d", len(data), f.maxBytes))
	}
	return event.RawPayload{
		Bytes:     data,
		URI:       uri,
		Gateway:   event.GatewayData,
		FetchedAt: f.nowFn(),
	}, nil
}

// get performs one HTTP GET with the byte cap enforced during the body
// read: at most cap+1 bytes are ever buffered.
func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	if resp.ContentLength > f.maxBytes {
		return nil, resp.StatusCode, errTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, resp.StatusCode, errTooLarge
	}
	return data, resp.StatusCode, nil
}

func (f *Fetcher) record(gateway, outcome string, elapsed time.Duration, bytes int) {
	metrics.FetchAttemptsTotal.WithLabelValues(gateway, outcome).Inc()
	if elapsed > 0 {
		metrics.FetchLatency.WithLabelValues(gateway).Observe(elapsed.Seconds())
	}
	if bytes > 0 {
		metrics.FetchBytesTotal.WithLabelValues(gateway).Add(float64(bytes))
	}
}

// ipfsPath extracts and re-encodes the cid/path part of an ipfs:// URI.
// Producers disagree on percent encoding; unquote-then-quote makes the
// gateway request canonical either way.
func ipfsPath(uri string) (string, error) {
	rest := strings.TrimPrefix(uri, "ipfs://")
	rest = strings.TrimPrefix(rest, "ipfs/") // tolerate ipfs://ipfs/<cid>
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		return "", errors.New("ipfs uri has empty cid (invalid cid)")
	}
	segments := strings.Split(rest, "/")
	if segments[0] == "" {
		return "", errors.New("ipfs uri has empty cid (invalid cid)")
	}
	for i, seg := range segments {
		unescaped, err := url.PathUnescape(seg)
		if err != nil {
			unescaped = seg
		}
		segments[i] = url.PathEscape(unescaped)
	}
	return strings.Join(segments, "/"), nil
}

func statusOutcome(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	default:
		return fmt.Sprintf("http_%d", status)
	}
}
