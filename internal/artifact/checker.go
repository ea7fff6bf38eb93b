package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tezland/metadata-indexer/internal/domain/event"
	"github.com/tezland/metadata-indexer/internal/domain/model"
	"github.com/tezland/metadata-indexer/internal/fetch"
	"github.com/tezland/metadata-indexer/internal/metrics"
)

// Allowed declared-vs-counted polygon overshoot, in basis points.
const defaultToleranceBps = 100

// Resolver fetches artifact bytes. Satisfied by *fetch.Fetcher configured
// with the artifact byte cap.
type Resolver interface {
	Resolve(ctx context.Context, uri string, inline []byte) (event.RawPayload, error)
}

// Checker verifies that an item's artifact matches what its metadata
// declares: the file size must match exactly and a glTF model must not
// carry meaningfully more polygons than declared.
type Checker struct {
	resolver     Resolver
	toleranceBps int64
	logger       *slog.Logger
	nowFn        func() time.Time
}

type Option func(*Checker)

func WithToleranceBps(bps int64) Option {
	return func(c *Checker) {
		if bps >= 0 {
			c.toleranceBps = bps
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger.With("component", "artifact")
		}
	}
}

func New(resolver Resolver, opts ...Option) *Checker {
	c := &Checker{
		resolver:     resolver,
		toleranceBps: defaultToleranceBps,
		logger:       slog.Default().With("component", "artifact"),
		nowFn:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Check downloads the artifact behind an item record and verifies it
// against the declared fileSize and polygonCount. Discrepancies are
// recorded as defects on the record; only retryable fetch failures come
// back as an error so the caller can retry the whole event.
func (c *Checker) Check(ctx context.Context, rec *model.NormalizedRecord) error {
	if rec.Token.Kind != model.KindItem {
		return nil
	}
	uri, uriOK := rec.Fields["artifactUri"].(string)
	mime, mimeOK := rec.Fields["mimeType"].(string)
	fileSize, sizeOK := rec.Fields["fileSize"].(int64)
	polygons, polyOK := rec.Fields["polygonCount"].(int64)
	if !uriOK || !mimeOK || !sizeOK || !polyOK {
		// The validator already flagged whatever is missing.
		return nil
	}

	start := c.nowFn()
	payload, err := c.resolver.Resolve(ctx, uri, nil)
	if err != nil {
		if fe, ok := fetch.AsError(err); ok && !fe.Retryable() {
			rec.AddDefect(model.FieldDefect{
				Field: "artifactUri", Kind: model.DefectMismatch,
				Detail: fmt.Sprintf("artifact unreachable: %v", fe),
			})
			c.observe("unreachable", start)
			return nil
		}
		c.observe("fetch_error", start)
		return err
	}

	if int64(len(payload.Bytes)) != fileSize {
		rec.AddDefect(model.FieldDefect{
			Field: "fileSize", Kind: model.DefectMismatch,
			Detail: fmt.Sprintf("artifact is %d bytes, metadata declares %d", len(payload.Bytes), fileSize),
		})
		c.observe("size_mismatch", start)
		return nil
	}

	if isGLTFMime(mime) {
		counted, err := CountPolygons(payload.Bytes, mime)
		if err != nil {
			rec.AddDefect(model.FieldDefect{
				Field: "artifactUri", Kind: model.DefectMalformed,
				Detail: fmt.Sprintf("model does not decode: %v", err),
			})
			c.observe("undecodable", start)
			return nil
		}

		overshoot := counted - polygons
		if overshoot < 0 {
			overshoot = 0
		}
		maxOvershoot := float64(polygons) * float64(c.toleranceBps) / 10000.0
		if float64(overshoot) > maxOvershoot {
			rec.AddDefect(model.FieldDefect{
				Field: "polygonCount", Kind: model.DefectMismatch,
				Detail: fmt.Sprintf("model has %d polygons, metadata declares %d", counted, polygons),
			})
			c.observe("polygon_excess", start)
			return nil
		}
		if overshoot != 0 {
			c.logger.Warn("polygon count off within tolerance",
				"token", rec.Token.String(),
				"declared", polygons,
				"counted", counted,
			)
		}
	}

	c.observe("ok", start)
	return nil
}

func (c *Checker) observe(outcome string, start time.Time) {
	metrics.ArtifactChecksTotal.WithLabelValues(outcome).Inc()
	metrics.ArtifactCheckLatency.WithLabelValues(outcome).Observe(c.nowFn().Sub(start).Seconds())
}

func isGLTFMime(mime string) bool {
	return mime == "model/gltf-binary" || mime == "model/gltf+json"
}
