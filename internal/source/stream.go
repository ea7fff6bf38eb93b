package source

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tezland/metadata-indexer/internal/domain/event"
	"github.com/tezland/metadata-indexer/internal/metrics"
	"github.com/tezland/metadata-indexer/internal/store/redis"
)

const (
	defaultStreamName         = "metadata:events"
	defaultStreamCheckpoint   = "metadata:events:checkpoint"
	streamDeliveryTagPrefix   = "stream:"
	streamSourceMetricBackend = "stream"
	streamReadErrorBackoff    = time.Second
)

// StreamSource consumes metadata events from a Redis stream via
// blocking reads. The checkpoint is the entry id of the newest
// contiguously acknowledged entry, persisted through the transport.
type StreamSource struct {
	transport     redis.MessageTransport
	out           chan<- event.MetadataEvent
	stream        string
	checkpointKey string
	logger        *slog.Logger
	tracker       *ackTracker[string]
}

type StreamOption func(*StreamSource)

func WithStreamName(name string) StreamOption {
	return func(s *StreamSource) {
		if name != "" {
			s.stream = name
		}
	}
}

func WithStreamCheckpointKey(key string) StreamOption {
	return func(s *StreamSource) {
		s.checkpointKey = key
	}
}

func NewStreamSource(
	transport redis.MessageTransport,
	out chan<- event.MetadataEvent,
	logger *slog.Logger,
	opts ...StreamOption,
) *StreamSource {
	s := &StreamSource{
		transport:     transport,
		out:           out,
		stream:        defaultStreamName,
		checkpointKey: defaultStreamCheckpoint,
		logger:        logger.With("component", "source", "backend", "stream"),
		tracker:       newAckTracker[string](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *StreamSource) Run(ctx context.Context) error {
	lastID, err := s.transport.LoadStreamCheckpoint(ctx, s.checkpointKey)
	if err != nil {
		return fmt.Errorf("load stream checkpoint: %w", err)
	}
	s.logger.Info("source started", "stream", s.stream, "checkpoint", lastID)

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("source stopping")
			return err
		}

		var ev event.MetadataEvent
		entryID, err := s.transport.ReadJSON(ctx, s.stream, lastID, &ev)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.SourceErrors.WithLabelValues(streamSourceMetricBackend).Inc()
			if entryID != "" {
				// Decode failure on a concrete entry: skip it rather
				// than crash-loop on a poison payload.
				s.logger.Warn("skipping undecodable stream entry", "entry", entryID, "error", err)
				lastID = entryID
				continue
			}
			s.logger.Warn("stream read failed", "after", lastID, "error", err)
			if err := sleepContext(ctx, streamReadErrorBackoff); err != nil {
				return err
			}
			continue
		}

		s.tracker.deliver(entryID)
		ev.DeliveryTag = streamDeliveryTagPrefix + entryID
		select {
		case s.out <- ev:
			lastID = entryID
			metrics.SourceEventsTotal.WithLabelValues(streamSourceMetricBackend).Inc()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Ack persists the checkpoint when the acknowledged entry closes a
// contiguous run. Tags from other backends are ignored.
func (s *StreamSource) Ack(ctx context.Context, ev event.MetadataEvent) error {
	entryID, ok := strings.CutPrefix(ev.DeliveryTag, streamDeliveryTagPrefix)
	if !ok {
		return nil
	}

	metrics.SourceAcksTotal.WithLabelValues(streamSourceMetricBackend).Inc()

	pos, advanced := s.tracker.ack(entryID)
	if !advanced {
		return nil
	}
	if err := s.transport.PersistStreamCheckpoint(ctx, s.checkpointKey, pos); err != nil {
		metrics.SourceErrors.WithLabelValues(streamSourceMetricBackend).Inc()
		return fmt.Errorf("advance stream checkpoint: %w", err)
	}
	if head, _, _ := strings.Cut(pos, "-"); head != "" {
		if n, err := strconv.ParseInt(head, 10, 64); err == nil {
			metrics.SourceCheckpointPosition.WithLabelValues(streamSourceMetricBackend).Set(float64(n))
		}
	}
	return nil
}

func (s *StreamSource) InFlight() int {
	return s.tracker.inFlight()
}
