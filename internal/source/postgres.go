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
	"github.com/tezland/metadata-indexer/internal/store"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultPollBatchSize  = 100
	defaultPGCheckpoint   = "postgres-queue"
	pgDeliveryTagPrefix   = "pg:"
	pgSourceMetricBackend = "postgres"
)

// PostgresSource polls the indexer-fed metadata_events table in id order
// and pushes rows into the pipeline intake. The checkpoint stores the
// highest contiguously acknowledged row id; restart resumes right after
// it.
type PostgresSource struct {
	queue       store.EventQueueRepository
	checkpoints store.CheckpointRepository
	out         chan<- event.MetadataEvent
	name        string
	pollEvery   time.Duration
	batchSize   int
	logger      *slog.Logger
	tracker     *ackTracker[int64]
}

type PostgresOption func(*PostgresSource)

func WithPollInterval(d time.Duration) PostgresOption {
	return func(s *PostgresSource) {
		if d > 0 {
			s.pollEvery = d
		}
	}
}

func WithBatchSize(n int) PostgresOption {
	return func(s *PostgresSource) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithCheckpointName(name string) PostgresOption {
	return func(s *PostgresSource) {
		if name != "" {
			s.name = name
		}
	}
}

func NewPostgresSource(
	queue store.EventQueueRepository,
	checkpoints store.CheckpointRepository,
	out chan<- event.MetadataEvent,
	logger *slog.Logger,
	opts ...PostgresOption,
) *PostgresSource {
	s := &PostgresSource{
		queue:       queue,
		checkpoints: checkpoints,
		out:         out,
		name:        defaultPGCheckpoint,
		pollEvery:   defaultPollInterval,
		batchSize:   defaultPollBatchSize,
		logger:      logger.With("component", "source", "backend", "postgres"),
		tracker:     newAckTracker[int64](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *PostgresSource) Run(ctx context.Context) error {
	after, err := s.resume(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("source started", "checkpoint", after, "poll_interval", s.pollEvery)

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("source stopping")
			return err
		}

		batch, err := s.queue.FetchBatch(ctx, after, s.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.SourceErrors.WithLabelValues(pgSourceMetricBackend).Inc()
			s.logger.Warn("fetch batch failed", "after_id", after, "error", err)
			if err := sleepContext(ctx, s.pollEvery); err != nil {
				return err
			}
			continue
		}

		if len(batch) == 0 {
			if err := sleepContext(ctx, s.pollEvery); err != nil {
				return err
			}
			continue
		}

		for _, qe := range batch {
			s.tracker.deliver(qe.ID)
			select {
			case s.out <- qe.Event:
				after = qe.ID
				metrics.SourceEventsTotal.WithLabelValues(pgSourceMetricBackend).Inc()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Ack advances the checkpoint when the acknowledged id closes a
// contiguous run. Tags from other backends are ignored.
func (s *PostgresSource) Ack(ctx context.Context, ev event.MetadataEvent) error {
	tag, ok := strings.CutPrefix(ev.DeliveryTag, pgDeliveryTagPrefix)
	if !ok {
		return nil
	}
	id, err := strconv.ParseInt(tag, 10, 64)
	if err != nil {
		return fmt.Errorf("delivery tag %q: %w", ev.DeliveryTag, err)
	}

	metrics.SourceAcksTotal.WithLabelValues(pgSourceMetricBackend).Inc()

	pos, advanced := s.tracker.ack(id)
	if !advanced {
		return nil
	}
	if err := s.checkpoints.Upsert(ctx, s.name, strconv.FormatInt(pos, 10)); err != nil {
		metrics.SourceErrors.WithLabelValues(pgSourceMetricBackend).Inc()
		return fmt.Errorf("advance checkpoint %s: %w", s.name, err)
	}
	metrics.SourceCheckpointPosition.WithLabelValues(pgSourceMetricBackend).Set(float64(pos))
	return nil
}

// InFlight reports delivered-but-unacknowledged events, surfaced in the
// health snapshot.
func (s *PostgresSource) InFlight() int {
	return s.tracker.inFlight()
}

func (s *PostgresSource) resume(ctx context.Context) (int64, error) {
	cp, err := s.checkpoints.Get(ctx, s.name)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", s.name, err)
	}
	if cp == nil || cp.Position == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(cp.Position, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("checkpoint %s position %q: %w", s.name, cp.Position, err)
	}
	return id, nil
}
