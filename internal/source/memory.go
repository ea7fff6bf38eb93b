package source

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tezland/metadata-indexer/internal/domain/event"
	"github.com/tezland/metadata-indexer/internal/metrics"
)

const memorySourceMetricBackend = "memory"

// ErrSourceClosed is returned by Offer after Close.
var ErrSourceClosed = errors.New("source closed")

// MemorySource feeds the intake from an in-process buffer. No durable
// checkpoint exists; Ack only records tags so tests can assert terminal
// handling. Used by tests and single-process deployments where the
// producer runs in the same binary.
type MemorySource struct {
	buffer chan event.MetadataEvent
	out    chan<- event.MetadataEvent
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	acked  map[string]int
}

func NewMemorySource(buffer int, out chan<- event.MetadataEvent, logger *slog.Logger) *MemorySource {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemorySource{
		buffer: make(chan event.MetadataEvent, buffer),
		out:    out,
		logger: logger.With("component", "source", "backend", "memory"),
		acked:  make(map[string]int),
	}
}

// Offer queues an event for delivery.
func (s *MemorySource) Offer(ctx context.Context, ev event.MetadataEvent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSourceClosed
	}
	s.mu.Unlock()

	select {
	case s.buffer <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops delivery after the buffer drains. Run returns nil once
// every buffered event has been handed to the intake.
func (s *MemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.buffer)
	return nil
}

func (s *MemorySource) Run(ctx context.Context) error {
	s.logger.Info("source started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("source stopping")
			return ctx.Err()
		case ev, ok := <-s.buffer:
			if !ok {
				return nil
			}
			select {
			case s.out <- ev:
				metrics.SourceEventsTotal.WithLabelValues(memorySourceMetricBackend).Inc()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *MemorySource) Ack(ctx context.Context, ev event.MetadataEvent) error {
	metrics.SourceAcksTotal.WithLabelValues(memorySourceMetricBackend).Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked[ev.DeliveryTag]++
	return nil
}

// AckCount reports how many times a delivery tag was acknowledged.
func (s *MemorySource) AckCount(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked[tag]
}

// TotalAcked reports the total acknowledgements across all tags.
func (s *MemorySource) TotalAcked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.acked {
		total += n
	}
	return total
}
