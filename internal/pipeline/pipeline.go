package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tezland/metadata-indexer/internal/alert"
	"github.com/tezland/metadata-indexer/internal/dedupe"
	"github.com/tezland/metadata-indexer/internal/domain/event"
	"github.com/tezland/metadata-indexer/internal/metrics"
	"github.com/tezland/metadata-indexer/internal/source"
	"github.com/tezland/metadata-indexer/internal/store"
	"github.com/tezland/metadata-indexer/internal/validate"
)

// Defaults for Config fields left zero.
const (
	DefaultWorkers        = 8
	DefaultIntakeBuffer   = 256
	DefaultMaxAttempts    = 5
	DefaultEventDeadline  = 30 * time.Minute
	DefaultBackoffInitial = 1 * time.Second
	DefaultBackoffMax     = 2 * time.Minute

	// DefaultSinkFailureAlertThreshold is the run of consecutive sink
	// write failures that fires a sink alert.
	DefaultSinkFailureAlertThreshold = 3

	// watchInterval paces intake depth sampling and health transition
	// detection.
	watchInterval = 5 * time.Second
)

type Config struct {
	Workers                   int
	IntakeBuffer              int
	MaxAttempts               int
	EventDeadline             time.Duration
	BackoffInitial            time.Duration
	BackoffMax                time.Duration
	SinkFailureAlertThreshold int
	UnhealthyThreshold        int
	DegradedLatencyThreshold  time.Duration
	Alerter                   alert.Alerter
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.IntakeBuffer <= 0 {
		c.IntakeBuffer = DefaultIntakeBuffer
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.EventDeadline <= 0 {
		c.EventDeadline = DefaultEventDeadline
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.SinkFailureAlertThreshold <= 0 {
		c.SinkFailureAlertThreshold = DefaultSinkFailureAlertThreshold
	}
	return c
}

// Repos groups the persistence dependencies the pipeline writes to.
type Repos struct {
	Records    store.RecordRepository
	Quarantine store.QuarantineRepository
}

// Pipeline owns the intake channel, the event source, and the coordinator
// worker pool, and runs them as one errgroup.
type Pipeline struct {
	cfg    Config
	source source.Source
	coord  *Coordinator
	intake chan event.MetadataEvent
	health *PipelineHealth
	logger *slog.Logger

	gatewayStates func() map[string]string
}

func New(
	cfg Config,
	resolver Resolver,
	validator *validate.Validator,
	cache *dedupe.Cache,
	repos *Repos,
	logger *slog.Logger,
) *Pipeline {
	cfg = cfg.withDefaults()
	health := NewPipelineHealth()
	if cfg.UnhealthyThreshold > 0 {
		health.unhealthyThreshold = cfg.UnhealthyThreshold
	}
	if cfg.DegradedLatencyThreshold > 0 {
		health.degradedLatencyThreshold = cfg.DegradedLatencyThreshold
	}

	p := &Pipeline{
		cfg:    cfg,
		intake: make(chan event.MetadataEvent, cfg.IntakeBuffer),
		health: health,
		logger: logger.With("component", "pipeline"),
	}
	p.coord = newCoordinator(cfg, resolver, validator, cache, repos, health, p.intake, logger)
	return p
}

// Intake returns the channel the event source must feed.
func (p *Pipeline) Intake() chan<- event.MetadataEvent {
	return p.intake
}

// SetSource wires the event source. This must be called before Run().
func (p *Pipeline) SetSource(src source.Source) {
	p.source = src
	p.coord.acker = src
}

// WithArtifactChecker enables artifact verification for item records.
func (p *Pipeline) WithArtifactChecker(ch ArtifactChecker) *Pipeline {
	p.coord.artifacts = ch
	return p
}

// WithGatewayStates wires a circuit breaker state reader for the status
// report, typically (*fetch.Fetcher).GatewayStates.
func (p *Pipeline) WithGatewayStates(fn func() map[string]string) *Pipeline {
	p.gatewayStates = fn
	return p
}

// Health returns the pipeline's health tracker.
func (p *Pipeline) Health() *PipelineHealth {
	return p.health
}

// Requeue re-injects an event at the intake with a fresh retry budget.
// Used by the admin surface when releasing a quarantined event.
func (p *Pipeline) Requeue(ctx context.Context, ev event.MetadataEvent) error {
	select {
	case p.intake <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) Run(ctx context.Context) error {
	if p.source == nil {
		return fmt.Errorf("pipeline source is not configured")
	}
	p.health.SetStatus(HealthStatusHealthy)

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("pipeline panic: %v\n%s", r, debug.Stack())
			}
		}()
		errCh <- p.runPipeline(ctx)
	}()

	err := <-errCh
	if err != nil && !errors.Is(err, context.Canceled) {
		p.health.RecordFailure()
		return err
	}
	return nil
}

func (p *Pipeline) runPipeline(ctx context.Context) error {
	p.logger.Info("pipeline starting",
		"workers", p.cfg.Workers,
		"intake_buffer", cap(p.intake),
		"max_attempts", p.cfg.MaxAttempts,
		"event_deadline", p.cfg.EventDeadline,
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.watch(gCtx)
	})
	g.Go(func() error {
		return p.source.Run(gCtx)
	})
	g.Go(func() error {
		return p.coord.Run(gCtx)
	})

	return g.Wait()
}

// watch samples the intake depth and health gauges and fires alerts on
// degraded transitions. Unhealthy and recovery transitions alert at the
// failure site where the triggering error is in hand.
func (p *Pipeline) watch(ctx context.Context) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	last := p.health.Status()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			metrics.PipelineQueueDepth.WithLabelValues("intake").Set(float64(len(p.intake)))
			status := p.health.Status()
			metrics.PipelineHealthStatus.Set(healthStatusValue(status))
			if status != last {
				p.notifyStatusChange(ctx, last, status)
				last = status
			}
		}
	}
}

func (p *Pipeline) notifyStatusChange(ctx context.Context, from, to HealthStatus) {
	p.logger.Info("pipeline health changed", "from", from, "to", to)
	if p.cfg.Alerter == nil || to != HealthStatusDegraded {
		return
	}
	snap := p.health.Snapshot()
	a := alert.Alert{
		Type:      alert.AlertTypeDegraded,
		Component: "pipeline",
		Title:     "Pipeline degraded",
		Message:   fmt.Sprintf("p95 event latency is %dms", snap.LatencyP95Millis),
		Fields: map[string]string{
			"latency_p95_ms": strconv.FormatInt(snap.LatencyP95Millis, 10),
		},
	}
	if err := p.cfg.Alerter.Send(ctx, a); err != nil {
		p.logger.Warn("degraded alert failed", "error", err)
	}
}

func healthStatusValue(s HealthStatus) float64 {
	switch s {
	case HealthStatusHealthy:
		return 1
	case HealthStatusDegraded:
		return 2
	case HealthStatusUnhealthy:
		return 3
	default:
		return 0
	}
}

// Totals are cumulative terminal outcome counts since process start.
type Totals struct {
	Done        int64 `json:"done"`
	StaleDrops  int64 `json:"stale_drops"`
	Quarantined int64 `json:"quarantined"`
	Retries     int64 `json:"retries"`
}

// DedupeStats is the dedup cache slice of the status report.
type DedupeStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Records   int   `json:"records"`
}

// StatusReport is the admin surface's point-in-time view of the pipeline.
type StatusReport struct {
	Health               HealthSnapshot    `json:"health"`
	IntakeDepth          int               `json:"intake_depth"`
	ActiveWorkers        int               `json:"active_workers"`
	RetryPending         int               `json:"retry_pending"`
	ConsecutiveSinkFails int64             `json:"consecutive_sink_failures"`
	Totals               Totals            `json:"totals"`
	Dedupe               DedupeStats       `json:"dedupe"`
	Gateways             map[string]string `json:"gateways,omitempty"`
}

// Status assembles the status report served by the admin server.
func (p *Pipeline) Status() StatusReport {
	hits, misses, evictions := p.coord.cache.Stats()
	report := StatusReport{
		Health:               p.health.Snapshot(),
		IntakeDepth:          len(p.intake),
		ActiveWorkers:        p.coord.ActiveWorkers(),
		RetryPending:         p.coord.RetryPending(),
		ConsecutiveSinkFails: p.coord.ConsecutiveSinkFailures(),
		Totals:               p.coord.Totals(),
		Dedupe: DedupeStats{
			Hits:      hits,
			Misses:    misses,
			Evictions: evictions,
			Records:   p.coord.cache.Len(),
		},
	}
	if p.gatewayStates != nil {
		report.Gateways = p.gatewayStates()
	}
	return report
}
