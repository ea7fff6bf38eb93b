package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tezland/metadata-indexer/internal/alert"
	"github.com/tezland/metadata-indexer/internal/dedupe"
	"github.com/tezland/metadata-indexer/internal/domain/event"
	"github.com/tezland/metadata-indexer/internal/domain/model"
	"github.com/tezland/metadata-indexer/internal/metrics"
	"github.com/tezland/metadata-indexer/internal/pipeline/retry"
	"github.com/tezland/metadata-indexer/internal/source"
	"github.com/tezland/metadata-indexer/internal/store"
	"github.com/tezland/metadata-indexer/internal/tracing"
	"github.com/tezland/metadata-indexer/internal/validate"
)

const (
	// sinkWriteTimeout bounds the persist and quarantine writes that run
	// detached from the worker context so drained events still land.
	sinkWriteTimeout = 10 * time.Second

	// ackTimeout bounds the checkpoint acknowledgement write.
	ackTimeout = 5 * time.Second
)

// Terminal result labels for metrics and spans.
const (
	resultDone        = "done"
	resultStale       = "stale"
	resultQuarantined = "quarantined"
)

// Resolver turns a metadata reference (URI or inline bytes) into a raw
// payload. Satisfied by *fetch.Fetcher.
type Resolver interface {
	Resolve(ctx context.Context, uri string, inline []byte) (event.RawPayload, error)
}

// ArtifactChecker verifies fetched artifact bytes against what the
// metadata declares. Satisfied by *artifact.Checker.
type ArtifactChecker interface {
	Check(ctx context.Context, rec *model.NormalizedRecord) error
}

// RetryState carries one event's attempt bookkeeping across retries.
type RetryState struct {
	Attempts      int
	LastErrorKind string
	LastError     string
	FirstAttempt  time.Time

	backoff *backoff.ExponentialBackOff
}

func newRetryState(initial, max time.Duration) *RetryState {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	// The per-event deadline bounds total retry time, not the backoff.
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &RetryState{
		FirstAttempt: time.Now(),
		backoff:      bo,
	}
}

func (r *RetryState) nextDelay() time.Duration {
	return r.backoff.NextBackOff()
}

// trackedEvent pairs an event with its retry bookkeeping while it loops
// through attempts.
type trackedEvent struct {
	ev    event.MetadataEvent
	retry *RetryState
}

// Coordinator drives each metadata event through fetch, validation, the
// dedup cache, and the sink: Received events move through Fetching,
// Validating, Caching, and Persisting to Done. A retryable failure loops
// the event back through a per-event backoff timer; terminal failures and
// exhausted retry budgets land it in quarantine. Every terminal outcome
// acknowledges the source so its checkpoint can advance.
type Coordinator struct {
	resolver   Resolver
	validator  *validate.Validator
	artifacts  ArtifactChecker
	cache      *dedupe.Cache
	records    store.RecordRepository
	quarantine store.QuarantineRepository
	acker      source.Acker
	alerter    alert.Alerter
	health     *PipelineHealth
	logger     *slog.Logger
	tracer     trace.Tracer

	intake <-chan event.MetadataEvent

	workers            int
	maxAttempts        int
	eventDeadline      time.Duration
	backoffInitial     time.Duration
	backoffMax         time.Duration
	sinkAlertThreshold int

	// retrySet holds the timer of every event waiting on a retry so
	// shutdown can cancel them. Keyed by the tracked event itself; each
	// delivery gets its own entry.
	mu       sync.Mutex
	retryCh  chan *trackedEvent
	retrySet map[*trackedEvent]*time.Timer

	activeWorkers atomic.Int32
	sinkFailures  atomic.Int64

	done        atomic.Int64
	staleDrops  atomic.Int64
	quarantined atomic.Int64
	retries     atomic.Int64
}

func newCoordinator(
	cfg Config,
	resolver Resolver,
	validator *validate.Validator,
	cache *dedupe.Cache,
	repos *Repos,
	health *PipelineHealth,
	intake <-chan event.MetadataEvent,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		resolver:           resolver,
		validator:          validator,
		cache:              cache,
		records:            repos.Records,
		quarantine:         repos.Quarantine,
		alerter:            cfg.Alerter,
		health:             health,
		logger:             logger.With("component", "coordinator"),
		tracer:             tracing.Tracer("pipeline"),
		intake:             intake,
		workers:            cfg.Workers,
		maxAttempts:        cfg.MaxAttempts,
		eventDeadline:      cfg.EventDeadline,
		backoffInitial:     cfg.BackoffInitial,
		backoffMax:         cfg.BackoffMax,
		sinkAlertThreshold: cfg.SinkFailureAlertThreshold,
	}
}

// Run starts the worker pool and blocks until ctx is done or the intake
// channel closes. Pending retry timers are cancelled on return and their
// events released unprocessed; redelivery covers them.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.retryCh = make(chan *trackedEvent, c.workers)
	c.retrySet = make(map[*trackedEvent]*time.Timer)
	c.mu.Unlock()
	defer c.cancelPendingRetries()

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			return c.worker(gCtx)
		})
	}
	return g.Wait()
}

func (c *Coordinator) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.intake:
			if !ok {
				return nil
			}
			c.drive(ctx, c.newTracked(ev))
		case te := <-c.retryCh:
			c.drive(ctx, te)
		}
	}
}

func (c *Coordinator) newTracked(ev event.MetadataEvent) *trackedEvent {
	return &trackedEvent{
		ev:    ev,
		retry: newRetryState(c.backoffInitial, c.backoffMax),
	}
}

// drive runs one attempt and routes the outcome: terminal results finish
// and acknowledge, failures retry or quarantine.
func (c *Coordinator) drive(ctx context.Context, te *trackedEvent) {
	c.activeWorkers.Add(1)
	metrics.PipelineActiveWorkers.Inc()
	defer func() {
		c.activeWorkers.Add(-1)
		metrics.PipelineActiveWorkers.Dec()
	}()

	te.retry.Attempts++
	result, err := c.attempt(ctx, te)
	if err != nil {
		c.handleFailure(ctx, te, err)
		return
	}
	c.finish(ctx, te, result)
}

func (c *Coordinator) attempt(ctx context.Context, te *trackedEvent) (string, error) {
	ev := te.ev
	ctx, span := c.tracer.Start(ctx, "pipeline.process_event", trace.WithAttributes(
		attribute.String("token", ev.Token.String()),
		attribute.Int64("observed_at", ev.ObservedAt),
		attribute.Int("attempt", te.retry.Attempts),
	))
	defer span.End()

	rec, err := c.resolveRecord(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, retry.KindLabel(err))
		return "", err
	}

	// The cached record may have been computed under another token
	// sharing the same payload; rebind it before persistence.
	rec.Token = ev.Token

	// The persist runs detached from the worker context so an event that
	// already fetched and validated still lands during shutdown.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkWriteTimeout)
	defer cancel()
	res, err := c.records.Upsert(persistCtx, &rec, ev.ObservedAt)
	if err != nil {
		c.noteSinkFailure(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, retry.KindLabel(err))
		return "", err
	}
	c.noteSinkSuccess()

	if !res.Applied {
		c.logger.Debug("stale event dropped",
			"token", ev.Token.String(),
			"observed_at", ev.ObservedAt,
		)
		span.SetAttributes(attribute.String("result", resultStale))
		return resultStale, nil
	}
	span.SetAttributes(attribute.String("result", resultDone))
	return resultDone, nil
}

func (c *Coordinator) resolveRecord(ctx context.Context, ev event.MetadataEvent) (model.NormalizedRecord, error) {
	return c.cache.GetOrCompute(ctx, flightKey(ev), func(ctx context.Context) (model.NormalizedRecord, error) {
		return c.computeRecord(ctx, ev)
	})
}

// flightKey scopes single-flight collapsing to one metadata reference per
// token kind: the same bytes validate differently for different kinds.
func flightKey(ev event.MetadataEvent) string {
	if ev.IsInline() {
		return string(ev.Token.Kind) + ":inline:" + validate.Fingerprint(ev.Inline)
	}
	return string(ev.Token.Kind) + ":" + ev.URI
}

func (c *Coordinator) computeRecord(ctx context.Context, ev event.MetadataEvent) (model.NormalizedRecord, error) {
	payload, err := c.resolver.Resolve(ctx, ev.URI, ev.Inline)
	if err != nil {
		return model.NormalizedRecord{}, err
	}

	// Byte-identical payloads reached through different references
	// validate once. The kind guard keeps a record validated under one
	// schema from answering for another.
	fingerprint := validate.Fingerprint(payload.Bytes)
	if cached, ok := c.cache.Lookup(fingerprint); ok && cached.Token.Kind == ev.Token.Kind {
		return cached, nil
	}

	rec := c.validator.Validate(payload, ev.Token)
	if c.artifacts != nil {
		if err := c.artifacts.Check(ctx, &rec); err != nil {
			return model.NormalizedRecord{}, err
		}
	}
	return rec, nil
}

func (c *Coordinator) finish(ctx context.Context, te *trackedEvent, result string) {
	elapsed := time.Since(te.retry.FirstAttempt)
	switch result {
	case resultDone:
		c.done.Add(1)
	case resultStale:
		c.staleDrops.Add(1)
	}
	metrics.PipelineEventsTotal.WithLabelValues(result).Inc()
	metrics.PipelineEventLatency.WithLabelValues(result).Observe(elapsed.Seconds())

	c.health.RecordLatency(elapsed)
	if recovered := c.health.RecordSuccessWithRecovery(); recovered {
		c.alertRecovery(ctx)
	}
	c.ackEvent(ctx, te.ev)
}

func (c *Coordinator) handleFailure(ctx context.Context, te *trackedEvent, err error) {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		c.logger.Debug("event released on shutdown",
			"token", te.ev.Token.String(),
			"attempt", te.retry.Attempts,
		)
		return
	}

	kind := retry.KindLabel(err)
	te.retry.LastErrorKind = kind
	te.retry.LastError = err.Error()

	if transitioned := c.health.RecordFailure(); transitioned {
		c.alertUnhealthy(ctx)
	}

	decision := retry.Classify(err)
	if !decision.IsTransient() {
		c.quarantineEvent(ctx, te, err, "terminal_failure")
		return
	}
	if te.retry.Attempts >= c.maxAttempts {
		c.quarantineEvent(ctx, te, err, "transient_recovery_exhausted")
		return
	}
	delay := te.retry.nextDelay()
	if time.Since(te.retry.FirstAttempt)+delay > c.eventDeadline {
		c.quarantineEvent(ctx, te, err, "deadline_exceeded")
		return
	}
	c.scheduleRetry(ctx, te, delay, kind)
}

// scheduleRetry parks te on its own timer. Independent timers mean a stuck
// event never delays another's retry.
func (c *Coordinator) scheduleRetry(ctx context.Context, te *trackedEvent, delay time.Duration, kind string) {
	c.retries.Add(1)
	metrics.PipelineRetriesTotal.WithLabelValues(kind).Inc()
	c.logger.Debug("retry scheduled",
		"token", te.ev.Token.String(),
		"attempt", te.retry.Attempts,
		"delay", delay,
		"error_kind", kind,
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retrySet == nil {
		return
	}
	timer := time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.retrySet, te)
		pending := len(c.retrySet)
		c.mu.Unlock()
		metrics.PipelineRetryPending.Set(float64(pending))

		select {
		case c.retryCh <- te:
		case <-ctx.Done():
		}
	})
	c.retrySet[te] = timer
	metrics.PipelineRetryPending.Set(float64(len(c.retrySet)))
}

func (c *Coordinator) cancelPendingRetries() {
	c.mu.Lock()
	released := len(c.retrySet)
	for _, timer := range c.retrySet {
		timer.Stop()
	}
	c.retrySet = nil
	c.mu.Unlock()

	metrics.PipelineRetryPending.Set(0)
	if released > 0 {
		c.logger.Info("pending retries released on shutdown", "count", released)
	}
}

func (c *Coordinator) quarantineEvent(ctx context.Context, te *trackedEvent, cause error, reason string) {
	ev := te.ev
	q := &model.QuarantinedEvent{
		ID:            uuid.New(),
		Contract:      ev.Token.Contract,
		TokenIndex:    ev.Token.TokenIndex,
		Kind:          ev.Token.Kind,
		URI:           ev.URI,
		Inline:        ev.Inline,
		ObservedAt:    ev.ObservedAt,
		Attempts:      te.retry.Attempts,
		LastErrorKind: te.retry.LastErrorKind,
		LastError:     te.retry.LastError,
		QuarantinedAt: time.Now().UTC(),
	}

	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkWriteTimeout)
	defer cancel()
	if err := c.quarantine.Insert(insertCtx, q); err != nil {
		// No ack: the event stays past the checkpoint and redelivery
		// gets another shot at quarantining it.
		c.logger.Error("quarantine insert failed",
			"token", ev.Token.String(),
			"error", err,
		)
		return
	}

	c.quarantined.Add(1)
	metrics.PipelineQuarantinesTotal.WithLabelValues(te.retry.LastErrorKind).Inc()
	metrics.PipelineEventsTotal.WithLabelValues(resultQuarantined).Inc()
	metrics.PipelineEventLatency.WithLabelValues(resultQuarantined).Observe(time.Since(te.retry.FirstAttempt).Seconds())

	c.logger.Error("event quarantined",
		"id", q.ID,
		"token", ev.Token.String(),
		"uri", ev.URI,
		"observed_at", ev.ObservedAt,
		"attempts", te.retry.Attempts,
		"error_kind", te.retry.LastErrorKind,
		"reason", reason,
		"error", cause,
	)

	if c.alerter != nil {
		a := alert.Alert{
			Type:      alert.AlertTypeQuarantine,
			Component: "pipeline",
			Subject:   ev.Token.String(),
			Title:     "Event quarantined",
			Message:   fmt.Sprintf("%s after %d attempts: %v", reason, te.retry.Attempts, cause),
			Fields: map[string]string{
				"quarantine_id": q.ID.String(),
				"error_kind":    te.retry.LastErrorKind,
				"uri":           ev.URI,
			},
		}
		if err := c.alerter.Send(insertCtx, a); err != nil {
			c.logger.Warn("quarantine alert failed", "error", err)
		}
	}

	c.ackEvent(ctx, ev)
}

// ackEvent acknowledges a terminal event so the source checkpoint can
// advance. Ack failures are logged, not retried: the worst case is
// redelivery of an already-converged event.
func (c *Coordinator) ackEvent(ctx context.Context, ev event.MetadataEvent) {
	if c.acker == nil || ev.DeliveryTag == "" {
		return
	}
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := c.acker.Ack(ackCtx, ev); err != nil {
		c.logger.Warn("ack failed",
			"delivery_tag", ev.DeliveryTag,
			"error", err,
		)
	}
}

func (c *Coordinator) noteSinkFailure(ctx context.Context, err error) {
	n := c.sinkFailures.Add(1)
	metrics.PipelineConsecutiveSinkFailures.Set(float64(n))
	if n != int64(c.sinkAlertThreshold) || c.alerter == nil {
		return
	}
	a := alert.Alert{
		Type:      alert.AlertTypeSinkFailing,
		Component: "sink",
		Title:     "Sink writes failing",
		Message:   fmt.Sprintf("%d consecutive upsert failures", n),
		Fields: map[string]string{
			"consecutive_failures": strconv.FormatInt(n, 10),
			"last_error":           err.Error(),
		},
	}
	if sendErr := c.alerter.Send(ctx, a); sendErr != nil {
		c.logger.Warn("sink failure alert failed", "error", sendErr)
	}
}

func (c *Coordinator) noteSinkSuccess() {
	c.sinkFailures.Store(0)
	metrics.PipelineConsecutiveSinkFailures.Set(0)
}

func (c *Coordinator) alertUnhealthy(ctx context.Context) {
	if c.alerter == nil {
		return
	}
	snap := c.health.Snapshot()
	a := alert.Alert{
		Type:      alert.AlertTypeUnhealthy,
		Component: "pipeline",
		Title:     "Pipeline unhealthy",
		Message:   fmt.Sprintf("%d consecutive event failures", snap.ConsecutiveFailures),
		Fields: map[string]string{
			"consecutive_failures": strconv.Itoa(snap.ConsecutiveFailures),
		},
	}
	if err := c.alerter.Send(ctx, a); err != nil {
		c.logger.Warn("unhealthy alert failed", "error", err)
	}
}

func (c *Coordinator) alertRecovery(ctx context.Context) {
	if c.alerter == nil {
		return
	}
	a := alert.Alert{
		Type:      alert.AlertTypeRecovery,
		Component: "pipeline",
		Title:     "Pipeline recovered",
		Message:   "event processing succeeded after an unhealthy period",
	}
	if err := c.alerter.Send(ctx, a); err != nil {
		c.logger.Warn("recovery alert failed", "error", err)
	}
}

// RetryPending reports events currently waiting on a retry timer.
func (c *Coordinator) RetryPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.retrySet)
}

// ActiveWorkers reports workers currently driving an event.
func (c *Coordinator) ActiveWorkers() int {
	return int(c.activeWorkers.Load())
}

// ConsecutiveSinkFailures reports the current run of failed sink writes.
func (c *Coordinator) ConsecutiveSinkFailures() int64 {
	return c.sinkFailures.Load()
}

// Totals reports cumulative terminal outcomes since process start.
func (c *Coordinator) Totals() Totals {
	return Totals{
		Done:        c.done.Load(),
		StaleDrops:  c.staleDrops.Load(),
		Quarantined: c.quarantined.Load(),
		Retries:     c.retries.Load(),
	}
}
