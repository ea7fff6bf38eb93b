package pipeline

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/tezland/metadata-indexer/internal/alert"
	"github.com/tezland/metadata-indexer/internal/dedupe"
	"github.com/tezland/metadata-indexer/internal/source"
	"github.com/tezland/metadata-indexer/internal/store"
	storemocks "github.com/tezland/metadata-indexer/internal/store/mocks"
	"github.com/tezland/metadata-indexer/internal/validate"
)

func TestNew_SmokeTest(t *testing.T) {
	ctrl := gomock.NewController(t)
	repos := &Repos{
		Records:    storemocks.NewMockRecordRepository(ctrl),
		Quarantine: storemocks.NewMockQuarantineRepository(ctrl),
	}

	p := New(Config{}, &fakeResolver{}, validate.New(), dedupe.New(8), repos, slog.Default())
	require.NotNil(t, p)

	assert.Equal(t, DefaultWorkers, p.cfg.Workers)
	assert.Equal(t, DefaultIntakeBuffer, p.cfg.IntakeBuffer)
	assert.Equal(t, DefaultMaxAttempts, p.cfg.MaxAttempts)
	assert.Equal(t, DefaultEventDeadline, p.cfg.EventDeadline)
	assert.Equal(t, DefaultSinkFailureAlertThreshold, p.cfg.SinkFailureAlertThreshold)

	report := p.Status()
	assert.Equal(t, string(HealthStatusUnknown), report.Health.Status)
	assert.Zero(t, report.IntakeDepth)
	assert.Zero(t, report.ActiveWorkers)
	assert.Zero(t, report.RetryPending)
	assert.Nil(t, report.Gateways)
}

func TestPipeline_Status_ReportsGatewayStates(t *testing.T) {
	p := New(coordTestConfig(), &fakeResolver{}, validate.New(), dedupe.New(8), &Repos{}, slog.Default())
	p.WithGatewayStates(func() map[string]string {
		return map[string]string{"ipfs.example.com": "closed"}
	})

	report := p.Status()
	assert.Equal(t, map[string]string{"ipfs.example.com": "closed"}, report.Gateways)
}

func TestPipeline_Run_RequiresSource(t *testing.T) {
	p := New(coordTestConfig(), &fakeResolver{}, validate.New(), dedupe.New(8), &Repos{}, slog.Default())

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source is not configured")
}

func TestPipeline_Run_CancelReturnsNil(t *testing.T) {
	p := New(coordTestConfig(), &fakeResolver{}, validate.New(), dedupe.New(8), &Repos{}, slog.Default())
	p.SetSource(source.NewMemorySource(4, p.Intake(), slog.Default()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Run(ctx)
	assert.NoError(t, err)
}

func TestPipeline_EndToEnd_MemorySource(t *testing.T) {
	ctrl := gomock.NewController(t)
	records := storemocks.NewMockRecordRepository(ctrl)
	records.EXPECT().
		Upsert(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(store.UpsertResult{Applied: true}, nil).
		Times(3)
	repos := &Repos{
		Records:    records,
		Quarantine: storemocks.NewMockQuarantineRepository(ctrl),
	}

	p := New(coordTestConfig(), &fakeResolver{}, validate.New(), dedupe.New(32), repos, slog.Default())
	src := source.NewMemorySource(8, p.Intake(), slog.Default())
	p.SetSource(src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	for i, contract := range []string{"KT1One", "KT1Two", "KT1Three"} {
		ev := testEvent(contract, int64(i+1), contract+"-tag")
		require.NoError(t, src.Offer(ctx, ev))
	}

	require.Eventually(t, func() bool { return src.TotalAcked() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Status().ActiveWorkers == 0 }, 2*time.Second, 5*time.Millisecond)

	report := p.Status()
	assert.Equal(t, int64(3), report.Totals.Done)
	assert.Equal(t, int64(0), report.Totals.Quarantined)
	assert.Equal(t, 0, report.IntakeDepth)
	assert.Equal(t, 0, report.RetryPending)
	assert.Equal(t, int64(0), report.ConsecutiveSinkFails)
	assert.Equal(t, 3, report.Dedupe.Records)
	assert.Equal(t, HealthStatusHealthy, p.Health().Status())

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after cancel")
	}
}

func TestPipeline_Requeue(t *testing.T) {
	cfg := coordTestConfig()
	cfg.IntakeBuffer = 1
	p := New(cfg, &fakeResolver{}, validate.New(), dedupe.New(8), &Repos{}, slog.Default())

	ev := testEvent("KT1Requeue", 4, "")
	require.NoError(t, p.Requeue(context.Background(), ev))

	got := <-p.intake
	assert.Equal(t, ev, got)

	// Fill the buffer so the next call has to wait on the context.
	require.NoError(t, p.Requeue(context.Background(), ev))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Requeue(ctx, ev), context.Canceled)
}

func TestPipeline_NotifyStatusChange_AlertsOnDegradedOnly(t *testing.T) {
	alerts := &captureAlerter{}
	cfg := coordTestConfig()
	cfg.Alerter = alerts
	p := New(cfg, &fakeResolver{}, validate.New(), dedupe.New(8), &Repos{}, slog.Default())

	ctx := context.Background()
	p.notifyStatusChange(ctx, HealthStatusHealthy, HealthStatusDegraded)

	degraded := alerts.byType(alert.AlertTypeDegraded)
	require.Len(t, degraded, 1)
	assert.Equal(t, "pipeline", degraded[0].Component)
	assert.Contains(t, degraded[0].Message, "p95")
	assert.Contains(t, degraded[0].Fields, "latency_p95_ms")

	p.notifyStatusChange(ctx, HealthStatusDegraded, HealthStatusHealthy)
	p.notifyStatusChange(ctx, HealthStatusHealthy, HealthStatusUnhealthy)
	assert.Len(t, alerts.alerts, 1)
}

func TestHealthStatusValue(t *testing.T) {
	testCases := []struct {
		status HealthStatus
		want   float64
	}{
		{HealthStatusHealthy, 1},
		{HealthStatusDegraded, 2},
		{HealthStatusUnhealthy, 3},
		{HealthStatusUnknown, 0},
		{HealthStatus("bogus"), 0},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, healthStatusValue(tc.status), "status %s", tc.status)
	}
}

func TestConfig_WithDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Workers:                   3,
		IntakeBuffer:              10,
		MaxAttempts:               7,
		EventDeadline:             time.Hour,
		BackoffInitial:            time.Second,
		BackoffMax:                time.Minute,
		SinkFailureAlertThreshold: 9,
	}

	got := cfg.withDefaults()
	assert.Equal(t, cfg, got)
}
