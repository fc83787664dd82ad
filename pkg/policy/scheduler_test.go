package policy

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omniforge/orch/pkg/db/models"
)

func TestScheduler_RunsDuePolicies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, models.ServiceTypeSnapshot, PolicyInput{Enabled: true, RequireConfirmation: true,
		ScheduleMode: models.ScheduleModeInterval, IntervalMinutes: intPtr(60)})

	s := &Scheduler{Engine: f.engine, Logger: slog.New(slog.DiscardHandler)}

	ran, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, ran, "not due yet")

	f.now = f.now.Add(61 * time.Minute)
	ran, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran, "confirmation does not gate scheduled runs")

	p, _ := f.store.GetPolicy(ctx, f.server.ID, models.ServiceTypeSnapshot)
	assert.Equal(t, f.now, *p.LastRunAt)
	assert.Equal(t, f.now.Add(time.Hour), *p.NextRunAt)

	logs := f.store.ServiceLogs()
	assert.Equal(t, models.ServiceActionScheduledRun, logs[len(logs)-1].Action)
	assert.Nil(t, logs[len(logs)-1].CreatedBy)

	ran, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)
}

func TestScheduler_GateFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, models.ServiceTypeBackup, PolicyInput{Enabled: true,
		ScheduleMode: models.ScheduleModeInterval, IntervalMinutes: intPtr(10)})
	f.server.AllowBackup = false
	f.store.PutServer(f.server)

	f.now = f.now.Add(11 * time.Minute)
	s := &Scheduler{Engine: f.engine, Logger: slog.New(slog.DiscardHandler)}
	ran, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)
	assert.Empty(t, f.invoker.calls)

	p, _ := f.store.GetPolicy(ctx, f.server.ID, models.ServiceTypeBackup)
	assert.Equal(t, models.RunStatusFailed, p.LastStatus)
	assert.Equal(t, "Backup execution not allowed for this server", p.LastError)
	assert.Equal(t, f.now.Add(10*time.Minute), *p.NextRunAt, "next attempt pushed one interval ahead")
}

func TestScheduler_ExternalFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, models.ServiceTypeBackup, PolicyInput{Enabled: true,
		ScheduleMode: models.ScheduleModeInterval, IntervalMinutes: intPtr(10)})
	f.invoker.err = errors.New("Hetzner action unreachable: timeout")

	f.now = f.now.Add(11 * time.Minute)
	s := &Scheduler{Engine: f.engine, Logger: slog.New(slog.DiscardHandler)}
	ran, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)

	p, _ := f.store.GetPolicy(ctx, f.server.ID, models.ServiceTypeBackup)
	assert.Equal(t, models.RunStatusFailed, p.LastStatus)
	status, _ := Derive(p, f.now)
	assert.Equal(t, StatusFailure, status)
}

func TestScheduler_ReplicasRunDuePolicyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, models.ServiceTypeSnapshot, PolicyInput{Enabled: true,
		ScheduleMode: models.ScheduleModeInterval, IntervalMinutes: intPtr(30)})
	f.now = f.now.Add(31 * time.Minute)

	// both replicas read the same due row before either runs it
	due, err := f.store.DuePolicies(ctx, f.now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	first, second := *due[0], *due[0]

	a := &Scheduler{Engine: f.engine, Logger: slog.New(slog.DiscardHandler)}
	b := &Scheduler{Engine: f.engine, Logger: slog.New(slog.DiscardHandler)}
	require.NoError(t, a.runOne(ctx, &first))
	assert.ErrorIs(t, b.runOne(ctx, &second), errClaimed)

	require.Len(t, f.invoker.calls, 1)
	assert.Equal(t, "create_image", f.invoker.calls[0].action)

	scheduled := 0
	for _, l := range f.store.ServiceLogs() {
		if l.Action == models.ServiceActionScheduledRun {
			scheduled++
		}
	}
	assert.Equal(t, 1, scheduled)

	ran, err := b.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	s := &Scheduler{Engine: f.engine, Interval: 5 * time.Millisecond, Logger: slog.New(slog.DiscardHandler)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
