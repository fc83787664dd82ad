package policy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/oerr"
)

const (
	DefaultSchedulerInterval = time.Minute
	defaultSchedulerBatch    = 100
)

// errClaimed means another scheduler already took this due run.
var errClaimed = errors.New("scheduled run already claimed")

// Scheduler runs enabled interval policies once they fall due. Runs go
// through the same gates as RunNow except confirmation.
type Scheduler struct {
	Engine   *Engine
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger
}

func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSchedulerInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.Info("policy scheduler started", "interval", interval)
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.Logger.Error("scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.Logger.Info("policy scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick executes every policy due at the engine's current time and returns
// how many ran successfully.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	e := s.Engine
	batch := s.Batch
	if batch <= 0 {
		batch = defaultSchedulerBatch
	}

	due, err := e.store.DuePolicies(ctx, e.now(), batch)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, p := range due {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		err := s.runOne(ctx, p)
		if errors.Is(err, errClaimed) {
			s.Logger.Debug("scheduled run claimed elsewhere", "server_id", p.ServerID, "service_type", p.ServiceType)
			continue
		}
		if err != nil {
			s.Logger.Warn("scheduled run failed", "server_id", p.ServerID, "service_type", p.ServiceType, "error", err)
			continue
		}
		ran++
	}
	return ran, nil
}

// runOne claims p before doing anything else, so replicas sharing the store
// execute each due run once.
func (s *Scheduler) runOne(ctx context.Context, p *models.ServicePolicy) error {
	e := s.Engine
	next := nextRun(p, e.now())
	if p.NextRunAt == nil || next == nil {
		return errClaimed
	}
	ok, err := e.store.ClaimPolicyRun(ctx, p.ID, *p.NextRunAt, *next)
	if err != nil {
		return err
	}
	if !ok {
		return errClaimed
	}
	p.NextRunAt = next

	srv, err := e.store.GetServer(ctx, p.ServerID)
	if err != nil {
		return err
	}

	gate := capabilityGate(srv, p.ServiceType)
	var token string
	if gate == nil {
		token, gate = e.credentialToken(ctx, srv)
	}
	if gate != nil {
		if !oerr.IsCode(gate, oerr.CodePolicyPrecondition) {
			return gate
		}
		if err := e.recordFailure(ctx, p, nil, models.ServiceActionScheduledRun, gate.Error()); err != nil {
			return err
		}
		return gate
	}

	_, err = e.execute(ctx, srv, p, token, nil, models.ServiceActionScheduledRun)
	return err
}
