package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omniforge/orch/pkg/queue"
)

const (
	DefaultDequeueTimeout = 5 * time.Second
	DefaultErrorPause     = 2 * time.Second
)

// Processor handles one dequeued job identifier.
type Processor interface {
	Process(ctx context.Context, jobID int64) error
}

// Worker feeds identifiers from the queue to a Processor until its context
// is canceled.
type Worker struct {
	ID             int
	Queue          queue.Queue
	Processor      Processor
	Logger         *slog.Logger
	DequeueTimeout time.Duration
	ErrorPause     time.Duration
}

// Run blocks until ctx is canceled. A job that is already executing when
// ctx is canceled is allowed to finish.
func (w *Worker) Run(ctx context.Context) error {
	timeout := w.DequeueTimeout
	if timeout <= 0 {
		timeout = DefaultDequeueTimeout
	}
	pause := w.ErrorPause
	if pause <= 0 {
		pause = DefaultErrorPause
	}
	logger := w.Logger.With("worker", w.ID)
	logger.Info("worker started")

	for {
		if ctx.Err() != nil {
			logger.Info("worker stopped")
			return nil
		}

		// A popped identifier is gone from the broker, so it is processed
		// even when shutdown started meanwhile.
		jobID, ok, err := w.Queue.Dequeue(ctx, timeout)
		switch {
		case err == nil && ok:
		case ctx.Err() != nil:
			continue
		case errors.Is(err, queue.ErrMalformed):
			logger.Warn("dropping malformed message", "error", err)
			continue
		case err != nil:
			logger.Error("dequeue failed", "error", err)
			_ = sleepCtx(ctx, pause)
			continue
		case !ok:
			continue
		}

		if err := w.process(context.WithoutCancel(ctx), jobID); err != nil {
			logger.Error("job processing failed", "job_id", jobID, "error", err)
			_ = sleepCtx(ctx, pause)
		}
	}
}

func (w *Worker) process(ctx context.Context, jobID int64) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic processing job %d: %v", jobID, p)
		}
	}()
	return w.Processor.Process(ctx, jobID)
}

// Pool runs Size workers sharing one queue and processor.
type Pool struct {
	Size           int
	Queue          queue.Queue
	Processor      Processor
	Logger         *slog.Logger
	DequeueTimeout time.Duration
	ErrorPause     time.Duration
}

func (p *Pool) Run(ctx context.Context) error {
	size := max(p.Size, 1)
	g, gctx := errgroup.WithContext(ctx)
	for i := range size {
		w := &Worker{
			ID:             i + 1,
			Queue:          p.Queue,
			Processor:      p.Processor,
			Logger:         p.Logger,
			DequeueTimeout: p.DequeueTimeout,
			ErrorPause:     p.ErrorPause,
		}
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}
