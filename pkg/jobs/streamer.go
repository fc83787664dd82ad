package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/store"
)

const (
	DefaultPollInterval  = time.Second
	DefaultMaxIdleCycles = 120
	DefaultTerminalGrace = 2
)

type EventKind string

const (
	EventLine      EventKind = "line"
	EventKeepAlive EventKind = "keep-alive"
	EventEnd       EventKind = "end"
)

const (
	EndReasonJobNotFound = "job_not_found"
	EndReasonTimeout     = "timeout"
)

// Event is one item of a log stream. End events carry either Status (the
// job reached a terminal state) or Reason.
type Event struct {
	Kind   EventKind
	Line   *models.JobLog
	Status models.JobStatus
	Reason string
}

// Streamer tails a job's log lines by polling the store.
type Streamer struct {
	Jobs          store.JobStore
	PollInterval  time.Duration
	MaxIdleCycles int
	// TerminalGrace is the number of quiet cycles observed after the job
	// went terminal before the stream ends, so trailing lines still arrive.
	TerminalGrace int
}

func NewStreamer(jobs store.JobStore) *Streamer {
	return &Streamer{
		Jobs:          jobs,
		PollInterval:  DefaultPollInterval,
		MaxIdleCycles: DefaultMaxIdleCycles,
		TerminalGrace: DefaultTerminalGrace,
	}
}

// Stream calls emit for every event until an end event was emitted, emit
// fails, or ctx is canceled. Lines are delivered in id order, each once.
func (s *Streamer) Stream(ctx context.Context, jobID int64, emit func(Event) error) error {
	var lastSeenID int64
	idle := 0

	for {
		lines, err := s.Jobs.JobLogsAfter(ctx, jobID, lastSeenID)
		if err != nil {
			return err
		}
		if len(lines) > 0 {
			for _, line := range lines {
				if err := emit(Event{Kind: EventLine, Line: line}); err != nil {
					return err
				}
				lastSeenID = line.ID
			}
			idle = 0
		} else {
			if err := emit(Event{Kind: EventKeepAlive}); err != nil {
				return err
			}
			idle++
		}

		job, err := s.Jobs.GetJob(ctx, jobID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return emit(Event{Kind: EventEnd, Reason: EndReasonJobNotFound})
		case err != nil:
			return err
		case job.Status.Terminal() && idle >= s.TerminalGrace:
			return emit(Event{Kind: EventEnd, Status: job.Status})
		case idle >= s.MaxIdleCycles:
			return emit(Event{Kind: EventEnd, Reason: EndReasonTimeout})
		}

		if err := sleepCtx(ctx, s.PollInterval); err != nil {
			return err
		}
	}
}
