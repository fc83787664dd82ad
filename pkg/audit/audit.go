// Package audit records who did what. Recording never fails the caller:
// sink errors are logged and dropped.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/store"
)

const (
	ActionRunbookExecute = "runbook.execute"
	ActionJobCancel      = "job.cancel"
	ActionPolicyUpsert   = "hetzner.policy.upsert"
	ActionServiceRun     = "hetzner.service.run"
)

type Entry struct {
	ActorID    *int64
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type Sink interface {
	Record(ctx context.Context, e Entry)
}

// StoreSink persists entries to the audit_logs table. Entries the table
// rejects go to the fallback sink, a LogSink on the same logger.
type StoreSink struct {
	store    store.AuditStore
	logger   *slog.Logger
	fallback Sink
	timeout  time.Duration
}

func NewStoreSink(s store.AuditStore, logger *slog.Logger) *StoreSink {
	return &StoreSink{store: s, logger: logger, fallback: NewLogSink(logger), timeout: 5 * time.Second}
}

func (s *StoreSink) Record(ctx context.Context, e Entry) {
	// The request may already be finished; the row should still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	row := &models.AuditLog{
		ActorUserID: e.ActorID,
		Action:      e.Action,
		TargetType:  e.TargetType,
		TargetID:    e.TargetID,
		Metadata:    e.Metadata,
	}
	if err := s.store.AppendAudit(ctx, row); err != nil {
		s.logger.Error("audit write failed", "action", e.Action, "target", e.TargetType+":"+e.TargetID, "error", err)
		s.fallback.Record(ctx, e)
	}
}

// LogSink writes entries to the logger at info level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, e Entry) {
	attrs := []any{"action", e.Action, "target_type", e.TargetType, "target_id", e.TargetID}
	if e.ActorID != nil {
		attrs = append(attrs, "actor", *e.ActorID)
	}
	s.logger.Info("audit", attrs...)
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}

var (
	_ Sink = (*StoreSink)(nil)
	_ Sink = (*LogSink)(nil)
	_ Sink = Discard{}
)
