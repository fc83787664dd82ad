package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/omniforge/orch/pkg/audit"
	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/hetzner"
	"github.com/omniforge/orch/pkg/identity"
	"github.com/omniforge/orch/pkg/oerr"
	"github.com/omniforge/orch/pkg/store"
)

const (
	DefaultLogLimit = 100
	MaxLogLimit     = 500
)

// Invoker performs one remote server action.
type Invoker interface {
	ServerAction(ctx context.Context, token, externalID, action string, payload map[string]any) (map[string]any, error)
}

// Decrypter opens stored credential secrets.
type Decrypter interface {
	Decrypt(encoded string) (string, error)
}

// Engine owns service policy configuration and execution.
type Engine struct {
	store   store.PolicyStore
	invoker Invoker
	secrets Decrypter
	audit   audit.Sink
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithAuditSink(s audit.Sink) Option {
	return func(e *Engine) { e.audit = s }
}

func NewEngine(s store.PolicyStore, invoker Invoker, secrets Decrypter, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		invoker: invoker,
		secrets: secrets,
		audit:   audit.Discard{},
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ParseServiceType normalizes raw into a known service type.
func ParseServiceType(raw string) (models.ServiceType, error) {
	t := models.ServiceType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range models.ServiceTypes {
		if t == known {
			return t, nil
		}
	}
	return "", oerr.Newf(oerr.CodeInvalidInput, "invalid service_type %q", raw)
}

func precondition(msg string) error {
	return oerr.New(oerr.CodePolicyPrecondition, errors.New(msg))
}

func (e *Engine) server(ctx context.Context, id int64) (*models.Server, error) {
	srv, err := e.store.GetServer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, oerr.Newf(oerr.CodeNotFound, "server %d not found", id)
	}
	return srv, err
}

// EnsureDefaults creates the missing backup and snapshot policies of a
// server: disabled, manual, confirmation required. It returns how many
// rows were created.
func (e *Engine) EnsureDefaults(ctx context.Context, serverID int64) (int, error) {
	created := 0
	for _, t := range models.ServiceTypes {
		ok, err := e.store.EnsurePolicy(ctx, &models.ServicePolicy{
			ServerID:            serverID,
			ServiceType:         t,
			Enabled:             false,
			RequireConfirmation: true,
			ScheduleMode:        models.ScheduleModeManual,
		})
		if err != nil {
			return created, fmt.Errorf("ensure %s policy: %w", t, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// ListPolicies returns both policies of a server, bootstrapping defaults.
func (e *Engine) ListPolicies(ctx context.Context, serverID int64) ([]*models.ServicePolicy, error) {
	if _, err := e.server(ctx, serverID); err != nil {
		return nil, err
	}
	if _, err := e.EnsureDefaults(ctx, serverID); err != nil {
		return nil, err
	}
	return e.store.ListPolicies(ctx, serverID)
}

func (e *Engine) GetPolicy(ctx context.Context, serverID int64, t models.ServiceType) (*models.ServicePolicy, error) {
	if _, err := ParseServiceType(string(t)); err != nil {
		return nil, err
	}
	if _, err := e.server(ctx, serverID); err != nil {
		return nil, err
	}
	if _, err := e.EnsureDefaults(ctx, serverID); err != nil {
		return nil, err
	}
	return e.store.GetPolicy(ctx, serverID, t)
}

// PolicyInput is the full replacement configuration of a policy.
type PolicyInput struct {
	Enabled             bool
	RequireConfirmation bool
	ScheduleMode        models.ScheduleMode
	IntervalMinutes     *int
	RetentionDays       *int
	RetentionCount      *int
}

func (in PolicyInput) validate() error {
	switch in.ScheduleMode {
	case models.ScheduleModeManual:
	case models.ScheduleModeInterval:
		if in.IntervalMinutes == nil || *in.IntervalMinutes < 1 {
			return oerr.Newf(oerr.CodeInvalidInput, "interval_minutes must be at least 1 in interval mode")
		}
	default:
		return oerr.Newf(oerr.CodeInvalidInput, "invalid schedule_mode %q", in.ScheduleMode)
	}
	for name, v := range map[string]*int{
		"interval_minutes": in.IntervalMinutes,
		"retention_days":   in.RetentionDays,
		"retention_count":  in.RetentionCount,
	} {
		if v != nil && *v < 0 {
			return oerr.Newf(oerr.CodeInvalidInput, "%s must not be negative", name)
		}
	}
	return nil
}

func optInt(v *int) string {
	if v == nil {
		return "none"
	}
	return strconv.Itoa(*v)
}

func nextRun(p *models.ServicePolicy, from time.Time) *time.Time {
	if p.ScheduleMode != models.ScheduleModeInterval || p.IntervalMinutes == nil || *p.IntervalMinutes <= 0 {
		return nil
	}
	next := from.Add(time.Duration(*p.IntervalMinutes) * time.Minute)
	return &next
}

// Upsert replaces the configuration of a policy, creating it if needed.
// Run history is kept; next_run_at is recomputed from now.
func (e *Engine) Upsert(ctx context.Context, actor *identity.Principal, serverID int64, t models.ServiceType, in PolicyInput) (*models.ServicePolicy, error) {
	if _, err := ParseServiceType(string(t)); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := e.server(ctx, serverID); err != nil {
		return nil, err
	}

	p, err := e.store.GetPolicy(ctx, serverID, t)
	if errors.Is(err, store.ErrNotFound) {
		p = &models.ServicePolicy{ServerID: serverID, ServiceType: t}
	} else if err != nil {
		return nil, err
	}

	p.Enabled = in.Enabled
	p.RequireConfirmation = in.RequireConfirmation
	p.ScheduleMode = in.ScheduleMode
	p.IntervalMinutes = in.IntervalMinutes
	p.RetentionDays = in.RetentionDays
	p.RetentionCount = in.RetentionCount
	p.NextRunAt = nextRun(p, e.now())

	entry := &models.ServiceLog{
		ServerID:    serverID,
		ServiceType: t,
		Action:      models.ServiceActionPolicyUpdate,
		Status:      models.ServiceLogOK,
		Message: fmt.Sprintf("Policy updated: enabled=%t, schedule_mode=%s, interval_minutes=%s, retention_days=%s, retention_count=%s",
			p.Enabled, p.ScheduleMode, optInt(p.IntervalMinutes), optInt(p.RetentionDays), optInt(p.RetentionCount)),
		CreatedBy: actorID(actor),
	}
	if err := e.store.CommitPolicy(ctx, p, entry); err != nil {
		return nil, fmt.Errorf("commit policy: %w", err)
	}

	e.audit.Record(ctx, audit.Entry{
		ActorID:    actorID(actor),
		Action:     audit.ActionPolicyUpsert,
		TargetType: "hetzner_policy",
		TargetID:   strconv.FormatInt(p.ID, 10),
		Metadata:   map[string]any{"server_id": serverID, "service_type": string(t)},
	})
	return p, nil
}

func actorID(p *identity.Principal) *int64 {
	if p == nil {
		return nil
	}
	id := p.ID
	return &id
}

// RunNow executes a policy on operator request. Preconditions are checked
// in order and the first failure is returned with no state change.
func (e *Engine) RunNow(ctx context.Context, actor *identity.Principal, serverID int64, t models.ServiceType, confirm bool) (*models.ServicePolicy, error) {
	if _, err := ParseServiceType(string(t)); err != nil {
		return nil, err
	}
	srv, err := e.server(ctx, serverID)
	if err != nil {
		return nil, err
	}

	p, err := e.store.GetPolicy(ctx, serverID, t)
	if errors.Is(err, store.ErrNotFound) {
		return nil, precondition("Service policy not configured")
	}
	if err != nil {
		return nil, err
	}
	if !p.Enabled {
		return nil, precondition("Service policy is paused")
	}
	if err := capabilityGate(srv, t); err != nil {
		return nil, err
	}
	if p.RequireConfirmation && !confirm {
		return nil, precondition("Execution requires confirm=true")
	}
	token, err := e.credentialToken(ctx, srv)
	if err != nil {
		return nil, err
	}

	return e.execute(ctx, srv, p, token, actorID(actor), models.ServiceActionRunNow)
}

func capabilityGate(srv *models.Server, t models.ServiceType) error {
	if srv.Allows(t) {
		return nil
	}
	if t == models.ServiceTypeBackup {
		return precondition("Backup execution not allowed for this server")
	}
	return precondition("Snapshot execution not allowed for this server")
}

func (e *Engine) credentialToken(ctx context.Context, srv *models.Server) (string, error) {
	if srv.CredentialID == nil {
		return "", precondition("Server has no Hetzner credential associated")
	}
	cred, err := e.store.GetCredential(ctx, *srv.CredentialID)
	if errors.Is(err, store.ErrNotFound) {
		return "", precondition("Invalid Hetzner credential")
	}
	if err != nil {
		return "", err
	}
	if cred.Provider != models.ProviderHetzner {
		return "", precondition("Invalid Hetzner credential")
	}
	token, err := e.secrets.Decrypt(cred.SecretEncrypted)
	if err != nil {
		e.logger.Warn("credential decrypt failed", "credential_id", cred.ID, "error", err)
		return "", precondition("Invalid Hetzner credential")
	}
	return token, nil
}

// execute invokes the remote action and records the outcome on the
// policy together with one service log entry.
func (e *Engine) execute(ctx context.Context, srv *models.Server, p *models.ServicePolicy, token string, actor *int64, action string) (*models.ServicePolicy, error) {
	now := e.now()

	var (
		remote  string
		payload map[string]any
		label   string
	)
	switch p.ServiceType {
	case models.ServiceTypeSnapshot:
		remote = hetzner.ActionCreateImage
		payload = map[string]any{
			"type":        "snapshot",
			"description": fmt.Sprintf("omniforge-%s-%d", srv.Name, now.Unix()),
		}
		label = "Snapshot created via Hetzner create_image"
	default:
		remote = hetzner.ActionEnableBackup
		payload = map[string]any{}
		label = "Automatic backup enabled via Hetzner enable_backup"
	}

	if _, err := e.invoker.ServerAction(ctx, token, srv.ExternalID, remote, payload); err != nil {
		e.logger.Error("service action failed", "server_id", srv.ID, "service_type", p.ServiceType, "error", err)
		if rerr := e.recordFailure(ctx, p, actor, action, err.Error()); rerr != nil {
			return nil, rerr
		}
		return nil, oerr.New(oerr.CodeExternalActionFailure, err)
	}

	p.LastRunAt = &now
	p.LastStatus = models.RunStatusSuccess
	p.LastError = ""
	if next := nextRun(p, now); next != nil {
		p.NextRunAt = next
	}
	entry := &models.ServiceLog{
		ServerID:    srv.ID,
		ServiceType: p.ServiceType,
		Action:      action,
		Status:      models.ServiceLogOK,
		Message:     label,
		CreatedBy:   actor,
	}
	if err := e.store.CommitPolicy(ctx, p, entry); err != nil {
		return nil, fmt.Errorf("commit run: %w", err)
	}

	e.audit.Record(ctx, audit.Entry{
		ActorID:    actor,
		Action:     audit.ActionServiceRun,
		TargetType: "hetzner_policy",
		TargetID:   strconv.FormatInt(p.ID, 10),
		Metadata:   map[string]any{"server_id": srv.ID, "service_type": string(p.ServiceType), "trigger": action},
	})
	return p, nil
}

// recordFailure marks the policy failed without touching last_run_at. In
// interval mode the next attempt moves one interval ahead.
func (e *Engine) recordFailure(ctx context.Context, p *models.ServicePolicy, actor *int64, action, reason string) error {
	p.LastStatus = models.RunStatusFailed
	p.LastError = reason
	if next := nextRun(p, e.now()); next != nil {
		p.NextRunAt = next
	}
	entry := &models.ServiceLog{
		ServerID:    p.ServerID,
		ServiceType: p.ServiceType,
		Action:      action,
		Status:      models.ServiceLogError,
		Message:     reason,
		CreatedBy:   actor,
	}
	if err := e.store.CommitPolicy(ctx, p, entry); err != nil {
		return fmt.Errorf("commit failed run: %w", err)
	}
	return nil
}

func (e *Engine) company(ctx context.Context, id int64) error {
	_, err := e.store.GetCompany(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return oerr.Newf(oerr.CodeNotFound, "company %d not found", id)
	}
	return err
}

// ListLogs returns a company's newest service log entries first.
func (e *Engine) ListLogs(ctx context.Context, companyID int64, limit int) ([]*models.ServiceLog, error) {
	if err := e.company(ctx, companyID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return e.store.ListServiceLogs(ctx, companyID, min(limit, MaxLogLimit))
}

// Statuses derives the status of every (server, service type) pair of a
// company, servers ordered by name. Missing policies show as no_policy.
func (e *Engine) Statuses(ctx context.Context, companyID int64) ([]ServiceStatus, error) {
	if err := e.company(ctx, companyID); err != nil {
		return nil, err
	}
	servers, err := e.store.ListServers(ctx, companyID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	out := make([]ServiceStatus, 0, len(servers)*len(models.ServiceTypes))
	for _, srv := range servers {
		policies, err := e.store.ListPolicies(ctx, srv.ID)
		if err != nil {
			return nil, err
		}
		byType := make(map[models.ServiceType]*models.ServicePolicy, len(policies))
		for _, p := range policies {
			byType[p.ServiceType] = p
		}

		for _, t := range models.ServiceTypes {
			p := byType[t]
			status, details := Derive(p, now)
			row := ServiceStatus{
				ServerID:    srv.ID,
				ServerName:  srv.Name,
				ServiceType: t,
				Status:      status,
				Details:     details,
			}
			if p != nil {
				row.NextRunAt = p.NextRunAt
				row.LastRunAt = p.LastRunAt
			}
			out = append(out, row)
		}
	}
	return out, nil
}

// Alerts is Statuses filtered to alertable rows.
func (e *Engine) Alerts(ctx context.Context, companyID int64) ([]ServiceStatus, error) {
	all, err := e.Statuses(ctx, companyID)
	if err != nil {
		return nil, err
	}
	out := make([]ServiceStatus, 0)
	for _, s := range all {
		if s.Status.Alertable() {
			out = append(out, s)
		}
	}
	return out, nil
}
