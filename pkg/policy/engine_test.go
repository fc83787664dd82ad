package policy

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniforge/orch/pkg/audit"
	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/identity"
	"github.com/omniforge/orch/pkg/oerr"
	"github.com/omniforge/orch/pkg/secrets"
	"github.com/omniforge/orch/pkg/store/memstore"
)

type call struct {
	token, externalID, action string
	payload                   map[string]any
}

type fakeInvoker struct {
	calls []call
	err   error
}

func (f *fakeInvoker) ServerAction(_ context.Context, token, externalID, action string, payload map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, call{token, externalID, action, payload})
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"action": map[string]any{"status": "running"}}, nil
}

type fixture struct {
	engine  *Engine
	store   *memstore.Store
	invoker *fakeInvoker
	now     time.Time
	company *models.Company
	server  *models.Server
}

var admin = &identity.Principal{ID: 1, Email: "admin@example.com", Roles: []string{identity.RoleAdmin}}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memstore.New(),
		invoker: &fakeInvoker{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	box, err := secrets.NewBox("test-key")
	require.NoError(t, err)
	enc, err := box.Encrypt("hcloud-token")
	require.NoError(t, err)

	f.company = f.store.PutCompany(&models.Company{Name: "Acme"})
	cred := f.store.PutCredential(&models.Credential{CompanyID: f.company.ID, Provider: models.ProviderHetzner, Label: "main", SecretEncrypted: enc})
	f.server = f.store.PutServer(&models.Server{
		CompanyID: f.company.ID, CredentialID: &cred.ID, ExternalID: "4711", Name: "web-1",
		AllowBackup: true, AllowSnapshot: true,
	})

	logger := slog.New(slog.DiscardHandler)
	f.engine = NewEngine(f.store, f.invoker, box, logger,
		WithClock(func() time.Time { return f.now }),
		WithAuditSink(audit.NewStoreSink(f.store, logger)),
	)
	return f
}

func (f *fixture) enable(t *testing.T, st models.ServiceType, in PolicyInput) *models.ServicePolicy {
	t.Helper()
	p, err := f.engine.Upsert(context.Background(), admin, f.server.ID, st, in)
	require.NoError(t, err)
	return p
}

func TestEngine_DefaultBootstrap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	policies, err := f.engine.ListPolicies(ctx, f.server.ID)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, 2, f.store.PolicyCount())

	for _, p := range policies {
		assert.False(t, p.Enabled)
		assert.True(t, p.RequireConfirmation)
		assert.Equal(t, models.ScheduleModeManual, p.ScheduleMode)
		assert.Nil(t, p.NextRunAt)
	}
	assert.Equal(t, models.ServiceTypeBackup, policies[0].ServiceType)
	assert.Equal(t, models.ServiceTypeSnapshot, policies[1].ServiceType)

	_, err = f.engine.GetPolicy(ctx, f.server.ID, models.ServiceTypeSnapshot)
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.PolicyCount(), "bootstrap is idempotent")

	_, err = f.engine.ListPolicies(ctx, 9999)
	assert.True(t, oerr.IsCode(err, oerr.CodeNotFound))
}

func TestEngine_Upsert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := f.enable(t, models.ServiceTypeSnapshot, PolicyInput{
		Enabled: true, RequireConfirmation: false, ScheduleMode: models.ScheduleModeInterval,
		IntervalMinutes: intPtr(60), RetentionCount: intPtr(7),
	})
	require.NotNil(t, p.NextRunAt)
	assert.Equal(t, f.now.Add(time.Hour), *p.NextRunAt)

	logs := f.store.ServiceLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.ServiceActionPolicyUpdate, logs[0].Action)
	assert.Equal(t, "Policy updated: enabled=true, schedule_mode=interval, interval_minutes=60, retention_days=none, retention_count=7", logs[0].Message)
	assert.Equal(t, int64(1), *logs[0].CreatedBy)

	// Switching to manual clears the projection.
	p = f.enable(t, models.ServiceTypeSnapshot, PolicyInput{Enabled: true, ScheduleMode: models.ScheduleModeManual})
	assert.Nil(t, p.NextRunAt)
	assert.Nil(t, p.RetentionCount)

	audits := f.store.AuditLogs()
	require.Len(t, audits, 2)
	assert.Equal(t, audit.ActionPolicyUpsert, audits[0].Action)

	got, err := f.engine.GetPolicy(ctx, f.server.ID, models.ServiceTypeSnapshot)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestEngine_UpsertValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []PolicyInput{
		{ScheduleMode: "hourly"},
		{ScheduleMode: models.ScheduleModeInterval},
		{ScheduleMode: models.ScheduleModeInterval, IntervalMinutes: intPtr(0)},
		{ScheduleMode: models.ScheduleModeManual, RetentionDays: intPtr(-1)},
	}
	for _, in := range cases {
		_, err := f.engine.Upsert(ctx, admin, f.server.ID, models.ServiceTypeBackup, in)
		assert.True(t, oerr.IsCode(err, oerr.CodeInvalidInput), "%+v", in)
	}

	_, err := f.engine.Upsert(ctx, admin, f.server.ID, "archive", PolicyInput{ScheduleMode: models.ScheduleModeManual})
	assert.True(t, oerr.IsCode(err, oerr.CodeInvalidInput))

	_, err = f.engine.Upsert(ctx, admin, 9999, models.ServiceTypeBackup, PolicyInput{ScheduleMode: models.ScheduleModeManual})
	assert.True(t, oerr.IsCode(err, oerr.CodeNotFound))

	assert.Zero(t, f.store.PolicyCount())
	assert.Empty(t, f.store.ServiceLogs())
}

func TestEngine_RunNowSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, models.ServiceTypeSnapshot, PolicyInput{Enabled: true, RequireConfirmation: true,
		ScheduleMode: models.ScheduleModeInterval, IntervalMinutes: intPtr(30)})

	f.now = f.now.Add(5 * time.Minute)
	p, err := f.engine.RunNow(ctx, admin, f.server.ID, models.ServiceTypeSnapshot, true)
	require.NoError(t, err)

	require.Len(t, f.invoker.calls, 1)
	c := f.invoker.calls[0]
	assert.Equal(t, "hcloud-token", c.token)
	assert.Equal(t, "4711", c.externalID)
	assert.Equal(t, "create_image", c.action)
	assert.Equal(t, "snapshot", c.payload["type"])
	assert.Equal(t, "omniforge-web-1-1772366700", c.payload["description"])

	assert.Equal(t, f.now, *p.LastRunAt)
	assert.Equal(t, models.RunStatusSuccess, p.LastStatus)
	assert.Equal(t, f.now.Add(30*time.Minute), *p.NextRunAt)

	logs := f.store.ServiceLogs()
	last := logs[len(logs)-1]
	assert.Equal(t, models.ServiceActionRunNow, last.Action)
	assert.Equal(t, models.ServiceLogOK, last.Status)
	assert.Equal(t, "Snapshot created via Hetzner create_image", last.Message)

	audits := f.store.AuditLogs()
	assert.Equal(t, audit.ActionServiceRun, audits[len(audits)-1].Action)
}

func TestEngine_RunNowBackup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, models.ServiceTypeBackup, PolicyInput{Enabled: true, ScheduleMode: models.ScheduleModeManual})

	p, err := f.engine.RunNow(ctx, admin, f.server.ID, models.ServiceTypeBackup, false)
	require.NoError(t, err)
	assert.Nil(t, p.NextRunAt)

	require.Len(t, f.invoker.calls, 1)
	assert.Equal(t, "enable_backup", f.invoker.calls[0].action)
	assert.Empty(t, f.invoker.calls[0].payload)
}

func TestEngine_RunNowPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("server missing", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.RunNow(ctx, admin, 9999, models.ServiceTypeBackup, true)
		assert.True(t, oerr.IsCode(err, oerr.CodeNotFound))
	})

	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		msg   string
	}{
		{"not configured", func(*testing.T, *fixture) {}, "Service policy not configured"},
		{"paused", func(t *testing.T, f *fixture) {
			f.enable(t, models.ServiceTypeBackup, PolicyInput{Enabled: false, ScheduleMode: models.ScheduleModeManual})
		}, "Service policy is paused"},
		{"capability off", func(t *testing.T, f *fixture) {
			f.enable(t, models.ServiceTypeBackup, PolicyInput{Enabled: true, RequireConfirmation: true, ScheduleMode: models.ScheduleModeManual})
			f.server.AllowBackup = false
			f.store.PutServer(f.server)
		}, "Backup execution not allowed for this server"},
		{"confirmation missing", func(t *testing.T, f *fixture) {
			f.enable(t, models.ServiceTypeBackup, PolicyInput{Enabled: true, RequireConfirmation: true, ScheduleMode: models.ScheduleModeManual})
		}, "Execution requires confirm=true"},
		{"no credential", func(t *testing.T, f *fixture) {
			f.enable(t, models.ServiceTypeBackup, PolicyInput{Enabled: true, ScheduleMode: models.ScheduleModeManual})
			f.server.CredentialID = nil
			f.store.PutServer(f.server)
		}, "Server has no Hetzner credential associated"},
		{"wrong provider", func(t *testing.T, f *fixture) {
			f.enable(t, models.ServiceTypeBackup, PolicyInput{Enabled: true, ScheduleMode: models.ScheduleModeManual})
			cred := f.store.PutCredential(&models.Credential{CompanyID: f.company.ID, Provider: "cloudflare", SecretEncrypted: "x"})
			f.server.CredentialID = &cred.ID
			f.store.PutServer(f.server)
		}, "Invalid Hetzner credential"},
		{"undecryptable secret", func(t *testing.T, f *fixture) {
			f.enable(t, models.ServiceTypeBackup, PolicyInput{Enabled: true, ScheduleMode: models.ScheduleModeManual})
			cred := f.store.PutCredential(&models.Credential{CompanyID: f.company.ID, Provider: models.ProviderHetzner, SecretEncrypted: "garbage"})
			f.server.CredentialID = &cred.ID
			f.store.PutServer(f.server)
		}, "Invalid Hetzner credential"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)
			before, _ := f.store.GetPolicy(ctx, f.server.ID, models.ServiceTypeBackup)
			logsBefore := len(f.store.ServiceLogs())

			_, err := f.engine.RunNow(ctx, admin, f.server.ID, models.ServiceTypeBackup, false)
			require.Error(t, err)
			assert.True(t, oerr.IsCode(err, oerr.CodePolicyPrecondition))
			assert.Equal(t, tt.msg, err.Error())

			assert.Empty(t, f.invoker.calls)
			assert.Len(t, f.store.ServiceLogs(), logsBefore)
			after, _ := f.store.GetPolicy(ctx, f.server.ID, models.ServiceTypeBackup)
			if before != nil {
				assert.Equal(t, before.LastRunAt, after.LastRunAt)
				assert.Equal(t, before.LastStatus, after.LastStatus)
			}
		})
	}
}

func TestEngine_RunNowExternalFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enable(t, models.ServiceTypeSnapshot, PolicyInput{Enabled: true, ScheduleMode: models.ScheduleModeManual})
	f.invoker.err = errors.New("Hetzner action error: 403 forbidden")

	_, err := f.engine.RunNow(ctx, admin, f.server.ID, models.ServiceTypeSnapshot, true)
	require.Error(t, err)
	assert.True(t, oerr.IsCode(err, oerr.CodeExternalActionFailure))

	p, _ := f.store.GetPolicy(ctx, f.server.ID, models.ServiceTypeSnapshot)
	assert.Equal(t, models.RunStatusFailed, p.LastStatus)
	assert.Equal(t, "Hetzner action error: 403 forbidden", p.LastError)
	assert.Nil(t, p.LastRunAt)

	logs := f.store.ServiceLogs()
	last := logs[len(logs)-1]
	assert.Equal(t, models.ServiceActionRunNow, last.Action)
	assert.Equal(t, models.ServiceLogError, last.Status)

	alerts, err := f.engine.Alerts(ctx, f.company.ID)
	require.NoError(t, err)
	var found bool
	for _, a := range alerts {
		if a.ServiceType == models.ServiceTypeSnapshot {
			found = true
			assert.Equal(t, StatusFailure, a.Status)
			assert.Equal(t, "Hetzner action error: 403 forbidden", a.Details)
		}
	}
	assert.True(t, found)
}

func TestEngine_StatusesAndAlerts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := f.store.PutServer(&models.Server{CompanyID: f.company.ID, ExternalID: "1", Name: "alpha"})

	f.enable(t, models.ServiceTypeBackup, PolicyInput{Enabled: true, ScheduleMode: models.ScheduleModeManual})
	_, err := f.engine.RunNow(ctx, admin, f.server.ID, models.ServiceTypeBackup, true)
	require.NoError(t, err)

	statuses, err := f.engine.Statuses(ctx, f.company.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 4)

	assert.Equal(t, other.ID, statuses[0].ServerID, "servers sorted by name")
	assert.Equal(t, StatusNoPolicy, statuses[0].Status)
	assert.Equal(t, StatusNoPolicy, statuses[1].Status)
	assert.Equal(t, StatusOK, statuses[2].Status)
	assert.NotNil(t, statuses[2].LastRunAt)
	assert.Equal(t, StatusNoPolicy, statuses[3].Status)

	alerts, err := f.engine.Alerts(ctx, f.company.ID)
	require.NoError(t, err)
	assert.Len(t, alerts, 3)

	_, err = f.engine.Statuses(ctx, 9999)
	assert.True(t, oerr.IsCode(err, oerr.CodeNotFound))
}

func TestEngine_ListLogs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for range 3 {
		f.enable(t, models.ServiceTypeBackup, PolicyInput{Enabled: true, ScheduleMode: models.ScheduleModeManual})
	}
	stranger := f.store.PutCompany(&models.Company{Name: "Other"})

	logs, err := f.engine.ListLogs(ctx, f.company.ID, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Greater(t, logs[0].ID, logs[1].ID)

	logs, err = f.engine.ListLogs(ctx, stranger.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)

	_, err = f.engine.ListLogs(ctx, 9999, 10)
	assert.True(t, oerr.IsCode(err, oerr.CodeNotFound))
}

func TestParseServiceType(t *testing.T) {
	st, err := ParseServiceType(" Snapshot ")
	require.NoError(t, err)
	assert.Equal(t, models.ServiceTypeSnapshot, st)

	_, err = ParseServiceType("archive")
	assert.True(t, oerr.IsCode(err, oerr.CodeInvalidInput))
}
