package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/omniforge/orch/pkg/db/models"
	"github.com/omniforge/orch/pkg/oart"
	"github.com/omniforge/orch/pkg/oerr"
)

// StepContext is handed to every step of a running job.
type StepContext struct {
	Job       *models.Job
	Artifacts oart.Store // nil when no artifact store is configured

	log func(ctx context.Context, level, message string) error
}

// Log appends a line to the job under the executor's lease.
func (sc *StepContext) Log(ctx context.Context, level, message string) error {
	return sc.log(ctx, level, message)
}

// Step is one named unit of a runbook. A nil Run only logs progress.
type Step struct {
	Name string
	Run  func(ctx context.Context, sc *StepContext) error
}

// Runbook is a named automation procedure.
type Runbook struct {
	Name     string         `json:"name"`
	Version  string         `json:"version"`
	Category string         `json:"category"`
	Enabled  bool           `json:"enabled"`
	Schema   map[string]any `json:"schema_json"`
	Steps    []Step         `json:"-"`
}

// RequiredInputs lists the schema's required keys.
func (rb *Runbook) RequiredInputs() []string {
	raw, _ := rb.Schema["required"].([]string)
	return raw
}

// ValidateInputs checks that every required key is present.
func (rb *Runbook) ValidateInputs(inputs map[string]any) error {
	var missing []string
	for _, k := range rb.RequiredInputs() {
		if _, ok := inputs[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return oerr.Newf(oerr.CodeInvalidInput, "runbook %s: missing required inputs: %s", rb.Name, strings.Join(missing, ", "))
	}
	return nil
}

// Registry holds the runbooks jobs can be created for.
type Registry struct {
	mu       sync.RWMutex
	runbooks map[string]*Runbook
}

func NewRegistry(runbooks ...*Runbook) *Registry {
	r := &Registry{runbooks: make(map[string]*Runbook)}
	for _, rb := range runbooks {
		r.Register(rb)
	}
	return r
}

// Register adds or replaces rb. Runbooks without steps run the simulated
// sequence.
func (r *Registry) Register(rb *Runbook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runbooks[rb.Name] = rb
}

// Lookup returns an enabled runbook by name.
func (r *Registry) Lookup(name string) (*Runbook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rb, ok := r.runbooks[name]
	if !ok || !rb.Enabled {
		return nil, oerr.Newf(oerr.CodeNotFound, "runbook %q not found", name)
	}
	return rb, nil
}

// Steps returns the step sequence for name. Unknown names and runbooks
// without their own steps fall back to SimulatedSteps.
func (r *Registry) Steps(name string) []Step {
	r.mu.RLock()
	rb, ok := r.runbooks[name]
	r.mu.RUnlock()
	if ok && len(rb.Steps) > 0 {
		return rb.Steps
	}
	return SimulatedSteps()
}

// List returns all runbooks sorted by name.
func (r *Registry) List() []*Runbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Runbook, 0, len(r.runbooks))
	for _, rb := range r.runbooks {
		out = append(out, rb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SimulatedSteps is the baseline four-step sequence.
func SimulatedSteps() []Step {
	return []Step{
		{Name: "Validating inputs"},
		{Name: "Connecting to target system"},
		{Name: "Applying runbook actions"},
		{Name: "Finalizing artifacts", Run: uploadManifest},
	}
}

type manifest struct {
	JobID     int64          `json:"job_id"`
	Runbook   string         `json:"runbook"`
	Input     map[string]any `json:"input"`
	CreatedBy int64          `json:"created_by"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	WrittenAt time.Time      `json:"written_at"`
}

func uploadManifest(ctx context.Context, sc *StepContext) error {
	if sc.Artifacts == nil {
		return nil
	}
	body, err := json.Marshal(manifest{
		JobID:     sc.Job.ID,
		Runbook:   sc.Job.RunbookName,
		Input:     sc.Job.Input,
		CreatedBy: sc.Job.CreatedBy,
		StartedAt: sc.Job.StartedAt,
		WrittenAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	key := oart.JobArtifactKey(sc.Job.ID, "manifest.json")
	if _, err := sc.Artifacts.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json", map[string]string{
		"runbook": sc.Job.RunbookName,
	}); err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}
	return sc.Log(ctx, models.LogLevelInfo, "Stored artifact "+key)
}

func schema(required []string, properties map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"required":   required,
		"properties": properties,
	}
}

// DefaultRunbooks is the catalogue shipped with the console.
func DefaultRunbooks() []*Runbook {
	str := map[string]any{"type": "string"}
	integer := map[string]any{"type": "integer"}
	return []*Runbook{
		{
			Name: "cloudflare_dns_bulk", Version: "1.0.0", Category: "cloudflare", Enabled: true,
			Schema: schema([]string{"zone_id", "records"}, map[string]any{
				"zone_id": str,
				"records": map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
			}),
		},
		{
			Name: "swarm_deploy", Version: "1.0.0", Category: "deploy", Enabled: true,
			Schema: schema([]string{"stack_name", "compose_path"}, map[string]any{
				"stack_name":   str,
				"compose_path": str,
			}),
		},
		{
			Name: "portainer_inventory", Version: "1.0.0", Category: "portainer", Enabled: true,
			Schema: schema([]string{"endpoint_id"}, map[string]any{"endpoint_id": integer}),
		},
		{
			Name: "portainer_logs", Version: "1.0.0", Category: "portainer", Enabled: true,
			Schema: schema([]string{"endpoint_id", "container_id"}, map[string]any{
				"endpoint_id":  integer,
				"container_id": str,
				"tail":         map[string]any{"type": "integer", "default": 200},
			}),
		},
	}
}
