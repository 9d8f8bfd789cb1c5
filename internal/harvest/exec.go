// Package harvest adapts external collector processes to the HarvestJob
// interface. The extraction logic itself lives outside this program; a
// collector is any command that reads its parameters from the environment
// and writes harvested leads as JSON to stdout.
package harvest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/Veraticus/the-leads-must-flow/internal/model"
)

// leadPayload is the wire shape a collector emits, one element per lead.
type leadPayload struct {
	Name       string `json:"name"`
	Handle     string `json:"handle,omitempty"`
	ProfileURL string `json:"profile_url,omitempty"`
	Bio        string `json:"bio,omitempty"`
}

// ExecJob runs one external collector command for a source.
type ExecJob struct {
	Name string   // Command to execute
	Args []string // Fixed arguments; per-run parameters travel via env
}

// NewExecJob creates a job that shells out to the given collector command.
func NewExecJob(name string, args ...string) *ExecJob {
	return &ExecJob{Name: name, Args: args}
}

// Run executes the collector with this run's parameters in its environment
// and parses the leads it prints. The returned result is always well-formed;
// collector failures become failed results, never errors.
func (j *ExecJob) Run(ctx context.Context, cfg model.JobConfig) model.JobResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, j.Name, j.Args...)
	cmd.Env = append(os.Environ(),
		"LEADS_USER="+cfg.User,
		"LEADS_SEARCH_TERM="+cfg.SearchTerm,
		"LEADS_SOURCE="+string(cfg.Source),
		"LEADS_ITERATIONS="+strconv.Itoa(cfg.Iterations),
		"LEADS_MAX="+strconv.Itoa(cfg.MaxLeads),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return model.FailedJobResult(cfg.Source, time.Since(start),
			fmt.Errorf("collector failed: %w (stderr: %s)", err, truncate(stderr.String(), 500)))
	}

	var payloads []leadPayload
	if err := json.Unmarshal(stdout.Bytes(), &payloads); err != nil {
		return model.FailedJobResult(cfg.Source, time.Since(start),
			fmt.Errorf("collector output unparseable: %w", err))
	}

	now := time.Now().UTC()
	leads := make([]model.Lead, 0, len(payloads))
	for _, p := range payloads {
		leads = append(leads, model.Lead{
			HarvestedAt: now,
			Name:        p.Name,
			Handle:      p.Handle,
			ProfileURL:  p.ProfileURL,
			Bio:         p.Bio,
			SearchTerm:  cfg.SearchTerm,
			Source:      cfg.Source,
		})
	}

	return model.JobResult{
		Source:   cfg.Source,
		Success:  true,
		Leads:    leads,
		Duration: time.Since(start),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
