package crongateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// gatewayTimeout bounds every subprocess call to the external scheduler
// (spec §5's suggested bound), so a hung cronctl never blocks the caller
// indefinitely.
const gatewayTimeout = 15 * time.Second

// ShellGateway shells out to an external cron CLI binary (default
// cronctl), one subprocess per call, JSON in on stdin and JSON out on
// stdout. This keeps the real scheduler an external collaborator (spec §1
// Out of scope) while giving the engine an adapter that is actually
// exercised.
type ShellGateway struct {
	Binary string
}

func NewShellGateway(binary string) *ShellGateway {
	if binary == "" {
		binary = "cronctl"
	}
	return &ShellGateway{Binary: binary}
}

func (g *ShellGateway) CreateJob(ctx context.Context, job Job) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	if err := g.run(ctx, "create-job", job, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (g *ShellGateway) ListJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	if err := g.run(ctx, "list-jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (g *ShellGateway) DeleteJob(ctx context.Context, id string) error {
	return g.run(ctx, "delete-job", map[string]string{"id": id}, nil)
}

func (g *ShellGateway) DeleteJobsByPrefix(ctx context.Context, prefix string) error {
	return g.run(ctx, "delete-jobs-by-prefix", map[string]string{"prefix": prefix}, nil)
}

// run invokes `<binary> <subcommand>` with payload as JSON on stdin, and
// decodes stdout as JSON into out (skipped if out is nil).
func (g *ShellGateway) run(ctx context.Context, subcommand string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()

	var stdin bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&stdin).Encode(payload); err != nil {
			return fmt.Errorf("encode %s payload: %w", subcommand, err)
		}
	}

	cmd := exec.CommandContext(ctx, g.Binary, subcommand)
	cmd.Stdin = &stdin

	stdout, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", g.Binary, subcommand, ctx.Err())
		}
		return fmt.Errorf("%s %s: %w", g.Binary, subcommand, err)
	}

	if out == nil || len(stdout) == 0 {
		return nil
	}
	if err := json.Unmarshal(stdout, out); err != nil {
		return fmt.Errorf("decode %s output: %w", subcommand, err)
	}
	return nil
}
