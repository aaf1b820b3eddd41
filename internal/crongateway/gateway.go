// Package crongateway adapts the engine to an external periodic scheduler
// (spec §4.5). The scheduler itself is explicitly out of scope (spec §1);
// this package only declares the four-operation contract and provides two
// implementations: an in-memory FakeGateway for tests, and a ShellGateway
// that shells out to an external CLI and parses its JSON stdout.
package crongateway

import (
	"context"
	"strconv"
)

// Job is one scheduled wake-up of a role, per spec §4.5.
type Job struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IntervalMS int64  `json:"interval_ms"`
	AnchorMS   int64  `json:"anchor_ms"`
	AgentID    string `json:"agent_id"`
	Payload    string `json:"payload"`
	Enabled    bool   `json:"enabled"`
}

// Gateway is the four operations spec §4.5 names.
type Gateway interface {
	CreateJob(ctx context.Context, job Job) (string, error)
	ListJobs(ctx context.Context) ([]Job, error)
	DeleteJob(ctx context.Context, id string) error
	DeleteJobsByPrefix(ctx context.Context, prefix string) error
}

// JobName builds the naming convention from spec §4.5:
// setfarm/<workflow_id>/<role>[-<n>] for n>=2 parallel shards.
func JobName(workflowID, role string, shard int) string {
	if shard < 2 {
		return "setfarm/" + workflowID + "/" + role
	}
	return "setfarm/" + workflowID + "/" + role + "-" + strconv.Itoa(shard)
}
