package crongateway

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FakeGateway is an in-memory Gateway for tests: it records every call so
// a test can assert on what the engine asked the scheduler to do without
// an external scheduler being reachable (spec §9 Design Notes).
type FakeGateway struct {
	mu    sync.Mutex
	jobs  map[string]Job
	Calls []string
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{jobs: map[string]Job{}}
}

func (f *FakeGateway) CreateJob(_ context.Context, job Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	f.jobs[job.ID] = job
	f.Calls = append(f.Calls, "create:"+job.Name)
	return job.ID, nil
}

func (f *FakeGateway) ListJobs(_ context.Context) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "list")
	out := make([]Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *FakeGateway) DeleteJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	f.Calls = append(f.Calls, "delete:"+id)
	return nil
}

func (f *FakeGateway) DeleteJobsByPrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, j := range f.jobs {
		if strings.HasPrefix(j.Name, prefix) {
			delete(f.jobs, id)
		}
	}
	f.Calls = append(f.Calls, "delete_prefix:"+prefix)
	return nil
}
