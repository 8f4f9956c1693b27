package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pullsmith/pullsmith/workflow"
)

// RunRepo stores agent runs keyed by (workflow, agent). One run per pair;
// re-queues overwrite in place so a workflow resume sees the latest state.
type RunRepo struct {
	kv jetstream.KeyValue
}

func runKey(workflowID, agentName string) string {
	return keyToken(workflowID) + "." + keyToken(agentName)
}

// Put upserts the run record for its (workflow, agent) pair.
func (r *RunRepo) Put(ctx context.Context, run *workflow.AgentRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal agent run: %w", err)
	}
	if _, err := r.kv.Put(ctx, runKey(run.WorkflowID, run.AgentName), data); err != nil {
		return fmt.Errorf("store agent run: %w", err)
	}
	return nil
}

// Get retrieves the run for a (workflow, agent) pair.
func (r *RunRepo) Get(ctx context.Context, workflowID, agentName string) (*workflow.AgentRun, error) {
	entry, err := r.kv.Get(ctx, runKey(workflowID, agentName))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent run: %w", err)
	}

	var run workflow.AgentRun
	if err := json.Unmarshal(entry.Value(), &run); err != nil {
		return nil, fmt.Errorf("unmarshal agent run: %w", err)
	}
	return &run, nil
}

// ListByWorkflow returns all recorded runs for a workflow.
func (r *RunRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*workflow.AgentRun, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list run keys: %w", err)
	}

	prefix := keyToken(workflowID) + "."
	var runs []*workflow.AgentRun
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var run workflow.AgentRun
		if err := json.Unmarshal(entry.Value(), &run); err != nil {
			continue
		}
		runs = append(runs, &run)
	}

	return runs, nil
}
