package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pullsmith/pullsmith/workflow"
)

// WorkflowRepo stores workflow records and the per-PR active index.
type WorkflowRepo struct {
	kv jetstream.KeyValue
}

// ActiveEntry points the (repository, PR) pair at its current workflow.
type ActiveEntry struct {
	WorkflowID string    `json:"workflow_id"`
	HeadSHA    string    `json:"head_sha"`
	CreatedAt  time.Time `json:"created_at"`
}

func activeKey(repositoryID string, prNumber int) string {
	return fmt.Sprintf("active.%s.%d", keyToken(repositoryID), prNumber)
}

func workflowKey(id string) string {
	return "wf." + keyToken(id)
}

// Create stores a new workflow record. Returns ErrConflict if the id exists.
func (r *WorkflowRepo) Create(ctx context.Context, w *workflow.Workflow) (uint64, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return 0, fmt.Errorf("marshal workflow: %w", err)
	}
	rev, err := r.kv.Create(ctx, workflowKey(w.ID), data)
	if err != nil {
		if isKeyExists(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("store workflow: %w", err)
	}
	return rev, nil
}

// Get retrieves a workflow and its current revision.
func (r *WorkflowRepo) Get(ctx context.Context, id string) (*workflow.Workflow, uint64, error) {
	entry, err := r.kv.Get(ctx, workflowKey(id))
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get workflow: %w", err)
	}

	var w workflow.Workflow
	if err := json.Unmarshal(entry.Value(), &w); err != nil {
		return nil, 0, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &w, entry.Revision(), nil
}

// Update writes the workflow guarded by its last known revision. A losing
// writer gets ErrRevision and must re-read.
func (r *WorkflowRepo) Update(ctx context.Context, w *workflow.Workflow, revision uint64) (uint64, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return 0, fmt.Errorf("marshal workflow: %w", err)
	}
	rev, err := r.kv.Update(ctx, workflowKey(w.ID), data, revision)
	if err != nil {
		if classified := classifyUpdateErr(err); classified != nil {
			return 0, classified
		}
		return 0, fmt.Errorf("update workflow: %w", err)
	}
	return rev, nil
}

// Active returns the active index entry for the PR, with its revision.
func (r *WorkflowRepo) Active(ctx context.Context, repositoryID string, prNumber int) (*ActiveEntry, uint64, error) {
	entry, err := r.kv.Get(ctx, activeKey(repositoryID, prNumber))
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get active entry: %w", err)
	}

	var ae ActiveEntry
	if err := json.Unmarshal(entry.Value(), &ae); err != nil {
		return nil, 0, fmt.Errorf("unmarshal active entry: %w", err)
	}
	return &ae, entry.Revision(), nil
}

// ClaimActive points the PR at a workflow. With revision 0 the entry must
// not exist yet; otherwise the swap is guarded by the given revision.
// Returns ErrConflict or ErrRevision when another writer won.
func (r *WorkflowRepo) ClaimActive(ctx context.Context, repositoryID string, prNumber int, ae ActiveEntry, revision uint64) error {
	data, err := json.Marshal(ae)
	if err != nil {
		return fmt.Errorf("marshal active entry: %w", err)
	}

	key := activeKey(repositoryID, prNumber)
	if revision == 0 {
		if _, err := r.kv.Create(ctx, key, data); err != nil {
			if isKeyExists(err) {
				return ErrConflict
			}
			return fmt.Errorf("create active entry: %w", err)
		}
		return nil
	}

	if _, err := r.kv.Update(ctx, key, data, revision); err != nil {
		if classified := classifyUpdateErr(err); classified != nil {
			return classified
		}
		return fmt.Errorf("swap active entry: %w", err)
	}
	return nil
}

// ListRunning returns workflows currently in RUNNING state. Used by the
// crash-resume scan on startup.
func (r *WorkflowRepo) ListRunning(ctx context.Context) ([]*workflow.Workflow, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workflow keys: %w", err)
	}

	var running []*workflow.Workflow
	for _, key := range keys {
		if len(key) < 3 || key[:3] != "wf." {
			continue
		}
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var w workflow.Workflow
		if err := json.Unmarshal(entry.Value(), &w); err != nil {
			continue
		}
		if w.Status == workflow.StatusRunning {
			running = append(running, &w)
		}
	}

	return running, nil
}
