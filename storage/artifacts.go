package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pullsmith/pullsmith/workflow"
)

// ArtifactRepo stores workflow artifacts keyed by their idempotency key
// {workflowId, kind, contentHash}. Re-publishing identical content lands
// on the same key, so duplicates cannot exist.
type ArtifactRepo struct {
	kv jetstream.KeyValue
}

func artifactKey(a *workflow.Artifact) string {
	return keyToken(a.WorkflowID) + "." + keyToken(string(a.Kind)) + "." + a.ContentHash[:12]
}

// Put upserts the artifact record under its idempotency key.
func (r *ArtifactRepo) Put(ctx context.Context, a *workflow.Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if _, err := r.kv.Put(ctx, artifactKey(a), data); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	return nil
}

// Find looks up an artifact by its idempotency key components.
func (r *ArtifactRepo) Find(ctx context.Context, workflowID string, kind workflow.ArtifactKind, contentHash string) (*workflow.Artifact, error) {
	if len(contentHash) < 12 {
		return nil, fmt.Errorf("content hash too short: %q", contentHash)
	}
	probe := &workflow.Artifact{WorkflowID: workflowID, Kind: kind, ContentHash: contentHash}
	entry, err := r.kv.Get(ctx, artifactKey(probe))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}

	var a workflow.Artifact
	if err := json.Unmarshal(entry.Value(), &a); err != nil {
		return nil, fmt.Errorf("unmarshal artifact: %w", err)
	}
	return &a, nil
}

// ListByWorkflow returns every artifact recorded for a workflow.
func (r *ArtifactRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*workflow.Artifact, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifact keys: %w", err)
	}

	prefix := keyToken(workflowID) + "."
	var artifacts []*workflow.Artifact
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var a workflow.Artifact
		if err := json.Unmarshal(entry.Value(), &a); err != nil {
			continue
		}
		artifacts = append(artifacts, &a)
	}

	return artifacts, nil
}

// ListPending returns the workflow's artifacts that have not reached the
// provider yet. The publisher drains them when a workflow resumes.
func (r *ArtifactRepo) ListPending(ctx context.Context, workflowID string) ([]*workflow.Artifact, error) {
	all, err := r.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var pending []*workflow.Artifact
	for _, a := range all {
		if a.ExternalID == "" {
			pending = append(pending, a)
		}
	}
	return pending, nil
}
