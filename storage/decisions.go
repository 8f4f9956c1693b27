package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pullsmith/pullsmith/workflow"
)

// DecisionRepo stores reviewer decisions keyed by workflow then decision
// id, so per-workflow lookups are a prefix scan.
type DecisionRepo struct {
	kv jetstream.KeyValue
}

func decisionKey(d *workflow.ReviewerDecision) string {
	return keyToken(d.WorkflowID) + "." + keyToken(d.ID)
}

// Create stores a decision. Returns ErrConflict when the id was already
// recorded, which makes decision submission idempotent.
func (r *DecisionRepo) Create(ctx context.Context, d *workflow.ReviewerDecision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	if _, err := r.kv.Create(ctx, decisionKey(d), data); err != nil {
		if isKeyExists(err) {
			return ErrConflict
		}
		return fmt.Errorf("store decision: %w", err)
	}
	return nil
}

// ListByWorkflow returns all decisions recorded against a workflow.
func (r *DecisionRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*workflow.ReviewerDecision, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list decision keys: %w", err)
	}

	prefix := keyToken(workflowID) + "."
	var decisions []*workflow.ReviewerDecision
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var d workflow.ReviewerDecision
		if err := json.Unmarshal(entry.Value(), &d); err != nil {
			continue
		}
		decisions = append(decisions, &d)
	}

	return decisions, nil
}
