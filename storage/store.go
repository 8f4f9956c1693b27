// Package storage provides per-entity repositories for pullsmith backed by
// NATS JetStream key-value buckets, plus the append-only analytics stream.
// Each repository returns typed records and tagged errors; optimistic
// concurrency rides the bucket revision numbers.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each entity type.
const (
	BucketTriggers    = "PS_TRIGGERS"
	BucketWorkflows   = "PS_WORKFLOWS"
	BucketAgentRuns   = "PS_AGENT_RUNS"
	BucketArtifacts   = "PS_ARTIFACTS"
	BucketDecisions   = "PS_DECISIONS"
	BucketPreferences = "PS_PREFERENCES"
	BucketPredictors  = "PS_PREDICT_MODELS"
	BucketRateBudget  = "PS_RATE_BUDGET"
)

// triggerTTL bounds the trigger dedup backstop. The in-memory LRU handles
// the hot path; the bucket only has to outlive provider redelivery.
const triggerTTL = 24 * time.Hour

// rateBudgetTTL expires shared rate-budget snapshots well after the
// provider's one-hour window rolls over.
const rateBudgetTTL = 2 * time.Hour

// Store aggregates the entity repositories over one JetStream context.
type Store struct {
	Triggers    *TriggerRepo
	Workflows   *WorkflowRepo
	Runs        *RunRepo
	Artifacts   *ArtifactRepo
	Decisions   *DecisionRepo
	Preferences *PreferenceRepo
	Predictors  *PredictorRepo
	RateBudgets *RateBudgetRepo
	Analytics   *Analytics
}

// NewStore creates all buckets if needed and returns the repositories.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	triggers, err := getOrCreateBucket(ctx, js, BucketTriggers, triggerTTL)
	if err != nil {
		return nil, fmt.Errorf("create triggers bucket: %w", err)
	}
	workflows, err := getOrCreateBucket(ctx, js, BucketWorkflows, 0)
	if err != nil {
		return nil, fmt.Errorf("create workflows bucket: %w", err)
	}
	runs, err := getOrCreateBucket(ctx, js, BucketAgentRuns, 0)
	if err != nil {
		return nil, fmt.Errorf("create agent runs bucket: %w", err)
	}
	artifacts, err := getOrCreateBucket(ctx, js, BucketArtifacts, 0)
	if err != nil {
		return nil, fmt.Errorf("create artifacts bucket: %w", err)
	}
	decisions, err := getOrCreateBucket(ctx, js, BucketDecisions, 0)
	if err != nil {
		return nil, fmt.Errorf("create decisions bucket: %w", err)
	}
	preferences, err := getOrCreateBucket(ctx, js, BucketPreferences, 0)
	if err != nil {
		return nil, fmt.Errorf("create preferences bucket: %w", err)
	}
	predictors, err := getOrCreateBucket(ctx, js, BucketPredictors, 0)
	if err != nil {
		return nil, fmt.Errorf("create predictor bucket: %w", err)
	}
	rateBudgets, err := getOrCreateBucket(ctx, js, BucketRateBudget, rateBudgetTTL)
	if err != nil {
		return nil, fmt.Errorf("create rate budget bucket: %w", err)
	}

	return &Store{
		Triggers:    &TriggerRepo{kv: triggers},
		Workflows:   &WorkflowRepo{kv: workflows},
		Runs:        &RunRepo{kv: runs},
		Artifacts:   &ArtifactRepo{kv: artifacts},
		Decisions:   &DecisionRepo{kv: decisions},
		Preferences: &PreferenceRepo{kv: preferences},
		Predictors:  &PredictorRepo{kv: predictors},
		RateBudgets: &RateBudgetRepo{kv: rateBudgets},
		Analytics:   &Analytics{js: js},
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("pullsmith %s storage", strings.ToLower(strings.TrimPrefix(name, "PS_"))),
		History:     5, // Keep last 5 revisions
		TTL:         ttl,
	})
}

// keyToken sanitizes an identifier for use as a KV key segment. KV keys
// allow [-/_=.a-zA-Z0-9]; anything else becomes '_'. Dots separate key
// segments, so they are replaced inside a token.
func keyToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '/' || r == '_' || r == '=':
			return r
		default:
			return '_'
		}
	}, id)
}
