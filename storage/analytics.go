package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pullsmith/pullsmith/bus"
	"github.com/pullsmith/pullsmith/llm"
	"github.com/pullsmith/pullsmith/predict"
	"github.com/pullsmith/pullsmith/prefs"
	"github.com/pullsmith/pullsmith/workflow"
)

// Analytics appends audit and training events to the analytics stream.
// The stream is the append-only history; materialized KV buckets serve
// the latest-state reads.
type Analytics struct {
	js jetstream.JetStream
}

// Subject suffixes under the analytics stream prefix.
const (
	analyticsDecision   = "decision"
	analyticsPreference = "preference"
	analyticsOutcome    = "outcome"
	analyticsModel      = "model"
	analyticsLLM        = "llm"
)

func analyticsSubject(kind, repositoryID string) string {
	return bus.AnalyticsSubjectPrefix + kind + "." + bus.Token(repositoryID)
}

func (a *Analytics) append(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal analytics event: %w", err)
	}
	if _, err := a.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("append analytics event %s: %w", subject, err)
	}
	return nil
}

// DecisionRecorded logs a reviewer decision.
func (a *Analytics) DecisionRecorded(ctx context.Context, d *workflow.ReviewerDecision) error {
	return a.append(ctx, analyticsSubject(analyticsDecision, d.RepositoryID), d)
}

// preferenceAudit is the append-only record of one preference update.
type preferenceAudit struct {
	RepositoryID string                   `json:"repository_id"`
	Version      int                      `json:"version"`
	DataPoints   int                      `json:"data_points"`
	DecisionID   string                   `json:"decision_id"`
	Action       workflow.DecisionAction  `json:"action"`
	Context      workflow.DecisionContext `json:"context"`
	Model        *prefs.Model             `json:"model"`
	CreatedAt    time.Time                `json:"created_at"`
}

// PreferenceUpdated logs a preference-model update with the full model
// snapshot; historical readers replay these by creation time.
func (a *Analytics) PreferenceUpdated(ctx context.Context, m *prefs.Model, d workflow.ReviewerDecision) error {
	audit := preferenceAudit{
		RepositoryID: m.RepositoryID,
		Version:      m.Version,
		DataPoints:   m.DataPoints,
		DecisionID:   d.ID,
		Action:       d.Action,
		Context:      d.Context,
		Model:        m,
		CreatedAt:    time.Now().UTC(),
	}
	return a.append(ctx, analyticsSubject(analyticsPreference, m.RepositoryID), audit)
}

// OutcomeCompleted logs a training example extracted from a completed
// workflow.
func (a *Analytics) OutcomeCompleted(ctx context.Context, ex predict.Example) error {
	return a.append(ctx, analyticsSubject(analyticsOutcome, ex.RepositoryID), ex)
}

// ModelTrained logs a trained prediction model for audit history.
func (a *Analytics) ModelTrained(ctx context.Context, m *predict.Model) error {
	return a.append(ctx, analyticsSubject(analyticsModel, m.RepositoryID), m)
}

// RecordLLMCall logs one LLM call for cost and latency auditing.
// Implements llm.Recorder.
func (a *Analytics) RecordLLMCall(ctx context.Context, rec *llm.CallRecord) error {
	return a.append(ctx, analyticsSubject(analyticsLLM, rec.Provider), rec)
}

// Examples replays the repository's completed-workflow outcomes from the
// analytics stream. Implements predict.ExampleSource.
func (a *Analytics) Examples(ctx context.Context, repositoryID string) ([]predict.Example, error) {
	cons, err := a.js.OrderedConsumer(ctx, bus.AnalyticsStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{analyticsSubject(analyticsOutcome, repositoryID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create analytics reader: %w", err)
	}

	var examples []predict.Example
	for {
		batch, err := cons.FetchNoWait(256)
		if err != nil {
			return nil, fmt.Errorf("fetch analytics events: %w", err)
		}
		count := 0
		for msg := range batch.Messages() {
			count++
			var ex predict.Example
			if err := json.Unmarshal(msg.Data(), &ex); err != nil {
				continue
			}
			examples = append(examples, ex)
		}
		if batch.Error() != nil {
			return nil, fmt.Errorf("read analytics events: %w", batch.Error())
		}
		if count == 0 {
			break
		}
	}

	return examples, nil
}
