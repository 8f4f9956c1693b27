package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pullsmith/pullsmith/predict"
)

// PredictorRepo materializes the latest trained prediction model per
// repository, latest write wins. Training history is the analytics
// stream's concern; this bucket answers point-in-time reads.
type PredictorRepo struct {
	kv jetstream.KeyValue
}

// LoadModel returns the current model, or predict.ErrNoModel when the
// repository has never been trained.
func (r *PredictorRepo) LoadModel(ctx context.Context, repositoryID string) (*predict.Model, error) {
	entry, err := r.kv.Get(ctx, keyToken(repositoryID))
	if err != nil {
		if isNotFound(err) {
			return nil, predict.ErrNoModel
		}
		return nil, fmt.Errorf("get prediction model: %w", err)
	}

	var m predict.Model
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, fmt.Errorf("unmarshal prediction model: %w", err)
	}
	return &m, nil
}

// SaveModel upserts the model for its repository.
func (r *PredictorRepo) SaveModel(ctx context.Context, m *predict.Model) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal prediction model: %w", err)
	}
	if _, err := r.kv.Put(ctx, keyToken(m.RepositoryID), data); err != nil {
		return fmt.Errorf("store prediction model: %w", err)
	}
	return nil
}
