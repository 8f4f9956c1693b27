package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pullsmith/pullsmith/prefs"
)

// PreferenceRepo materializes the latest preference model per repository.
// It implements prefs.Persistence; the append-only audit trail lives in
// the analytics stream, this bucket serves point-in-time reads.
type PreferenceRepo struct {
	kv jetstream.KeyValue
}

// Load returns the persisted model and its revision for optimistic
// writes. Repositories without a model return prefs.ErrNoModel.
func (r *PreferenceRepo) Load(ctx context.Context, repositoryID string) (*prefs.Model, uint64, error) {
	entry, err := r.kv.Get(ctx, keyToken(repositoryID))
	if err != nil {
		if isNotFound(err) {
			return nil, 0, prefs.ErrNoModel
		}
		return nil, 0, fmt.Errorf("get preference model: %w", err)
	}

	var m prefs.Model
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, 0, fmt.Errorf("unmarshal preference model: %w", err)
	}
	return &m, entry.Revision(), nil
}

// Save writes the model guarded by the given revision; revision 0 means
// the model must not exist yet. Losing a race with another instance
// returns prefs.ErrStale so the store reloads and reapplies.
func (r *PreferenceRepo) Save(ctx context.Context, m *prefs.Model, revision uint64) (uint64, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("marshal preference model: %w", err)
	}

	key := keyToken(m.RepositoryID)
	if revision == 0 {
		rev, err := r.kv.Create(ctx, key, data)
		if err != nil {
			if isKeyExists(err) {
				return 0, prefs.ErrStale
			}
			return 0, fmt.Errorf("create preference model: %w", err)
		}
		return rev, nil
	}

	rev, err := r.kv.Update(ctx, key, data, revision)
	if err != nil {
		classified := classifyUpdateErr(err)
		if errors.Is(classified, ErrRevision) || errors.Is(classified, ErrNotFound) {
			return 0, prefs.ErrStale
		}
		return 0, fmt.Errorf("update preference model: %w", classified)
	}
	return rev, nil
}
