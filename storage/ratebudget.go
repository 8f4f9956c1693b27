package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// RateBudgetRepo shares the observed provider rate budget across
// instances. It implements forge.BudgetStore: writers only tighten the
// stored view, and expired windows read as absent.
type RateBudgetRepo struct {
	kv jetstream.KeyValue
}

type rateBudgetRecord struct {
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Load returns the stored budget snapshot for an installation. A missing
// key or a window that already reset reads as not-ok.
func (r *RateBudgetRepo) Load(ctx context.Context, installationID string) (int, time.Time, bool, error) {
	entry, err := r.kv.Get(ctx, keyToken(installationID))
	if err != nil {
		if isNotFound(err) {
			return 0, time.Time{}, false, nil
		}
		return 0, time.Time{}, false, fmt.Errorf("get rate budget: %w", err)
	}

	var rec rateBudgetRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return 0, time.Time{}, false, fmt.Errorf("unmarshal rate budget: %w", err)
	}
	if rec.Reset.Before(time.Now()) {
		return 0, time.Time{}, false, nil
	}
	return rec.Remaining, rec.Reset, true, nil
}

// Save records a budget snapshot unless the stored view is already
// tighter for the same window. Lost CAS races are retried a few times
// and then dropped; the next observation carries fresher numbers anyway.
func (r *RateBudgetRepo) Save(ctx context.Context, installationID string, remaining int, reset time.Time) error {
	data, err := json.Marshal(rateBudgetRecord{Remaining: remaining, Reset: reset})
	if err != nil {
		return fmt.Errorf("marshal rate budget: %w", err)
	}
	key := keyToken(installationID)

	for attempt := 0; attempt < 3; attempt++ {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			if !isNotFound(err) {
				return fmt.Errorf("get rate budget: %w", err)
			}
			if _, err := r.kv.Create(ctx, key, data); err != nil {
				if isKeyExists(err) {
					continue
				}
				return fmt.Errorf("create rate budget: %w", err)
			}
			return nil
		}

		var stored rateBudgetRecord
		if err := json.Unmarshal(entry.Value(), &stored); err == nil &&
			!reset.After(stored.Reset) && remaining >= stored.Remaining {
			// Stored view is at least as tight for this window.
			return nil
		}

		if _, err := r.kv.Update(ctx, key, data, entry.Revision()); err != nil {
			if classified := classifyUpdateErr(err); errors.Is(classified, ErrRevision) || errors.Is(classified, ErrNotFound) {
				continue
			}
			return fmt.Errorf("update rate budget: %w", err)
		}
		return nil
	}
	return nil
}
