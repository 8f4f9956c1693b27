package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pullsmith/pullsmith/workflow"
)

// TriggerRepo stores deduplicated inbound trigger events. Create-if-absent
// on the delivery id is the cross-instance duplicate backstop behind the
// gateway's in-memory LRU.
type TriggerRepo struct {
	kv jetstream.KeyValue
}

// Create stores the event keyed by delivery id. Returns ErrConflict when
// the delivery was already recorded.
func (r *TriggerRepo) Create(ctx context.Context, ev workflow.TriggerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trigger event: %w", err)
	}
	if _, err := r.kv.Create(ctx, keyToken(ev.DeliveryID), data); err != nil {
		if isKeyExists(err) {
			return ErrConflict
		}
		return fmt.Errorf("store trigger event: %w", err)
	}
	return nil
}

// Delete removes a recorded delivery. The gateway calls this when the
// enqueue after a successful Create fails, so the provider's retry of
// the same delivery is not swallowed as a duplicate.
func (r *TriggerRepo) Delete(ctx context.Context, deliveryID string) error {
	if err := r.kv.Delete(ctx, keyToken(deliveryID)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete trigger event: %w", err)
	}
	return nil
}

// Get retrieves a trigger event by delivery id.
func (r *TriggerRepo) Get(ctx context.Context, deliveryID string) (*workflow.TriggerEvent, error) {
	entry, err := r.kv.Get(ctx, keyToken(deliveryID))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trigger event: %w", err)
	}

	var ev workflow.TriggerEvent
	if err := json.Unmarshal(entry.Value(), &ev); err != nil {
		return nil, fmt.Errorf("unmarshal trigger event: %w", err)
	}
	return &ev, nil
}
