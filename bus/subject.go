package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Subject is a typed NATS subject. The format string carries %s placeholders
// for routing tokens, e.g. "events.workflow.%s". Publishing marshals the
// payload as JSON; subscribing unmarshals and drops frames that do not parse.
type Subject[T any] struct {
	format string
}

// NewSubject declares a typed subject with the given format.
func NewSubject[T any](format string) Subject[T] {
	return Subject[T]{format: format}
}

// For renders the concrete subject for the given tokens.
func (s Subject[T]) For(tokens ...any) string {
	if len(tokens) == 0 {
		return s.format
	}
	return fmt.Sprintf(s.format, tokens...)
}

// Publish marshals v and publishes it on the subject rendered from tokens.
func (s Subject[T]) Publish(nc *nats.Conn, v T, tokens ...any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", s.format, err)
	}
	if err := nc.Publish(s.For(tokens...), data); err != nil {
		return fmt.Errorf("publish %s: %w", s.For(tokens...), err)
	}
	return nil
}

// Subscribe registers a handler on the concrete subject (wildcards allowed).
// Payloads that fail to decode are dropped; the handler runs on the NATS
// delivery goroutine and must not block.
func (s Subject[T]) Subscribe(nc *nats.Conn, subject string, handler func(T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return
		}
		handler(v)
	})
}
