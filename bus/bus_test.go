package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/bus"
)

type testEvent struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

func startBus(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := bus.StartEmbedded(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	nc, _, err := bus.Connect(ns.ClientURL(), "bus-test", nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return nc
}

func TestTypedSubjectRoundTrip(t *testing.T) {
	nc := startBus(t)

	subj := bus.NewSubject[testEvent]("test.workflow.%s")

	received := make(chan testEvent, 1)
	sub, err := subj.Subscribe(nc, subj.For("*"), func(ev testEvent) {
		received <- ev
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	err = subj.Publish(nc, testEvent{WorkflowID: "wf-1", Status: "RUNNING"}, "wf-1")
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, "wf-1", ev.WorkflowID)
		assert.Equal(t, "RUNNING", ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubjectFor(t *testing.T) {
	subj := bus.NewSubject[testEvent]("ws.repo.%s")
	assert.Equal(t, "ws.repo.acme/widgets", subj.For("acme/widgets"))

	bare := bus.NewSubject[testEvent]("dispatch.workflow")
	assert.Equal(t, "dispatch.workflow", bare.For())
}

func TestEnsureStreamsIdempotent(t *testing.T) {
	ns, err := bus.StartEmbedded(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	nc, js, err := bus.Connect(ns.ClientURL(), "bus-test", nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, bus.EnsureStreams(ctx, js))
	require.NoError(t, bus.EnsureStreams(ctx, js))

	stream, err := js.Stream(ctx, bus.DispatchStream)
	require.NoError(t, err)
	assert.Equal(t, bus.DispatchStream, stream.CachedInfo().Config.Name)
}

func TestToken(t *testing.T) {
	assert.Equal(t, "acme/widgets", bus.Token("acme/widgets"))
	assert.Equal(t, "a_b_c", bus.Token("a.b*c"))
	assert.Equal(t, "no_spaces", bus.Token("no spaces"))
}
