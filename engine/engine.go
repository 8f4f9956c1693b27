// Package engine runs the per-PR workflow state machine. Enqueue turns
// trigger events into PENDING workflows with one active workflow per
// pull request, coalescing repeats and superseding stale head shas.
// Dispatches ride a JetStream work queue shared by all engine
// instances; each message drives one workflow through
// PENDING → RUNNING → AWAITING_REVIEW with every transition persisted
// by KV revision CAS before its side effects.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/bus"
	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/metrics"
	"github.com/pullsmith/pullsmith/predict"
	"github.com/pullsmith/pullsmith/prefs"
	"github.com/pullsmith/pullsmith/publisher"
	"github.com/pullsmith/pullsmith/storage"
	"github.com/pullsmith/pullsmith/workflow"
)

const (
	// consumerName is the durable work-queue consumer shared by engine
	// instances.
	consumerName = "engine-dispatch"
	// ackWait must outlast one full orchestration pass; in-progress
	// heartbeats extend it for slow LLM turns.
	ackWait = 10 * time.Minute
	// maxDeliver bounds redeliveries of one dispatch.
	maxDeliver = 5
	// staleAfter is the RUNNING-checkpoint age after which a workflow
	// is presumed orphaned by a crash and re-dispatched.
	staleAfter = 10 * time.Minute
	// progressEvery is the heartbeat cadence while a workflow runs.
	progressEvery = 2 * time.Minute
	// casRetries bounds re-read cycles on revision conflicts.
	casRetries = 5
	// backoffBase and backoffCap shape redelivery delays.
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Config tunes one engine instance.
type Config struct {
	// MaxConcurrentWorkflows bounds in-flight dispatches per instance.
	MaxConcurrentWorkflows int
	// Debounce coalesces same-sha triggers arriving shortly after a
	// workflow was created.
	Debounce time.Duration
}

// Deps are the engine's collaborators.
type Deps struct {
	NC           *nats.Conn
	JS           jetstream.JetStream
	Store        *storage.Store
	Forge        forge.Client
	Orchestrator *agent.Orchestrator
	Publisher    *publisher.Publisher
	Prefs        *prefs.Store
	Predictor    *predict.Predictor
	Notifier     workflow.Notifier
	Logger       *slog.Logger
}

// Engine consumes dispatches and drives workflows to terminal states.
type Engine struct {
	cfg       Config
	nc        *nats.Conn
	js        jetstream.JetStream
	store     *storage.Store
	forge     forge.Client
	orch      *agent.Orchestrator
	publisher *publisher.Publisher
	prefs     *prefs.Store
	predictor *predict.Predictor
	notifier  workflow.Notifier
	logger    *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	consume   jetstream.ConsumeContext
	cancelSub *nats.Subscription
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New builds an engine. NC, JS, Store, Forge, Orchestrator, and
// Publisher are required; the rest default to no-ops.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.NC == nil:
		return nil, errors.New("engine: nats connection is required")
	case deps.JS == nil:
		return nil, errors.New("engine: jetstream context is required")
	case deps.Store == nil:
		return nil, errors.New("engine: store is required")
	case deps.Forge == nil:
		return nil, errors.New("engine: forge client is required")
	case deps.Orchestrator == nil:
		return nil, errors.New("engine: orchestrator is required")
	case deps.Publisher == nil:
		return nil, errors.New("engine: publisher is required")
	}
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 8
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = workflow.NopNotifier{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		nc:        deps.NC,
		js:        deps.JS,
		store:     deps.Store,
		forge:     deps.Forge,
		orch:      deps.Orchestrator,
		publisher: deps.Publisher,
		prefs:     deps.Prefs,
		predictor: deps.Predictor,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "engine")),
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// Start resumes orphaned workflows, subscribes to cancel signals, and
// begins consuming dispatches. It returns once consumption is running.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx, e.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := e.resumeOrphans(ctx); err != nil {
		// Resume is best effort; a cold KV must not block startup.
		e.logger.Warn("Crash-resume scan failed", slog.String("error", err.Error()))
	}

	sub, err := workflow.Cancel.Subscribe(e.nc, workflow.Cancel.For("*"), e.onCancelSignal)
	if err != nil {
		return fmt.Errorf("subscribe cancel signals: %w", err)
	}
	e.cancelSub = sub

	consumer, err := e.js.CreateOrUpdateConsumer(ctx, bus.DispatchStream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		MaxAckPending: e.cfg.MaxConcurrentWorkflows,
		FilterSubject: bus.DispatchSubject,
	})
	if err != nil {
		return fmt.Errorf("create dispatch consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handle(e.runCtx, msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("consume dispatches: %w", err)
	}
	e.consume = cc

	e.logger.Info("Engine started",
		slog.Int("max_concurrent", e.cfg.MaxConcurrentWorkflows),
		slog.Duration("debounce", e.cfg.Debounce))
	return nil
}

// Stop halts consumption and waits for in-flight workflows to settle.
func (e *Engine) Stop() {
	if e.consume != nil {
		e.consume.Stop()
	}
	if e.cancelSub != nil {
		_ = e.cancelSub.Unsubscribe()
	}
	if e.runCancel != nil {
		e.runCancel()
	}
	e.wg.Wait()
	e.logger.Info("Engine stopped")
}

// Enqueue admits a trigger event: it reuses the active workflow for
// repeats, supersedes it on a new head sha, and dispatches a fresh
// PENDING workflow otherwise.
func (e *Engine) Enqueue(ctx context.Context, ev workflow.TriggerEvent) (string, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		active, rev, err := e.store.Workflows.Active(ctx, ev.RepositoryID, ev.PRNumber)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			id, err := e.admit(ctx, ev, 0)
			if errors.Is(err, errLostRace) {
				continue
			}
			return id, err
		case err != nil:
			return "", fmt.Errorf("read active index: %w", err)
		}

		if active.HeadSHA == ev.HeadSHA {
			current, _, err := e.store.Workflows.Get(ctx, active.WorkflowID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				// Stale index pointing at a record that never landed;
				// fall through and reclaim it.
			case err != nil:
				return "", fmt.Errorf("load active workflow: %w", err)
			case !current.Status.Terminal(), time.Since(active.CreatedAt) < e.cfg.Debounce:
				if current.Status == workflow.StatusPending {
					// Re-dispatch in case the original publish was lost;
					// the consumer tolerates duplicates.
					if err := e.dispatch(ctx, current.ID, current.Attempt); err != nil {
						return "", err
					}
				}
				e.logger.Debug("Trigger coalesced",
					slog.String("workflow_id", active.WorkflowID),
					slog.String("repository", ev.RepositoryID),
					slog.Int("pr", ev.PRNumber))
				return active.WorkflowID, nil
			}
		} else if err := e.supersede(ctx, active, ev); err != nil {
			if errors.Is(err, errLostRace) {
				continue
			}
			return "", err
		}

		id, err := e.admit(ctx, ev, rev)
		if errors.Is(err, errLostRace) {
			continue
		}
		return id, err
	}
	return "", fmt.Errorf("enqueue %s#%d: too many races on the active index", ev.RepositoryID, ev.PRNumber)
}

// errLostRace signals a CAS loss that the enqueue loop should retry.
var errLostRace = errors.New("lost active-index race")

// admit claims the active index for a new workflow, persists it, and
// dispatches it. indexRev 0 creates the index entry.
func (e *Engine) admit(ctx context.Context, ev workflow.TriggerEvent, indexRev uint64) (string, error) {
	wf := workflow.New(ev)
	entry := storage.ActiveEntry{WorkflowID: wf.ID, HeadSHA: ev.HeadSHA, CreatedAt: wf.CreatedAt}
	if err := e.store.Workflows.ClaimActive(ctx, ev.RepositoryID, ev.PRNumber, entry, indexRev); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrRevision) {
			return "", errLostRace
		}
		return "", fmt.Errorf("claim active index: %w", err)
	}
	if _, err := e.store.Workflows.Create(ctx, wf); err != nil {
		// The index now points at a missing record; the next trigger
		// for this PR reclaims it.
		return "", fmt.Errorf("persist workflow: %w", err)
	}
	if err := e.dispatch(ctx, wf.ID, wf.Attempt); err != nil {
		return "", err
	}
	e.logger.Info("Workflow enqueued",
		slog.String("workflow_id", wf.ID),
		slog.String("repository", ev.RepositoryID),
		slog.Int("pr", ev.PRNumber),
		slog.String("head_sha", ev.HeadSHA),
		slog.String("action", string(ev.Action)))
	return wf.ID, nil
}

// supersede cancels the PR's current workflow before a new head sha
// takes over. The CANCELLED transition is persisted before the new
// workflow exists, then the cancel signal is broadcast to whoever is
// running it.
func (e *Engine) supersede(ctx context.Context, active *storage.ActiveEntry, ev workflow.TriggerEvent) error {
	current, rev, err := e.store.Workflows.Get(ctx, active.WorkflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load superseded workflow: %w", err)
	}
	if current.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	current.Status = workflow.StatusCancelled
	current.CancelReason = "superseded by head " + ev.HeadSHA
	current.CompletedAt = &now
	current.CheckpointAt = now
	if _, err := e.store.Workflows.Update(ctx, current, rev); err != nil {
		if errors.Is(err, storage.ErrRevision) {
			return errLostRace
		}
		return fmt.Errorf("cancel superseded workflow: %w", err)
	}
	metrics.WorkflowsTotal.WithLabelValues(string(workflow.StatusCancelled)).Inc()

	signal := workflow.CancelSignal{
		WorkflowID:  current.ID,
		Reason:      current.CancelReason,
		SignalledAt: now,
	}
	if err := workflow.Cancel.Publish(e.nc, signal, bus.Token(current.ID)); err != nil {
		e.logger.Warn("Broadcast cancel signal", slog.String("error", err.Error()))
	}
	e.notifier.Notify(workflow.NewEvent(workflow.EventWorkflowUpdate, current, map[string]any{
		"status": string(workflow.StatusCancelled),
		"reason": current.CancelReason,
	}))
	e.logger.Info("Workflow superseded",
		slog.String("workflow_id", current.ID),
		slog.String("old_sha", active.HeadSHA),
		slog.String("new_sha", ev.HeadSHA))
	return nil
}

// dispatch publishes a work-queue message for the workflow. JetStream
// acknowledges persistence, so a returned nil means the work will be
// delivered.
func (e *Engine) dispatch(ctx context.Context, workflowID string, attempt int) error {
	msg := workflow.DispatchMessage{
		WorkflowID: workflowID,
		Attempt:    attempt,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}
	if _, err := e.js.Publish(ctx, bus.DispatchSubject, data); err != nil {
		return fmt.Errorf("publish dispatch: %w", err)
	}
	return nil
}

// resumeOrphans re-dispatches RUNNING workflows whose checkpoint went
// stale, picking up work dropped by a crashed instance.
func (e *Engine) resumeOrphans(ctx context.Context) error {
	running, err := e.store.Workflows.ListRunning(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-staleAfter)
	for _, wf := range running {
		if wf.CheckpointAt.After(cutoff) {
			continue
		}
		if err := e.dispatch(ctx, wf.ID, wf.Attempt+1); err != nil {
			e.logger.Warn("Re-dispatch orphaned workflow",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()))
			continue
		}
		e.logger.Info("Resumed orphaned workflow",
			slog.String("workflow_id", wf.ID),
			slog.Time("checkpoint_at", wf.CheckpointAt))
	}
	return nil
}

// onCancelSignal aborts the in-flight run of the named workflow on this
// instance, if any. Instances not running it ignore the signal.
func (e *Engine) onCancelSignal(sig workflow.CancelSignal) {
	e.mu.Lock()
	cancel, ok := e.cancels[sig.WorkflowID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.logger.Info("Cancelling in-flight workflow",
		slog.String("workflow_id", sig.WorkflowID),
		slog.String("reason", sig.Reason))
	cancel()
}

func (e *Engine) registerCancel(workflowID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[workflowID] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterCancel(workflowID string) {
	e.mu.Lock()
	delete(e.cancels, workflowID)
	e.mu.Unlock()
}

// backoffDelay computes the redelivery delay for the given delivery
// count: base 1 s, factor 2, ±50 % jitter, capped.
func backoffDelay(delivered uint64) time.Duration {
	if delivered < 1 {
		delivered = 1
	}
	d := backoffBase << (delivered - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(d) * jitter)
}
