package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pullsmith/pullsmith/metrics"
	"github.com/pullsmith/pullsmith/storage"
	"github.com/pullsmith/pullsmith/workflow"
)

// persistTimeout bounds terminal-state writes that must land even when
// the workflow context is already cancelled.
const persistTimeout = 5 * time.Second

// Limits bounds orchestrator concurrency and spend.
type Limits struct {
	// MaxAgentsPerWorkflow caps concurrently executing agents in one
	// workflow.
	MaxAgentsPerWorkflow int64
	// GlobalAgentLimit caps concurrently executing agents across all
	// workflows on this instance.
	GlobalAgentLimit int64
	// TokenBudget caps aggregate LLM tokens per workflow; 0 disables.
	TokenBudget int64
}

// Orchestrator executes the agent DAG for one workflow at a time per
// call, sharing a global concurrency limit across calls.
type Orchestrator struct {
	registry *Registry
	runs     *storage.RunRepo
	services *Services
	global   *semaphore.Weighted
	limits   Limits
	logger   *slog.Logger
}

// NewOrchestrator validates the registry and returns an orchestrator.
func NewOrchestrator(reg *Registry, runs *storage.RunRepo, svcs *Services, limits Limits, logger *slog.Logger) (*Orchestrator, error) {
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("agent registry: %w", err)
	}
	if limits.MaxAgentsPerWorkflow <= 0 {
		limits.MaxAgentsPerWorkflow = 4
	}
	if limits.GlobalAgentLimit < limits.MaxAgentsPerWorkflow {
		limits.GlobalAgentLimit = limits.MaxAgentsPerWorkflow
	}
	if svcs.Notifier == nil {
		svcs.Notifier = workflow.NopNotifier{}
	}
	return &Orchestrator{
		registry: reg,
		runs:     runs,
		services: svcs,
		global:   semaphore.NewWeighted(limits.GlobalAgentLimit),
		limits:   limits,
		logger:   logger.With(slog.String("component", "orchestrator")),
	}, nil
}

// Result is the outcome of one DAG execution.
type Result struct {
	// Runs holds every agent's terminal record in registration order.
	Runs []*workflow.AgentRun
	// TokensUsed is the aggregate LLM spend recorded by the budget.
	TokensUsed int64

	byAgent map[string]*workflow.AgentRun
}

// Run returns the named agent's run record.
func (r *Result) Run(name string) *workflow.AgentRun {
	return r.byAgent[name]
}

// Output decodes the named agent's output into v. Returns false when
// the agent produced none.
func (r *Result) Output(name string, v any) (bool, error) {
	run, ok := r.byAgent[name]
	if !ok || len(run.Output) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(run.Output, v); err != nil {
		return false, fmt.Errorf("decode %s output: %w", name, err)
	}
	return true, nil
}

// agentDone reports one agent's terminal status back to the scheduler.
type agentDone struct {
	name   string
	status workflow.RunStatus
}

// Orchestrate runs the DAG to completion for wf. Agents that already
// SUCCEEDED in a prior attempt are reused, not re-run. Per-agent
// failures are recorded on their runs and never returned as errors;
// only context cancellation and storage faults abort the call.
func (o *Orchestrator) Orchestrate(ctx context.Context, wf *workflow.Workflow, input *Input) (*Result, error) {
	all := o.registry.All()
	budget := NewTokenBudget(o.limits.TokenBudget)
	rc := NewRunContext(wf, input, o.services, budget)

	prior, err := o.runs.ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("load prior runs: %w", err)
	}
	priorByAgent := make(map[string]*workflow.AgentRun, len(prior))
	for _, p := range prior {
		priorByAgent[p.AgentName] = p
	}

	status := make(map[string]workflow.RunStatus, len(all))
	runs := make(map[string]*workflow.AgentRun, len(all))
	for _, d := range all {
		if p, ok := priorByAgent[d.Name]; ok && p.Status == workflow.RunSucceeded {
			runs[d.Name] = p
			status[d.Name] = workflow.RunSucceeded
			if len(p.Output) > 0 {
				rc.outputs.put(d.Name, p.Output)
			}
			o.logger.Debug("reusing completed run",
				slog.String("workflow_id", wf.ID),
				slog.String("agent", d.Name))
			continue
		}
		runs[d.Name] = workflow.NewAgentRun(wf.ID, d.Name)
		status[d.Name] = workflow.RunPending
	}

	local := semaphore.NewWeighted(o.limits.MaxAgentsPerWorkflow)
	done := make(chan agentDone)
	inFlight := 0

	for {
		// Start everything startable; skips can unblock dependents, so
		// rescan until the frontier stops moving.
		for progressed := true; progressed; {
			progressed = false
			for _, d := range all {
				if status[d.Name] != workflow.RunPending {
					continue
				}
				switch o.decide(d, status, budget) {
				case startAgent:
					status[d.Name] = workflow.RunRunning
					inFlight++
					go o.runOne(ctx, d, rc, runs[d.Name], local, done)
					progressed = true
				case skipDepFailed:
					o.finishSkipped(wf, runs[d.Name], "predecessor did not succeed")
					status[d.Name] = workflow.RunSkipped
					progressed = true
				case skipBudget:
					o.finishSkipped(wf, runs[d.Name], "workflow token budget exhausted")
					status[d.Name] = workflow.RunSkipped
					progressed = true
				case waitForDeps:
				}
			}
		}

		if inFlight == 0 {
			break
		}
		msg := <-done
		inFlight--
		status[msg.name] = msg.status
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{
		Runs:       make([]*workflow.AgentRun, 0, len(all)),
		TokensUsed: budget.Used(),
		byAgent:    runs,
	}
	for _, d := range all {
		res.Runs = append(res.Runs, runs[d.Name])
	}
	return res, nil
}

type scheduleDecision int

const (
	waitForDeps scheduleDecision = iota
	startAgent
	skipDepFailed
	skipBudget
)

// decide classifies a PENDING agent against the current DAG state.
func (o *Orchestrator) decide(d *Descriptor, status map[string]workflow.RunStatus, budget *TokenBudget) scheduleDecision {
	allTerminal := true
	allSatisfied := true
	anyFailed := false
	for _, dep := range d.Deps {
		s := status[dep]
		if !s.Terminal() {
			allTerminal = false
		}
		if !s.Satisfied() {
			allSatisfied = false
		}
		if s == workflow.RunFailed || s == workflow.RunTimeout {
			anyFailed = true
		}
	}

	if d.AlwaysRun {
		if !allTerminal {
			return waitForDeps
		}
		return startAgent
	}
	if anyFailed {
		return skipDepFailed
	}
	if !allSatisfied {
		return waitForDeps
	}
	if budget.Exhausted() && d.UsesLLM && !d.Critical {
		return skipBudget
	}
	return startAgent
}

// runOne executes a single agent: acquires the workflow slot then the
// global slot, checkpoints RUNNING, runs with the per-agent deadline,
// and persists the terminal state.
func (o *Orchestrator) runOne(ctx context.Context, d *Descriptor, rc *RunContext, run *workflow.AgentRun, local *semaphore.Weighted, done chan<- agentDone) {
	log := o.logger.With(
		slog.String("workflow_id", run.WorkflowID),
		slog.String("agent", d.Name))

	if err := local.Acquire(ctx, 1); err != nil {
		o.finishFailed(rc.Workflow, run, fmt.Errorf("acquire workflow slot: %w", err))
		done <- agentDone{name: d.Name, status: run.Status}
		return
	}
	defer local.Release(1)
	if err := o.global.Acquire(ctx, 1); err != nil {
		o.finishFailed(rc.Workflow, run, fmt.Errorf("acquire global slot: %w", err))
		done <- agentDone{name: d.Name, status: run.Status}
		return
	}
	defer o.global.Release(1)

	run.Status = workflow.RunRunning
	run.StartedAt = time.Now().UTC()
	o.persist(run)

	agentCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	out, err := MeasureExecution(run, func() (any, error) {
		return d.Run(agentCtx, rc)
	})
	cancel()

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		o.finishTimeout(rc.Workflow, run, d.Timeout)
		log.Warn("agent timed out", slog.Duration("timeout", d.Timeout))
	case err != nil:
		o.finishFailed(rc.Workflow, run, err)
		log.Warn("agent failed", slog.String("error", err.Error()))
	default:
		raw, merr := json.Marshal(out)
		if merr != nil {
			o.finishFailed(rc.Workflow, run, fmt.Errorf("encode output: %w", merr))
			log.Error("agent output not serializable", slog.String("error", merr.Error()))
			break
		}
		run.Output = raw
		rc.outputs.put(d.Name, raw)
		o.finishSucceeded(rc.Workflow, run)
		log.Debug("agent succeeded", slog.Int64("latency_ms", run.LatencyMs))
	}

	done <- agentDone{name: d.Name, status: run.Status}
}

func (o *Orchestrator) finishSucceeded(wf *workflow.Workflow, run *workflow.AgentRun) {
	o.finish(wf, run, workflow.RunSucceeded)
}

func (o *Orchestrator) finishFailed(wf *workflow.Workflow, run *workflow.AgentRun, err error) {
	run.Error = err.Error()
	o.finish(wf, run, workflow.RunFailed)
}

func (o *Orchestrator) finishTimeout(wf *workflow.Workflow, run *workflow.AgentRun, timeout time.Duration) {
	run.Error = fmt.Sprintf("exceeded %s deadline", timeout)
	o.finish(wf, run, workflow.RunTimeout)
}

func (o *Orchestrator) finishSkipped(wf *workflow.Workflow, run *workflow.AgentRun, reason string) {
	run.Error = reason
	o.finish(wf, run, workflow.RunSkipped)
}

// finish stamps the terminal state, persists it, and emits metrics and
// the realtime progress event.
func (o *Orchestrator) finish(wf *workflow.Workflow, run *workflow.AgentRun, status workflow.RunStatus) {
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.Status = status
	run.FinishedAt = &now
	o.persist(run)

	metrics.AgentRunsTotal.WithLabelValues(run.AgentName, string(status)).Inc()
	if run.LatencyMs > 0 {
		metrics.AgentLatency.WithLabelValues(run.AgentName).Observe(float64(run.LatencyMs) / 1000)
	}

	o.services.Notifier.Notify(workflow.NewEvent(workflow.EventWorkflowUpdate, wf, map[string]any{
		"agent":     run.AgentName,
		"status":    string(status),
		"error":     run.Error,
		"latencyMs": run.LatencyMs,
	}))
}

// persist writes the run record on a detached context so terminal
// states land even after the workflow is cancelled.
func (o *Orchestrator) persist(run *workflow.AgentRun) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.runs.Put(ctx, run); err != nil {
		o.logger.Error("persist agent run",
			slog.String("workflow_id", run.WorkflowID),
			slog.String("agent", run.AgentName),
			slog.String("error", err.Error()))
	}
}
