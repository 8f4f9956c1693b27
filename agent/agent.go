// Package agent runs the fixed review DAG: descriptors declare each
// agent's dependencies and execution policy, the orchestrator schedules
// them with bounded concurrency, and runs checkpoint through storage so
// a resumed workflow reuses completed work.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/llm"
	"github.com/pullsmith/pullsmith/prefs"
	"github.com/pullsmith/pullsmith/workflow"
)

// Default per-agent timeouts. LLM-backed agents get the long deadline.
const (
	DefaultTimeout = 60 * time.Second
	LLMTimeout     = 180 * time.Second
)

// RunFunc executes one agent. The returned value is serialized into the
// run record and becomes visible to dependents through RunContext.
type RunFunc func(ctx context.Context, rc *RunContext) (any, error)

// Descriptor declares one agent: its DAG position and execution policy.
type Descriptor struct {
	// Name identifies the agent; also the run-record key.
	Name string
	// Deps are agent names that must reach SUCCEEDED or SKIPPED first.
	Deps []string
	// Timeout bounds one execution.
	Timeout time.Duration
	// Critical agents survive token-budget exhaustion and degrade the
	// workflow outcome when they fail.
	Critical bool
	// AlwaysRun agents execute even when predecessors failed; used by
	// the fan-in summarizer.
	AlwaysRun bool
	// UsesLLM marks agents whose work spends the workflow token budget.
	UsesLLM bool

	Run RunFunc
}

// Input is the pull-request context the engine resolves once per
// workflow and every agent reads from.
type Input struct {
	Ref   forge.RepoRef
	PR    *forge.PullRequest
	Diff  string
	Files []forge.ChangedFile
}

// Services are the shared dependencies agents may call.
type Services struct {
	LLM      *llm.Client
	Forge    forge.Client
	Prefs    *prefs.Store
	Notifier workflow.Notifier
	Logger   *slog.Logger
}

// RunContext is what one agent execution sees: the workflow, the PR
// input, shared services, the token budget, and predecessor outputs.
type RunContext struct {
	Workflow *workflow.Workflow
	Input    *Input
	Services *Services
	Budget   *TokenBudget

	outputs *outputSet
}

// NewRunContext builds the context agents execute against. The
// orchestrator fills predecessor outputs as agents complete; callers
// driving an agent directly seed them with PutOutput.
func NewRunContext(wf *workflow.Workflow, input *Input, svcs *Services, budget *TokenBudget) *RunContext {
	return &RunContext{
		Workflow: wf,
		Input:    input,
		Services: svcs,
		Budget:   budget,
		outputs:  newOutputSet(),
	}
}

// PutOutput records an agent output, making it visible to Output.
func (rc *RunContext) PutOutput(agentName string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s output: %w", agentName, err)
	}
	rc.outputs.put(agentName, raw)
	return nil
}

// Output decodes the named predecessor's output into v. Returns false
// when that agent produced no output (failed, skipped, or not run).
func (rc *RunContext) Output(agentName string, v any) (bool, error) {
	raw, ok := rc.outputs.get(agentName)
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s output: %w", agentName, err)
	}
	return true, nil
}

// outputSet collects agent outputs as they complete.
type outputSet struct {
	mu      sync.Mutex
	outputs map[string]json.RawMessage
}

func newOutputSet() *outputSet {
	return &outputSet{outputs: make(map[string]json.RawMessage)}
}

func (s *outputSet) put(name string, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[name] = raw
}

func (s *outputSet) get(name string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.outputs[name]
	return raw, ok
}

// Registry holds the agent descriptors forming the DAG. Registration
// happens at startup; lookups after that are read-only.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Descriptor
	order  []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Descriptor)}
}

// Register adds a descriptor. Duplicate names and unknown dependencies
// are programming errors surfaced at startup.
func (r *Registry) Register(d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if d.Run == nil {
		return fmt.Errorf("agent %s has no run function", d.Name)
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[d.Name]; exists {
		return fmt.Errorf("agent %s already registered", d.Name)
	}
	r.agents[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Get returns the named descriptor.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[name]
	return d, ok
}

// All returns every descriptor in registration order.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Descriptor, 0, len(r.order))
	for _, name := range r.order {
		all = append(all, r.agents[name])
	}
	return all
}

// Validate checks that every declared dependency exists and the graph
// has no cycles.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.agents {
		for _, dep := range d.Deps {
			if _, ok := r.agents[dep]; !ok {
				return fmt.Errorf("agent %s depends on unknown agent %s", d.Name, dep)
			}
		}
	}

	// Kahn's algorithm; anything left over sits on a cycle.
	indegree := make(map[string]int, len(r.agents))
	for name := range r.agents {
		indegree[name] = 0
	}
	for _, d := range r.agents {
		for range d.Deps {
			indegree[d.Name]++
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, d := range r.agents {
			for _, dep := range d.Deps {
				if dep != name {
					continue
				}
				indegree[d.Name]--
				if indegree[d.Name] == 0 {
					queue = append(queue, d.Name)
				}
			}
		}
	}
	if visited != len(r.agents) {
		return fmt.Errorf("agent graph has a dependency cycle")
	}
	return nil
}

// MeasureExecution runs fn and stamps wall-clock latency onto the run.
func MeasureExecution(run *workflow.AgentRun, fn func() (any, error)) (any, error) {
	start := time.Now()
	out, err := fn()
	run.LatencyMs = time.Since(start).Milliseconds()
	return out, err
}
