// Package builtin provides the eight agents of the review pipeline:
// analysis fans out to intent, risk, and context; review consumes all
// three; tests and docs build on review; synthesis folds every output
// into the final summary.
package builtin

import (
	"github.com/pullsmith/pullsmith/agent"
)

// Register wires the fixed DAG into reg.
func Register(reg *agent.Registry) error {
	descriptors := []*agent.Descriptor{
		{
			Name:     agent.AgentAnalysis,
			Timeout:  agent.DefaultTimeout,
			Critical: true,
			Run:      runAnalysis,
		},
		{
			Name:    agent.AgentIntent,
			Deps:    []string{agent.AgentAnalysis},
			Timeout: agent.LLMTimeout,
			UsesLLM: true,
			Run:     runIntent,
		},
		{
			Name:    agent.AgentRisk,
			Deps:    []string{agent.AgentAnalysis},
			Timeout: agent.DefaultTimeout,
			Run:     runRisk,
		},
		{
			Name:    agent.AgentContext,
			Deps:    []string{agent.AgentAnalysis},
			Timeout: agent.DefaultTimeout,
			Run:     runContext,
		},
		{
			Name:     agent.AgentReview,
			Deps:     []string{agent.AgentIntent, agent.AgentRisk, agent.AgentContext},
			Timeout:  agent.LLMTimeout,
			Critical: true,
			UsesLLM:  true,
			Run:      runReview,
		},
		{
			Name:    agent.AgentTests,
			Deps:    []string{agent.AgentReview},
			Timeout: agent.LLMTimeout,
			UsesLLM: true,
			Run:     runTests,
		},
		{
			Name:    agent.AgentDocs,
			Deps:    []string{agent.AgentReview},
			Timeout: agent.LLMTimeout,
			UsesLLM: true,
			Run:     runDocs,
		},
		{
			Name:      agent.AgentSynthesis,
			Deps:      []string{agent.AgentReview, agent.AgentTests, agent.AgentDocs},
			Timeout:   agent.DefaultTimeout,
			Critical:  true,
			AlwaysRun: true,
			Run:       runSynthesis,
		},
	}

	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// DefaultRegistry returns a registry with the full pipeline installed.
func DefaultRegistry() (*agent.Registry, error) {
	reg := agent.NewRegistry()
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
