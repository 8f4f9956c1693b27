package agent

// Canonical agent names. The review DAG is fixed: analysis fans out to
// intent, risk, and context; review consumes all three; tests and docs
// consume review; synthesis fans everything back in.
const (
	AgentAnalysis  = "analysis"
	AgentIntent    = "intent"
	AgentRisk      = "risk"
	AgentContext   = "context"
	AgentReview    = "review"
	AgentTests     = "tests"
	AgentDocs      = "docs"
	AgentSynthesis = "synthesis"
)
