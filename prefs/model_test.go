package prefs

import (
	"math"
	"testing"

	"github.com/pullsmith/pullsmith/workflow"
)

func decision(action workflow.DecisionAction, category string, severity workflow.Severity) workflow.ReviewerDecision {
	return workflow.ReviewerDecision{
		RepositoryID: "acme/widgets",
		ReviewerID:   "casey",
		Action:       action,
		Context: workflow.DecisionContext{
			Category: category,
			Severity: severity,
			Message:  "Unused variable shadows the outer scope binding",
		},
	}
}

func TestApplyMovesCategoryWeightInSteps(t *testing.T) {
	m := NewModel("acme/widgets")

	m.apply(decision(workflow.DecisionDismissed, "STYLE", workflow.SeverityLow))
	if got := m.CategoryWeight("STYLE"); math.Abs(got-0.99) > 1e-9 {
		t.Errorf("weight after one dismissal = %v, want 0.99", got)
	}

	m.apply(decision(workflow.DecisionAccepted, "STYLE", workflow.SeverityLow))
	if got := m.CategoryWeight("STYLE"); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("weight after acceptance = %v, want 1.0", got)
	}

	// Acceptance never pushes past the ceiling.
	m.apply(decision(workflow.DecisionAccepted, "STYLE", workflow.SeverityLow))
	if got := m.CategoryWeight("STYLE"); got > 1.0 {
		t.Errorf("weight exceeded ceiling: %v", got)
	}
}

func TestApplyClampsWeightAtFloor(t *testing.T) {
	m := NewModel("acme/widgets")
	for i := 0; i < 200; i++ {
		m.apply(decision(workflow.DecisionDismissed, "STYLE", workflow.SeverityLow))
	}
	if got := m.CategoryWeight("STYLE"); math.Abs(got-weightFloor) > 1e-9 {
		t.Errorf("weight after 200 dismissals = %v, want floor %v", got, weightFloor)
	}
}

func TestAcceptanceRateDecaysExponentially(t *testing.T) {
	m := NewModel("acme/widgets")
	for i := 0; i < 20; i++ {
		m.apply(decision(workflow.DecisionDismissed, "STYLE", workflow.SeverityLow))
	}

	want := math.Pow(emaFactor, 20)
	got := m.AcceptanceRates[RateKey("STYLE", workflow.SeverityLow)]
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("rate after 20 dismissals = %v, want %v", got, want)
	}

	// One acceptance pulls it back up by the complement factor.
	m.apply(decision(workflow.DecisionAccepted, "STYLE", workflow.SeverityLow))
	want = emaFactor*want + (1 - emaFactor)
	got = m.AcceptanceRates[RateKey("STYLE", workflow.SeverityLow)]
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("rate after acceptance = %v, want %v", got, want)
	}
}

func TestApplyCountsVersionAndDataPoints(t *testing.T) {
	m := NewModel("acme/widgets")
	for i := 0; i < 3; i++ {
		m.apply(decision(workflow.DecisionAccepted, "SECURITY", workflow.SeverityHigh))
	}
	if m.Version != 3 || m.DataPoints != 3 {
		t.Errorf("version/data points = %d/%d, want 3/3", m.Version, m.DataPoints)
	}
}

func TestDismissalReasonExtractsIgnoredPattern(t *testing.T) {
	m := NewModel("acme/widgets")

	d := decision(workflow.DecisionDismissed, "STYLE", workflow.SeverityLow)
	d.Context.Message = "Consider extracting this block into a named helper"
	d.Feedback = "This is a false positive, the block is intentional here"
	m.apply(d)

	if len(m.IgnoredPatterns) != 1 {
		t.Fatalf("ignored patterns = %v, want one entry", m.IgnoredPatterns)
	}
	if m.IgnoredPatterns[0] != "Consider extracting this block into" {
		t.Errorf("pattern = %q, want first five words of the finding", m.IgnoredPatterns[0])
	}

	// The same dismissal again must not duplicate the pattern.
	m.apply(d)
	if len(m.IgnoredPatterns) != 1 {
		t.Errorf("ignored patterns after repeat = %v, want one entry", m.IgnoredPatterns)
	}
}

func TestDismissalWithoutReasonLeavesPatternsAlone(t *testing.T) {
	m := NewModel("acme/widgets")

	d := decision(workflow.DecisionDismissed, "STYLE", workflow.SeverityLow)
	d.Feedback = "not fixing this one right now"
	m.apply(d)

	if len(m.IgnoredPatterns) != 0 {
		t.Errorf("ignored patterns = %v, want none for a non-generalizable dismissal", m.IgnoredPatterns)
	}
}

func TestModifiedDecisionLearnsVerbosity(t *testing.T) {
	long := "This function allocates a new buffer on every call which will pressure the garbage collector under sustained load; consider reusing a pooled buffer instead."
	short := "Reuse a pooled buffer."

	m := NewModel("acme/widgets")
	d := decision(workflow.DecisionModified, "PERFORMANCE", workflow.SeverityMedium)
	d.Context.Message = long
	d.Feedback = short
	m.apply(d)
	if m.Verbosity != VerbosityMinimal {
		t.Errorf("verbosity after heavy trim = %s, want MINIMAL", m.Verbosity)
	}

	m = NewModel("acme/widgets")
	d.Context.Message = short
	d.Feedback = long
	m.apply(d)
	if m.Verbosity != VerbosityDetailed {
		t.Errorf("verbosity after heavy expansion = %s, want DETAILED", m.Verbosity)
	}

	m = NewModel("acme/widgets")
	d.Context.Message = long
	d.Feedback = long + " Thanks!"
	m.apply(d)
	if m.Verbosity != VerbosityBalanced {
		t.Errorf("verbosity after light edit = %s, want BALANCED", m.Verbosity)
	}
}

func TestCloneDetachesMutableState(t *testing.T) {
	m := NewModel("acme/widgets")
	m.CategoryWeights["STYLE"] = 0.5
	m.IgnoredPatterns = []string{"Consider extracting"}
	m.CustomRules = []TeamRule{{Pattern: "fmt.Println", Action: RuleNeverFlag}}

	clone := m.Clone()
	clone.CategoryWeights["STYLE"] = 0.9
	clone.IgnoredPatterns[0] = "changed"
	clone.CustomRules[0].Pattern = "changed"

	if m.CategoryWeights["STYLE"] != 0.5 {
		t.Error("clone shares category weights with the original")
	}
	if m.IgnoredPatterns[0] != "Consider extracting" {
		t.Error("clone shares ignored patterns with the original")
	}
	if m.CustomRules[0].Pattern != "fmt.Println" {
		t.Error("clone shares custom rules with the original")
	}
}

func TestTeamRuleMatches(t *testing.T) {
	f := workflow.Finding{
		Category: "STYLE",
		Message:  "Avoid fmt.Println in production code paths",
	}

	cases := []struct {
		name string
		rule TeamRule
		want bool
	}{
		{"substring of message", TeamRule{Pattern: "fmt.println"}, true},
		{"category name", TeamRule{Pattern: "style"}, true},
		{"no match", TeamRule{Pattern: "sql injection"}, false},
		{"empty pattern", TeamRule{Pattern: ""}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rule.Matches(f); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}
