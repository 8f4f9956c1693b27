// Package prefs implements the preference-learning store: per-repository
// models of reviewer taste, updated from recorded decisions and applied as
// confidence weights to new findings before publication.
package prefs

import (
	"strings"
	"time"

	"github.com/pullsmith/pullsmith/workflow"
)

// Verbosity controls how much detail published comments carry.
type Verbosity string

const (
	VerbosityMinimal  Verbosity = "MINIMAL"
	VerbosityBalanced Verbosity = "BALANCED"
	VerbosityDetailed Verbosity = "DETAILED"
)

// RuleAction is what a custom team rule does to matching findings.
type RuleAction string

const (
	RuleAlwaysFlag       RuleAction = "ALWAYS_FLAG"
	RuleNeverFlag        RuleAction = "NEVER_FLAG"
	RuleFlagWithSeverity RuleAction = "FLAG_WITH_SEVERITY"
)

// TeamRule is an admin-authored override that takes precedence over
// learned weights.
type TeamRule struct {
	Pattern    string            `json:"pattern"`
	Action     RuleAction        `json:"action"`
	Severity   workflow.Severity `json:"severity,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Examples   []string          `json:"examples,omitempty"`
}

// Matches reports whether the rule applies to the finding. Patterns are
// matched case-insensitively against the finding message and category.
func (r TeamRule) Matches(f workflow.Finding) bool {
	pattern := strings.ToLower(r.Pattern)
	if pattern == "" {
		return false
	}
	return strings.Contains(strings.ToLower(f.Message), pattern) ||
		strings.EqualFold(f.Category, r.Pattern)
}

// Update math constants. The acceptance-rate EMA factor is exactly 0.95;
// category weights move in 0.01 steps and stay inside [0.1, 1.0].
const (
	emaFactor        = 0.95
	weightStep       = 0.01
	weightFloor      = 0.1
	weightCeil       = 1.0
	defaultRate      = 1.0
	dampenBelowRate  = 0.5
	dampenFactor     = 0.5
	suppressBelow    = 0.3
	patternWordCount = 5
)

// Model is the learned per-repository preference state. Versions grow
// monotonically; every recorded decision bumps Version and DataPoints.
type Model struct {
	RepositoryID    string             `json:"repository_id"`
	Version         int                `json:"version"`
	DataPoints      int                `json:"data_points"`
	CategoryWeights map[string]float64 `json:"category_weights"`
	AcceptanceRates map[string]float64 `json:"acceptance_rates"`
	IgnoredPatterns []string           `json:"ignored_patterns,omitempty"`
	CustomRules     []TeamRule         `json:"custom_rules,omitempty"`
	Verbosity       Verbosity          `json:"verbosity"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// NewModel returns an untrained model for the repository.
func NewModel(repositoryID string) *Model {
	return &Model{
		RepositoryID:    repositoryID,
		CategoryWeights: make(map[string]float64),
		AcceptanceRates: make(map[string]float64),
		Verbosity:       VerbosityBalanced,
		UpdatedAt:       time.Now().UTC(),
	}
}

// RateKey builds the "CATEGORY|SEVERITY" acceptance-rate key.
func RateKey(category string, severity workflow.Severity) string {
	return category + "|" + string(severity)
}

// CategoryWeight returns the learned weight for a category, defaulting to
// the ceiling for categories with no history.
func (m *Model) CategoryWeight(category string) float64 {
	if w, ok := m.CategoryWeights[category]; ok {
		return w
	}
	return weightCeil
}

// Clone returns a deep copy. The store updates models copy-on-write so
// readers holding the previous snapshot never observe a partial update.
func (m *Model) Clone() *Model {
	clone := *m
	clone.CategoryWeights = make(map[string]float64, len(m.CategoryWeights))
	for k, v := range m.CategoryWeights {
		clone.CategoryWeights[k] = v
	}
	clone.AcceptanceRates = make(map[string]float64, len(m.AcceptanceRates))
	for k, v := range m.AcceptanceRates {
		clone.AcceptanceRates[k] = v
	}
	clone.IgnoredPatterns = append([]string(nil), m.IgnoredPatterns...)
	clone.CustomRules = append([]TeamRule(nil), m.CustomRules...)
	return &clone
}

// dismissalReasons are feedback phrases that signal the finding class is
// unwanted, not merely this instance.
var dismissalReasons = []string{
	"false positive",
	"intentional",
	"not applicable",
	"already handled",
	"style preference",
}

// apply folds one reviewer decision into the model in place. Callers own
// the copy-on-write discipline.
func (m *Model) apply(d workflow.ReviewerDecision) {
	accepted := d.Action == workflow.DecisionAccepted
	category := d.Context.Category

	if category != "" {
		delta := -weightStep
		if accepted {
			delta = weightStep
		}
		m.CategoryWeights[category] = clamp(m.CategoryWeight(category)+delta, weightFloor, weightCeil)

		key := RateKey(category, d.Context.Severity)
		rate, ok := m.AcceptanceRates[key]
		if !ok {
			rate = defaultRate
		}
		outcome := 0.0
		if accepted {
			outcome = 1.0
		}
		m.AcceptanceRates[key] = emaFactor*rate + (1-emaFactor)*outcome
	}

	switch d.Action {
	case workflow.DecisionDismissed:
		if reason := matchDismissalReason(d.Feedback); reason != "" {
			if pattern := leadingWords(d.Context.Message, patternWordCount); pattern != "" {
				m.addIgnoredPattern(pattern)
			}
		}
	case workflow.DecisionModified:
		m.adjustVerbosity(d.Context.Message, d.Feedback)
	}

	m.Version++
	m.DataPoints++
	m.UpdatedAt = time.Now().UTC()
}

// adjustVerbosity learns comment-length taste from human edits: much
// shorter edits flip to MINIMAL, much longer to DETAILED.
func (m *Model) adjustVerbosity(original, edited string) {
	if original == "" || edited == "" {
		return
	}
	ratio := float64(len(edited)) / float64(len(original))
	switch {
	case ratio < 0.5:
		m.Verbosity = VerbosityMinimal
	case ratio > 1.5:
		m.Verbosity = VerbosityDetailed
	}
}

func (m *Model) addIgnoredPattern(pattern string) {
	for _, existing := range m.IgnoredPatterns {
		if strings.EqualFold(existing, pattern) {
			return
		}
	}
	m.IgnoredPatterns = append(m.IgnoredPatterns, pattern)
}

// matchDismissalReason returns the recognized reason phrase contained in
// the feedback, or "" when the dismissal carries no generalizable signal.
func matchDismissalReason(feedback string) string {
	lower := strings.ToLower(feedback)
	for _, reason := range dismissalReasons {
		if strings.Contains(lower, reason) {
			return reason
		}
	}
	return ""
}

// leadingWords returns the first n whitespace-separated words of s.
func leadingWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
