package workflow

import (
	"fmt"
	"math"
)

// RiskLevel classifies the blast radius of a change.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// AssessRisk classifies a change by total changed lines and file count.
// high iff totalLines > 500 or files > 20; medium iff totalLines > 100
// or files > 10; otherwise low.
func AssessRisk(additions, deletions, files int) RiskLevel {
	totalLines := additions + deletions
	switch {
	case totalLines > 500 || files > 20:
		return RiskHigh
	case totalLines > 100 || files > 10:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RiskScore maps change size onto [0, 1] for feature extraction. The
// classification boundary comes from AssessRisk; the score only has to
// be monotone in change size.
func RiskScore(additions, deletions, files int) float64 {
	totalLines := float64(additions + deletions)
	size := math.Min(totalLines/1000, 1)
	spread := math.Min(float64(files)/40, 1)
	return 0.5*size + 0.5*spread
}

// PriorityInput feeds the review priority calculation.
type PriorityInput struct {
	HasCritical    bool
	HasHigh        bool
	AuthorRole     string
	WaitMinutes    int
	FailedAttempts int
}

// ReviewPriority scores how urgently a workflow's output needs reviewer
// attention: 100 base, +50 critical findings, +25 high findings, +10 for
// maintainer authors, +waitMinutes capped at 30, −5 per failed attempt,
// floored at 0.
func ReviewPriority(in PriorityInput) int {
	score := 100
	if in.HasCritical {
		score += 50
	}
	if in.HasHigh {
		score += 25
	}
	if in.AuthorRole == "maintainer" {
		score += 10
	}
	wait := in.WaitMinutes
	if wait > 30 {
		wait = 30
	}
	score += wait
	score -= 5 * in.FailedAttempts
	if score < 0 {
		score = 0
	}
	return score
}

// MergeInput is the observable merge state of a pull request.
type MergeInput struct {
	ChecksPass        bool `json:"checks_pass"`
	ApprovalsCount    int  `json:"approvals_count"`
	RequiredApprovals int  `json:"required_approvals"`
	IsUpToDate        bool `json:"is_up_to_date"`
	HasConflicts      bool `json:"has_conflicts"`
}

// MergeReadiness is the gate result with human-readable blockers.
type MergeReadiness struct {
	Ready   bool     `json:"ready"`
	Reasons []string `json:"reasons"`
}

// AssessMergeReadiness reports whether the PR could merge now and, if not,
// every reason blocking it.
func AssessMergeReadiness(in MergeInput) MergeReadiness {
	reasons := []string{}

	if !in.ChecksPass {
		reasons = append(reasons, "required checks are failing")
	}
	if in.ApprovalsCount < in.RequiredApprovals {
		missing := in.RequiredApprovals - in.ApprovalsCount
		reasons = append(reasons, fmt.Sprintf("needs %d more approval(s)", missing))
	}
	if !in.IsUpToDate {
		reasons = append(reasons, "branch is behind the base branch")
	}
	if in.HasConflicts {
		reasons = append(reasons, "merge conflicts with the base branch")
	}

	return MergeReadiness{Ready: len(reasons) == 0, Reasons: reasons}
}
