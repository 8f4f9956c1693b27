package workflow

import (
	"testing"
)

func TestAcceptedAction(t *testing.T) {
	for _, a := range []Action{ActionOpened, ActionSynchronize, ActionReopened, ActionReadyForReview} {
		if !AcceptedAction(a) {
			t.Errorf("action %s should be accepted", a)
		}
	}
	for _, a := range []Action{"closed", "edited", "labeled", ""} {
		if AcceptedAction(a) {
			t.Errorf("action %s should not be accepted", a)
		}
	}
}

func TestNewArtifactContentAddressing(t *testing.T) {
	type payload struct {
		Summary string `json:"summary"`
	}

	a1, err := NewArtifact("wf-1", ArtifactSummaryComment, payload{Summary: "looks good"})
	if err != nil {
		t.Fatalf("NewArtifact() error = %v", err)
	}
	a2, err := NewArtifact("wf-1", ArtifactSummaryComment, payload{Summary: "looks good"})
	if err != nil {
		t.Fatalf("NewArtifact() error = %v", err)
	}
	a3, err := NewArtifact("wf-1", ArtifactSummaryComment, payload{Summary: "needs work"})
	if err != nil {
		t.Fatalf("NewArtifact() error = %v", err)
	}

	if a1.ContentHash != a2.ContentHash {
		t.Error("identical payloads must hash identically")
	}
	if a1.ContentHash == a3.ContentHash {
		t.Error("different payloads must hash differently")
	}
	if a1.ID == a2.ID {
		t.Error("artifact ids must be unique")
	}
	if a1.IdempotencyKey() != a2.IdempotencyKey() {
		t.Error("idempotency keys must match for identical content")
	}
	if a1.IdempotencyKey() == a3.IdempotencyKey() {
		t.Error("idempotency keys must differ for different content")
	}
	if len(a1.ContentHash) != 64 {
		t.Errorf("content hash should be sha256 hex, got %d chars", len(a1.ContentHash))
	}
}

func TestPRKey(t *testing.T) {
	w := New(TriggerEvent{RepositoryID: "acme/widgets", PRNumber: 7, HeadSHA: "abc"})
	if w.PRKey() != "acme/widgets#7" {
		t.Errorf("PRKey() = %s", w.PRKey())
	}
}

func TestSeverityRank(t *testing.T) {
	order := []Severity{SeverityNitpick, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should rank above %s", order[i], order[i-1])
		}
	}
}
