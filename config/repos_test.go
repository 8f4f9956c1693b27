package config

import (
	"testing"
)

const rulesDoc = `
repositories:
  - id: acme/widgets
    exclude_branches: "^(wip/|tmp/)"
    include_paths: ["src/**", "go.mod"]
  - id: acme/archive
    enabled: false
`

func TestParseRepoRules(t *testing.T) {
	rules, err := ParseRepoRules([]byte(rulesDoc))
	if err != nil {
		t.Fatalf("ParseRepoRules() error = %v", err)
	}

	if !rules.Enabled("acme/widgets") {
		t.Error("acme/widgets should be enabled")
	}
	if rules.Enabled("acme/archive") {
		t.Error("acme/archive should be disabled")
	}
	if !rules.Enabled("unknown/repo") {
		t.Error("unlisted repositories default to enabled")
	}

	if !rules.BranchExcluded("acme/widgets", "wip/spike") {
		t.Error("wip/spike should match exclude pattern")
	}
	if rules.BranchExcluded("acme/widgets", "feature/login") {
		t.Error("feature/login should not match exclude pattern")
	}
	if rules.BranchExcluded("unknown/repo", "wip/spike") {
		t.Error("unlisted repositories have no exclusions")
	}

	paths := rules.IncludePaths("acme/widgets")
	if len(paths) != 2 {
		t.Fatalf("expected 2 include paths, got %d", len(paths))
	}
	if rules.IncludePaths("unknown/repo") != nil {
		t.Error("unlisted repositories include all paths")
	}
}

func TestParseRepoRulesBadRegexp(t *testing.T) {
	doc := `
repositories:
  - id: acme/widgets
    exclude_branches: "([unclosed"
`
	if _, err := ParseRepoRules([]byte(doc)); err == nil {
		t.Fatal("expected error for invalid regexp")
	}
}

func TestParseRepoRulesMissingID(t *testing.T) {
	doc := `
repositories:
  - enabled: true
`
	if _, err := ParseRepoRules([]byte(doc)); err == nil {
		t.Fatal("expected error for missing id")
	}
}
