package builtin

import (
	"context"
	"path"
	"strings"

	"github.com/pullsmith/pullsmith/agent"
)

// AnalysisOutput is the metadata every downstream agent builds on.
type AnalysisOutput struct {
	Files          int            `json:"files"`
	Additions      int            `json:"additions"`
	Deletions      int            `json:"deletions"`
	TotalLines     int            `json:"total_lines"`
	Commits        int            `json:"commits"`
	Languages      map[string]int `json:"languages,omitempty"`
	TestFiles      int            `json:"test_files"`
	RemovedFiles   int            `json:"removed_files"`
	RenamedFiles   int            `json:"renamed_files"`
	HasTests       bool           `json:"has_tests"`
	HasDescription bool           `json:"has_description"`
}

// languageByExt maps file extensions to display languages. Unlisted
// extensions count under "other".
var languageByExt = map[string]string{
	".go":    "Go",
	".ts":    "TypeScript",
	".tsx":   "TypeScript",
	".js":    "JavaScript",
	".jsx":   "JavaScript",
	".py":    "Python",
	".rb":    "Ruby",
	".rs":    "Rust",
	".java":  "Java",
	".kt":    "Kotlin",
	".c":     "C",
	".h":     "C",
	".cpp":   "C++",
	".cs":    "C#",
	".sh":    "Shell",
	".sql":   "SQL",
	".proto": "Protobuf",
	".md":    "Markdown",
	".yaml":  "YAML",
	".yml":   "YAML",
	".json":  "JSON",
	".toml":  "TOML",
	".html":  "HTML",
	".css":   "CSS",
}

// runAnalysis extracts deterministic PR metadata. It never calls the
// model and never fails on well-formed input.
func runAnalysis(_ context.Context, rc *agent.RunContext) (any, error) {
	in := rc.Input
	out := AnalysisOutput{
		Files:          len(in.Files),
		Commits:        in.PR.Commits,
		Languages:      make(map[string]int),
		HasDescription: strings.TrimSpace(in.PR.Body) != "",
	}

	for _, f := range in.Files {
		out.Additions += f.Additions
		out.Deletions += f.Deletions
		switch f.Status {
		case "removed":
			out.RemovedFiles++
		case "renamed":
			out.RenamedFiles++
		}
		if isTestFile(f.Path) {
			out.TestFiles++
		}
		lang := "other"
		if l, ok := languageByExt[strings.ToLower(path.Ext(f.Path))]; ok {
			lang = l
		}
		out.Languages[lang]++
	}
	out.TotalLines = out.Additions + out.Deletions
	out.HasTests = out.TestFiles > 0

	if len(out.Languages) == 0 {
		out.Languages = nil
	}
	return out, nil
}

// isTestFile reports whether a path looks like a test by common naming
// conventions across the supported languages.
func isTestFile(p string) bool {
	base := strings.ToLower(path.Base(p))
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasSuffix(base, "_test.py"),
		strings.HasPrefix(base, "test_"),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."):
		return true
	}
	lowered := strings.ToLower(p)
	return strings.Contains(lowered, "/test/") ||
		strings.Contains(lowered, "/tests/") ||
		strings.Contains(lowered, "/__tests__/")
}
