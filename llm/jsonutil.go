package llm

import (
	"regexp"
	"strings"
)

// Models wrap JSON in markdown fences and sprinkle it with comments and
// trailing commas. These patterns dig the document out before decoding.
var (
	fencedObjectPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	fencedArrayPattern  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	bareObjectPattern   = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	bareArrayPattern    = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	trailingComma       = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of model output, preferring a
// fenced ```json block and falling back to the widest brace span.
// Returns "" when no object is present.
func ExtractJSON(content string) string {
	return extract(content, fencedObjectPattern, bareObjectPattern)
}

// ExtractJSONArray pulls a JSON array out of model output, with the
// same fence-then-bare strategy as ExtractJSON.
func ExtractJSONArray(content string) string {
	return extract(content, fencedArrayPattern, bareArrayPattern)
}

func extract(content string, fenced, bare *regexp.Regexp) string {
	if m := fenced.FindStringSubmatch(content); len(m) > 1 {
		return sanitizeJSON(m[1])
	}
	if m := bare.FindString(content); m != "" {
		return sanitizeJSON(m)
	}
	return ""
}

// sanitizeJSON strips JavaScript-style line comments and trailing
// commas, the two malformations models produce most often.
func sanitizeJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripComment(line)
	}
	out := strings.Join(lines, "\n")
	return trailingComma.ReplaceAllString(out, "$1")
}

// stripComment removes a // comment from one line unless the slashes
// sit inside a string value (URLs must survive).
func stripComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
