package forge

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// CodeownersRule pairs one pattern with its owners. Owners may be empty,
// which clears ownership for matching paths.
type CodeownersRule struct {
	Pattern string
	Owners  []string

	// globs are the compiled doublestar patterns covering both the
	// file and directory interpretations of Pattern.
	globs []string
}

// Codeowners holds the parsed ownership rules for a repository. Rules
// keep file order; the last matching rule wins.
type Codeowners struct {
	Rules []CodeownersRule
}

// ParseCodeowners parses CODEOWNERS content. Malformed pattern lines are
// skipped rather than failing the whole file.
func ParseCodeowners(content string) *Codeowners {
	co := &Codeowners{}
	for _, line := range strings.Split(content, "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		rule := CodeownersRule{
			Pattern: fields[0],
			globs:   compileOwnerPattern(fields[0]),
		}
		if len(fields) > 1 {
			rule.Owners = fields[1:]
		}
		if len(rule.globs) == 0 {
			continue
		}
		co.Rules = append(co.Rules, rule)
	}
	return co
}

// compileOwnerPattern translates one ownership pattern into doublestar
// globs. Rules follow the hosting provider's dialect: a bare name
// matches at any depth, a trailing slash matches the whole subtree, and
// a pattern ending in an explicit wildcard matches only what the
// wildcard covers.
func compileOwnerPattern(pattern string) []string {
	anchored := strings.HasPrefix(pattern, "/")
	dirOnly := strings.HasSuffix(pattern, "/")
	pattern = strings.Trim(pattern, "/")
	if pattern == "" {
		pattern = "**"
	}

	if !anchored && !strings.Contains(pattern, "/") {
		pattern = "**/" + pattern
	}

	var globs []string
	switch {
	case dirOnly:
		globs = []string{pattern + "/**"}
	case strings.HasSuffix(pattern, "*") || strings.HasSuffix(pattern, "?") || strings.HasSuffix(pattern, "]"):
		globs = []string{pattern}
	default:
		// A literal tail may name a file or a directory.
		globs = []string{pattern, pattern + "/**"}
	}

	valid := globs[:0]
	for _, g := range globs {
		if doublestar.ValidatePattern(g) {
			valid = append(valid, g)
		}
	}
	return valid
}

// Owners returns the owners for path, honoring last-match-wins. The
// second return reports whether any rule matched at all.
func (c *Codeowners) Owners(path string) ([]string, bool) {
	path = strings.TrimPrefix(path, "/")

	var (
		owners  []string
		matched bool
	)
	for _, rule := range c.Rules {
		for _, g := range rule.globs {
			if ok, err := doublestar.Match(g, path); err == nil && ok {
				owners = rule.Owners
				matched = true
				break
			}
		}
	}
	return owners, matched
}

// OwnersForFiles collects the distinct owners across a set of changed
// paths, preserving first-seen order.
func (c *Codeowners) OwnersForFiles(paths []string) []string {
	seen := make(map[string]struct{})
	var all []string
	for _, p := range paths {
		owners, _ := c.Owners(p)
		for _, o := range owners {
			if _, dup := seen[o]; dup {
				continue
			}
			seen[o] = struct{}{}
			all = append(all, o)
		}
	}
	return all
}
