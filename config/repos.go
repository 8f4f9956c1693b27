package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RepoRule holds the processing rules for a single repository.
type RepoRule struct {
	// ID is the repository identifier, e.g. "acme/widgets".
	ID string `yaml:"id"`
	// Enabled switches processing for the repository. Defaults to true.
	Enabled *bool `yaml:"enabled"`
	// ExcludeBranches is a regular expression; head refs matching it are skipped.
	ExcludeBranches string `yaml:"exclude_branches"`
	// IncludePaths restricts processing to changed files matching at least
	// one glob. Empty means all paths.
	IncludePaths []string `yaml:"include_paths"`
}

// RepoRules is an immutable snapshot of per-repository rules.
// Lookups on a snapshot are safe for concurrent use.
type RepoRules struct {
	rules map[string]compiledRule
}

type compiledRule struct {
	enabled         bool
	excludeBranches *regexp.Regexp
	includePaths    []string
}

type repoRulesFile struct {
	Repositories []RepoRule `yaml:"repositories"`
}

// ParseRepoRules compiles a rules document. Invalid regular expressions
// fail the whole load so a bad edit never silently opens the gate.
func ParseRepoRules(data []byte) (*RepoRules, error) {
	var file repoRulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse repo rules: %w", err)
	}

	rules := make(map[string]compiledRule, len(file.Repositories))
	for _, r := range file.Repositories {
		if r.ID == "" {
			return nil, fmt.Errorf("repo rule missing id")
		}
		compiled := compiledRule{
			enabled:      r.Enabled == nil || *r.Enabled,
			includePaths: r.IncludePaths,
		}
		if r.ExcludeBranches != "" {
			re, err := regexp.Compile(r.ExcludeBranches)
			if err != nil {
				return nil, fmt.Errorf("repo %s: exclude_branches: %w", r.ID, err)
			}
			compiled.excludeBranches = re
		}
		rules[r.ID] = compiled
	}

	return &RepoRules{rules: rules}, nil
}

// LoadRepoRules reads and compiles rules from a YAML file.
func LoadRepoRules(path string) (*RepoRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read repo rules: %w", err)
	}
	return ParseRepoRules(data)
}

// Enabled reports whether processing is enabled for the repository.
// Repositories without an entry are enabled.
func (r *RepoRules) Enabled(repoID string) bool {
	rule, ok := r.rules[repoID]
	if !ok {
		return true
	}
	return rule.enabled
}

// BranchExcluded reports whether the head ref matches the repository's
// exclude-branches pattern.
func (r *RepoRules) BranchExcluded(repoID, headRef string) bool {
	rule, ok := r.rules[repoID]
	if !ok || rule.excludeBranches == nil {
		return false
	}
	return rule.excludeBranches.MatchString(headRef)
}

// IncludePaths returns the include-path globs for the repository,
// or nil when all paths are included.
func (r *RepoRules) IncludePaths(repoID string) []string {
	rule, ok := r.rules[repoID]
	if !ok {
		return nil
	}
	return rule.includePaths
}

// RepoRulesWatcher serves the current rules snapshot and reloads it when
// the backing file changes.
type RepoRulesWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	current atomic.Pointer[RepoRules]
}

// NewRepoRulesWatcher loads the initial snapshot. A missing file is not an
// error: all repositories default to enabled until the file appears.
func NewRepoRulesWatcher(path string, logger *slog.Logger) (*RepoRulesWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	w := &RepoRulesWatcher{
		path:   path,
		logger: logger.With(slog.String("component", "repo-rules")),
	}
	w.current.Store(&RepoRules{rules: map[string]compiledRule{}})

	if rules, err := LoadRepoRules(path); err == nil {
		w.current.Store(rules)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	return w, nil
}

// Rules returns the current snapshot.
func (w *RepoRulesWatcher) Rules() *RepoRules {
	return w.current.Load()
}

// Start watches the rules file directory for changes until ctx is done.
func (w *RepoRulesWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	w.watcher = fsw

	// Watch the directory, not the file: editors replace files on save
	// and a watch on the old inode would go stale.
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go w.processEvents(ctx)

	w.logger.Info("Repo rules watcher started", slog.String("path", w.path))
	return nil
}

// Stop closes the underlying file watcher.
func (w *RepoRulesWatcher) Stop() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

func (w *RepoRulesWatcher) processEvents(ctx context.Context) {
	var pending bool
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(200 * time.Millisecond)
			}

		case <-debounce.C:
			pending = false
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Rules watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *RepoRulesWatcher) reload() {
	rules, err := LoadRepoRules(w.path)
	if err != nil {
		w.logger.Warn("Keeping previous repo rules",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	w.current.Store(rules)
	w.logger.Info("Reloaded repo rules", slog.String("path", w.path))
}
