package prefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pullsmith/pullsmith/workflow"
)

// Persistence is the slice of the storage layer the store needs. Load
// returns the materialized model with its revision for optimistic writes;
// a repository with no saved model returns ErrNoModel.
type Persistence interface {
	Load(ctx context.Context, repositoryID string) (*Model, uint64, error)
	Save(ctx context.Context, model *Model, revision uint64) (uint64, error)
}

// Auditor appends preference updates to the append-only analytics log.
type Auditor interface {
	PreferenceUpdated(ctx context.Context, model *Model, decision workflow.ReviewerDecision) error
}

// ErrNoModel signals that no model has been persisted for a repository.
var ErrNoModel = errors.New("no preference model for repository")

// ErrStale signals that a Save lost an optimistic-concurrency race with
// another instance; the caller reloads and reapplies.
var ErrStale = errors.New("preference model revision is stale")

// saveAttempts bounds reload-and-reapply cycles when instances race on the
// same repository model.
const saveAttempts = 3

// cacheEntry pins one repository's model behind a writer mutex. Updates
// replace the model pointer wholesale, so readers load it atomically and
// never wait on a writer's persistence round-trip. Published models are
// never mutated in place.
type cacheEntry struct {
	mu       sync.Mutex // serializes writers
	model    atomic.Pointer[Model]
	revision uint64
}

// Store records reviewer decisions and adjusts findings with the learned
// weights. Models are cached per repository and updated copy-on-write:
// the EMA math is O(1) and is the only work done under the entry lock.
type Store struct {
	persistence Persistence
	auditor     Auditor
	logger      *slog.Logger

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// NewStore creates a preference store. auditor may be nil to disable the
// analytics trail.
func NewStore(persistence Persistence, auditor Auditor, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		persistence: persistence,
		auditor:     auditor,
		logger:      logger.With(slog.String("component", "prefs")),
		entries:     make(map[string]*cacheEntry),
	}
}

// Model returns the current model for the repository, lazily loading it
// from persistence. Repositories with no history get a fresh model.
func (s *Store) Model(ctx context.Context, repositoryID string) (*Model, error) {
	entry, err := s.entry(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	return entry.model.Load(), nil
}

// Record persists a reviewer decision into the repository's model: EMA
// updates in place, version and data-point bump, then a persistence write
// guarded by the model revision.
func (s *Store) Record(ctx context.Context, decision workflow.ReviewerDecision) (*Model, error) {
	if !workflow.ValidDecisionAction(decision.Action) {
		return nil, fmt.Errorf("unknown decision action %q", decision.Action)
	}

	entry, err := s.entry(ctx, decision.RepositoryID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	updated, err := s.saveLocked(ctx, entry, func(m *Model) {
		m.apply(decision)
	})
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		if err := s.auditor.PreferenceUpdated(ctx, updated, decision); err != nil {
			s.logger.Warn("Preference audit append failed",
				slog.String("repository", decision.RepositoryID),
				slog.String("error", err.Error()))
		}
	}

	s.logger.Debug("Recorded reviewer decision",
		slog.String("repository", decision.RepositoryID),
		slog.String("action", string(decision.Action)),
		slog.String("category", decision.Context.Category),
		slog.Int("version", updated.Version))

	return updated, nil
}

// SetCustomRules replaces the admin-authored rules, bumping the version.
func (s *Store) SetCustomRules(ctx context.Context, repositoryID string, rules []TeamRule) (*Model, error) {
	return s.mutate(ctx, repositoryID, func(m *Model) {
		m.CustomRules = append([]TeamRule(nil), rules...)
	})
}

// SetVerbosity pins the published-comment verbosity for a repository.
func (s *Store) SetVerbosity(ctx context.Context, repositoryID string, v Verbosity) (*Model, error) {
	switch v {
	case VerbosityMinimal, VerbosityBalanced, VerbosityDetailed:
	default:
		return nil, fmt.Errorf("unknown verbosity %q", v)
	}
	return s.mutate(ctx, repositoryID, func(m *Model) {
		m.Verbosity = v
	})
}

func (s *Store) mutate(ctx context.Context, repositoryID string, fn func(*Model)) (*Model, error) {
	entry, err := s.entry(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	return s.saveLocked(ctx, entry, func(m *Model) {
		fn(m)
		m.Version++
	})
}

// saveLocked clones the cached model, applies fn, and persists it guarded
// by the cached revision. A stale revision means another instance wrote
// first: reload, reapply, retry. Callers hold entry.mu.
func (s *Store) saveLocked(ctx context.Context, entry *cacheEntry, fn func(*Model)) (*Model, error) {
	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		current := entry.model.Load()
		updated := current.Clone()
		fn(updated)

		revision, err := s.persistence.Save(ctx, updated, entry.revision)
		if err == nil {
			entry.model.Store(updated)
			entry.revision = revision
			return updated, nil
		}
		lastErr = err
		if !errors.Is(err, ErrStale) {
			return nil, fmt.Errorf("save preference model: %w", err)
		}

		fresh, freshRev, loadErr := s.persistence.Load(ctx, current.RepositoryID)
		if loadErr != nil {
			if errors.Is(loadErr, ErrNoModel) {
				fresh = NewModel(current.RepositoryID)
				freshRev = 0
			} else {
				return nil, fmt.Errorf("reload preference model: %w", loadErr)
			}
		}
		entry.model.Store(fresh)
		entry.revision = freshRev
	}
	return nil, fmt.Errorf("save preference model: %w", lastErr)
}

// Adjustment is the result of filtering a finding through the model.
type Adjustment struct {
	Finding     workflow.Finding
	Suppressed  bool
	Explanation string
}

// Adjust applies custom rules, ignored patterns, category weights, and
// acceptance-rate dampening to the finding's confidence. Findings whose
// adjusted confidence falls below the suppression threshold are dropped
// from publication. Adjusting an already-adjusted finding is a no-op.
func (s *Store) Adjust(ctx context.Context, repositoryID string, f workflow.Finding) (Adjustment, error) {
	model, err := s.Model(ctx, repositoryID)
	if err != nil {
		return Adjustment{Finding: f}, err
	}
	return AdjustWithModel(model, f), nil
}

// AdjustWithModel is the pure adjustment used by Adjust and by callers
// that already hold a model snapshot.
func AdjustWithModel(m *Model, f workflow.Finding) Adjustment {
	if f.Adjusted {
		return Adjustment{Finding: f, Suppressed: f.Confidence < suppressBelow, Explanation: f.AdjustmentNote}
	}

	var notes []string

	// Admin rules override anything learned.
	for _, rule := range m.CustomRules {
		if !rule.Matches(f) {
			continue
		}
		switch rule.Action {
		case RuleNeverFlag:
			f.Adjusted = true
			f.AdjustmentNote = fmt.Sprintf("suppressed by team rule %q", rule.Pattern)
			return Adjustment{Finding: f, Suppressed: true, Explanation: f.AdjustmentNote}
		case RuleAlwaysFlag:
			if rule.Confidence > f.Confidence {
				f.Confidence = rule.Confidence
			}
			f.Adjusted = true
			f.AdjustmentNote = fmt.Sprintf("pinned by team rule %q", rule.Pattern)
			return Adjustment{Finding: f, Explanation: f.AdjustmentNote}
		case RuleFlagWithSeverity:
			if workflow.ValidSeverity(rule.Severity) {
				f.Severity = rule.Severity
				notes = append(notes, fmt.Sprintf("severity set to %s by team rule %q", rule.Severity, rule.Pattern))
			}
		}
	}

	for _, pattern := range m.IgnoredPatterns {
		if strings.HasPrefix(strings.ToLower(f.Message), strings.ToLower(pattern)) {
			f.Adjusted = true
			f.AdjustmentNote = fmt.Sprintf("matches ignored pattern %q", pattern)
			return Adjustment{Finding: f, Suppressed: true, Explanation: f.AdjustmentNote}
		}
	}

	if weight := m.CategoryWeight(f.Category); weight < weightCeil {
		f.Confidence *= weight
		notes = append(notes, fmt.Sprintf("category weight %.2f", weight))
	}

	if rate, ok := m.AcceptanceRates[RateKey(f.Category, f.Severity)]; ok && rate < dampenBelowRate {
		f.Confidence *= dampenFactor
		notes = append(notes, fmt.Sprintf("acceptance rate %.2f below %.2f", rate, dampenBelowRate))
	}

	f.Adjusted = true
	f.AdjustmentNote = strings.Join(notes, "; ")

	suppressed := f.Confidence < suppressBelow
	if suppressed {
		if f.AdjustmentNote != "" {
			f.AdjustmentNote += "; "
		}
		f.AdjustmentNote += fmt.Sprintf("confidence %.2f below %.2f", f.Confidence, suppressBelow)
	}

	return Adjustment{Finding: f, Suppressed: suppressed, Explanation: f.AdjustmentNote}
}

// entry returns the cache entry for the repository, loading the persisted
// model on first touch.
func (s *Store) entry(ctx context.Context, repositoryID string) (*cacheEntry, error) {
	s.mu.RLock()
	entry, ok := s.entries[repositoryID]
	s.mu.RUnlock()
	if ok {
		return entry, nil
	}

	model, revision, err := s.persistence.Load(ctx, repositoryID)
	if err != nil {
		if !errors.Is(err, ErrNoModel) {
			return nil, fmt.Errorf("load preference model: %w", err)
		}
		model = NewModel(repositoryID)
		revision = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have loaded it while we read persistence.
	if entry, ok := s.entries[repositoryID]; ok {
		return entry, nil
	}
	entry = &cacheEntry{revision: revision}
	entry.model.Store(model)
	s.entries[repositoryID] = entry
	return entry, nil
}
