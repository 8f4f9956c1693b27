package forge

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default budget assumed until the provider tells us otherwise: the
// standard 5000 requests/hour app allowance.
const (
	defaultHourlyLimit = 5000
	defaultBurst       = 10
	reconcileInterval  = time.Second
)

// BudgetStore shares the observed per-installation budget across
// service instances. Implementations keep whichever remaining count is
// lowest; the provider's counter only moves down within a window.
type BudgetStore interface {
	// Load returns the stored budget snapshot for an installation.
	Load(ctx context.Context, installationID string) (remaining int, reset time.Time, ok bool, err error)
	// Save records a budget snapshot observed from response headers.
	Save(ctx context.Context, installationID string, remaining int, reset time.Time) error
}

// Budget rate-limits provider calls with one token bucket per
// installation. Limits re-derive from x-ratelimit-* response headers,
// and a shared store keeps horizontally scaled instances from spending
// the same allowance twice.
type Budget struct {
	store  BudgetStore // nil disables cross-instance sharing
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*budgetBucket
}

type budgetBucket struct {
	limiter   *rate.Limiter
	remaining int
	reset     time.Time
}

// NewBudget creates a rate budget. store may be nil for single-instance
// deployments.
func NewBudget(store BudgetStore, logger *slog.Logger) *Budget {
	return &Budget{
		store:   store,
		logger:  logger.With(slog.String("component", "forge.budget")),
		buckets: make(map[string]*budgetBucket),
	}
}

// Wait blocks until the installation may make one request.
func (b *Budget) Wait(ctx context.Context, installationID string) error {
	return b.bucket(installationID).limiter.Wait(ctx)
}

// Observe folds x-ratelimit-* response headers into the bucket and
// publishes the snapshot to the shared store.
func (b *Budget) Observe(ctx context.Context, installationID string, headers http.Header) {
	remaining, reset, ok := parseRateHeaders(headers)
	if !ok {
		return
	}

	b.mu.Lock()
	bucket := b.lockedBucket(installationID)
	bucket.apply(remaining, reset)
	b.mu.Unlock()

	if b.store == nil {
		return
	}
	if err := b.store.Save(ctx, installationID, remaining, reset); err != nil {
		b.logger.Debug("Failed to publish rate budget",
			slog.String("installation_id", installationID),
			slog.String("error", err.Error()))
	}
}

// Run reconciles local buckets against the shared store every second
// until ctx is cancelled. Another instance spending faster than us
// shows up as a lower stored remaining; we adopt it.
func (b *Budget) Run(ctx context.Context) {
	if b.store == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reconcile(ctx)
		}
	}
}

func (b *Budget) reconcile(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.buckets))
	for id := range b.buckets {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		remaining, reset, ok, err := b.store.Load(ctx, id)
		if err != nil || !ok {
			continue
		}

		b.mu.Lock()
		bucket := b.lockedBucket(id)
		// Adopt only a tighter view of the same (or a newer) window.
		if reset.After(bucket.reset) || remaining < bucket.remaining {
			bucket.apply(remaining, reset)
		}
		b.mu.Unlock()
	}
}

func (b *Budget) bucket(installationID string) *budgetBucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lockedBucket(installationID)
}

func (b *Budget) lockedBucket(installationID string) *budgetBucket {
	bucket, ok := b.buckets[installationID]
	if !ok {
		bucket = newDefaultBucket()
		b.buckets[installationID] = bucket
	}
	return bucket
}

func newDefaultBucket() *budgetBucket {
	return &budgetBucket{
		limiter:   rate.NewLimiter(rate.Limit(float64(defaultHourlyLimit)/3600.0), defaultBurst),
		remaining: defaultHourlyLimit,
	}
}

// apply retunes the limiter so the remaining allowance spreads evenly
// across the rest of the window.
func (bk *budgetBucket) apply(remaining int, reset time.Time) {
	bk.remaining = remaining
	bk.reset = reset

	window := time.Until(reset)
	if window < time.Second {
		window = time.Second
	}

	perSecond := float64(remaining) / window.Seconds()
	if perSecond <= 0 {
		// Exhausted: park the limiter until the window resets.
		perSecond = 1.0 / window.Seconds()
	}

	burst := defaultBurst
	if remaining < burst {
		burst = remaining
	}
	if burst < 1 {
		burst = 1
	}

	bk.limiter.SetLimit(rate.Limit(perSecond))
	bk.limiter.SetBurst(burst)
}

// parseRateHeaders reads the x-ratelimit-remaining and x-ratelimit-reset
// (unix seconds) headers.
func parseRateHeaders(headers http.Header) (remaining int, reset time.Time, ok bool) {
	remainingStr := headers.Get("x-ratelimit-remaining")
	resetStr := headers.Get("x-ratelimit-reset")
	if remainingStr == "" || resetStr == "" {
		return 0, time.Time{}, false
	}

	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return 0, time.Time{}, false
	}
	resetUnix, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return remaining, time.Unix(resetUnix, 0), true
}
