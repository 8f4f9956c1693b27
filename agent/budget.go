package agent

import "sync/atomic"

// TokenBudget caps LLM spend for one workflow. Agents record usage as
// calls complete; once the budget is exhausted, non-critical LLM agents
// are skipped instead of started.
type TokenBudget struct {
	limit int64
	used  atomic.Int64
}

// NewTokenBudget returns a budget allowing limit tokens. A limit of
// zero or below disables enforcement.
func NewTokenBudget(limit int64) *TokenBudget {
	return &TokenBudget{limit: limit}
}

// Consume records tokens spent by a completed LLM call.
func (b *TokenBudget) Consume(tokens int64) {
	if tokens > 0 {
		b.used.Add(tokens)
	}
}

// Used reports total tokens recorded so far.
func (b *TokenBudget) Used() int64 {
	return b.used.Load()
}

// Exhausted reports whether recorded spend has reached the limit.
func (b *TokenBudget) Exhausted() bool {
	if b == nil || b.limit <= 0 {
		return false
	}
	return b.used.Load() >= b.limit
}

// Remaining reports tokens left, or -1 when enforcement is disabled.
func (b *TokenBudget) Remaining() int64 {
	if b == nil || b.limit <= 0 {
		return -1
	}
	rem := b.limit - b.used.Load()
	if rem < 0 {
		return 0
	}
	return rem
}
