package ratelimit

import "time"

// CompositeResult is the outcome of CheckAndIncrementAll.
type CompositeResult struct {
	Allowed          bool
	BlockingCategory string
	ResetAt          time.Time
	Remaining        int
}

// Composite composes named dimensions (e.g. "ip", "function") and enforces
// a two-phase check: a denial on any one dimension must not consume budget
// on any other.
type Composite struct {
	order     []string
	limiters  map[string]*Limiter
}

// NewComposite returns a Composite over the given named dimensions. The
// order of names is preserved for blockingCategory tie-breaking: the first
// registered dimension that denies is reported.
func NewComposite(names []string, limiters map[string]*Limiter) *Composite {
	order := make([]string, len(names))
	copy(order, names)
	return &Composite{order: order, limiters: limiters}
}

// CheckAndIncrementAll runs the two-phase composite check over keys, a map
// from dimension name to the key to check within that dimension. Dimensions
// present in keys but not registered are ignored.
func (c *Composite) CheckAndIncrementAll(keys map[string]string) CompositeResult {
	// Phase 1: non-mutating check across every dimension in registration order.
	for _, name := range c.order {
		key, ok := keys[name]
		if !ok {
			continue
		}
		limiter, ok := c.limiters[name]
		if !ok {
			continue
		}
		result := limiter.Check(key)
		if !result.Allowed {
			return CompositeResult{Allowed: false, BlockingCategory: name, ResetAt: result.ResetAt, Remaining: 0}
		}
	}

	// Phase 2: all dimensions passed phase 1 — increment every dimension. A
	// concurrent increment racing against this one can still deny here even
	// though phase 1 allowed it; report that as a denial too rather than
	// silently returning Allowed: true with no budget actually reserved.
	var last Result
	for _, name := range c.order {
		key, ok := keys[name]
		if !ok {
			continue
		}
		limiter, ok := c.limiters[name]
		if !ok {
			continue
		}
		result := limiter.CheckAndIncrement(key)
		if !result.Allowed {
			return CompositeResult{Allowed: false, BlockingCategory: name, ResetAt: result.ResetAt, Remaining: 0}
		}
		last = result
	}
	return CompositeResult{Allowed: true, ResetAt: last.ResetAt, Remaining: last.Remaining}
}

// Stop stops every registered dimension's cleanup goroutine.
func (c *Composite) Stop() {
	for _, l := range c.limiters {
		l.Stop()
	}
}

// EvictExpired runs EvictExpired on every registered dimension.
func (c *Composite) EvictExpired() {
	for _, l := range c.limiters {
		l.EvictExpired()
	}
}
