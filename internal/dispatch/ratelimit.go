package dispatch

import (
	"sync"
	"time"
)

// MinuteLimiter caps how many times each rule may fire per wall-clock
// minute on the real-time path. Counters live in a single bucket keyed by
// the current minute and are dropped wholesale at minute rollover.
type MinuteLimiter struct {
	mu     sync.Mutex
	limit  int
	bucket int64
	counts map[uint64]int
	now    func() time.Time
}

// NewMinuteLimiter builds a limiter allowing up to limit firings per rule
// per minute. A limit <= 0 disables limiting.
func NewMinuteLimiter(limit int) *MinuteLimiter {
	return &MinuteLimiter{
		limit:  limit,
		counts: make(map[uint64]int),
		now:    time.Now,
	}
}

// Allow atomically checks and consumes one firing slot for the rule.
func (l *MinuteLimiter) Allow(ruleID uint64) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	minute := l.now().Unix() / 60
	if minute != l.bucket {
		l.bucket = minute
		l.counts = make(map[uint64]int)
	}
	if l.counts[ruleID] >= l.limit {
		return false
	}
	l.counts[ruleID]++
	return true
}
