package dispatch

import (
	"testing"
	"time"
)

func TestMinuteLimiterCapsPerRule(t *testing.T) {
	limiter := NewMinuteLimiter(2)
	limiter.now = func() time.Time { return time.Unix(600, 0) }

	if !limiter.Allow(1) || !limiter.Allow(1) {
		t.Fatal("first two firings must pass")
	}
	if limiter.Allow(1) {
		t.Fatal("third firing within the minute must be blocked")
	}
	// Other rules keep their own counters.
	if !limiter.Allow(2) {
		t.Fatal("different rule must not share the counter")
	}
}

func TestMinuteLimiterResetsAtRollover(t *testing.T) {
	current := time.Unix(600, 0)
	limiter := NewMinuteLimiter(1)
	limiter.now = func() time.Time { return current }

	if !limiter.Allow(1) {
		t.Fatal("first firing must pass")
	}
	if limiter.Allow(1) {
		t.Fatal("second firing within the minute must be blocked")
	}

	current = current.Add(time.Minute)
	if !limiter.Allow(1) {
		t.Fatal("firing must pass again after minute rollover")
	}
}

func TestMinuteLimiterDisabled(t *testing.T) {
	limiter := NewMinuteLimiter(0)
	for i := 0; i < 100; i++ {
		if !limiter.Allow(1) {
			t.Fatal("zero limit must disable limiting")
		}
	}

	var nilLimiter *MinuteLimiter
	if !nilLimiter.Allow(1) {
		t.Fatal("nil limiter must allow everything")
	}
}
