package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an idle (match, team) counter survives before the
// purge sweep drops it.
const staleAfter = 3 * time.Minute

// SubmissionLimiter enforces the per-(match, team) flag-submission ceiling
// with a token bucket: a pair starts with perMinute tokens, and tokens
// refill continuously at perMinute per minute. A burst of perMinute passes
// at once; submissions are not counted in fixed or rolling one-minute
// windows, so more than perMinute can pass within one minute as tokens
// refill.
type SubmissionLimiter struct {
	mu        sync.Mutex
	perMinute int
	entries   map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewSubmissionLimiter(perMinute int) *SubmissionLimiter {
	return &SubmissionLimiter{
		perMinute: perMinute,
		entries:   make(map[string]*limiterEntry),
	}
}

// Allow consumes one submission slot for the (match, team) pair.
func (l *SubmissionLimiter) Allow(matchID, teamID string) bool {
	key := matchID + "|" + teamID

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute),
		}
		l.entries[key] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

// Purge drops counters that have been idle past the staleness window.
func (l *SubmissionLimiter) Purge() {
	cutoff := time.Now().Add(-staleAfter)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

// StartPurging sweeps the counter map until stop is closed.
func (l *SubmissionLimiter) StartPurging(stop <-chan struct{}) {
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				l.Purge()
			}
		}
	}()
}
