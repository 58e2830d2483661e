package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAcceptsCeilingRejectsNext(t *testing.T) {
	l := NewSubmissionLimiter(5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("M1", "teamA"), "submission %d should pass", i+1)
	}
	assert.False(t, l.Allow("M1", "teamA"), "submission over the ceiling must be rejected")
}

func TestLimiterIsPerMatchAndTeam(t *testing.T) {
	l := NewSubmissionLimiter(1)

	assert.True(t, l.Allow("M1", "teamA"))
	assert.False(t, l.Allow("M1", "teamA"))

	// A different team or match has its own window.
	assert.True(t, l.Allow("M1", "teamB"))
	assert.True(t, l.Allow("M2", "teamA"))
}

func TestPurgeDropsStaleEntries(t *testing.T) {
	l := NewSubmissionLimiter(1)
	assert.True(t, l.Allow("M1", "teamA"))

	l.mu.Lock()
	l.entries["M1|teamA"].lastSeen = time.Now().Add(-staleAfter - time.Minute)
	l.mu.Unlock()

	l.Purge()

	l.mu.Lock()
	_, ok := l.entries["M1|teamA"]
	l.mu.Unlock()
	assert.False(t, ok)

	// After the purge, the pair starts a fresh window.
	assert.True(t, l.Allow("M1", "teamA"))
}

func TestPurgeKeepsFreshEntries(t *testing.T) {
	l := NewSubmissionLimiter(1)
	assert.True(t, l.Allow("M1", "teamA"))

	l.Purge()

	l.mu.Lock()
	_, ok := l.entries["M1|teamA"]
	l.mu.Unlock()
	assert.True(t, ok)
}
