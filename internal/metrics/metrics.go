// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "match_engine",
		Name:      "active_matches",
		Help:      "Matches currently not in ENDED state.",
	})

	matchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "match_engine",
		Name:      "matches_started_total",
		Help:      "Matches that reached RUNNING.",
	})

	matchesEnded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "match_engine",
		Name:      "matches_ended_total",
		Help:      "Matches that reached ENDED.",
	})

	ticks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "match_engine",
		Name:      "ticks_total",
		Help:      "Completed scoring ticks across all matches.",
	})

	probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match_engine",
		Name:      "probes_total",
		Help:      "Health probes by outcome.",
	}, []string{"status"})

	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match_engine",
		Name:      "flag_submissions_total",
		Help:      "Flag submissions by outcome.",
	}, []string{"outcome"})

	provisionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "match_engine",
		Name:      "provision_failures_total",
		Help:      "Provisioning attempts that failed.",
	})
)

func SetActiveMatches(n int) { activeMatches.Set(float64(n)) }

func MatchStarted() { matchesStarted.Inc() }
func MatchEnded()   { matchesEnded.Inc() }

func TickCompleted() { ticks.Inc() }

func ProbeObserved(up bool) {
	if up {
		probes.WithLabelValues("up").Inc()
	} else {
		probes.WithLabelValues("down").Inc()
	}
}

// SubmissionObserved records a flag submission outcome: accepted, rejected
// or rate_limited.
func SubmissionObserved(outcome string) { submissions.WithLabelValues(outcome).Inc() }

func ProvisionFailed() { provisionFailures.Inc() }
