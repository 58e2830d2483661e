package match

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ghanishpatil/hackwars-engine/internal/flag"
	"github.com/ghanishpatil/hackwars-engine/internal/metrics"
	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

// TeamSpec names one side of a match for provisioning.
type TeamSpec struct {
	TeamID  string
	Players []string
}

// ProvisionRequest is what the lifecycle hands to the provisioner when a
// match reaches INITIALIZING without pre-provisioned infrastructure.
type ProvisionRequest struct {
	MatchID    string
	Difficulty string
	TeamA      TeamSpec
	TeamB      TeamSpec
}

// ProvisionFunc stands up a match's infrastructure and installs it in the
// store. Wired to the provisioner at startup; kept as a function type so the
// lifecycle does not depend on the provisioning package.
type ProvisionFunc func(ctx context.Context, req ProvisionRequest) (*Infrastructure, error)

// Lifecycle owns every state transition of every match. No other component
// writes Match.State.
type Lifecycle struct {
	store     *Store
	runtime   sandbox.Runtime
	prober    Prober
	flags     *flag.Manager
	provision ProvisionFunc

	mu      sync.Mutex
	tickers map[string]chan struct{}
	wg      sync.WaitGroup
}

func NewLifecycle(store *Store, runtime sandbox.Runtime, prober Prober, flags *flag.Manager, provision ProvisionFunc) *Lifecycle {
	return &Lifecycle{
		store:     store,
		runtime:   runtime,
		prober:    prober,
		flags:     flags,
		provision: provision,
		tickers:   make(map[string]chan struct{}),
	}
}

// Start drives a CREATED match through INITIALIZING into RUNNING. Any
// initialization failure lands the match in ENDED with its resources
// reclaimed.
func (l *Lifecycle) Start(ctx context.Context, matchID string) error {
	if err := l.transition(matchID, StateCreated, StateInitializing, nil); err != nil {
		return err
	}

	if err := l.initialize(ctx, matchID); err != nil {
		log.Error().Err(err).Str("match_id", matchID).Msg("match initialization failed, aborting")
		l.endAfterCleanup(matchID)
		return err
	}

	err := l.transition(matchID, StateInitializing, StateRunning, func(m *Match) {
		m.CurrentTick = 0
		m.AdmittedAt = time.Now()
	})
	if err != nil {
		l.endAfterCleanup(matchID)
		return err
	}

	l.startTicker(matchID)
	metrics.MatchStarted()
	log.Info().Str("match_id", matchID).Msg("match running")
	return nil
}

// initialize makes sure infrastructure exists and primes health records.
// Tick-0 flags are injected by the provisioner.
func (l *Lifecycle) initialize(ctx context.Context, matchID string) error {
	inf, ok := l.store.Infra(matchID)
	if !ok {
		if l.provision == nil {
			return ErrNoInfrastructure
		}
		var req ProvisionRequest
		err := l.store.WithMatch(matchID, func(m *Match) error {
			req = ProvisionRequest{
				MatchID:    matchID,
				Difficulty: m.Difficulty,
				TeamA:      TeamSpec{TeamID: m.TeamA.ID, Players: m.TeamA.Players},
				TeamB:      TeamSpec{TeamID: m.TeamB.ID, Players: m.TeamB.Players},
			}
			return nil
		})
		if err != nil {
			return err
		}
		inf, err = l.provision(ctx, req)
		if err != nil {
			return fmt.Errorf("provisioning: %w", err)
		}
	}

	return l.store.WithMatch(matchID, func(m *Match) error {
		m.Infra = inf
		now := time.Now()
		for _, c := range inf.Containers() {
			m.Health[c.ServiceID] = &ServiceHealth{Status: HealthUp, LastProbe: now}
			m.Uptime[c.ServiceID] = &UptimeCounter{}
		}
		return nil
	})
}

// Stop ends a match from any live state. Repeat calls on an ENDED match are
// no-ops. Cleanup is best-effort; the match reaches ENDED regardless.
func (l *Lifecycle) Stop(ctx context.Context, matchID, reason string) error {
	var already bool
	err := l.store.WithMatch(matchID, func(m *Match) error {
		switch m.State {
		case StateEnded:
			already = true
			return nil
		case StateEnding:
			return nil
		case StateRunning:
			m.State = StateEnding
			freezeResultLocked(m)
		default:
			// CREATED or INITIALIZING: abort without scores.
			m.State = StateEnding
		}
		log.Info().Str("match_id", matchID).Str("reason", reason).Msg("match ending")
		return nil
	})
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	l.stopTicker(matchID)
	l.Cleanup(ctx, matchID)

	err = l.store.WithMatch(matchID, func(m *Match) error {
		m.State = StateEnded
		return nil
	})
	if err == nil {
		metrics.MatchEnded()
		metrics.SetActiveMatches(l.store.ActiveCount())
	}
	return err
}

// endAfterCleanup is the emergency path: best-effort cleanup, then ENDED,
// guaranteed even on partial failure. No scores are recorded.
func (l *Lifecycle) endAfterCleanup(matchID string) {
	l.stopTicker(matchID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	l.Cleanup(ctx, matchID)

	if err := l.store.WithMatch(matchID, func(m *Match) error {
		m.State = StateEnded
		return nil
	}); err != nil {
		log.Warn().Err(err).Str("match_id", matchID).Msg("could not mark match ended")
	}
}

// Cleanup tears down a match's infrastructure. Every step is best-effort: a
// failing container stop never blocks the rest, nor the network removal, nor
// deleting the record. Idempotent.
func (l *Lifecycle) Cleanup(ctx context.Context, matchID string) {
	inf, ok := l.store.Infra(matchID)
	if ok {
		// Team B first, mirroring provisioning rollback order.
		for _, c := range inf.TeamB {
			if err := l.runtime.StopAndRemove(ctx, c.ID); err != nil {
				log.Warn().Err(err).Str("match_id", matchID).Str("container_id", c.ID).Msg("container cleanup failed")
			}
		}
		for _, c := range inf.TeamA {
			if err := l.runtime.StopAndRemove(ctx, c.ID); err != nil {
				log.Warn().Err(err).Str("match_id", matchID).Str("container_id", c.ID).Msg("container cleanup failed")
			}
		}
	}

	if err := l.runtime.RemoveNetwork(ctx, matchID); err != nil {
		log.Warn().Err(err).Str("match_id", matchID).Msg("network cleanup failed")
	}

	l.store.DeleteInfra(matchID)
}

// freezeResultLocked computes the winner and freezes the final result.
// Caller holds the match lock. Subsequent reads always see this result.
func freezeResultLocked(m *Match) {
	if m.Final != nil {
		return
	}

	winner := "draw"
	switch {
	case m.TeamA.Score > m.TeamB.Score:
		winner = m.TeamA.Key
	case m.TeamB.Score > m.TeamA.Score:
		winner = m.TeamB.Key
	}

	m.Final = &Result{
		MatchID:    m.ID,
		Difficulty: m.Difficulty,
		TeamA:      teamStatsLocked(m, &m.TeamA),
		TeamB:      teamStatsLocked(m, &m.TeamB),
		Winner:     winner,
	}
}

func teamStatsLocked(m *Match, slot *TeamSlot) TeamStats {
	stats := TeamStats{
		Players: append([]string(nil), slot.Players...),
		Score:   slot.Score,
	}
	for _, capturer := range m.Captures {
		if capturer == slot.ID || capturer == slot.Key {
			stats.FlagsCaptured++
		}
	}
	for sid, c := range m.Uptime {
		if hasTeamPrefix(sid, slot.ID) {
			stats.UptimeTicks += c.UpTicks
			stats.DowntimeTicks += c.DownTicks
		}
	}
	return stats
}

// transition applies from→to, running apply under the match lock. An illegal
// transition is a logged no-op returning ErrIllegalTransition.
func (l *Lifecycle) transition(matchID string, from, to State, apply func(*Match)) error {
	return l.store.WithMatch(matchID, func(m *Match) error {
		if m.State != from {
			log.Warn().
				Str("match_id", matchID).
				Str("have", string(m.State)).
				Str("want", string(from)).
				Str("to", string(to)).
				Msg("illegal state transition ignored")
			return ErrIllegalTransition
		}
		m.State = to
		if apply != nil {
			apply(m)
		}
		return nil
	})
}

// StopAll ends every non-ENDED match with bounded effort. Used on SIGTERM;
// anything left half-cleaned is reconciled by recovery on next boot.
func (l *Lifecycle) StopAll(ctx context.Context, reason string) {
	for _, id := range l.store.IDs() {
		snap, ok := l.store.Get(id)
		if !ok || snap.State == StateEnded {
			continue
		}
		if err := l.Stop(ctx, id, reason); err != nil {
			log.Warn().Err(err).Str("match_id", id).Msg("shutdown stop failed")
		}
	}
	l.wg.Wait()
}
