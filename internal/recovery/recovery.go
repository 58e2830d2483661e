// Package recovery reconciles the engine's in-memory state with whatever the
// sandbox runtime actually holds. It runs once at boot, before the RPC port
// opens, and then periodically as a safety cron. The engine has no
// persistence; this reconciliation is what replaces it.
package recovery

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/ghanishpatil/hackwars-engine/internal/match"
	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

type Reconciler struct {
	store     *match.Store
	runtime   sandbox.Runtime
	lifecycle *match.Lifecycle

	maxContainerAge  time.Duration
	maxMatchDuration time.Duration
}

func New(store *match.Store, runtime sandbox.Runtime, lifecycle *match.Lifecycle, maxContainerAge, maxMatchDuration time.Duration) *Reconciler {
	return &Reconciler{
		store:            store,
		runtime:          runtime,
		lifecycle:        lifecycle,
		maxContainerAge:  maxContainerAge,
		maxMatchDuration: maxMatchDuration,
	}
}

// Reconcile is the boot pass: every labeled container or network whose match
// the engine does not know is an orphan and is forcibly removed; every known
// match that is not ENDED is aborted. Best-effort throughout — individual
// failures never abort startup.
func (r *Reconciler) Reconcile(ctx context.Context) {
	log.Info().Msg("reconciling sandbox state")

	containers, err := r.runtime.ListMatchContainers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not list containers for recovery")
		containers = nil
	}

	orphanMatches := make(map[string]bool)
	for _, c := range containers {
		if c.MatchID == "" {
			continue
		}
		if _, known := r.store.Get(c.MatchID); !known {
			orphanMatches[c.MatchID] = true
			if err := r.runtime.StopAndRemove(ctx, c.ID); err != nil {
				log.Warn().Err(err).Str("container_id", c.ID).Msg("orphan container removal failed")
			}
		}
	}

	networks, err := r.runtime.ListMatchNetworks(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not list networks for recovery")
		networks = nil
	}
	for _, n := range networks {
		if n.MatchID == "" {
			continue
		}
		if _, known := r.store.Get(n.MatchID); !known {
			orphanMatches[n.MatchID] = true
			if err := r.runtime.RemoveNetworkByID(ctx, n.ID); err != nil {
				log.Warn().Err(err).Str("network", n.Name).Msg("orphan network removal failed")
			}
		}
	}

	for id := range orphanMatches {
		log.Info().Str("match_id", id).Msg("orphaned match resources reclaimed")
	}

	// Known matches survive only in memory; after a restart none exist, so
	// this loop only has work when Reconcile runs against a store that
	// already holds matches. The safety cron runs SafetySweep, not Reconcile.
	for _, id := range r.store.IDs() {
		snap, ok := r.store.Get(id)
		if !ok || snap.State == match.StateEnded {
			continue
		}
		log.Warn().Str("match_id", id).Msg("aborting non-ended match during recovery")
		if err := r.lifecycle.Stop(ctx, id, "recovery abort"); err != nil {
			log.Warn().Err(err).Str("match_id", id).Msg("recovery abort failed")
		}
	}
}

// SafetySweep is the periodic reclaim: old labeled containers, empty labeled
// networks, and matches running past the maximum duration.
func (r *Reconciler) SafetySweep(ctx context.Context) {
	now := time.Now()

	containers, err := r.runtime.ListMatchContainers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("safety sweep: container listing failed")
	}
	for _, c := range containers {
		if now.Sub(c.CreatedAt) > r.maxContainerAge {
			log.Info().Str("container_id", c.ID).Str("match_id", c.MatchID).Msg("removing overaged container")
			if err := r.runtime.StopAndRemove(ctx, c.ID); err != nil {
				log.Warn().Err(err).Str("container_id", c.ID).Msg("overaged container removal failed")
			}
		}
	}

	networks, err := r.runtime.ListMatchNetworks(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("safety sweep: network listing failed")
	}
	for _, n := range networks {
		attached, err := r.runtime.AttachedContainerCount(ctx, n.ID)
		if err != nil {
			continue
		}
		if attached == 0 {
			log.Info().Str("network", n.Name).Msg("removing empty match network")
			if err := r.runtime.RemoveNetworkByID(ctx, n.ID); err != nil {
				log.Warn().Err(err).Str("network", n.Name).Msg("empty network removal failed")
			}
		}
	}

	for _, id := range r.store.IDs() {
		snap, ok := r.store.Get(id)
		if !ok {
			continue
		}
		overdue := !snap.AdmittedAt.IsZero() && now.Sub(snap.AdmittedAt) > r.maxMatchDuration
		if overdue && (snap.State == match.StateRunning || snap.State == match.StateInitializing) {
			log.Warn().Str("match_id", id).Msg("match exceeded max duration, forcing end")
			if err := r.lifecycle.Stop(ctx, id, "max duration exceeded"); err != nil {
				log.Warn().Err(err).Str("match_id", id).Msg("forced end failed")
			}
		}
	}
}

// Schedule installs the safety sweep on a cron at the configured interval.
// The returned cron is already started; stop it on shutdown.
func (r *Reconciler) Schedule(interval time.Duration) *cron.Cron {
	c := cron.New()
	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		r.SafetySweep(ctx)
	}))
	c.Start()
	log.Info().Dur("interval", interval).Msg("safety cron scheduled")
	return c
}
