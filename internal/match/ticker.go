package match

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ghanishpatil/hackwars-engine/internal/metrics"
	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

// startTicker launches the per-match scoring loop. Exactly one ticker runs
// per match; starting twice is a no-op.
func (l *Lifecycle) startTicker(matchID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, running := l.tickers[matchID]; running {
		return
	}
	stop := make(chan struct{})
	l.tickers[matchID] = stop

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		t := time.NewTicker(TickInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				l.runTick(matchID)
			}
		}
	}()
}

// stopTicker signals the loop to exit. No further tick is scheduled; a tick
// body already in flight finishes on its own.
func (l *Lifecycle) stopTicker(matchID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if stop, ok := l.tickers[matchID]; ok {
		close(stop)
		delete(l.tickers, matchID)
	}
}

type probeTarget struct {
	container *sandbox.Container
	up        bool
}

// runTick is one iteration of the scoring loop for one match: probe every
// service, accrue uptime score, credit captures for the tick that is
// closing, advance the tick and rotate flags.
//
// Probing and flag injection are I/O and run outside the match lock; the
// score writes and the tick increment happen in a single locked section so
// they are serialized against flag submissions.
func (l *Lifecycle) runTick(matchID string) {
	var (
		tick    int
		targets []*probeTarget
	)
	err := l.store.WithMatch(matchID, func(m *Match) error {
		if m.State != StateRunning {
			return ErrNotRunning
		}
		if m.Infra == nil {
			return ErrNoInfrastructure
		}
		tick = m.CurrentTick
		for _, c := range m.Infra.Containers() {
			targets = append(targets, &probeTarget{container: c})
		}
		return nil
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ProbeTimeout+time.Second)
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t *probeTarget) {
			defer wg.Done()
			t.up = l.prober.Probe(ctx, t.container)
		}(t)
	}
	wg.Wait()
	cancel()

	type rotation struct {
		containerID string
		path        string
		value       string
	}
	var rotations []rotation

	err = l.store.WithMatch(matchID, func(m *Match) error {
		// Stop may have landed while we were probing.
		if m.State != StateRunning || m.CurrentTick != tick {
			return ErrNotRunning
		}

		now := time.Now()
		for _, t := range targets {
			sid := t.container.ServiceID
			health := m.Health[sid]
			if health == nil {
				health = &ServiceHealth{}
				m.Health[sid] = health
			}
			health.LastProbe = now
			if t.up {
				health.Status = HealthUp
				health.ConsecutiveFails = 0
			} else {
				health.Status = HealthDown
				health.ConsecutiveFails++
			}

			counter := m.Uptime[sid]
			if counter == nil {
				counter = &UptimeCounter{}
				m.Uptime[sid] = counter
			}
			owner := m.teamSlotForService(sid)
			if t.up {
				counter.UpTicks++
				if owner != nil {
					owner.addScore(UptimeDelta)
				}
			} else {
				counter.DownTicks++
				if owner != nil {
					owner.addScore(-UptimeDelta)
				}
			}
			metrics.ProbeObserved(t.up)
		}

		// Finalize capture scoring for the closing tick. The submission
		// window for it stays open through the grace period, but bonuses
		// are only granted to captures recorded by now.
		for _, t := range targets {
			key := CaptureKey{ServiceID: t.container.ServiceID, Tick: tick}
			if capturer, ok := m.Captures[key]; ok {
				if slot := m.SlotFor(capturer); slot != nil {
					slot.addScore(CaptureBonus)
				}
			}
		}

		m.CurrentTick = tick + 1

		for _, t := range targets {
			c := t.container
			rotations = append(rotations, rotation{
				containerID: c.ID,
				path:        c.FlagPath,
				value:       l.flags.Generate(matchID, c.ServiceID, tick+1),
			})
		}
		return nil
	})
	if err != nil {
		return
	}

	injectCtx, cancelInject := context.WithTimeout(context.Background(), ProbeTimeout*2)
	defer cancelInject()
	for _, r := range rotations {
		if err := l.runtime.InjectFlag(injectCtx, r.containerID, r.path, r.value); err != nil {
			log.Warn().Err(err).
				Str("match_id", matchID).
				Str("container_id", r.containerID).
				Msg("flag rotation failed for service")
		}
	}

	metrics.TickCompleted()
	log.Debug().Str("match_id", matchID).Int("tick", tick+1).Msg("tick complete")
}
