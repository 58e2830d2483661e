// Package provision stands up a match's sandbox footprint in one shot:
// network, both teams' containers, tick-0 flags. The operation is atomic in
// effect — on any failure everything already created is rolled back and no
// partial infrastructure is ever stored.
package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ghanishpatil/hackwars-engine/internal/backend"
	"github.com/ghanishpatil/hackwars-engine/internal/flag"
	"github.com/ghanishpatil/hackwars-engine/internal/match"
	"github.com/ghanishpatil/hackwars-engine/internal/metrics"
	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

// Deadline covers the whole provisioning sequence, image pulls included.
const Deadline = 5 * time.Minute

type Provisioner struct {
	store   *match.Store
	runtime sandbox.Runtime
	backend *backend.Client
	flags   *flag.Manager
}

func New(store *match.Store, runtime sandbox.Runtime, backendClient *backend.Client, flags *flag.Manager) *Provisioner {
	return &Provisioner{
		store:   store,
		runtime: runtime,
		backend: backendClient,
		flags:   flags,
	}
}

// Provision executes the stand-up sequence for one match. It cannot be
// interrupted mid-step; cleanup after failure is the only unwind.
func (p *Provisioner) Provision(ctx context.Context, req match.ProvisionRequest) (*match.Infrastructure, error) {
	ctx, cancel := context.WithTimeout(ctx, Deadline)
	defer cancel()

	if existing, ok := p.store.Infra(req.MatchID); ok {
		log.Warn().Str("match_id", req.MatchID).Msg("match already provisioned")
		return existing, match.ErrAlreadyProvisioned
	}

	templates, err := p.backend.FetchCollection(ctx, req.Difficulty)
	if err != nil {
		metrics.ProvisionFailed()
		return nil, err
	}

	net, err := p.runtime.CreateNetwork(ctx, req.MatchID)
	if err != nil {
		metrics.ProvisionFailed()
		return nil, err
	}

	inf := &match.Infrastructure{
		MatchID:     req.MatchID,
		NetworkID:   net.ID,
		NetworkName: net.Name,
		Subnet:      net.Subnet,
	}

	fail := func(cause error) (*match.Infrastructure, error) {
		p.rollback(req.MatchID, inf)
		metrics.ProvisionFailed()
		return nil, cause
	}

	inf.TeamA, err = p.runtime.ProvisionTeam(ctx, req.MatchID, req.TeamA.TeamID, net.ID, templates)
	if err != nil {
		return fail(fmt.Errorf("team %s services: %w", req.TeamA.TeamID, err))
	}

	inf.TeamB, err = p.runtime.ProvisionTeam(ctx, req.MatchID, req.TeamB.TeamID, net.ID, templates)
	if err != nil {
		return fail(fmt.Errorf("team %s services: %w", req.TeamB.TeamID, err))
	}

	for _, c := range inf.Containers() {
		value := p.flags.Generate(req.MatchID, c.ServiceID, 0)
		if err := p.runtime.InjectFlag(ctx, c.ID, c.FlagPath, value); err != nil {
			return fail(fmt.Errorf("initial flag for %s: %w", c.ServiceID, err))
		}
	}

	if err := p.store.InstallInfra(req.MatchID, inf); err != nil {
		return fail(err)
	}

	// Fire-and-forget: the Control Plane learning about the infrastructure
	// late is fine, losing the match is not.
	go func() {
		pushCtx, pushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer pushCancel()
		if err := p.backend.PushInfrastructure(pushCtx, req.MatchID, inf); err != nil {
			log.Warn().Err(err).Str("match_id", req.MatchID).Msg("infrastructure push failed")
		}
	}()

	log.Info().
		Str("match_id", req.MatchID).
		Str("subnet", net.Subnet).
		Int("containers", len(inf.TeamA)+len(inf.TeamB)).
		Msg("match provisioned")
	return inf, nil
}

// rollback unwinds a partial stand-up: team B's containers, then team A's,
// then the network. Each step is best-effort.
func (p *Provisioner) rollback(matchID string, inf *match.Infrastructure) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, c := range inf.TeamB {
		if err := p.runtime.StopAndRemove(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("container_id", c.ID).Msg("rollback container removal failed")
		}
	}
	for _, c := range inf.TeamA {
		if err := p.runtime.StopAndRemove(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("container_id", c.ID).Msg("rollback container removal failed")
		}
	}
	if err := p.runtime.RemoveNetwork(ctx, matchID); err != nil {
		log.Warn().Err(err).Str("match_id", matchID).Msg("rollback network removal failed")
	}
	log.Info().Str("match_id", matchID).Msg("provisioning rolled back")
}
