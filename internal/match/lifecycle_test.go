package match

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghanishpatil/hackwars-engine/internal/flag"
	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
	"github.com/ghanishpatil/hackwars-engine/internal/sandbox/sandboxtest"
)

const testSecret = "unit-test-secret-0123456789"

// fakeProber reports per-service outcomes; services not listed are UP.
type fakeProber struct {
	down map[string]bool
}

func (p *fakeProber) Probe(_ context.Context, c *sandbox.Container) bool {
	return !p.down[c.ServiceID]
}

var testTemplates = []sandbox.ServiceTemplate{
	{TemplateID: "T1", Type: sandbox.ServiceWeb, Port: 80, FlagPath: "/flag.txt",
		HealthCheck: sandbox.HealthCheck{Kind: sandbox.ProbeHTTP, ExpectStatus: 200}},
	{TemplateID: "T2", Type: sandbox.ServiceSSH, Port: 22, FlagPath: "/flag",
		HealthCheck: sandbox.HealthCheck{Kind: sandbox.ProbeTCP}},
}

type fixture struct {
	store     *Store
	runtime   *sandboxtest.FakeRuntime
	prober    *fakeProber
	flags     *flag.Manager
	lifecycle *Lifecycle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	flags, err := flag.NewManager(testSecret)
	require.NoError(t, err)

	f := &fixture{
		store:   NewStore(0),
		runtime: sandboxtest.NewFakeRuntime(),
		prober:  &fakeProber{down: make(map[string]bool)},
		flags:   flags,
	}
	f.lifecycle = NewLifecycle(f.store, f.runtime, f.prober, flags, f.provisionFake)
	return f
}

// provisionFake stands in for the real provisioner: network, both teams,
// tick-0 flags, store install.
func (f *fixture) provisionFake(ctx context.Context, req ProvisionRequest) (*Infrastructure, error) {
	net, err := f.runtime.CreateNetwork(ctx, req.MatchID)
	if err != nil {
		return nil, err
	}
	teamA, err := f.runtime.ProvisionTeam(ctx, req.MatchID, req.TeamA.TeamID, net.ID, testTemplates)
	if err != nil {
		return nil, err
	}
	teamB, err := f.runtime.ProvisionTeam(ctx, req.MatchID, req.TeamB.TeamID, net.ID, testTemplates)
	if err != nil {
		return nil, err
	}
	inf := &Infrastructure{
		MatchID:     req.MatchID,
		NetworkID:   net.ID,
		NetworkName: net.Name,
		Subnet:      net.Subnet,
		TeamA:       teamA,
		TeamB:       teamB,
	}
	for _, c := range inf.Containers() {
		if err := f.runtime.InjectFlag(ctx, c.ID, c.FlagPath, f.flags.Generate(req.MatchID, c.ServiceID, 0)); err != nil {
			return nil, err
		}
	}
	if err := f.store.InstallInfra(req.MatchID, inf); err != nil {
		return nil, err
	}
	return inf, nil
}

func (f *fixture) startRunning(t *testing.T, id string) {
	t.Helper()
	_, err := f.store.Create(id, "beginner", 1,
		TeamSlot{ID: "A", Players: []string{"p1"}},
		TeamSlot{ID: "B", Players: []string{"p2"}},
	)
	require.NoError(t, err)
	require.NoError(t, f.lifecycle.Start(context.Background(), id))
}

func (f *fixture) state(t *testing.T, id string) State {
	t.Helper()
	snap, ok := f.store.Get(id)
	require.True(t, ok)
	return snap.State
}

func TestStartReachesRunning(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t, "M1")

	assert.Equal(t, StateRunning, f.state(t, "M1"))

	snap, _ := f.store.Get("M1")
	assert.Zero(t, snap.CurrentTick)
	assert.False(t, snap.AdmittedAt.IsZero())

	// Four containers, each primed with its tick-0 flag.
	inf, ok := f.store.Infra("M1")
	require.True(t, ok)
	require.Len(t, inf.Containers(), 4)
	for _, c := range inf.Containers() {
		assert.Equal(t, f.flags.Generate("M1", c.ServiceID, 0), f.runtime.FlagIn(c.ID))
	}

	// Health records primed for every service.
	require.NoError(t, f.store.WithMatch("M1", func(m *Match) error {
		assert.Len(t, m.Health, 4)
		assert.Len(t, m.Uptime, 4)
		return nil
	}))

	// Exactly one ticker.
	f.lifecycle.mu.Lock()
	assert.Len(t, f.lifecycle.tickers, 1)
	f.lifecycle.mu.Unlock()

	require.NoError(t, f.lifecycle.Stop(context.Background(), "M1", "test done"))
}

func TestStartOnProvisionedMatchSkipsProvisioning(t *testing.T) {
	f := newFixture(t)

	// Pre-provision, then start: the provision func must not run again,
	// which would fail on InstallInfra.
	_, err := f.provisionFake(context.Background(), ProvisionRequest{
		MatchID: "M1",
		TeamA:   TeamSpec{TeamID: "A"},
		TeamB:   TeamSpec{TeamID: "B"},
	})
	require.NoError(t, err)

	f.startRunning(t, "M1")
	assert.Equal(t, StateRunning, f.state(t, "M1"))
	require.NoError(t, f.lifecycle.Stop(context.Background(), "M1", "test done"))
}

func TestStartProvisionFailureEndsMatch(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.provision = func(context.Context, ProvisionRequest) (*Infrastructure, error) {
		return nil, errors.New("image pull failed")
	}

	_, err := f.store.Create("M1", "beginner", 1, TeamSlot{ID: "A"}, TeamSlot{ID: "B"})
	require.NoError(t, err)

	err = f.lifecycle.Start(context.Background(), "M1")
	require.Error(t, err)
	assert.Equal(t, StateEnded, f.state(t, "M1"))

	// No scores recorded on an init failure.
	snap, _ := f.store.Get("M1")
	assert.Nil(t, snap.Final)
}

func TestStartFromWrongStateIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t, "M1")

	err := f.lifecycle.Start(context.Background(), "M1")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StateRunning, f.state(t, "M1"))

	require.NoError(t, f.lifecycle.Stop(context.Background(), "M1", "test done"))
}

func TestStopFreezesWinnerAndCleansUp(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t, "M1")

	require.NoError(t, f.store.WithMatch("M1", func(m *Match) error {
		m.TeamA.Score = 12
		m.TeamB.Score = 7
		return nil
	}))

	require.NoError(t, f.lifecycle.Stop(context.Background(), "M1", "stop rpc"))

	snap, _ := f.store.Get("M1")
	assert.Equal(t, StateEnded, snap.State)
	require.NotNil(t, snap.Final)
	assert.Equal(t, TeamAKey, snap.Final.Winner)
	assert.Equal(t, 12, snap.Final.TeamA.Score)

	// Infrastructure gone, sandbox empty.
	_, ok := f.store.Infra("M1")
	assert.False(t, ok)
	assert.Zero(t, f.runtime.ContainerCount())
	assert.Zero(t, f.runtime.NetworkCount())
}

func TestStopDraw(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t, "M1")
	require.NoError(t, f.lifecycle.Stop(context.Background(), "M1", "stop rpc"))

	snap, _ := f.store.Get("M1")
	require.NotNil(t, snap.Final)
	assert.Equal(t, "draw", snap.Final.Winner)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t, "M1")

	require.NoError(t, f.store.WithMatch("M1", func(m *Match) error {
		m.TeamB.Score = 3
		return nil
	}))
	require.NoError(t, f.lifecycle.Stop(context.Background(), "M1", "first"))

	snap, _ := f.store.Get("M1")
	first := snap.Final
	require.NotNil(t, first)

	require.NoError(t, f.lifecycle.Stop(context.Background(), "M1", "second"))
	snap, _ = f.store.Get("M1")
	assert.Same(t, first, snap.Final)
	assert.Equal(t, StateEnded, snap.State)
}

func TestStopUnknownMatch(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.lifecycle.Stop(context.Background(), "nope", "x"), ErrMatchNotFound)
}

func TestCleanupSurvivesContainerFailures(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t, "M1")

	inf, _ := f.store.Infra("M1")
	require.NotEmpty(t, inf.TeamB)
	f.runtime.FailStop[inf.TeamB[0].ID] = true

	require.NoError(t, f.lifecycle.Stop(context.Background(), "M1", "stop"))

	// One container survived the failing stop, the rest and the network
	// are gone, and the record is deleted regardless.
	assert.Equal(t, 1, f.runtime.ContainerCount())
	assert.Zero(t, f.runtime.NetworkCount())
	_, ok := f.store.Infra("M1")
	assert.False(t, ok)
	assert.Equal(t, StateEnded, f.state(t, "M1"))
}

func TestCleanupRemovesTeamBFirst(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t, "M1")

	inf, _ := f.store.Infra("M1")
	firstB := inf.TeamB[0].ID
	lastA := inf.TeamA[len(inf.TeamA)-1].ID

	require.NoError(t, f.lifecycle.Stop(context.Background(), "M1", "stop"))

	removed := f.runtime.RemovedContainers
	require.Len(t, removed, 4)
	assert.Equal(t, firstB, removed[0])
	assert.Equal(t, lastA, removed[3])
}
