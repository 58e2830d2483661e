package match

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

func newStoredMatch(t *testing.T, s *Store, id string) *Match {
	t.Helper()
	m, err := s.Create(id, "beginner", 1,
		TeamSlot{Players: []string{"p1"}},
		TeamSlot{Players: []string{"p2"}},
	)
	require.NoError(t, err)
	return m
}

func TestCreateAssignsSlotDefaults(t *testing.T) {
	s := NewStore(0)
	m := newStoredMatch(t, s, "M1")

	assert.Equal(t, StateCreated, m.State)
	assert.Equal(t, TeamAKey, m.TeamA.Key)
	assert.Equal(t, TeamAKey, m.TeamA.ID)
	assert.Equal(t, TeamBKey, m.TeamB.Key)
}

func TestCreateDuplicate(t *testing.T) {
	s := NewStore(0)
	newStoredMatch(t, s, "M1")

	_, err := s.Create("M1", "beginner", 1, TeamSlot{}, TeamSlot{})
	assert.ErrorIs(t, err, ErrMatchExists)
}

func TestCreateEnforcesCap(t *testing.T) {
	s := NewStore(2)
	newStoredMatch(t, s, "M1")
	newStoredMatch(t, s, "M2")

	_, err := s.Create("M3", "beginner", 1, TeamSlot{}, TeamSlot{})
	assert.ErrorIs(t, err, ErrEngineBusy)

	// An ended match frees its slot.
	require.NoError(t, s.WithMatch("M1", func(m *Match) error {
		m.State = StateEnded
		return nil
	}))
	_, err = s.Create("M3", "beginner", 1, TeamSlot{}, TeamSlot{})
	assert.NoError(t, err)
}

func TestCreateAdoptsProvisionedTeamIDs(t *testing.T) {
	s := NewStore(0)
	require.NoError(t, s.InstallInfra("M1", &Infrastructure{
		MatchID: "M1",
		TeamA:   []*sandbox.Container{{ID: "c1", TeamID: "alpha", ServiceID: "alpha_T1"}},
		TeamB:   []*sandbox.Container{{ID: "c2", TeamID: "bravo", ServiceID: "bravo_T1"}},
	}))

	m := newStoredMatch(t, s, "M1")
	assert.Equal(t, "alpha", m.TeamA.ID)
	assert.Equal(t, "bravo", m.TeamB.ID)
	assert.NotNil(t, m.Infra)
}

func TestInstallInfraTwice(t *testing.T) {
	s := NewStore(0)
	require.NoError(t, s.InstallInfra("M1", &Infrastructure{MatchID: "M1"}))
	assert.ErrorIs(t, s.InstallInfra("M1", &Infrastructure{MatchID: "M1"}), ErrAlreadyProvisioned)
}

func TestDeleteInfraDetachesMatch(t *testing.T) {
	s := NewStore(0)
	require.NoError(t, s.InstallInfra("M1", &Infrastructure{MatchID: "M1"}))
	newStoredMatch(t, s, "M1")

	s.DeleteInfra("M1")
	_, ok := s.Infra("M1")
	assert.False(t, ok)

	require.NoError(t, s.WithMatch("M1", func(m *Match) error {
		assert.Nil(t, m.Infra)
		return nil
	}))
}

func TestRecordCaptureDedup(t *testing.T) {
	s := NewStore(0)
	newStoredMatch(t, s, "M1")

	won, err := s.RecordCapture("M1", "teamA_M1", 3, "teamB")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.RecordCapture("M1", "teamA_M1", 3, "teamB")
	require.NoError(t, err)
	assert.False(t, won)

	captured, err := s.IsFlagCaptured("M1", "teamA_M1", 3)
	require.NoError(t, err)
	assert.True(t, captured)

	// A different tick of the same service is a fresh capture.
	won, err = s.RecordCapture("M1", "teamA_M1", 4, "teamB")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestRecordCaptureConcurrentSingleWinner(t *testing.T) {
	s := NewStore(0)
	newStoredMatch(t, s, "M1")

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		team := "teamB"
		if i%2 == 0 {
			team = "teamA"
		}
		wg.Add(1)
		go func(team string) {
			defer wg.Done()
			won, err := s.RecordCapture("M1", "svc_T1", 1, team)
			if err == nil && won {
				wins <- team
			}
		}(team)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)
}

func TestScoreSaturation(t *testing.T) {
	slot := &TeamSlot{Score: ScoreMax - 1}
	slot.addScore(5)
	assert.Equal(t, ScoreMax, slot.Score)

	slot.Score = ScoreMin + 1
	slot.addScore(-5)
	assert.Equal(t, ScoreMin, slot.Score)
}

func TestServiceIDsPreferInfrastructure(t *testing.T) {
	s := NewStore(0)
	newStoredMatch(t, s, "M1")

	// Without infrastructure, legacy identities apply.
	assert.Equal(t, []string{"teamA_M1", "teamB_M1"}, s.ServiceIDs("M1"))

	s2 := NewStore(0)
	require.NoError(t, s2.InstallInfra("M2", &Infrastructure{
		MatchID: "M2",
		TeamA:   []*sandbox.Container{{ID: "c1", ServiceID: "A_T1"}, {ID: "c2", ServiceID: "A_T2"}},
		TeamB:   []*sandbox.Container{{ID: "c3", ServiceID: "B_T1"}, {ID: "c4", ServiceID: "B_T2"}},
	}))
	assert.Equal(t, []string{"A_T1", "A_T2", "B_T1", "B_T2"}, s2.ServiceIDs("M2"))
}

func TestSnapshotIsDetached(t *testing.T) {
	s := NewStore(0)
	newStoredMatch(t, s, "M1")

	snap, ok := s.Get("M1")
	require.True(t, ok)
	snap.TeamA.Players[0] = "mutated"
	snap.TeamA.Score = 99

	again, _ := s.Get("M1")
	assert.Equal(t, "p1", again.TeamA.Players[0])
	assert.Zero(t, again.TeamA.Score)
}

func TestRemoveDropsEverything(t *testing.T) {
	s := NewStore(0)
	newStoredMatch(t, s, "M1")
	require.NoError(t, s.InstallInfra("M1", &Infrastructure{MatchID: "M1"}))

	s.Remove("M1")

	_, ok := s.Get("M1")
	assert.False(t, ok)
	_, ok = s.Infra("M1")
	assert.False(t, ok)
	assert.Zero(t, s.ActiveCount())
}

func TestUnknownMatchErrors(t *testing.T) {
	s := NewStore(0)
	assert.ErrorIs(t, s.WithMatch("nope", func(*Match) error { return nil }), ErrMatchNotFound)
	_, err := s.CurrentTick("nope")
	assert.ErrorIs(t, err, ErrMatchNotFound)
	_, ok := s.Get("nope")
	assert.False(t, ok)
}
