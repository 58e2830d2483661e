// Package match holds the engine's in-memory match model: the state store,
// the lifecycle state machine and the per-match tick loop.
//
// Matches are never persisted. The store is the single owner of every Match
// record; the lifecycle machine is the only writer of match state.
package match

import (
	"errors"
	"time"

	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

// State is a match's lifecycle phase.
type State string

const (
	StateCreated      State = "CREATED"
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StateEnding       State = "ENDING"
	StateEnded        State = "ENDED"
)

// Score bounds. Scores saturate here instead of wrapping.
const (
	ScoreMin = -1_000_000
	ScoreMax = 1_000_000
)

// Scoring constants applied by the tick loop.
const (
	UptimeDelta  = 1
	CaptureBonus = 10
)

// TickInterval is the period of the scoring loop.
const TickInterval = 30 * time.Second

// Team keys used for score slots and legacy service identity.
const (
	TeamAKey = "teamA"
	TeamBKey = "teamB"
)

var (
	ErrMatchNotFound      = errors.New("match not found")
	ErrMatchExists        = errors.New("match already exists")
	ErrEngineBusy         = errors.New("concurrent match limit reached")
	ErrIllegalTransition  = errors.New("illegal state transition")
	ErrNotRunning         = errors.New("match is not running")
	ErrNoInfrastructure   = errors.New("match has no infrastructure")
	ErrAlreadyProvisioned = errors.New("match already provisioned")
)

// HealthStatus is the last observed probe outcome for a service.
type HealthStatus string

const (
	HealthUp   HealthStatus = "UP"
	HealthDown HealthStatus = "DOWN"
)

// ServiceHealth tracks probe history for one service of a match.
type ServiceHealth struct {
	Status           HealthStatus
	LastProbe        time.Time
	ConsecutiveFails int
}

// UptimeCounter accumulates up/down ticks for one service.
type UptimeCounter struct {
	UpTicks   int
	DownTicks int
}

// CaptureKey identifies a single capturable flag instance.
type CaptureKey struct {
	ServiceID string
	Tick      int
}

// TeamSlot is one side of a match: its external team identity, roster and
// live score.
type TeamSlot struct {
	// Key is the slot name, teamA or teamB.
	Key string
	// ID is the Control-Plane team identifier; defaults to the slot key
	// when the match is started without provisioning.
	ID      string
	Players []string
	Score   int
}

// Infrastructure is the sandbox footprint of one provisioned match.
type Infrastructure struct {
	MatchID     string               `json:"matchId"`
	NetworkID   string               `json:"networkId"`
	NetworkName string               `json:"networkName"`
	Subnet      string               `json:"subnet"`
	TeamA       []*sandbox.Container `json:"teamA"`
	TeamB       []*sandbox.Container `json:"teamB"`
}

// Containers returns every container of the match, team A first.
func (inf *Infrastructure) Containers() []*sandbox.Container {
	out := make([]*sandbox.Container, 0, len(inf.TeamA)+len(inf.TeamB))
	out = append(out, inf.TeamA...)
	out = append(out, inf.TeamB...)
	return out
}

// ServiceIDs returns the composite service identities of all containers.
func (inf *Infrastructure) ServiceIDs() []string {
	containers := inf.Containers()
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ServiceID)
	}
	return ids
}

// TeamStats is the per-team slice of a final result.
type TeamStats struct {
	Players       []string `json:"players"`
	Score         int      `json:"score"`
	FlagsCaptured int      `json:"flagsCaptured"`
	UptimeTicks   int      `json:"uptimeTicks"`
	DowntimeTicks int      `json:"downtimeTicks"`
}

// Result is the frozen outcome of an ended match. Once set it never changes,
// even after infrastructure cleanup.
type Result struct {
	MatchID    string    `json:"matchId"`
	Difficulty string    `json:"difficulty"`
	TeamA      TeamStats `json:"teamA"`
	TeamB      TeamStats `json:"teamB"`
	// Winner is teamA, teamB or draw.
	Winner string `json:"winner"`
}

// Match is the full mutable record of one match. All access goes through the
// Store's per-match lock.
type Match struct {
	ID         string
	State      State
	Difficulty string
	TeamSize   int
	TeamA      TeamSlot
	TeamB      TeamSlot

	// AdmittedAt is set on entry to RUNNING and drives max-duration
	// enforcement.
	AdmittedAt time.Time

	Infra *Infrastructure

	CurrentTick int

	Health   map[string]*ServiceHealth
	Uptime   map[string]*UptimeCounter
	Captures map[CaptureKey]string

	Final *Result
}

// teamSlotForService maps a composite service identity to the owning slot.
// Ownership is by identifier prefix: serviceID is teamId_templateId.
func (m *Match) teamSlotForService(serviceID string) *TeamSlot {
	if hasTeamPrefix(serviceID, m.TeamA.ID) {
		return &m.TeamA
	}
	if hasTeamPrefix(serviceID, m.TeamB.ID) {
		return &m.TeamB
	}
	return nil
}

func hasTeamPrefix(serviceID, teamID string) bool {
	return teamID != "" && len(serviceID) > len(teamID)+1 &&
		serviceID[:len(teamID)+1] == teamID+"_"
}

// OwnsService reports whether the given team owns the service the flag is
// bound to.
func (m *Match) OwnsService(teamID, serviceID string) bool {
	return hasTeamPrefix(serviceID, teamID)
}

// SlotFor resolves an external team identifier to a slot, accepting both
// the Control-Plane identity and the slot key.
func (m *Match) SlotFor(teamID string) *TeamSlot {
	switch teamID {
	case m.TeamA.ID, m.TeamA.Key:
		return &m.TeamA
	case m.TeamB.ID, m.TeamB.Key:
		return &m.TeamB
	}
	return nil
}

// addScore applies a bounded delta to a slot's score.
func (s *TeamSlot) addScore(delta int) {
	next := s.Score + delta
	if next > ScoreMax {
		next = ScoreMax
	}
	if next < ScoreMin {
		next = ScoreMin
	}
	s.Score = next
}
