package match

import (
	"sync"
	"time"

	"github.com/ghanishpatil/hackwars-engine/internal/flag"
)

// Store is the only mutable shared state in the process. Every mutator runs
// under the target match's exclusive lock; mutations of distinct matches
// proceed in parallel. Get returns a copied Snapshot, but its Final field
// and the record returned by Infra are the stored pointers, not copies.
type Store struct {
	mu      sync.RWMutex
	matches map[string]*Match
	locks   map[string]*sync.Mutex
	infra   map[string]*Infrastructure

	// maxActive caps matches whose state is not ENDED. Zero means no cap.
	maxActive int
}

func NewStore(maxActive int) *Store {
	return &Store{
		matches:   make(map[string]*Match),
		locks:     make(map[string]*sync.Mutex),
		infra:     make(map[string]*Infrastructure),
		maxActive: maxActive,
	}
}

// Create registers a new match in CREATED. The active-match cap is checked
// and the match inserted under one lock, so concurrent Starts cannot
// oversubscribe the engine.
func (s *Store) Create(id, difficulty string, teamSize int, teamA, teamB TeamSlot) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[id]; ok {
		return nil, ErrMatchExists
	}
	if s.maxActive > 0 && s.activeLocked() >= s.maxActive {
		return nil, ErrEngineBusy
	}

	if teamA.Key == "" {
		teamA.Key = TeamAKey
	}
	if teamB.Key == "" {
		teamB.Key = TeamBKey
	}
	if teamA.ID == "" {
		teamA.ID = teamA.Key
	}
	if teamB.ID == "" {
		teamB.ID = teamB.Key
	}

	m := &Match{
		ID:         id,
		State:      StateCreated,
		Difficulty: difficulty,
		TeamSize:   teamSize,
		TeamA:      teamA,
		TeamB:      teamB,
		Health:     make(map[string]*ServiceHealth),
		Uptime:     make(map[string]*UptimeCounter),
		Captures:   make(map[CaptureKey]string),
	}
	// A match started after provisioning adopts the provisioned team
	// identities, so flag ownership checks use the real team IDs.
	if inf, ok := s.infra[id]; ok {
		m.Infra = inf
		if len(inf.TeamA) > 0 {
			m.TeamA.ID = inf.TeamA[0].TeamID
		}
		if len(inf.TeamB) > 0 {
			m.TeamB.ID = inf.TeamB[0].TeamID
		}
	}
	s.matches[id] = m
	s.locks[id] = &sync.Mutex{}
	return m, nil
}

func (s *Store) activeLocked() int {
	n := 0
	for _, m := range s.matches {
		if m.State != StateEnded {
			n++
		}
	}
	return n
}

// ActiveCount returns the number of matches not yet ENDED.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked()
}

func (s *Store) lockFor(id string) (*sync.Mutex, *Match, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, nil, false
	}
	return s.locks[id], m, true
}

// WithMatch runs fn with the match's exclusive lock held. All writes to a
// Match go through here.
func (s *Store) WithMatch(id string, fn func(*Match) error) error {
	mu, m, ok := s.lockFor(id)
	if !ok {
		return ErrMatchNotFound
	}
	mu.Lock()
	defer mu.Unlock()
	return fn(m)
}

// Remove deletes a match record entirely. Only called after cleanup.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.matches, id)
	delete(s.locks, id)
	delete(s.infra, id)
}

// IDs returns the identifiers of every known match.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.matches))
	for id := range s.matches {
		ids = append(ids, id)
	}
	return ids
}

// InstallInfra records a match's provisioned infrastructure. It fails if the
// match already has one.
func (s *Store) InstallInfra(id string, inf *Infrastructure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.infra[id]; ok {
		return ErrAlreadyProvisioned
	}
	s.infra[id] = inf
	if m, ok := s.matches[id]; ok {
		m.Infra = inf
	}
	return nil
}

// Infra returns a match's infrastructure record, if present. Infrastructure
// can exist before its match: Provision and Start are independent RPCs.
func (s *Store) Infra(id string) (*Infrastructure, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inf, ok := s.infra[id]
	return inf, ok
}

// DeleteInfra drops the infrastructure record at end of cleanup.
func (s *Store) DeleteInfra(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.infra, id)
	if m, ok := s.matches[id]; ok {
		m.Infra = nil
	}
}

// Snapshot is a read-only copy of the externally visible match fields.
type Snapshot struct {
	ID          string
	State       State
	Difficulty  string
	CurrentTick int
	AdmittedAt  time.Time
	TeamA       TeamSlot
	TeamB       TeamSlot
	Final       *Result
}

// Get returns a point-in-time copy of a match.
func (s *Store) Get(id string) (Snapshot, bool) {
	mu, m, ok := s.lockFor(id)
	if !ok {
		return Snapshot{}, false
	}
	mu.Lock()
	defer mu.Unlock()
	return snapshotLocked(m), true
}

func snapshotLocked(m *Match) Snapshot {
	snap := Snapshot{
		ID:          m.ID,
		State:       m.State,
		Difficulty:  m.Difficulty,
		CurrentTick: m.CurrentTick,
		AdmittedAt:  m.AdmittedAt,
		TeamA:       m.TeamA,
		TeamB:       m.TeamB,
		Final:       m.Final,
	}
	snap.TeamA.Players = append([]string(nil), m.TeamA.Players...)
	snap.TeamB.Players = append([]string(nil), m.TeamB.Players...)
	return snap
}

// CurrentTick reads a match's tick counter.
func (s *Store) CurrentTick(id string) (int, error) {
	var tick int
	err := s.WithMatch(id, func(m *Match) error {
		tick = m.CurrentTick
		return nil
	})
	return tick, err
}

// IsFlagCaptured reports whether (service, tick) has already been captured.
func (s *Store) IsFlagCaptured(id, serviceID string, tick int) (bool, error) {
	var captured bool
	err := s.WithMatch(id, func(m *Match) error {
		_, captured = m.Captures[CaptureKey{ServiceID: serviceID, Tick: tick}]
		return nil
	})
	return captured, err
}

// RecordCapture atomically claims (service, tick) for a team. It returns
// false when another team got there first.
func (s *Store) RecordCapture(id, serviceID string, tick int, teamID string) (bool, error) {
	var won bool
	err := s.WithMatch(id, func(m *Match) error {
		key := CaptureKey{ServiceID: serviceID, Tick: tick}
		if _, taken := m.Captures[key]; taken {
			return nil
		}
		m.Captures[key] = teamID
		won = true
		return nil
	})
	return won, err
}

// Scores returns both slots' current scores keyed by slot name.
func (s *Store) Scores(id string) (map[string]int, error) {
	scores := make(map[string]int, 2)
	err := s.WithMatch(id, func(m *Match) error {
		scores[m.TeamA.Key] = m.TeamA.Score
		scores[m.TeamB.Key] = m.TeamB.Score
		return nil
	})
	return scores, err
}

// UptimeStats returns per-service up/down tick counters.
func (s *Store) UptimeStats(id string) (map[string]UptimeCounter, error) {
	stats := make(map[string]UptimeCounter)
	err := s.WithMatch(id, func(m *Match) error {
		for sid, c := range m.Uptime {
			stats[sid] = *c
		}
		return nil
	})
	return stats, err
}

// ServiceIDs enumerates the candidate service identities for flag
// validation: the provisioned containers when infrastructure exists, else
// the two legacy identities.
func (s *Store) ServiceIDs(id string) []string {
	if inf, ok := s.Infra(id); ok {
		return inf.ServiceIDs()
	}
	return flag.LegacyServiceIDs(id)
}
