// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

// FakeRuntime simulates networks, containers and flag files without a
// daemon, and records the order of container and network removals. Failure injection knobs let tests drive
// rollback and best-effort-cleanup paths.
type FakeRuntime struct {
	mu  sync.Mutex
	seq int

	networks   map[string]*sandbox.Network   // matchID -> network
	containers map[string]*sandbox.Container // containerID -> container
	owner      map[string]string             // containerID -> matchID
	flags      map[string]string             // containerID -> last injected value
	created    map[string]time.Time          // containerID -> creation instant

	// RemovedContainers and RemovedNetworks record teardown order.
	RemovedContainers []string
	RemovedNetworks   []string

	// FailTeam makes ProvisionTeam fail for that teamID after creating
	// FailAfter containers.
	FailTeam  string
	FailAfter int

	// FailInject makes every InjectFlag call fail.
	FailInject bool

	// FailStop makes StopAndRemove fail for the listed container IDs
	// while still recording the attempt.
	FailStop map[string]bool
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		networks:   make(map[string]*sandbox.Network),
		containers: make(map[string]*sandbox.Container),
		owner:      make(map[string]string),
		flags:      make(map[string]string),
		created:    make(map[string]time.Time),
		FailStop:   make(map[string]bool),
	}
}

func (f *FakeRuntime) CreateNetwork(_ context.Context, matchID string) (*sandbox.Network, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.networks[matchID]; ok {
		return n, nil
	}
	f.seq++
	n := &sandbox.Network{
		ID:     fmt.Sprintf("net-%d", f.seq),
		Name:   "match_" + matchID,
		Subnet: fmt.Sprintf("172.20.%d.0/24", f.seq),
	}
	f.networks[matchID] = n
	return n, nil
}

func (f *FakeRuntime) ProvisionTeam(_ context.Context, matchID, teamID, networkID string, templates []sandbox.ServiceTemplate) ([]*sandbox.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*sandbox.Container
	for i, tmpl := range templates {
		if teamID == f.FailTeam && i >= f.FailAfter {
			// Roll back this call's containers, as the real driver does.
			for _, c := range out {
				delete(f.containers, c.ID)
				delete(f.owner, c.ID)
				f.RemovedContainers = append(f.RemovedContainers, c.ID)
			}
			return nil, errors.New("simulated provisioning failure")
		}
		f.seq++
		c := &sandbox.Container{
			ID:          fmt.Sprintf("ctr-%d", f.seq),
			Address:     fmt.Sprintf("172.20.1.%d", f.seq),
			Port:        tmpl.Port,
			Type:        tmpl.Type,
			TemplateID:  tmpl.TemplateID,
			TeamID:      teamID,
			ServiceID:   teamID + "_" + tmpl.TemplateID,
			FlagPath:    tmpl.FlagPath,
			HealthCheck: tmpl.HealthCheck,
		}
		f.containers[c.ID] = c
		f.owner[c.ID] = matchID
		f.created[c.ID] = time.Now()
		out = append(out, c)
	}
	return out, nil
}

func (f *FakeRuntime) InjectFlag(_ context.Context, containerID, path, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailInject {
		return sandbox.ErrInjectFailed
	}
	if _, ok := f.containers[containerID]; !ok {
		return sandbox.ErrContainerNotFound
	}
	f.flags[containerID] = value
	return nil
}

func (f *FakeRuntime) StopAndRemove(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RemovedContainers = append(f.RemovedContainers, containerID)
	if f.FailStop[containerID] {
		return errors.New("simulated stop failure")
	}
	delete(f.containers, containerID)
	delete(f.owner, containerID)
	delete(f.flags, containerID)
	return nil
}

func (f *FakeRuntime) RemoveNetwork(_ context.Context, matchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.networks[matchID]
	if !ok {
		return nil
	}
	delete(f.networks, matchID)
	f.RemovedNetworks = append(f.RemovedNetworks, n.Name)
	return nil
}

func (f *FakeRuntime) ListMatchContainers(_ context.Context) ([]sandbox.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.Resource, 0, len(f.containers))
	for id, c := range f.containers {
		out = append(out, sandbox.Resource{
			ID:        id,
			Name:      "match-" + f.owner[id] + "-" + c.TeamID,
			MatchID:   f.owner[id],
			CreatedAt: f.created[id],
		})
	}
	return out, nil
}

func (f *FakeRuntime) ListMatchNetworks(_ context.Context) ([]sandbox.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.Resource, 0, len(f.networks))
	for matchID, n := range f.networks {
		out = append(out, sandbox.Resource{ID: n.ID, Name: n.Name, MatchID: matchID})
	}
	return out, nil
}

func (f *FakeRuntime) AttachedContainerCount(_ context.Context, networkID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matchID string
	for m, n := range f.networks {
		if n.ID == networkID {
			matchID = m
		}
	}
	if matchID == "" {
		return 0, sandbox.ErrNetworkNotFound
	}
	count := 0
	for _, owner := range f.owner {
		if owner == matchID {
			count++
		}
	}
	return count, nil
}

func (f *FakeRuntime) RemoveNetworkByID(_ context.Context, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for matchID, n := range f.networks {
		if n.ID == networkID {
			delete(f.networks, matchID)
			f.RemovedNetworks = append(f.RemovedNetworks, n.Name)
			return nil
		}
	}
	return nil
}

func (f *FakeRuntime) Healthy(context.Context) error { return nil }
func (f *FakeRuntime) Close() error                  { return nil }

// FlagIn returns the last value injected into a container.
func (f *FakeRuntime) FlagIn(containerID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[containerID]
}

// ContainerCount reports how many containers currently exist.
func (f *FakeRuntime) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// NetworkCount reports how many networks currently exist.
func (f *FakeRuntime) NetworkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.networks)
}

// AgeContainer rewrites a container's creation time, for safety-cron tests.
func (f *FakeRuntime) AgeContainer(containerID string, createdAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[containerID] = createdAt
}
