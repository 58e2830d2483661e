// Package docker implements the sandbox.Runtime interface against the
// Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

// Engine-owned resources are tagged with these labels; recovery and the
// safety cron filter on them.
const (
	ManagedLabel  = "hackwars.managed"
	MatchLabel    = "hackwars.match.id"
	TeamLabel     = "hackwars.team.id"
	TypeLabel     = "hackwars.service.type"
	TemplateLabel = "hackwars.template.id"
)

// Resource and security policy applied to every match container.
const (
	memoryLimitBytes   = 512 * 1024 * 1024
	memoryReserveBytes = 256 * 1024 * 1024
	cpuQuotaMicros     = 50_000
	cpuPeriodMicros    = 100_000
	pidsLimit          = int64(100)
	restartMaxRetries  = 3

	stopTimeoutSeconds = 10
)

// Runtime talks to the Docker daemon. Stateless apart from the subnet pool;
// callers provide per-match ordering.
type Runtime struct {
	cli  *client.Client
	pool *SubnetPool
}

func New() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runtime{cli: cli, pool: NewSubnetPool()}, nil
}

// Pool exposes the subnet allocator. Re-seeding from networks that survived
// a restart happens inside ListMatchNetworks, not through this accessor.
func (r *Runtime) Pool() *SubnetPool {
	return r.pool
}

func (r *Runtime) Healthy(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

// NetworkName is the canonical name of a match's network.
func NetworkName(matchID string) string {
	return "match_" + matchID
}

// CreateNetwork creates the isolated bridge for a match. If a network with
// the match's name already exists it is returned as-is without touching the
// pool.
func (r *Runtime) CreateNetwork(ctx context.Context, matchID string) (*sandbox.Network, error) {
	name := NetworkName(matchID)

	if existing, err := r.findNetwork(ctx, name); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	octet, subnet, err := r.pool.Allocate()
	if err != nil {
		return nil, err
	}

	resp, err := r.cli.NetworkCreate(ctx, name, types.NetworkCreate{
		CheckDuplicate: true,
		Driver:         "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: subnet}},
		},
		Labels: map[string]string{
			ManagedLabel: "true",
			MatchLabel:   matchID,
		},
	})
	if err != nil {
		r.pool.Release(octet)
		return nil, fmt.Errorf("failed to create network %s: %w", name, err)
	}

	log.Info().Str("match_id", matchID).Str("subnet", subnet).Msg("match network created")
	return &sandbox.Network{ID: resp.ID, Name: name, Subnet: subnet}, nil
}

func (r *Runtime) findNetwork(ctx context.Context, name string) (*sandbox.Network, error) {
	list, err := r.cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range list {
		// The name filter matches substrings; require exact.
		if n.Name != name {
			continue
		}
		subnet := ""
		if len(n.IPAM.Config) > 0 {
			subnet = n.IPAM.Config[0].Subnet
		}
		return &sandbox.Network{ID: n.ID, Name: n.Name, Subnet: subnet}, nil
	}
	return nil, nil
}

// containerName composes the runtime name for one service container.
func containerName(matchID, teamID string, t sandbox.ServiceTemplate) string {
	short := t.TemplateID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("match-%s-%s-%s-%s", matchID, teamID, t.Type, short)
}

// ProvisionTeam creates and starts one container per template. On any
// failure the containers created so far in this call are removed before the
// error is returned.
func (r *Runtime) ProvisionTeam(ctx context.Context, matchID, teamID, networkID string, templates []sandbox.ServiceTemplate) ([]*sandbox.Container, error) {
	var created []*sandbox.Container

	rollback := func() {
		for _, c := range created {
			if err := r.StopAndRemove(context.Background(), c.ID); err != nil {
				log.Warn().Err(err).Str("container_id", c.ID).Msg("rollback removal failed")
			}
		}
	}

	for _, tmpl := range templates {
		c, err := r.startService(ctx, matchID, teamID, networkID, tmpl)
		if err != nil {
			rollback()
			return nil, err
		}
		created = append(created, c)
	}
	return created, nil
}

func (r *Runtime) startService(ctx context.Context, matchID, teamID, networkID string, tmpl sandbox.ServiceTemplate) (*sandbox.Container, error) {
	if err := r.ensureImage(ctx, tmpl.DockerImage); err != nil {
		return nil, err
	}

	env := make([]string, 0, len(tmpl.Env))
	for k, v := range tmpl.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	pids := pidsLimit
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:            memoryLimitBytes,
			MemorySwap:        memoryLimitBytes, // equal to the limit: swap disabled
			MemoryReservation: memoryReserveBytes,
			CPUQuota:          cpuQuotaMicros,
			CPUPeriod:         cpuPeriodMicros,
			PidsLimit:         &pids,
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Privileged:  false,
		RestartPolicy: container.RestartPolicy{
			Name:              "on-failure",
			MaximumRetryCount: restartMaxRetries,
		},
	}

	netName := NetworkName(matchID)
	networkingConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			netName: {NetworkID: networkID},
		},
	}

	name := containerName(matchID, teamID, tmpl)
	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image: tmpl.DockerImage,
			Env:   env,
			Labels: map[string]string{
				ManagedLabel:  "true",
				MatchLabel:    matchID,
				TeamLabel:     teamID,
				TypeLabel:     string(tmpl.Type),
				TemplateLabel: tmpl.TemplateID,
			},
		},
		hostConfig,
		networkingConfig,
		nil,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = r.StopAndRemove(context.Background(), resp.ID)
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	info, err := r.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = r.StopAndRemove(context.Background(), resp.ID)
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	address := ""
	if ep, ok := info.NetworkSettings.Networks[netName]; ok {
		address = ep.IPAddress
	}

	return &sandbox.Container{
		ID:          resp.ID,
		Address:     address,
		Port:        tmpl.Port,
		Type:        tmpl.Type,
		TemplateID:  tmpl.TemplateID,
		TeamID:      teamID,
		ServiceID:   teamID + "_" + tmpl.TemplateID,
		FlagPath:    tmpl.FlagPath,
		HealthCheck: tmpl.HealthCheck,
	}, nil
}

func (r *Runtime) ensureImage(ctx context.Context, image string) error {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", image, err)
	}

	log.Info().Str("image", image).Msg("image not present, pulling")
	reader, err := r.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	// Drain so the pull runs to completion.
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()
	return nil
}

// InjectFlag overwrites the flag file inside a container. Value and path are
// made shell-safe before being handed to the exec.
func (r *Runtime) InjectFlag(ctx context.Context, containerID, path, value string) error {
	safePath, err := sanitizePath(path)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("mkdir -p %s && printf '%%s' %s > %s",
		shellQuote(parentDir(safePath)), shellQuote(value), shellQuote(safePath))

	execResp, err := r.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          []string{"sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("%w: exec create: %v", sandbox.ErrInjectFailed, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return fmt.Errorf("%w: exec attach: %v", sandbox.ErrInjectFailed, err)
	}
	_, _ = io.Copy(io.Discard, attach.Reader)
	attach.Close()

	inspect, err := r.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return fmt.Errorf("%w: exec inspect: %v", sandbox.ErrInjectFailed, err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("%w: exit code %d", sandbox.ErrInjectFailed, inspect.ExitCode)
	}
	return nil
}

// StopAndRemove gracefully stops a container, then force-removes it. A
// container that is already gone is not an error.
func (r *Runtime) StopAndRemove(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		log.Debug().Err(err).Str("container_id", containerID).Msg("graceful stop failed, force removing")
	}

	err := r.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// RemoveNetwork removes a match's network by name and releases its subnet.
// A missing network is a no-op.
func (r *Runtime) RemoveNetwork(ctx context.Context, matchID string) error {
	n, err := r.findNetwork(ctx, NetworkName(matchID))
	if err != nil {
		return err
	}
	if n == nil {
		return nil
	}
	if err := r.cli.NetworkRemove(ctx, n.ID); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove network %s: %w", n.Name, err)
	}
	r.pool.Release(OctetOf(n.Subnet))
	return nil
}

// ListMatchContainers returns every engine-labeled container with its match
// identity.
func (r *Runtime) ListMatchContainers(ctx context.Context) ([]sandbox.Resource, error) {
	list, err := r.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]sandbox.Resource, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, sandbox.Resource{
			ID:        c.ID,
			Name:      name,
			MatchID:   c.Labels[MatchLabel],
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

// ListMatchNetworks returns every engine-labeled network. The subnet pool is
// re-seeded as a side effect so reallocations cannot collide with networks
// that survived a restart.
func (r *Runtime) ListMatchNetworks(ctx context.Context) ([]sandbox.Resource, error) {
	list, err := r.cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}

	out := make([]sandbox.Resource, 0, len(list))
	for _, n := range list {
		if len(n.IPAM.Config) > 0 {
			r.pool.Reserve(OctetOf(n.IPAM.Config[0].Subnet))
		}
		out = append(out, sandbox.Resource{
			ID:        n.ID,
			Name:      n.Name,
			MatchID:   n.Labels[MatchLabel],
			CreatedAt: n.Created,
		})
	}
	return out, nil
}

// AttachedContainerCount reports how many containers are on a network.
func (r *Runtime) AttachedContainerCount(ctx context.Context, networkID string) (int, error) {
	n, err := r.cli.NetworkInspect(ctx, networkID, types.NetworkInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return 0, sandbox.ErrNetworkNotFound
		}
		return 0, err
	}
	return len(n.Containers), nil
}

// RemoveNetworkByID removes a network found by a sweep, releasing its subnet.
func (r *Runtime) RemoveNetworkByID(ctx context.Context, networkID string) error {
	n, err := r.cli.NetworkInspect(ctx, networkID, types.NetworkInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return err
	}
	if err := r.cli.NetworkRemove(ctx, networkID); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove network %s: %w", n.Name, err)
	}
	if len(n.IPAM.Config) > 0 {
		r.pool.Release(OctetOf(n.IPAM.Config[0].Subnet))
	}
	return nil
}
