package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// ContainerConfig defines how to create a sandbox container.
type ContainerConfig struct {
	Name         string
	Image        string
	Labels       map[string]string
	Env          map[string]string
	MemoryMB     int
	CPUCount     int
	InternalPort int // port the service listens on inside the container
	HostPort     int // host port mapped to InternalPort

	// Optional health probe executed inside the container
	HealthTest     []string
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	HealthRetries  int
}

// CreateContainer creates a container with the given config. Returns the
// container ID. The container is not started.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	internal := nat.Port(fmt.Sprintf("%d/tcp", cfg.InternalPort))

	containerCfg := &container.Config{
		Image:  cfg.Image,
		Labels: cfg.Labels,
		Env:    env,
		ExposedPorts: nat.PortSet{
			internal: struct{}{},
		},
	}
	if len(cfg.HealthTest) > 0 {
		containerCfg.Healthcheck = &container.HealthConfig{
			Test:     cfg.HealthTest,
			Interval: cfg.HealthInterval,
			Timeout:  cfg.HealthTimeout,
			Retries:  cfg.HealthRetries,
		}
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			internal: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: strconv.Itoa(cfg.HostPort)},
			},
		},
		Resources: container.Resources{
			Memory:   int64(cfg.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(cfg.CPUCount) * 1e9,
		},
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", cfg.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a container by ID or name.
func (c *Client) StartContainer(ctx context.Context, nameOrID string) error {
	if err := c.docker.ContainerStart(ctx, nameOrID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start %s: %w", nameOrID, err)
	}
	return nil
}

// StopContainer requests a graceful stop, killing after graceSec seconds.
func (c *Client) StopContainer(ctx context.Context, nameOrID string, graceSec int) error {
	opts := container.StopOptions{}
	if graceSec > 0 {
		opts.Timeout = &graceSec
	}
	if err := c.docker.ContainerStop(ctx, nameOrID, opts); err != nil {
		return fmt.Errorf("container stop %s: %w", nameOrID, err)
	}
	return nil
}

// RemoveContainer removes a container. Force=true kills running containers.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string, force bool) error {
	if err := c.docker.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("container remove %s: %w", nameOrID, err)
	}
	return nil
}

// ContainerInfo holds inspect output for a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Running   bool
	State     string // raw Docker state string, e.g. "running", "exited"
	HostPort  int    // first bound host port, 0 if none
	Labels    map[string]string
	CreatedAt time.Time
}

// InspectContainer returns detailed info about a container.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (*ContainerInfo, error) {
	inspect, err := c.docker.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return nil, fmt.Errorf("container inspect %s: %w", nameOrID, err)
	}

	info := &ContainerInfo{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.State != nil {
		info.Running = inspect.State.Running
		info.State = inspect.State.Status
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	}
	if inspect.NetworkSettings != nil {
		for _, bindings := range inspect.NetworkSettings.Ports {
			for _, b := range bindings {
				if port, err := strconv.Atoi(b.HostPort); err == nil && port > 0 {
					info.HostPort = port
					break
				}
			}
			if info.HostPort != 0 {
				break
			}
		}
	}
	return info, nil
}

// ContainerSummary represents a container from a list call.
type ContainerSummary struct {
	ID        string
	Name      string
	State     string
	Labels    map[string]string
	HostPorts []int
	CreatedAt time.Time
}

// ListContainers lists all containers (running or not) matching the given
// label filter, e.g. "shopbox.managed=true".
func (c *Client) ListContainers(ctx context.Context, labelFilter string) ([]ContainerSummary, error) {
	opts := container.ListOptions{All: true}
	if labelFilter != "" {
		opts.Filters = filters.NewArgs(filters.Arg("label", labelFilter))
	}
	containers, err := c.docker.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	summaries := make([]ContainerSummary, 0, len(containers))
	for _, ct := range containers {
		summary := ContainerSummary{
			ID:        ct.ID,
			Name:      firstName(ct.Names),
			State:     ct.State,
			Labels:    ct.Labels,
			CreatedAt: time.Unix(ct.Created, 0),
		}
		for _, p := range ct.Ports {
			if p.PublicPort > 0 {
				summary.HostPorts = append(summary.HostPorts, int(p.PublicPort))
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// ContainerLogs returns the last tail lines of combined stdout/stderr with
// timestamps. Read-only, side-effect free.
func (c *Client) ContainerLogs(ctx context.Context, nameOrID string, tail int) (string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}

	reader, err := c.docker.ContainerLogs(ctx, nameOrID, opts)
	if err != nil {
		return "", fmt.Errorf("container logs %s: %w", nameOrID, err)
	}
	defer reader.Close()

	// Docker multiplexes stdout/stderr into one stream; demux into one buffer.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", fmt.Errorf("container logs %s: %w", nameOrID, err)
	}
	return buf.String(), nil
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
