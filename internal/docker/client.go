package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// Client wraps the Docker Engine API for container operations.
type Client struct {
	docker *client.Client
}

// NewClient creates a new Docker client from the environment and verifies
// the daemon is reachable. timeout bounds every daemon call; zero means no
// bound.
func NewClient(ctx context.Context, timeout time.Duration) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if timeout > 0 {
		opts = append(opts, client.WithTimeout(timeout))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &Client{docker: cli}, nil
}

// Ping checks liveness of the Docker daemon connection.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Version returns the Docker daemon version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	v, err := c.docker.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("docker version: %w", err)
	}
	return v.Version, nil
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.docker.Close()
}

// IsNotFound reports whether err means the container does not exist.
func IsNotFound(err error) bool {
	return err != nil && errdefs.IsNotFound(err)
}

// IsConflict reports whether err is a duplicate container name or a rejected
// host-port bind. Docker surfaces name conflicts at create time and port
// conflicts at start time; both are retryable with a fresh allocation.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errdefs.IsConflict(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "already in use by container")
}
