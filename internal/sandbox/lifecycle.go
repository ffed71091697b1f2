package sandbox

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopboxhq/shopbox/internal/docker"
	"github.com/shopboxhq/shopbox/pkg/types"
)

const (
	labelPrefix     = "shopbox"
	LabelManaged    = labelPrefix + ".managed"
	LabelInstanceID = labelPrefix + ".instance_id"
	LabelOwnerID    = labelPrefix + ".owner_id"
	LabelCreated    = labelPrefix + ".created_at"

	// ManagedFilter selects every container provisioned by this service.
	ManagedFilter = LabelManaged + "=true"

	namePrefix = "shopbox"
)

// Runtime is the container runtime interface the lifecycle manager consumes.
// *docker.Client satisfies it; tests use fakes.
type Runtime interface {
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, nameOrID string) error
	StopContainer(ctx context.Context, nameOrID string, graceSec int) error
	RemoveContainer(ctx context.Context, nameOrID string, force bool) error
	InspectContainer(ctx context.Context, nameOrID string) (*docker.ContainerInfo, error)
	ListContainers(ctx context.Context, labelFilter string) ([]docker.ContainerSummary, error)
	ContainerLogs(ctx context.Context, nameOrID string, tail int) (string, error)
	Ping(ctx context.Context) error
}

// LifecycleConfig holds the fixed sandbox container parameters.
type LifecycleConfig struct {
	Image          string
	InternalPort   int
	MemoryLimitMB  int
	CPUCount       int
	StopGraceSec   int
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	HealthRetries  int
	BaseURL        string
}

// Lifecycle wraps the container runtime with sandbox-specific configuration.
// It never touches the record store; retry policy belongs to the caller.
type Lifecycle struct {
	runtime Runtime
	cfg     LifecycleConfig
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(runtime Runtime, cfg LifecycleConfig) *Lifecycle {
	return &Lifecycle{runtime: runtime, cfg: cfg}
}

// ContainerDescriptor is returned by Create.
type ContainerDescriptor struct {
	ContainerID string
	Name        string
	URL         string
}

// ContainerState is the result of a Status call.
type ContainerState struct {
	Running  bool
	State    string // raw runtime state string
	HostPort int
}

// Create builds and creates a sandbox container bound to hostPort. The
// container is not started. On a name collision the name is disambiguated
// with an incrementing counter derived from existing names.
func (l *Lifecycle) Create(ctx context.Context, instanceID, ownerID string, hostPort int, env map[string]string, createdAt time.Time) (*ContainerDescriptor, error) {
	base := ContainerName(ownerID, createdAt)
	name := base

	for attempt := 0; attempt < 5; attempt++ {
		cfg := l.buildConfig(name, instanceID, ownerID, hostPort, env, createdAt)
		id, err := l.runtime.CreateContainer(ctx, cfg)
		if err == nil {
			return &ContainerDescriptor{
				ContainerID: id,
				Name:        name,
				URL:         types.InstanceURL(l.cfg.BaseURL, hostPort),
			}, nil
		}
		// Docker create only binds the name, not the port; a conflict here
		// is a name collision. Derive the next suffix from existing names.
		if docker.IsConflict(err) {
			next, derr := l.nextName(ctx, base)
			if derr != nil {
				return nil, &OpError{Op: "create", Err: err}
			}
			name = next
			continue
		}
		return nil, &OpError{Op: "create", Err: err}
	}
	return nil, &OpError{Op: "create", Err: fmt.Errorf("%w: name %s", ErrConflict, base)}
}

// Start transitions the container to running.
func (l *Lifecycle) Start(ctx context.Context, containerRef string) error {
	if err := l.runtime.StartContainer(ctx, containerRef); err != nil {
		return &OpError{Op: "start", ContainerID: containerRef, Err: err}
	}
	return nil
}

// Stop requests a graceful stop bounded by the configured grace period.
func (l *Lifecycle) Stop(ctx context.Context, containerRef string) error {
	if err := l.runtime.StopContainer(ctx, containerRef, l.cfg.StopGraceSec); err != nil {
		return &OpError{Op: "stop", ContainerID: containerRef, Err: err}
	}
	return nil
}

// Remove is idempotent: it inspects first, skips the stop step when the
// container is already stopped, force-removes regardless of state, and
// treats "container does not exist" as success so a partially-failed
// delete can be retried.
func (l *Lifecycle) Remove(ctx context.Context, containerRef string) error {
	if containerRef == "" {
		return nil
	}

	info, err := l.runtime.InspectContainer(ctx, containerRef)
	if err != nil {
		if docker.IsNotFound(err) {
			return nil
		}
		return &OpError{Op: "remove", ContainerID: containerRef, Err: err}
	}

	if info.Running {
		if err := l.runtime.StopContainer(ctx, containerRef, l.cfg.StopGraceSec); err != nil && !docker.IsNotFound(err) {
			log.Printf("shopbox: stop before remove failed for %s: %v", containerRef, err)
		}
	}

	if err := l.runtime.RemoveContainer(ctx, containerRef, true); err != nil {
		if docker.IsNotFound(err) {
			return nil
		}
		return &OpError{Op: "remove", ContainerID: containerRef, Err: err}
	}
	return nil
}

// ListManaged returns every container carrying the managed label, running
// or not.
func (l *Lifecycle) ListManaged(ctx context.Context) ([]docker.ContainerSummary, error) {
	containers, err := l.runtime.ListContainers(ctx, ManagedFilter)
	if err != nil {
		return nil, &OpError{Op: "list", Err: err}
	}
	return containers, nil
}

// Status returns the live container state with the bound host port parsed
// from the runtime's port-binding metadata.
func (l *Lifecycle) Status(ctx context.Context, containerRef string) (*ContainerState, error) {
	info, err := l.runtime.InspectContainer(ctx, containerRef)
	if err != nil {
		return nil, &OpError{Op: "inspect", ContainerID: containerRef, Err: err}
	}
	return &ContainerState{
		Running:  info.Running,
		State:    info.State,
		HostPort: info.HostPort,
	}, nil
}

// Logs returns the combined stdout/stderr tail with timestamps.
func (l *Lifecycle) Logs(ctx context.Context, containerRef string, tailLines int) (string, error) {
	out, err := l.runtime.ContainerLogs(ctx, containerRef, tailLines)
	if err != nil {
		return "", &OpError{Op: "logs", ContainerID: containerRef, Err: err}
	}
	return out, nil
}

func (l *Lifecycle) buildConfig(name, instanceID, ownerID string, hostPort int, env map[string]string, createdAt time.Time) docker.ContainerConfig {
	return docker.ContainerConfig{
		Name:  name,
		Image: l.cfg.Image,
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelInstanceID: instanceID,
			LabelOwnerID:    ownerID,
			LabelCreated:    createdAt.Format(time.RFC3339),
		},
		Env:          env,
		MemoryMB:     l.cfg.MemoryLimitMB,
		CPUCount:     l.cfg.CPUCount,
		InternalPort: l.cfg.InternalPort,
		HostPort:     hostPort,
		HealthTest: []string{
			"CMD-SHELL",
			fmt.Sprintf("wget -qO- http://localhost:%d/health || exit 1", l.cfg.InternalPort),
		},
		HealthInterval: l.cfg.HealthInterval,
		HealthTimeout:  l.cfg.HealthTimeout,
		HealthRetries:  l.cfg.HealthRetries,
	}
}

// nextName derives a disambiguated name by counting existing containers
// that share the base name, so collisions resolve deterministically.
func (l *Lifecycle) nextName(ctx context.Context, base string) (string, error) {
	containers, err := l.runtime.ListContainers(ctx, ManagedFilter)
	if err != nil {
		return "", err
	}
	n := 1
	for _, ct := range containers {
		if ct.Name == base || strings.HasPrefix(ct.Name, base+"-") {
			n++
		}
	}
	return fmt.Sprintf("%s-%d", base, n), nil
}

// ContainerName derives the deterministic container name for an owner and
// creation time.
func ContainerName(ownerID string, createdAt time.Time) string {
	clean := strings.NewReplacer("-", "", ":", "", "_", "", "/", "", "@", "", ".", "").Replace(strings.ToLower(ownerID))
	if len(clean) > 24 {
		clean = clean[:24]
	}
	if clean == "" {
		clean = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", namePrefix, clean, createdAt.Unix())
}
