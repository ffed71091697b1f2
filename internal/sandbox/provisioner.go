package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/shopboxhq/shopbox/internal/docker"
	"github.com/shopboxhq/shopbox/internal/metrics"
	"github.com/shopboxhq/shopbox/pkg/types"
)

// EventSink receives instance lifecycle notifications. Implementations must
// tolerate being called concurrently; publishing is fire-and-forget.
type EventSink interface {
	Publish(eventType string, inst *types.Instance)
}

const defaultMaxAttempts = 3

// Provisioner drives the full create/delete flows, sequencing the port
// allocator, the container lifecycle, and the record store. It is the only
// component that writes instance records.
type Provisioner struct {
	store       RecordStore
	lifecycle   *Lifecycle
	alloc       *Allocator
	events      EventSink // may be nil
	baseURL     string
	maxAttempts int
}

// NewProvisioner creates a provisioner. events may be nil when no event bus
// is configured.
func NewProvisioner(store RecordStore, lifecycle *Lifecycle, alloc *Allocator, events EventSink, baseURL string) *Provisioner {
	return &Provisioner{
		store:       store,
		lifecycle:   lifecycle,
		alloc:       alloc,
		events:      events,
		baseURL:     baseURL,
		maxAttempts: defaultMaxAttempts,
	}
}

// Create provisions a new sandbox instance for the owner. Name and port
// conflicts from the runtime are retried with a fresh allocation up to
// maxAttempts times; any other failure is returned immediately.
func (p *Provisioner) Create(ctx context.Context, ownerID string, env map[string]string) (*types.Instance, error) {
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		inst, err := p.tryCreate(ctx, ownerID, env)
		if err == nil {
			metrics.ProvisionDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
			metrics.InstancesActive.Inc()
			p.publish("instance.created", inst)
			return inst, nil
		}
		if !errors.Is(err, ErrConflict) {
			metrics.ProvisionDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
			return nil, err
		}
		log.Printf("shopbox: create attempt %d/%d hit a conflict, retrying: %v", attempt, p.maxAttempts, err)
		lastErr = err
	}

	metrics.ProvisionDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
	return nil, fmt.Errorf("create failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// tryCreate runs a single provisioning attempt: allocate a port, create the
// container, persist the record, start the container, mark it running. Each
// failure path unwinds whatever the attempt has claimed so far.
func (p *Provisioner) tryCreate(ctx context.Context, ownerID string, env map[string]string) (*types.Instance, error) {
	port, err := p.alloc.Allocate(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	instanceID := uuid.New().String()[:8]

	desc, err := p.lifecycle.Create(ctx, instanceID, ownerID, port, env, now)
	if err != nil {
		p.alloc.Release(port)
		return nil, err
	}

	inst := &types.Instance{
		ID:            instanceID,
		OwnerID:       ownerID,
		ContainerID:   desc.ContainerID,
		ContainerName: desc.Name,
		Port:          port,
		URL:           desc.URL,
		Status:        types.InstanceStatusCreating,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.store.CreateInstance(ctx, inst); err != nil {
		if rerr := p.lifecycle.Remove(ctx, desc.ContainerID); rerr != nil {
			log.Printf("shopbox: cleanup after failed persist of %s: %v", instanceID, rerr)
		}
		p.alloc.Release(port)
		return nil, fmt.Errorf("persist instance %s: %w", instanceID, err)
	}

	if err := p.lifecycle.Start(ctx, desc.ContainerID); err != nil {
		if uerr := p.store.UpdateStatus(ctx, instanceID, types.InstanceStatusError, nil, err.Error()); uerr != nil {
			log.Printf("shopbox: mark %s as error: %v", instanceID, uerr)
		}
		if rerr := p.lifecycle.Remove(ctx, desc.ContainerID); rerr != nil {
			log.Printf("shopbox: cleanup after failed start of %s: %v", instanceID, rerr)
		}
		// The host port is claimed at start time, not create time, so a
		// conflict here means some other process bound it first. The
		// reservation is deliberately NOT released: it keeps the allocator
		// off this port until the TTL lapses, so the retry lands elsewhere.
		if docker.IsConflict(err) {
			return nil, fmt.Errorf("start %s: %w", instanceID, ErrConflict)
		}
		p.alloc.Release(port)
		return nil, err
	}

	// The running record covers the port from here on.
	p.alloc.Release(port)

	if err := p.store.UpdateStatus(ctx, instanceID, types.InstanceStatusRunning, nil, ""); err != nil {
		// The container is up; the stuck-record sweep reconciles the record
		// if this update never lands.
		log.Printf("shopbox: mark %s as running: %v", instanceID, err)
	}
	inst.Status = types.InstanceStatusRunning

	log.Printf("shopbox: created instance %s for %s on port %d", instanceID, ownerID, port)
	return inst, nil
}

// Delete tears down an instance: stop the container, remove it, mark the
// record stopped. Deleting an already-stopped instance is a no-op; a missing
// container is treated as already removed so retries converge.
func (p *Provisioner) Delete(ctx context.Context, id, ownerID string) error {
	inst, err := p.store.GetInstance(ctx, id, ownerID)
	if err != nil {
		return fmt.Errorf("lookup instance %s: %w", id, err)
	}
	if inst == nil {
		return ErrNotFound
	}
	if inst.Status == types.InstanceStatusStopped {
		return nil
	}

	start := time.Now()
	wasActive := inst.Status.Active()

	if err := p.store.UpdateStatus(ctx, id, types.InstanceStatusStopping, nil, ""); err != nil {
		return fmt.Errorf("mark %s as stopping: %w", id, err)
	}

	if err := p.lifecycle.Remove(ctx, inst.ContainerID); err != nil {
		if uerr := p.store.UpdateStatus(ctx, id, types.InstanceStatusError, nil, err.Error()); uerr != nil {
			log.Printf("shopbox: mark %s as error: %v", id, uerr)
		}
		return fmt.Errorf("remove container for %s: %w", id, err)
	}

	now := time.Now().UTC()
	if err := p.store.UpdateStatus(ctx, id, types.InstanceStatusStopped, &now, ""); err != nil {
		return fmt.Errorf("mark %s as stopped: %w", id, err)
	}

	metrics.TeardownDuration.Observe(time.Since(start).Seconds())
	if wasActive {
		metrics.InstancesActive.Dec()
	}
	inst.Status = types.InstanceStatusStopped
	inst.StoppedAt = &now
	p.publish("instance.deleted", inst)

	log.Printf("shopbox: deleted instance %s, port %d released", id, inst.Port)
	return nil
}

// Get returns the owner's instance with its status checked against the live
// container. The runtime check only adjusts the response; the stored record
// is left for the reaper to reconcile.
func (p *Provisioner) Get(ctx context.Context, id, ownerID string) (*types.Instance, error) {
	inst, err := p.store.GetInstance(ctx, id, ownerID)
	if err != nil {
		return nil, fmt.Errorf("lookup instance %s: %w", id, err)
	}
	if inst == nil {
		return nil, ErrNotFound
	}
	p.refresh(ctx, inst)
	return inst, nil
}

// List returns the owner's instances, newest first.
func (p *Provisioner) List(ctx context.Context, ownerID string, activeOnly bool) ([]types.Instance, error) {
	instances, err := p.store.ListInstances(ctx, ownerID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	for i := range instances {
		p.refresh(ctx, &instances[i])
	}
	return instances, nil
}

// Logs returns the log tail of the owner's instance.
func (p *Provisioner) Logs(ctx context.Context, id, ownerID string, tail int) (string, error) {
	inst, err := p.store.GetInstance(ctx, id, ownerID)
	if err != nil {
		return "", fmt.Errorf("lookup instance %s: %w", id, err)
	}
	if inst == nil || inst.ContainerID == "" {
		return "", ErrNotFound
	}

	out, err := p.lifecycle.Logs(ctx, inst.ContainerID, tail)
	if err != nil {
		if docker.IsNotFound(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return out, nil
}

// refresh overlays the live container state onto an active record. A record
// claiming running while its container is gone or exited is shown as error;
// the URL is always recomputed from the port.
func (p *Provisioner) refresh(ctx context.Context, inst *types.Instance) {
	inst.URL = types.InstanceURL(p.baseURL, inst.Port)

	if !inst.Status.Active() || inst.ContainerID == "" {
		return
	}

	state, err := p.lifecycle.Status(ctx, inst.ContainerID)
	if err != nil {
		inst.Status = types.InstanceStatusError
		if docker.IsNotFound(err) {
			inst.ErrorMsg = "container no longer exists"
		} else {
			inst.ErrorMsg = fmt.Sprintf("container inspect failed: %v", err)
		}
		return
	}
	if inst.Status == types.InstanceStatusRunning && !state.Running {
		inst.Status = types.InstanceStatusError
		inst.ErrorMsg = fmt.Sprintf("container is %s", state.State)
	}
}

func (p *Provisioner) publish(eventType string, inst *types.Instance) {
	if p.events == nil {
		return
	}
	p.events.Publish(eventType, inst)
}
