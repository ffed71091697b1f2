package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopboxhq/shopbox/internal/docker"
	"github.com/shopboxhq/shopbox/internal/metrics"
	"github.com/shopboxhq/shopbox/pkg/types"
)

// PortReader is the slice of the record store the allocator needs. It only
// reads port usage, never mutates records.
type PortReader interface {
	PortsInUse(ctx context.Context, statuses []types.InstanceStatus) (map[int]bool, error)
}

// ContainerLister is the slice of the runtime the allocator needs.
type ContainerLister interface {
	ListContainers(ctx context.Context, labelFilter string) ([]docker.ContainerSummary, error)
}

// Allocator hands out the lowest free host port in a fixed range. A port is
// free when no active record holds it, no live managed container binds it,
// and no in-flight allocation has reserved it. Store and runtime state are
// read fresh on every call; only the short-lived reservation table persists
// across calls, closing the check-then-act window between concurrent
// creates.
type Allocator struct {
	store   PortReader
	runtime ContainerLister
	minPort int
	maxPort int
	ttl     time.Duration

	mu       sync.Mutex
	reserved map[int]time.Time // port -> reservation expiry
}

// NewAllocator creates an allocator for the inclusive range [minPort, maxPort].
func NewAllocator(store PortReader, runtime ContainerLister, minPort, maxPort int, reserveTTL time.Duration) *Allocator {
	if reserveTTL <= 0 {
		reserveTTL = 30 * time.Second
	}
	return &Allocator{
		store:    store,
		runtime:  runtime,
		minPort:  minPort,
		maxPort:  maxPort,
		ttl:      reserveTTL,
		reserved: make(map[int]time.Time),
	}
}

// Allocate scans the range ascending and reserves the first free port.
// The caller must Release the port once the instance record is persisted
// or the attempt has failed. Returns ErrNoCapacity when the range is
// exhausted.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	stored, err := a.store.PortsInUse(ctx, types.ActiveStatuses)
	if err != nil {
		return 0, fmt.Errorf("list ports in use: %w", err)
	}

	live := make(map[int]bool)
	containers, err := a.runtime.ListContainers(ctx, ManagedFilter)
	if err != nil {
		return 0, fmt.Errorf("list live containers: %w", err)
	}
	for _, ct := range containers {
		for _, p := range ct.HostPorts {
			live[p] = true
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for port := a.minPort; port <= a.maxPort; port++ {
		if stored[port] || live[port] {
			continue
		}
		if expiry, ok := a.reserved[port]; ok && now.Before(expiry) {
			continue
		}
		a.reserved[port] = now.Add(a.ttl)
		return port, nil
	}

	metrics.PortAllocationFailures.Inc()
	return 0, ErrNoCapacity
}

// Release frees an in-process reservation. Safe to call for ports that
// were never reserved.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}
