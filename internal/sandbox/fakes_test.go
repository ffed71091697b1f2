package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/errdefs"

	"github.com/shopboxhq/shopbox/internal/docker"
	"github.com/shopboxhq/shopbox/pkg/types"
)

// fakeRuntime is an in-memory Runtime that mimics Docker's conflict
// behavior: duplicate names fail at create, duplicate host ports fail at
// start.
type fakeRuntime struct {
	mu     sync.Mutex
	nextID int
	byID   map[string]*fakeContainer

	createErr error // injected failure for CreateContainer
	startErr  error // injected failure for StartContainer

	// boundPorts simulates host ports claimed outside this runtime; starting
	// a container on one of them fails the way the Docker port driver does.
	boundPorts map[int]bool
}

type fakeContainer struct {
	id       string
	name     string
	running  bool
	state    string
	hostPort int
	labels   map[string]string
	created  time.Time
	logs     string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		byID:       make(map[string]*fakeContainer),
		boundPorts: make(map[int]bool),
	}
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return "", f.createErr
	}
	for _, ct := range f.byID {
		if ct.name == cfg.Name {
			return "", fmt.Errorf("the container name %q is already in use by container %q", cfg.Name, ct.id)
		}
	}

	f.nextID++
	id := fmt.Sprintf("ct-%04d", f.nextID)
	created := time.Now()
	if stamp, ok := cfg.Labels[LabelCreated]; ok {
		if t, err := time.Parse(time.RFC3339, stamp); err == nil {
			created = t
		}
	}
	f.byID[id] = &fakeContainer{
		id:       id,
		name:     cfg.Name,
		state:    "created",
		hostPort: cfg.HostPort,
		labels:   cfg.Labels,
		created:  created,
	}
	return id, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, nameOrID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return f.startErr
	}
	ct, ok := f.byID[nameOrID]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	if f.boundPorts[ct.hostPort] {
		return fmt.Errorf("driver failed programming external connectivity: bind for 0.0.0.0:%d failed: port is already allocated", ct.hostPort)
	}
	for _, other := range f.byID {
		if other.id != ct.id && other.running && other.hostPort == ct.hostPort {
			return fmt.Errorf("driver failed programming external connectivity: bind for 0.0.0.0:%d failed: port is already allocated", ct.hostPort)
		}
	}
	ct.running = true
	ct.state = "running"
	return nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, nameOrID string, graceSec int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ct, ok := f.byID[nameOrID]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	ct.running = false
	ct.state = "exited"
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, nameOrID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.byID[nameOrID]; !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	delete(f.byID, nameOrID)
	return nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, nameOrID string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ct, ok := f.byID[nameOrID]
	if !ok {
		return nil, errdefs.NotFound(errors.New("no such container"))
	}
	return &docker.ContainerInfo{
		ID:        ct.id,
		Name:      ct.name,
		Running:   ct.running,
		State:     ct.state,
		HostPort:  ct.hostPort,
		Labels:    ct.labels,
		CreatedAt: ct.created,
	}, nil
}

func (f *fakeRuntime) ListContainers(ctx context.Context, labelFilter string) ([]docker.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []docker.ContainerSummary
	for _, ct := range f.byID {
		out = append(out, docker.ContainerSummary{
			ID:        ct.id,
			Name:      ct.name,
			State:     ct.state,
			Labels:    ct.labels,
			HostPorts: []int{ct.hostPort},
			CreatedAt: ct.created,
		})
	}
	return out, nil
}

func (f *fakeRuntime) ContainerLogs(ctx context.Context, nameOrID string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ct, ok := f.byID[nameOrID]
	if !ok {
		return "", errdefs.NotFound(errors.New("no such container"))
	}
	return ct.logs, nil
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

func (f *fakeRuntime) get(id string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id]
}

// add seeds a container directly, bypassing create, for reaper tests.
func (f *fakeRuntime) add(ct *fakeContainer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[ct.id] = ct
}

// fakeStore is an in-memory RecordStore.
type fakeStore struct {
	mu        sync.Mutex
	records   map[string]*types.Instance
	createErr error
	updateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*types.Instance)}
}

func (s *fakeStore) CreateInstance(ctx context.Context, inst *types.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return s.createErr
	}
	cp := *inst
	s.records[inst.ID] = &cp
	return nil
}

func (s *fakeStore) GetInstance(ctx context.Context, id, ownerID string) (*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.records[id]
	if !ok || inst.OwnerID != ownerID {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (s *fakeStore) ListInstances(ctx context.Context, ownerID string, activeOnly bool) ([]types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Instance
	for _, inst := range s.records {
		if inst.OwnerID != ownerID {
			continue
		}
		if activeOnly && !inst.Status.Active() {
			continue
		}
		out = append(out, *inst)
	}
	return out, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, status types.InstanceStatus, stoppedAt *time.Time, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateErr != nil {
		return s.updateErr
	}
	inst, ok := s.records[id]
	if !ok {
		return fmt.Errorf("no record %s", id)
	}
	inst.Status = status
	inst.UpdatedAt = time.Now().UTC()
	if stoppedAt != nil {
		inst.StoppedAt = stoppedAt
	}
	if errorMsg != "" {
		inst.ErrorMsg = errorMsg
	}
	return nil
}

func (s *fakeStore) PortsInUse(ctx context.Context, statuses []types.InstanceStatus) (map[int]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[types.InstanceStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	ports := make(map[int]bool)
	for _, inst := range s.records {
		if want[inst.Status] {
			ports[inst.Port] = true
		}
	}
	return ports, nil
}

func (s *fakeStore) AllContainerRefs(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := make(map[string]bool)
	for _, inst := range s.records {
		if inst.Status.Terminal() || inst.ContainerID == "" {
			continue
		}
		refs[inst.ContainerID] = true
	}
	return refs, nil
}

func (s *fakeStore) ListStuckCreating(ctx context.Context, olderThan time.Time) ([]types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Instance
	for _, inst := range s.records {
		if inst.Status == types.InstanceStatusCreating && inst.CreatedAt.Before(olderThan) {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (s *fakeStore) get(id string) *types.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.records[id]
	if !ok {
		return nil
	}
	cp := *inst
	return &cp
}

func (s *fakeStore) put(inst *types.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	s.records[inst.ID] = &cp
}

func testLifecycle(rt Runtime) *Lifecycle {
	return NewLifecycle(rt, LifecycleConfig{
		Image:         "shopbox/api:test",
		InternalPort:  3000,
		MemoryLimitMB: 256,
		CPUCount:      1,
		StopGraceSec:  1,
		BaseURL:       "http://localhost",
	})
}
