package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopboxhq/shopbox/pkg/types"
)

type captureSink struct {
	mu     sync.Mutex
	events []string
}

func (c *captureSink) Publish(eventType string, inst *types.Instance) {
	c.mu.Lock()
	c.events = append(c.events, eventType)
	c.mu.Unlock()
}

func newTestProvisioner(store *fakeStore, rt *fakeRuntime, minPort, maxPort int) (*Provisioner, *captureSink) {
	lc := testLifecycle(rt)
	alloc := NewAllocator(store, rt, minPort, maxPort, time.Minute)
	sink := &captureSink{}
	return NewProvisioner(store, lc, alloc, sink, "http://localhost"), sink
}

func TestCreateHappyPath(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRuntime()
	p, sink := newTestProvisioner(store, rt, 3001, 3005)

	inst, err := p.Create(context.Background(), "student-1", map[string]string{"SEED": "demo"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if inst.Status != types.InstanceStatusRunning {
		t.Errorf("status = %s, want running", inst.Status)
	}
	if inst.Port < 3001 || inst.Port > 3005 {
		t.Errorf("port %d outside range", inst.Port)
	}
	if inst.URL != "http://localhost:3001" {
		t.Errorf("URL = %q", inst.URL)
	}

	stored := store.get(inst.ID)
	if stored == nil {
		t.Fatal("record not persisted")
	}
	if stored.Status != types.InstanceStatusRunning {
		t.Errorf("stored status = %s, want running", stored.Status)
	}
	ct := rt.get(inst.ContainerID)
	if ct == nil || !ct.running {
		t.Error("container not running")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || sink.events[0] != "instance.created" {
		t.Errorf("events = %v", sink.events)
	}
}

func TestCreateDistinctPorts(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRuntime()
	p, _ := newTestProvisioner(store, rt, 3001, 3010)
	ctx := context.Background()

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		inst, err := p.Create(ctx, "student-1", nil)
		if err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
		if seen[inst.Port] {
			t.Fatalf("port %d assigned twice", inst.Port)
		}
		seen[inst.Port] = true
	}
}

func TestCreateContainerFailureReleasesPort(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRuntime()
	rt.createErr = errors.New("image not found")
	p, _ := newTestProvisioner(store, rt, 3001, 3001)
	ctx := context.Background()

	if _, err := p.Create(ctx, "student-1", nil); err == nil {
		t.Fatal("expected create to fail")
	}

	// The single port must be reallocatable after the failed attempt.
	rt.createErr = nil
	inst, err := p.Create(ctx, "student-1", nil)
	if err != nil {
		t.Fatalf("Create after failure: %v", err)
	}
	if inst.Port != 3001 {
		t.Errorf("port = %d, want 3001", inst.Port)
	}
}

func TestCreateRetriesOnPortBindConflict(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRuntime()
	// 3001 is bound by some other process; the allocator cannot see it, so
	// the first attempt fails at start and the retry lands on 3002.
	rt.boundPorts[3001] = true
	p, _ := newTestProvisioner(store, rt, 3001, 3005)

	inst, err := p.Create(context.Background(), "student-1", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if inst.Port == 3001 {
		t.Error("retry reused the conflicting port")
	}
	if inst.Status != types.InstanceStatusRunning {
		t.Errorf("status = %s, want running", inst.Status)
	}
}

func TestCreateNoCapacity(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRuntime()
	p, _ := newTestProvisioner(store, rt, 3001, 3001)
	ctx := context.Background()

	if _, err := p.Create(ctx, "student-1", nil); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if _, err := p.Create(ctx, "student-2", nil); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("expected ErrNoCapacity, got %v", err)
	}
}

func TestDeleteHappyPath(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRuntime()
	p, sink := newTestProvisioner(store, rt, 3001, 3005)
	ctx := context.Background()

	inst, err := p.Create(ctx, "student-1", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := p.Delete(ctx, inst.ID, "student-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	stored := store.get(inst.ID)
	if stored.Status != types.InstanceStatusStopped {
		t.Errorf("status = %s, want stopped", stored.Status)
	}
	if stored.StoppedAt == nil {
		t.Error("stoppedAt not set")
	}
	if rt.count() != 0 {
		t.Errorf("container not removed, %d left", rt.count())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 || sink.events[1] != "instance.deleted" {
		t.Errorf("events = %v", sink.events)
	}
}

func TestDeleteFreesPortForReuse(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRuntime()
	p, _ := newTestProvisioner(store, rt, 3001, 3001)
	ctx := context.Background()

	inst, err := p.Create(ctx, "student-1", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := p.Delete(ctx, inst.ID, "student-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	again, err := p.Create(ctx, "student-2", nil)
	if err != nil {
		t.Fatalf("Create after delete failed: %v", err)
	}
	if again.Port != inst.Port {
		t.Errorf("expected port %d reused, got %d", inst.Port, again.Port)
	}
}

func TestDeleteMissingContainerStillStops(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRuntime()
	p, _ := newTestProvisioner(store, rt, 3001, 3005)
	ctx := context.Background()

	inst, err := p.Create(ctx, "student-1", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Someone removed the container out of band.
	if err := rt.RemoveContainer(ctx, inst.ContainerID, true); err != nil {
		t.Fatalf("out-of-band remove: %v", err)
	}

	if err := p.Delete(ctx, inst.ID, "student-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := store.get(inst.ID).Status; got != types.InstanceStatusStopped {
		t.Errorf("status = %s, want stopped", got)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRuntime()
	p, _ := newTestProvisioner(store, rt, 3001, 3005)
	ctx := context.Background()

	inst, err := p.Create(ctx, "student-1", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := p.Delete(ctx, inst.ID, "student-1"); err != nil {
		t.Fatalf("first Delete failed: %v", err)
	}
	if err := p.Delete(ctx, inst.ID, "student-1"); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestDeleteUnknownInstance(t *testing.T) {
	p, _ := newTestProvisioner(newFakeStore(), newFakeRuntime(), 3001, 3005)
	if err := p.Delete(context.Background(), "nope", "student-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOwnerScopingHidesForeignInstances(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRuntime()
	p, _ := newTestProvisioner(store, rt, 3001, 3005)
	ctx := context.Background()

	inst, err := p.Create(ctx, "student-1", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := p.Get(ctx, inst.ID, "student-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get by other owner: expected ErrNotFound, got %v", err)
	}
	if err := p.Delete(ctx, inst.ID, "student-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete by other owner: expected ErrNotFound, got %v", err)
	}
	list, err := p.List(ctx, "student-2", false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("other owner sees %d instances", len(list))
	}
}

func TestGetReportsVanishedContainer(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRuntime()
	p, _ := newTestProvisioner(store, rt, 3001, 3005)
	ctx := context.Background()

	inst, err := p.Create(ctx, "student-1", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := rt.RemoveContainer(ctx, inst.ContainerID, true); err != nil {
		t.Fatalf("out-of-band remove: %v", err)
	}

	got, err := p.Get(ctx, inst.ID, "student-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != types.InstanceStatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
	// The stored record is untouched; only the response is adjusted.
	if store.get(inst.ID).Status != types.InstanceStatusRunning {
		t.Errorf("stored status changed to %s", store.get(inst.ID).Status)
	}
}

func TestLogsUnknownInstance(t *testing.T) {
	p, _ := newTestProvisioner(newFakeStore(), newFakeRuntime(), 3001, 3005)
	if _, err := p.Logs(context.Background(), "nope", "student-1", 100); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
