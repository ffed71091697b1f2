package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopboxhq/shopbox/pkg/types"
)

func TestAllocateLowestFree(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRuntime()
	alloc := NewAllocator(store, rt, 3001, 3005, time.Minute)

	port, err := alloc.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != 3001 {
		t.Errorf("expected lowest port 3001, got %d", port)
	}
}

func TestAllocateSkipsStoredPorts(t *testing.T) {
	store := newFakeStore()
	store.put(&types.Instance{ID: "a", OwnerID: "o", Port: 3001, Status: types.InstanceStatusRunning})
	store.put(&types.Instance{ID: "b", OwnerID: "o", Port: 3002, Status: types.InstanceStatusCreating})
	// Stopped records do not hold their port.
	store.put(&types.Instance{ID: "c", OwnerID: "o", Port: 3003, Status: types.InstanceStatusStopped})

	alloc := NewAllocator(store, newFakeRuntime(), 3001, 3005, time.Minute)
	port, err := alloc.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != 3003 {
		t.Errorf("expected 3003, got %d", port)
	}
}

func TestAllocateSkipsLiveContainerPorts(t *testing.T) {
	rt := newFakeRuntime()
	rt.add(&fakeContainer{id: "orphan", name: "shopbox-x", hostPort: 3001, running: true})

	alloc := NewAllocator(newFakeStore(), rt, 3001, 3005, time.Minute)
	port, err := alloc.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != 3002 {
		t.Errorf("expected 3002, got %d", port)
	}
}

func TestAllocateReservationsAreExclusive(t *testing.T) {
	alloc := NewAllocator(newFakeStore(), newFakeRuntime(), 3001, 3005, time.Minute)
	ctx := context.Background()

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := alloc.Allocate(ctx)
		if err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
	}
}

func TestAllocateExhaustion(t *testing.T) {
	alloc := NewAllocator(newFakeStore(), newFakeRuntime(), 3001, 3002, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := alloc.Allocate(ctx); err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
	}
	if _, err := alloc.Allocate(ctx); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("expected ErrNoCapacity, got %v", err)
	}
}

func TestReleaseFreesReservation(t *testing.T) {
	alloc := NewAllocator(newFakeStore(), newFakeRuntime(), 3001, 3001, time.Minute)
	ctx := context.Background()

	port, err := alloc.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := alloc.Allocate(ctx); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity while reserved, got %v", err)
	}

	alloc.Release(port)
	again, err := alloc.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate after release failed: %v", err)
	}
	if again != port {
		t.Errorf("expected %d after release, got %d", port, again)
	}
}

func TestExpiredReservationIsReusable(t *testing.T) {
	alloc := NewAllocator(newFakeStore(), newFakeRuntime(), 3001, 3001, time.Millisecond)
	ctx := context.Background()

	if _, err := alloc.Allocate(ctx); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := alloc.Allocate(ctx); err != nil {
		t.Errorf("expected expired reservation to be reusable, got %v", err)
	}
}
