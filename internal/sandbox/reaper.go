package sandbox

import (
	"context"
	"log"
	"time"

	"github.com/shopboxhq/shopbox/internal/docker"
	"github.com/shopboxhq/shopbox/internal/metrics"
	"github.com/shopboxhq/shopbox/pkg/types"
)

// ReaperConfig tunes the background reconciliation loop.
type ReaperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// OrphanGrace is the minimum age a container must reach before an
	// unrecorded container is considered an orphan. It shields containers
	// whose record write is still in flight.
	OrphanGrace time.Duration
	// StuckCreating is how long a record may sit in creating before the
	// sweep moves it to error.
	StuckCreating time.Duration
}

// Reaper reconciles the container runtime against the record store: managed
// containers without a live record are removed, and records stuck in
// creating are marked as failed. Every sweep starts from fresh state on both
// sides, so a missed pass self-heals on the next one.
type Reaper struct {
	store     RecordStore
	lifecycle *Lifecycle
	cfg       ReaperConfig

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReaper creates a reaper. Start must be called to begin sweeping.
func NewReaper(store RecordStore, lifecycle *Lifecycle, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reaper{
		store:     store,
		lifecycle: lifecycle,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine. One sweep runs immediately
// so a restart cleans up promptly.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		defer close(r.doneCh)

		r.runSweep(ctx)

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.runSweep(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight sweep to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) runSweep(ctx context.Context) {
	if err := r.Sweep(ctx); err != nil {
		log.Printf("shopbox: reaper sweep: %v", err)
	}
}

// Sweep runs one reconciliation pass. Individual container failures are
// logged and skipped so one stubborn container cannot block the rest.
func (r *Reaper) Sweep(ctx context.Context) error {
	if err := r.reapOrphans(ctx); err != nil {
		return err
	}
	return r.sweepStuck(ctx)
}

func (r *Reaper) reapOrphans(ctx context.Context) error {
	refs, err := r.store.AllContainerRefs(ctx)
	if err != nil {
		return err
	}
	containers, err := r.lifecycle.ListManaged(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, ct := range containers {
		if refs[ct.ID] {
			continue
		}
		if now.Sub(containerCreatedAt(ct)) < r.cfg.OrphanGrace {
			continue
		}
		if err := r.lifecycle.Remove(ctx, ct.ID); err != nil {
			log.Printf("shopbox: reap orphan %s (%s): %v", ct.ID, ct.Name, err)
			continue
		}
		metrics.OrphansReaped.Inc()
		log.Printf("shopbox: reaped orphan container %s (%s)", ct.ID, ct.Name)
	}
	return nil
}

func (r *Reaper) sweepStuck(ctx context.Context) error {
	cutoff := time.Now().Add(-r.cfg.StuckCreating)
	stuck, err := r.store.ListStuckCreating(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, inst := range stuck {
		if inst.ContainerID != "" {
			if err := r.lifecycle.Remove(ctx, inst.ContainerID); err != nil {
				log.Printf("shopbox: remove container of stuck instance %s: %v", inst.ID, err)
			}
		}
		if err := r.store.UpdateStatus(ctx, inst.ID, types.InstanceStatusError, nil, "provisioning timed out"); err != nil {
			log.Printf("shopbox: mark stuck instance %s as error: %v", inst.ID, err)
			continue
		}
		metrics.StuckRecordsSwept.Inc()
		log.Printf("shopbox: instance %s stuck in creating since %s, marked as error", inst.ID, inst.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// containerCreatedAt prefers the creation stamp label over the runtime's
// list timestamp, which only has second precision.
func containerCreatedAt(ct docker.ContainerSummary) time.Time {
	if stamp, ok := ct.Labels[LabelCreated]; ok {
		if t, err := time.Parse(time.RFC3339, stamp); err == nil {
			return t
		}
	}
	return ct.CreatedAt
}
