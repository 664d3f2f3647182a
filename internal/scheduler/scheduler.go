// Package scheduler implements the first-fit node/slot selection of §4.6:
// scan online nodes in a stable order, try to lease each free slot in turn,
// and keep the lease alive with periodic renewal for as long as the
// sandbox runs. Grounded on the teacher's idle-watcher ticker/stop-channel
// loop shape (internal/sbxstore/idlewatcher.go) and waitForReady's
// poll-with-deadline idiom (internal/sandbox/manager.go).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/repo"
)

const (
	leaseTTL      = 45 * time.Second
	renewInterval = 20 * time.Second
)

// Placement is a successful node/slot assignment.
type Placement struct {
	NodeID string
	Slot   int
}

// NodeLister is the subset of repo.NodeRepo the scheduler needs, narrowed
// to an interface so tests can supply a fixed node list without a live
// database.
type NodeLister interface {
	ListOnline() ([]*repo.Node, error)
}

// Scheduler assigns sandboxes to node slots and keeps the winning lease
// renewed for the sandbox's lifetime.
type Scheduler struct {
	nodes NodeLister
	kv    kv.Client
}

func New(nodes NodeLister, kvClient kv.Client) *Scheduler {
	return &Scheduler{nodes: nodes, kv: kvClient}
}

// Place scans online nodes in ListOnline order and leases the first free
// slot found. Returns apierr.KindNoCapacity ("No online nodes available" /
// "All nodes are at capacity") when no placement exists, matching §4.6.
func (s *Scheduler) Place(ctx context.Context, sandboxID string) (Placement, error) {
	online, err := s.nodes.ListOnline()
	if err != nil {
		return Placement{}, apierr.Wrap(apierr.KindInternal, "list online nodes failed", err)
	}
	if len(online) == 0 {
		return Placement{}, apierr.New(apierr.KindNoCapacity, "No online nodes available")
	}

	for _, n := range online {
		for slot := 0; slot < n.SlotsTotal; slot++ {
			ok, err := s.kv.AcquireSlotLease(ctx, n.ID, slot, sandboxID, leaseTTL)
			if err != nil {
				return Placement{}, apierr.Wrap(apierr.KindInternal, "acquire slot lease failed", err)
			}
			if ok {
				return Placement{NodeID: n.ID, Slot: slot}, nil
			}
		}
	}

	return Placement{}, apierr.New(apierr.KindNoCapacity, "All nodes are at capacity")
}

// Release frees a previously won placement. Idempotent.
func (s *Scheduler) Release(ctx context.Context, p Placement) error {
	if err := s.kv.ReleaseSlotLease(ctx, p.NodeID, p.Slot); err != nil {
		return fmt.Errorf("release slot lease: %w", err)
	}
	return nil
}

// LeaseKeeper renews a placement's lease every renewInterval until Stop is
// called or the lease is lost (renewal returns false because the key has
// already expired or been reassigned).
type LeaseKeeper struct {
	sched *Scheduler
	p     Placement
	stop  chan struct{}
	lost  chan struct{}
}

// Keep starts a background renewal loop for p and returns a LeaseKeeper the
// caller uses to stop it or observe loss.
func (s *Scheduler) Keep(p Placement) *LeaseKeeper {
	lk := &LeaseKeeper{sched: s, p: p, stop: make(chan struct{}), lost: make(chan struct{})}
	go lk.loop()
	return lk
}

func (lk *LeaseKeeper) loop() {
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lk.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := lk.sched.kv.RenewSlotLease(ctx, lk.p.NodeID, lk.p.Slot, leaseTTL)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("node_id", lk.p.NodeID).Int("slot", lk.p.Slot).Msg("lease renewal failed")
				continue
			}
			if !ok {
				log.Warn().Str("node_id", lk.p.NodeID).Int("slot", lk.p.Slot).Msg("lease lost")
				close(lk.lost)
				return
			}
		}
	}
}

// Stop terminates the renewal loop without releasing the lease; callers
// that tear the sandbox down call Stop and then Scheduler.Release.
func (lk *LeaseKeeper) Stop() {
	select {
	case <-lk.stop:
	default:
		close(lk.stop)
	}
}

// Lost is closed if a renewal observed the lease gone before Stop was
// called, signalling the caller should treat the sandbox as failed.
func (lk *LeaseKeeper) Lost() <-chan struct{} {
	return lk.lost
}
