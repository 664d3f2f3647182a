package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sandchest/sandchest/internal/repo"
)

// Sweeper runs the orchestrator's background lifecycle sweeps on their own
// tickers, each gated by a per-tick KV leader lock so only one control
// plane instance performs a given sweep concurrently. Grounded on the
// teacher's IdleWatcher ticker/stop-channel loop, generalized to five
// independent sweeps and leader election via the shared KV store.
type Sweeper struct {
	orch       *Orchestrator
	instanceID string
	stop       chan struct{}
}

func NewSweeper(orch *Orchestrator) *Sweeper {
	return &Sweeper{orch: orch, instanceID: uuid.New().String(), stop: make(chan struct{})}
}

func (s *Sweeper) Start() {
	go s.loop("ttl_sweep", 30*time.Second, s.sweepTTL)
	go s.loop("idle_sweep", time.Minute, s.sweepIdle)
	go s.loop("ttl_warning_sweep", 30*time.Second, s.sweepTTLWarnings)
	go s.loop("replay_purge_sweep", time.Hour, s.sweepReplayPurge)
	go s.loop("queued_timeout_sweep", 30*time.Second, s.sweepQueuedTimeout)
}

func (s *Sweeper) Stop() { close(s.stop) }

func (s *Sweeper) loop(name string, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			won, err := s.orch.KV.AcquireLeaderLock(ctx, name, s.instanceID, interval)
			if err != nil {
				log.Warn().Err(err).Str("sweeper", name).Msg("acquire leader lock failed")
				cancel()
				continue
			}
			if won {
				fn(ctx)
			}
			cancel()
		}
	}
}

// sweepTTL stops every sandbox whose TTL has elapsed, via terminate with
// reason ttl_exceeded.
func (s *Sweeper) sweepTTL(ctx context.Context) {
	now := time.Now().UTC()
	expired, err := s.orch.Sandboxes.FindExpiredTTL(now)
	if err != nil {
		log.Warn().Err(err).Msg("ttl sweep: find expired failed")
		return
	}
	reason := repo.FailureTTLExceeded
	for _, sb := range expired {
		s.terminate(ctx, sb, reason)
	}
}

// sweepIdle stops sandboxes that have had no guest-facing activity for
// longer than the idle timeout.
func (s *Sweeper) sweepIdle(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-defaultIdleTimeout)
	idle, err := s.orch.Sandboxes.FindIdleSince(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("idle sweep: find idle failed")
		return
	}
	reason := repo.FailureIdleTimeout
	for _, sb := range idle {
		s.terminate(ctx, sb, reason)
	}
}

// terminate drives a running sandbox through stopping -> stopped, the same
// path an explicit Stop call takes, tagging the terminal row with reason
// (ttl_exceeded or idle_timeout) rather than jumping straight to failed.
func (s *Sweeper) terminate(ctx context.Context, sb *repo.Sandbox, reason repo.FailureReason) {
	if err := s.orch.transition(sb.ID, sb.OrgID, repo.SandboxRunning, repo.SandboxStopping, nil, nil); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sb.ID).Msg("sweeper: transition to stopping failed")
		return
	}

	if sb.NodeID != nil {
		if nc, err := s.orch.NodeResolver.Resolve(*sb.NodeID); err == nil {
			if err := nc.StopSandbox(ctx, sb.ID); err != nil {
				log.Warn().Err(err).Str("sandbox_id", sb.ID).Msg("sweeper: node stop failed")
			}
		}
	}

	endedAt := time.Now().UTC()
	if err := s.orch.transition(sb.ID, sb.OrgID, repo.SandboxStopping, repo.SandboxStopped, &endedAt, &reason); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sb.ID).Msg("sweeper: transition to stopped failed")
		return
	}
	s.orch.releaseKeeper(ctx, sb.ID)
	s.orch.setReplayExpiry(sb.ID, sb.OrgID)
}

// sweepTTLWarnings emits a one-time ttl_warning sandbox event (via the
// node's sandbox-event frame path in production; here, just the KV
// single-fire flag and a log line) for sandboxes nearing TTL expiry.
func (s *Sweeper) sweepTTLWarnings(ctx context.Context) {
	now := time.Now().UTC()
	near, err := s.orch.Sandboxes.FindNearTTLExpiry(now, ttlWarningThresholdSecs)
	if err != nil {
		log.Warn().Err(err).Msg("ttl warning sweep: find near-expiry failed")
		return
	}
	for _, sb := range near {
		fired, err := s.orch.KV.MarkTTLWarned(ctx, sb.ID, time.Duration(sb.TTLSeconds)*time.Second)
		if err != nil {
			log.Warn().Err(err).Str("sandbox_id", sb.ID).Msg("mark ttl warned failed")
			continue
		}
		if fired {
			log.Info().Str("sandbox_id", sb.ID).Msg("sandbox nearing ttl expiry")
		}
	}
}

const queuedTimeout = 2 * time.Minute

// sweepQueuedTimeout fails sandboxes that never left queued within
// queuedTimeout, covering the case where Create's synchronous provision
// call was interrupted (process restart) before a scheduler decision.
func (s *Sweeper) sweepQueuedTimeout(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-queuedTimeout)
	stuck, err := s.orch.Sandboxes.FindQueuedBefore(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("queued timeout sweep: find stuck failed")
		return
	}
	reason := repo.FailureCapacityTimeout
	for _, sb := range stuck {
		endedAt := time.Now().UTC()
		if err := s.orch.Sandboxes.UpdateStatus(sb.ID, sb.OrgID, repo.SandboxFailed, &endedAt, &reason); err != nil {
			log.Warn().Err(err).Str("sandbox_id", sb.ID).Msg("queued timeout sweep: update status failed")
		}
	}
}

// sweepReplayPurge finds sandboxes whose replay retention window has
// elapsed and logs each one. It deletes no replay data: neither the
// object-storage replay log nor the KV replay event buffer is touched.
func (s *Sweeper) sweepReplayPurge(ctx context.Context) {
	cutoff := time.Now().UTC()
	minDate := cutoff.Add(-365 * 24 * time.Hour)
	purgable, err := s.orch.Sandboxes.FindPurgableReplays(cutoff, minDate)
	if err != nil {
		log.Warn().Err(err).Msg("replay purge sweep: find purgable failed")
		return
	}
	for _, sb := range purgable {
		log.Info().Str("sandbox_id", sb.ID).Msg("replay retention elapsed")
	}
}
