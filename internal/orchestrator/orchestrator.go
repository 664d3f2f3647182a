// Package orchestrator implements sandbox lifecycle management (§4.2,
// §4.3): create, fork, stop, and delete, plus the leader-elected
// background sweepers that enforce TTL, idle, and replay-retention
// policy. Grounded on the teacher's sandbox.Manager (create/resume/pause
// flows, waitForReady poll-with-deadline) and sbxstore's state machine and
// idle watcher, generalized from a single in-process node to the
// scheduler-mediated multi-node model.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/catalog"
	"github.com/sandchest/sandchest/internal/ids"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/node"
	"github.com/sandchest/sandchest/internal/repo"
	"github.com/sandchest/sandchest/internal/scheduler"
)

const (
	defaultTTLSeconds        = 3600
	ttlWarningThresholdSecs  = 300
	defaultIdleTimeout       = 15 * time.Minute
	replayRetentionAfterDays = 7
)

// CreateRequest is the normalized create-sandbox request body. Image and
// Profile are the raw catalog references from the request (empty means
// "use the catalog default"); Create resolves them against
// internal/catalog before admitting the sandbox.
type CreateRequest struct {
	Image      string
	Profile    string
	Env        map[string]string
	TTLSeconds int
}

// ForkRequest is the normalized fork request body.
type ForkRequest struct {
	Env        map[string]string
	TTLSeconds int
}

// keeperHandle pairs an active lease renewal loop with the placement it
// renews, so a later Stop/Delete/sweep can release both.
type keeperHandle struct {
	keeper    *scheduler.LeaseKeeper
	placement scheduler.Placement
}

// Orchestrator owns sandbox lifecycle transitions against the repository,
// scheduler, and node fleet.
type Orchestrator struct {
	Sandboxes *repo.SandboxRepo
	Nodes     *repo.NodeRepo
	Quotas    *repo.OrgQuotaRepo
	Billing   *billing.Gate
	Scheduler *scheduler.Scheduler
	NodeResolver node.ClientResolver
	KV        kv.Client

	mu      sync.Mutex
	keepers map[string]*keeperHandle
}

func New(sandboxes *repo.SandboxRepo, nodes *repo.NodeRepo, quotas *repo.OrgQuotaRepo, bill *billing.Gate, sched *scheduler.Scheduler, resolver node.ClientResolver, kvClient kv.Client) *Orchestrator {
	return &Orchestrator{
		Sandboxes: sandboxes, Nodes: nodes, Quotas: quotas,
		Billing: bill, Scheduler: sched, NodeResolver: resolver, KV: kvClient,
		keepers: make(map[string]*keeperHandle),
	}
}

func (o *Orchestrator) registerKeeper(sandboxID string, keeper *scheduler.LeaseKeeper, placement scheduler.Placement) {
	o.mu.Lock()
	o.keepers[sandboxID] = &keeperHandle{keeper: keeper, placement: placement}
	o.mu.Unlock()
}

// releaseKeeper stops a sandbox's lease renewal goroutine and frees its
// scheduler slot. Safe to call for a sandbox with no active keeper, so
// every terminal-transition path can call it unconditionally.
func (o *Orchestrator) releaseKeeper(ctx context.Context, sandboxID string) {
	o.mu.Lock()
	h, ok := o.keepers[sandboxID]
	if ok {
		delete(o.keepers, sandboxID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	h.keeper.Stop()
	if err := o.Scheduler.Release(ctx, h.placement); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("release scheduler lease failed")
	}
}

func (o *Orchestrator) transition(id, orgID string, from, to repo.SandboxStatus, endedAt *time.Time, reason *repo.FailureReason) error {
	if !ValidTransition(from, to) {
		return apierr.New(apierr.KindConflict, fmt.Sprintf("invalid transition %s -> %s", from, to))
	}
	return o.Sandboxes.UpdateStatus(id, orgID, to, endedAt, reason)
}

// Create provisions a new sandbox: admission checks, a queued row, a
// scheduler placement, and the node CreateSandbox call. On any failure
// past the queued row's creation, the sandbox is marked failed rather than
// left queued.
func (o *Orchestrator) Create(ctx context.Context, orgID, userID string, req CreateRequest) (*repo.Sandbox, error) {
	profileID, profileName, err := catalog.ResolveProfile(req.Profile)
	if err != nil {
		return nil, err
	}
	imageID, imageRef, err := catalog.ResolveImage(req.Image)
	if err != nil {
		return nil, err
	}

	eq, err := o.Billing.EffectiveQuota(orgID)
	if err != nil {
		return nil, err
	}
	active, err := o.Sandboxes.CountActive(orgID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "count active sandboxes failed", err)
	}
	if err := billing.CheckConcurrentSandboxes(active, eq); err != nil {
		return nil, err
	}
	if err := o.Billing.CheckBilling(ctx, userID, "sandbox_create"); err != nil {
		return nil, err
	}

	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = defaultTTLSeconds
	}

	now := time.Now().UTC()
	sb := &repo.Sandbox{
		ID:             ids.New(ids.PrefixSandbox),
		OrgID:          orgID,
		ImageID:        imageID,
		ProfileID:      profileID,
		ProfileName:    profileName,
		ImageRef:       imageRef,
		Status:         repo.SandboxQueued,
		Env:            req.Env,
		TTLSeconds:     ttl,
		LastActivityAt: &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.Sandboxes.Create(sb); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "create sandbox row failed", err)
	}

	o.Billing.TrackBestEffort(ctx, userID, "sandbox_create")

	if err := o.provision(ctx, sb); err != nil {
		return nil, err
	}
	return sb, nil
}

func (o *Orchestrator) provision(ctx context.Context, sb *repo.Sandbox) error {
	placement, err := o.Scheduler.Place(ctx, sb.ID)
	if err != nil {
		reason := repo.FailureCapacityTimeout
		endedAt := time.Now().UTC()
		o.transition(sb.ID, sb.OrgID, repo.SandboxQueued, repo.SandboxFailed, &endedAt, &reason)
		return err
	}

	if err := o.transition(sb.ID, sb.OrgID, repo.SandboxQueued, repo.SandboxProvisioning, nil, nil); err != nil {
		reason := repo.FailureProvisionFailed
		endedAt := time.Now().UTC()
		o.transition(sb.ID, sb.OrgID, repo.SandboxQueued, repo.SandboxFailed, &endedAt, &reason)
		o.Scheduler.Release(ctx, placement)
		return err
	}
	if err := o.Sandboxes.AssignNode(sb.ID, sb.OrgID, placement.NodeID); err != nil {
		o.failProvisioning(ctx, sb, placement)
		return apierr.Wrap(apierr.KindInternal, "assign node failed", err)
	}

	nc, err := o.NodeResolver.Resolve(placement.NodeID)
	if err != nil {
		o.failProvisioning(ctx, sb, placement)
		return apierr.Wrap(apierr.KindNodeUnavailable, "node unreachable", err)
	}

	if err := nc.CreateSandbox(ctx, node.CreateSandboxRequest{
		SandboxID: sb.ID, ImageRef: sb.ImageRef, ProfileName: sb.ProfileName, Env: sb.Env,
	}); err != nil {
		o.failProvisioning(ctx, sb, placement)
		return apierr.Wrap(apierr.KindInternal, "node create sandbox failed", err)
	}

	if err := o.Sandboxes.MarkRunning(sb.ID, sb.OrgID); err != nil {
		o.failProvisioning(ctx, sb, placement)
		return apierr.Wrap(apierr.KindInternal, "mark running failed", err)
	}

	keeper := o.Scheduler.Keep(placement)
	o.registerKeeper(sb.ID, keeper, placement)
	go o.watchLease(sb.ID, sb.OrgID, keeper)

	sb.Status = repo.SandboxRunning
	return nil
}

func (o *Orchestrator) failProvisioning(ctx context.Context, sb *repo.Sandbox, placement scheduler.Placement) {
	reason := repo.FailureProvisionFailed
	endedAt := time.Now().UTC()
	o.transition(sb.ID, sb.OrgID, repo.SandboxProvisioning, repo.SandboxFailed, &endedAt, &reason)
	o.Scheduler.Release(ctx, placement)
}

// watchLease marks the sandbox node_lost if its slot lease is ever
// observed gone without a matching stop/delete call.
func (o *Orchestrator) watchLease(sandboxID, orgID string, keeper *scheduler.LeaseKeeper) {
	<-keeper.Lost()
	o.releaseKeeper(context.Background(), sandboxID)
	reason := repo.FailureNodeLost
	endedAt := time.Now().UTC()
	if err := o.transition(sandboxID, orgID, repo.SandboxRunning, repo.SandboxFailed, &endedAt, &reason); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("failed to mark sandbox node_lost")
	}
}

// Fork creates a running child sandbox sharing the parent's node
// assignment. The parent must be running and within the org's fork-depth
// limit.
func (o *Orchestrator) Fork(ctx context.Context, orgID, userID, sourceID string, req ForkRequest) (*repo.Sandbox, error) {
	source, err := o.Sandboxes.FindByID(sourceID, orgID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "find source sandbox failed", err)
	}
	if source == nil {
		return nil, apierr.New(apierr.KindNotFound, "sandbox not found")
	}
	if source.Status != repo.SandboxRunning {
		return nil, apierr.New(apierr.KindSandboxNotRunning, "source sandbox is not running")
	}

	eq, err := o.Billing.EffectiveQuota(orgID)
	if err != nil {
		return nil, err
	}
	if err := billing.CheckForkDepth(source.ForkDepth+1, eq); err != nil {
		return nil, err
	}
	active, err := o.Sandboxes.CountActive(orgID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "count active sandboxes failed", err)
	}
	if err := billing.CheckConcurrentSandboxes(active, eq); err != nil {
		return nil, err
	}
	if err := o.Billing.CheckBilling(ctx, userID, "sandbox_fork"); err != nil {
		return nil, err
	}

	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = source.TTLSeconds
	}

	if source.NodeID == nil {
		return nil, apierr.New(apierr.KindInternal, "source sandbox has no assigned node")
	}
	nc, err := o.NodeResolver.Resolve(*source.NodeID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNodeUnavailable, "node unreachable", err)
	}

	child, err := o.Sandboxes.CreateFork(repo.ForkParams{Source: source, Env: req.Env, TTLSeconds: ttl})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "create fork row failed", err)
	}

	if err := nc.ForkSandbox(ctx, source.ID, child.ID); err != nil {
		endedAt := time.Now().UTC()
		reason := repo.FailureProvisionFailed
		o.Sandboxes.UpdateStatus(child.ID, orgID, repo.SandboxFailed, &endedAt, &reason)
		return nil, apierr.Wrap(apierr.KindInternal, "node fork sandbox failed", err)
	}

	if err := o.Sandboxes.IncrementForkCount(source.ID, orgID); err != nil {
		log.Warn().Err(err).Str("sandbox_id", source.ID).Msg("increment fork count failed")
	}
	o.Billing.TrackBestEffort(ctx, userID, "sandbox_fork")

	return child, nil
}

// Stop transitions a running sandbox to stopping then stopped, releasing
// its scheduler lease and asking the node to stop the workload.
func (o *Orchestrator) Stop(ctx context.Context, orgID, id string) error {
	sb, err := o.Sandboxes.FindByID(id, orgID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "find sandbox failed", err)
	}
	if sb == nil {
		return apierr.New(apierr.KindNotFound, "sandbox not found")
	}
	if sb.Status != repo.SandboxRunning {
		return apierr.New(apierr.KindSandboxNotRunning, "sandbox is not running")
	}

	if err := o.transition(id, orgID, repo.SandboxRunning, repo.SandboxStopping, nil, nil); err != nil {
		return err
	}

	if sb.NodeID != nil {
		if nc, err := o.NodeResolver.Resolve(*sb.NodeID); err == nil {
			if err := nc.StopSandbox(ctx, id); err != nil {
				log.Warn().Err(err).Str("sandbox_id", id).Msg("node stop sandbox failed")
			}
		}
	}

	endedAt := time.Now().UTC()
	if err := o.transition(id, orgID, repo.SandboxStopping, repo.SandboxStopped, &endedAt, nil); err != nil {
		return err
	}
	o.releaseKeeper(ctx, id)
	o.setReplayExpiry(id, orgID)
	return nil
}

// Delete soft-deletes a sandbox, best-effort destroying it on the node
// first if it is still running or provisioning.
func (o *Orchestrator) Delete(ctx context.Context, orgID, id string) error {
	sb, err := o.Sandboxes.FindByID(id, orgID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "find sandbox failed", err)
	}
	if sb == nil {
		return apierr.New(apierr.KindNotFound, "sandbox not found")
	}

	if !sb.IsTerminal() && sb.NodeID != nil {
		if nc, err := o.NodeResolver.Resolve(*sb.NodeID); err == nil {
			if err := nc.DestroySandbox(ctx, id); err != nil {
				log.Warn().Err(err).Str("sandbox_id", id).Msg("node destroy sandbox failed")
			}
		}
	}

	if err := o.Sandboxes.SoftDelete(id, orgID); err != nil {
		return apierr.Wrap(apierr.KindInternal, "soft delete sandbox failed", err)
	}
	o.releaseKeeper(ctx, id)
	o.setReplayExpiry(id, orgID)
	return nil
}

// ReportNodeFailure marks a running or provisioning sandbox failed because
// the node reported it crashed or became unreachable on its own, outside
// any control-initiated stop/delete call. Called from the node event
// dispatcher on a sandbox_event frame of kind "failed".
func (o *Orchestrator) ReportNodeFailure(sandboxID, reasonText string) error {
	sb, err := o.Sandboxes.FindByIDInternal(sandboxID)
	if err != nil {
		return fmt.Errorf("find sandbox for node failure report: %w", err)
	}
	if sb == nil || sb.IsTerminal() {
		return nil
	}
	reason := repo.FailureNodeLost
	endedAt := time.Now().UTC()
	if err := o.transition(sb.ID, sb.OrgID, sb.Status, repo.SandboxFailed, &endedAt, &reason); err != nil {
		return err
	}
	o.releaseKeeper(context.Background(), sb.ID)
	log.Warn().Str("sandbox_id", sandboxID).Str("reason", reasonText).Msg("node reported sandbox failure")
	o.setReplayExpiry(sb.ID, sb.OrgID)
	return nil
}

func (o *Orchestrator) setReplayExpiry(id, orgID string) {
	expiry := time.Now().UTC().Add(replayRetentionAfterDays * 24 * time.Hour)
	if err := o.Sandboxes.SetReplayExpiresAt(id, orgID, expiry); err != nil {
		log.Warn().Err(err).Str("sandbox_id", id).Msg("set replay expiry failed")
	}
}
