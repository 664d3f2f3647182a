// Package execctl implements sandbox command execution (§4.9): the
// synchronous and asynchronous exec paths, their KV-backed event buffer,
// and the SSE replay stream with Last-Event-ID resume. Grounded on the
// teacher's internal/server/server.go async-goroutine-with-status-rollback
// pattern (handleCreateSandbox) and internal/tunnel/registry.go's
// request/response correlation, here adapted to a synchronous node RPC
// call per exec rather than a held stream.
package execctl

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/ids"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/node"
	"github.com/sandchest/sandchest/internal/repo"
)

const eventTTL = 24 * time.Hour

// CreateRequest is the normalized exec request body. Shell-form commands
// arrive as Cmd with an empty Argv; run wraps them as /bin/sh -c Cmd.
type CreateRequest struct {
	SessionID      *string
	Argv           []string
	Cmd            string
	CmdFormat      repo.CmdFormat
	Cwd            string
	Env            map[string]string
	TimeoutSeconds int
	Async          bool
}

// outputEvent is the JSON shape pushed to the KV exec event buffer and
// replayed over SSE: {t:"stdout"|"stderr", data} for output chunks, and a
// terminal {t:"exit", code, duration_ms, resource_usage}.
type outputEvent struct {
	T             string               `json:"t"`
	Data          []byte               `json:"data,omitempty"`
	Code          *int                 `json:"code,omitempty"`
	DurationMs    *int64               `json:"duration_ms,omitempty"`
	ResourceUsage *node.ResourceUsage `json:"resource_usage,omitempty"`
}

// Controller implements create/list/stream for execs within a sandbox.
type Controller struct {
	Execs      *repo.ExecRepo
	Sandboxes  *repo.SandboxRepo
	Billing    *billing.Gate
	NodeResolver node.ClientResolver
	KV         kv.Client
}

func New(execs *repo.ExecRepo, sandboxes *repo.SandboxRepo, bill *billing.Gate, resolver node.ClientResolver, kvClient kv.Client) *Controller {
	return &Controller{Execs: execs, Sandboxes: sandboxes, Billing: bill, NodeResolver: resolver, KV: kvClient}
}

// Create validates the request, runs admission checks, and either executes
// synchronously (returning the completed Exec) or queues it and returns
// immediately with status=queued for the caller to poll/stream.
func (c *Controller) Create(ctx context.Context, orgID, userID, sandboxID string, req CreateRequest) (*repo.Exec, error) {
	sb, err := c.Sandboxes.FindByID(sandboxID, orgID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "find sandbox failed", err)
	}
	if sb == nil {
		return nil, apierr.New(apierr.KindNotFound, "sandbox not found")
	}
	if sb.Status != repo.SandboxRunning {
		return nil, apierr.New(apierr.KindSandboxNotRunning, "sandbox is not running")
	}
	if len(req.Argv) == 0 && req.Cmd == "" {
		return nil, apierr.New(apierr.KindValidation, "cmd is required")
	}

	eq, err := c.Billing.EffectiveQuota(orgID)
	if err != nil {
		return nil, err
	}
	if err := billing.CheckExecTimeout(req.TimeoutSeconds, eq); err != nil {
		return nil, err
	}
	if err := c.Billing.CheckBilling(ctx, userID, "exec"); err != nil {
		return nil, err
	}

	seq, err := c.Execs.NextSeq(sandboxID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "reserve exec seq failed", err)
	}

	now := time.Now().UTC()
	status := repo.ExecQueued
	if !req.Async {
		status = repo.ExecRunning
	}
	ex := &repo.Exec{
		ID:        ids.New(ids.PrefixExec),
		SandboxID: sandboxID,
		SessionID: req.SessionID,
		OrgID:     orgID,
		Seq:       seq,
		Cmd:       req.Cmd,
		CmdFormat: req.CmdFormat,
		Cwd:       req.Cwd,
		Env:       req.Env,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !req.Async {
		ex.StartedAt = &now
	}
	if err := c.Execs.Create(ex); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "create exec row failed", err)
	}
	if err := c.Sandboxes.TouchLastActivity(sandboxID, orgID); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("touch last activity failed")
	}
	c.Billing.TrackBestEffort(ctx, userID, "exec")

	if req.Async {
		go c.runAsync(context.Background(), orgID, sb, ex, req)
		return ex, nil
	}

	if err := c.run(ctx, sb, ex, req); err != nil {
		return nil, err
	}
	return ex, nil
}

func (c *Controller) runAsync(ctx context.Context, orgID string, sb *repo.Sandbox, ex *repo.Exec, req CreateRequest) {
	if err := c.Execs.MarkStarted(ex.ID, sb.ID, orgID); err != nil {
		log.Warn().Err(err).Str("exec_id", ex.ID).Msg("mark exec started failed")
	}
	if err := c.run(ctx, sb, ex, req); err != nil {
		log.Warn().Err(err).Str("exec_id", ex.ID).Msg("async exec failed")
	}
}

// run performs the node call and publishes stdout/stderr/exit events to
// the KV buffer in strict order before marking the exec row done.
func (c *Controller) run(ctx context.Context, sb *repo.Sandbox, ex *repo.Exec, req CreateRequest) error {
	if sb.NodeID == nil {
		return c.fail(ex, sb.OrgID, apierr.New(apierr.KindNodeUnavailable, "sandbox has no assigned node"))
	}
	nc, err := c.NodeResolver.Resolve(*sb.NodeID)
	if err != nil {
		return c.fail(ex, sb.OrgID, apierr.Wrap(apierr.KindNodeUnavailable, "node unreachable", err))
	}

	argv := req.Argv
	if len(argv) == 0 {
		argv = []string{"/bin/sh", "-c", req.Cmd}
	}

	result, err := nc.Exec(ctx, node.ExecRequest{
		SandboxID: sb.ID, ExecID: ex.ID, Argv: argv, Cwd: req.Cwd, Env: req.Env,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		return c.fail(ex, sb.OrgID, apierr.Wrap(apierr.KindInternal, "node exec failed", err))
	}

	var seq int64
	seq = c.publishOutput(ctx, ex.ID, seq, "stdout", result.Stdout)
	seq = c.publishOutput(ctx, ex.ID, seq, "stderr", result.Stderr)
	c.publishExit(ctx, ex.ID, seq, result.ExitCode, result.DurationMs, result.Usage)

	status := repo.ExecDone
	if result.TimedOut {
		status = repo.ExecTimedOut
	} else if result.ExitCode != 0 {
		status = repo.ExecFailed
	}
	exitCode := result.ExitCode
	cpuMs := result.Usage.CPUMs
	peak := result.Usage.PeakMemoryBytes
	duration := result.DurationMs
	if err := c.Execs.UpdateStatus(ex.ID, sb.ID, sb.OrgID, status, &exitCode, &cpuMs, &peak, &duration); err != nil {
		return apierr.Wrap(apierr.KindInternal, "update exec status failed", err)
	}
	ex.Status = status
	ex.ExitCode = &exitCode
	ex.CPUMs = &cpuMs
	ex.PeakMemoryBytes = &peak
	ex.DurationMs = &duration
	return nil
}

func (c *Controller) fail(ex *repo.Exec, orgID string, failErr error) error {
	if err := c.Execs.UpdateStatus(ex.ID, ex.SandboxID, orgID, repo.ExecFailed, nil, nil, nil, nil); err != nil {
		log.Warn().Err(err).Str("exec_id", ex.ID).Msg("mark exec failed failed")
	}
	return failErr
}

// publishOutput pushes a stdout/stderr event and returns the next sequence
// number to use. Empty chunks are skipped without consuming a sequence
// number.
func (c *Controller) publishOutput(ctx context.Context, execID string, seq int64, stream string, data []byte) int64 {
	if len(data) == 0 {
		return seq
	}
	seq++
	c.publishEvent(ctx, execID, seq, outputEvent{T: stream, Data: data})
	return seq
}

func (c *Controller) publishExit(ctx context.Context, execID string, seq int64, exitCode int, durationMs int64, usage node.ResourceUsage) {
	c.publishEvent(ctx, execID, seq+1, outputEvent{T: "exit", Code: &exitCode, DurationMs: &durationMs, ResourceUsage: &usage})
}

func (c *Controller) publishEvent(ctx context.Context, execID string, seq int64, ev outputEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("exec_id", execID).Msg("marshal exec event failed")
		return
	}
	if err := c.KV.PushExecEvent(ctx, execID, kv.ExecEvent{Seq: seq, Ts: time.Now().UTC(), Data: data}, eventTTL); err != nil {
		log.Warn().Err(err).Str("exec_id", execID).Msg("push exec event failed")
	}
}

// List returns a page of execs for a sandbox, optionally filtered by
// status and session id.
func (c *Controller) List(orgID, sandboxID string, f repo.ExecListFilter) (*repo.Page[*repo.Exec], error) {
	page, err := c.Execs.List(sandboxID, orgID, f)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "list execs failed", err)
	}
	return page, nil
}

// Get returns a single exec by id, tenant-scoped.
func (c *Controller) Get(orgID, sandboxID, execID string) (*repo.Exec, error) {
	ex, err := c.Execs.FindByID(execID, sandboxID, orgID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "find exec failed", err)
	}
	if ex == nil {
		return nil, apierr.New(apierr.KindNotFound, "exec not found")
	}
	return ex, nil
}

// StreamFrom returns every buffered event after afterSeq for the exec's
// SSE stream, implementing Last-Event-ID replay-only resume per §4.9's
// resolved Open Question (no long-held connection held open past what is
// already buffered).
func (c *Controller) StreamFrom(ctx context.Context, execID string, afterSeq int64) ([]kv.ExecEvent, error) {
	events, err := c.KV.GetExecEvents(ctx, execID, afterSeq)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "get exec events failed", err)
	}
	return events, nil
}

// FormatSSE renders a single buffered event as an SSE wire frame.
func FormatSSE(ev kv.ExecEvent) []byte {
	var buf bytes.Buffer
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatInt(ev.Seq, 10))
	buf.WriteString("\ndata: ")
	buf.Write(ev.Data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}
