// Package sessionctl implements persistent sandbox shell sessions (§4.10):
// create/exec/input/destroy against a single long-lived shell process per
// session, enforcing the org's maxSessionsPerSandbox quota. Grounded on
// the teacher's session bookkeeping in internal/sbxstore alongside
// internal/container/manager.go's per-id session map idiom.
package sessionctl

import (
	"context"
	"time"

	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/ids"
	"github.com/sandchest/sandchest/internal/node"
	"github.com/sandchest/sandchest/internal/repo"
)

const defaultShell = "/bin/bash"

// Controller implements create/input/exec/destroy for sandbox sessions.
type Controller struct {
	Sessions     *repo.SessionRepo
	Sandboxes    *repo.SandboxRepo
	Billing      *billing.Gate
	NodeResolver node.ClientResolver
}

func New(sessions *repo.SessionRepo, sandboxes *repo.SandboxRepo, bill *billing.Gate, resolver node.ClientResolver) *Controller {
	return &Controller{Sessions: sessions, Sandboxes: sandboxes, Billing: bill, NodeResolver: resolver}
}

// Create opens a new persistent shell session against sandboxID, enforcing
// maxSessionsPerSandbox.
func (c *Controller) Create(ctx context.Context, orgID, sandboxID, shell string) (*repo.SandboxSession, error) {
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
	if sb.NodeID == nil {
		return nil, apierr.New(apierr.KindInternal, "sandbox has no assigned node")
	}

	eq, err := c.Billing.EffectiveQuota(orgID)
	if err != nil {
		return nil, err
	}
	active, err := c.Sessions.CountActive(sandboxID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "count active sessions failed", err)
	}
	if err := billing.CheckSessionsPerSandbox(active, eq); err != nil {
		return nil, err
	}

	if shell == "" {
		shell = defaultShell
	}

	nc, err := c.NodeResolver.Resolve(*sb.NodeID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNodeUnavailable, "node unreachable", err)
	}

	now := time.Now().UTC()
	sess := &repo.SandboxSession{
		ID:        ids.New(ids.PrefixSession),
		SandboxID: sandboxID,
		OrgID:     orgID,
		Shell:     shell,
		Status:    repo.SessionRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.Sessions.Create(sess); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "create session row failed", err)
	}

	if err := nc.CreateSession(ctx, sandboxID, sess.ID, shell); err != nil {
		c.Sessions.Destroy(sess.ID, sandboxID, orgID)
		return nil, apierr.Wrap(apierr.KindInternal, "node create session failed", err)
	}

	if err := c.Sandboxes.TouchLastActivity(sandboxID, orgID); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "touch last activity failed", err)
	}

	return sess, nil
}

// Input delivers raw bytes to the session's shell stdin.
func (c *Controller) Input(ctx context.Context, orgID, sandboxID, sessionID string, data []byte) error {
	sess, sb, err := c.resolve(orgID, sandboxID, sessionID)
	if err != nil {
		return err
	}

	nc, err := c.NodeResolver.Resolve(*sb.NodeID)
	if err != nil {
		return apierr.Wrap(apierr.KindNodeUnavailable, "node unreachable", err)
	}
	if err := nc.SessionInput(ctx, sandboxID, sess.ID, data); err != nil {
		return apierr.Wrap(apierr.KindInternal, "node session input failed", err)
	}
	if err := c.Sandboxes.TouchLastActivity(sandboxID, orgID); err != nil {
		return apierr.Wrap(apierr.KindInternal, "touch last activity failed", err)
	}
	return nil
}

// Exec runs a one-shot command inside the session's shell environment,
// returning its captured result synchronously.
func (c *Controller) Exec(ctx context.Context, orgID, sandboxID, sessionID string, req node.ExecRequest) (node.ExecResult, error) {
	sess, sb, err := c.resolve(orgID, sandboxID, sessionID)
	if err != nil {
		return node.ExecResult{}, err
	}

	nc, err := c.NodeResolver.Resolve(*sb.NodeID)
	if err != nil {
		return node.ExecResult{}, apierr.Wrap(apierr.KindNodeUnavailable, "node unreachable", err)
	}
	req.SandboxID = sandboxID
	result, err := nc.SessionExec(ctx, sandboxID, sess.ID, req)
	if err != nil {
		return node.ExecResult{}, apierr.Wrap(apierr.KindInternal, "node session exec failed", err)
	}
	if err := c.Sandboxes.TouchLastActivity(sandboxID, orgID); err != nil {
		return node.ExecResult{}, apierr.Wrap(apierr.KindInternal, "touch last activity failed", err)
	}
	return result, nil
}

// Destroy tears down the session's shell process and marks it destroyed.
func (c *Controller) Destroy(ctx context.Context, orgID, sandboxID, sessionID string) error {
	sess, sb, err := c.resolve(orgID, sandboxID, sessionID)
	if err != nil {
		return err
	}

	if nc, err := c.NodeResolver.Resolve(*sb.NodeID); err == nil {
		nc.DestroySession(ctx, sandboxID, sess.ID)
	}

	if err := c.Sessions.Destroy(sess.ID, sandboxID, orgID); err != nil {
		return apierr.Wrap(apierr.KindInternal, "destroy session row failed", err)
	}
	return nil
}

func (c *Controller) resolve(orgID, sandboxID, sessionID string) (*repo.SandboxSession, *repo.Sandbox, error) {
	sess, err := c.Sessions.FindByID(sessionID, sandboxID, orgID)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindInternal, "find session failed", err)
	}
	if sess == nil || sess.Status != repo.SessionRunning {
		return nil, nil, apierr.New(apierr.KindNotFound, "session not found")
	}
	sb, err := c.Sandboxes.FindByID(sandboxID, orgID)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindInternal, "find sandbox failed", err)
	}
	if sb == nil {
		return nil, nil, apierr.New(apierr.KindNotFound, "sandbox not found")
	}
	if sb.Status != repo.SandboxRunning {
		return nil, nil, apierr.New(apierr.KindSandboxNotRunning, "sandbox is not running")
	}
	if sb.NodeID == nil {
		return nil, nil, apierr.New(apierr.KindInternal, "sandbox has no assigned node")
	}
	return sess, sb, nil
}

// List returns a page of sessions for a sandbox.
func (c *Controller) List(orgID, sandboxID, cursor string, limit int) (*repo.Page[*repo.SandboxSession], error) {
	page, err := c.Sessions.List(sandboxID, orgID, cursor, limit)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "list sessions failed", err)
	}
	return page, nil
}
