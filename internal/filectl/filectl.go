// Package filectl implements sandbox file transfer (§4.11): streamed
// put/get/list/delete against absolute in-sandbox paths, plus a batch
// archive mode for multi-file upload. Every call touches the sandbox's
// lastActivityAt. Grounded on the teacher's io.Pipe-based process
// bridging idiom (internal/process) generalized from PTY byte streams to
// file content streams.
package filectl

import (
	"context"
	"io"
	"strings"

	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/node"
	"github.com/sandchest/sandchest/internal/repo"
)

// Controller implements put/get/list/delete for sandbox files.
type Controller struct {
	Sandboxes    *repo.SandboxRepo
	Billing      *billing.Gate
	NodeResolver node.ClientResolver
}

func New(sandboxes *repo.SandboxRepo, bill *billing.Gate, resolver node.ClientResolver) *Controller {
	return &Controller{Sandboxes: sandboxes, Billing: bill, NodeResolver: resolver}
}

func requireAbsolute(path string) error {
	if !strings.HasPrefix(path, "/") {
		return apierr.New(apierr.KindValidation, "path must be absolute")
	}
	return nil
}

func (c *Controller) resolve(orgID, sandboxID string) (*repo.Sandbox, node.Client, error) {
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
	nc, err := c.NodeResolver.Resolve(*sb.NodeID)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindNodeUnavailable, "node unreachable", err)
	}
	return sb, nc, nil
}

// Put streams body to path inside the sandbox. When batch is true, body is
// a tar archive to be extracted at path instead of a single file's bytes.
func (c *Controller) Put(ctx context.Context, orgID, sandboxID, path string, batch bool, size int64, body io.Reader) (int64, error) {
	if err := requireAbsolute(path); err != nil {
		return 0, err
	}
	sb, nc, err := c.resolve(orgID, sandboxID)
	if err != nil {
		return 0, err
	}

	eq, err := c.Billing.EffectiveQuota(orgID)
	if err != nil {
		return 0, err
	}
	if err := billing.CheckFileBytes(size, eq); err != nil {
		return 0, err
	}

	written, err := nc.PutFile(ctx, sandboxID, path, batch, body)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindInternal, "node put file failed", err)
	}
	if err := c.Sandboxes.TouchLastActivity(sandboxID, sb.OrgID); err != nil {
		return 0, apierr.Wrap(apierr.KindInternal, "touch last activity failed", err)
	}
	return written, nil
}

// Get streams path's content back from the sandbox.
func (c *Controller) Get(ctx context.Context, orgID, sandboxID, path string) (io.ReadCloser, error) {
	if err := requireAbsolute(path); err != nil {
		return nil, err
	}
	sb, nc, err := c.resolve(orgID, sandboxID)
	if err != nil {
		return nil, err
	}

	rc, err := nc.GetFile(ctx, sandboxID, path)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "node get file failed", err)
	}
	if err := c.Sandboxes.TouchLastActivity(sandboxID, sb.OrgID); err != nil {
		rc.Close()
		return nil, apierr.Wrap(apierr.KindInternal, "touch last activity failed", err)
	}
	return rc, nil
}

// List returns the entries under path, with cursor-based pagination
// delegated to the node's directory listing.
func (c *Controller) List(ctx context.Context, orgID, sandboxID, path, cursor string, limit int) ([]node.FileInfo, string, error) {
	if err := requireAbsolute(path); err != nil {
		return nil, "", err
	}
	sb, nc, err := c.resolve(orgID, sandboxID)
	if err != nil {
		return nil, "", err
	}

	entries, next, err := nc.ListFiles(ctx, sandboxID, path, cursor, limit)
	if err != nil {
		return nil, "", apierr.Wrap(apierr.KindInternal, "node list files failed", err)
	}
	if err := c.Sandboxes.TouchLastActivity(sandboxID, sb.OrgID); err != nil {
		return nil, "", apierr.Wrap(apierr.KindInternal, "touch last activity failed", err)
	}
	return entries, next, nil
}

// Delete removes path inside the sandbox.
func (c *Controller) Delete(ctx context.Context, orgID, sandboxID, path string) error {
	if err := requireAbsolute(path); err != nil {
		return err
	}
	sb, nc, err := c.resolve(orgID, sandboxID)
	if err != nil {
		return err
	}

	if err := nc.DeleteFile(ctx, sandboxID, path); err != nil {
		return apierr.Wrap(apierr.KindInternal, "node delete file failed", err)
	}
	if err := c.Sandboxes.TouchLastActivity(sandboxID, sb.OrgID); err != nil {
		return apierr.Wrap(apierr.KindInternal, "touch last activity failed", err)
	}
	return nil
}
