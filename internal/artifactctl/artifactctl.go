// Package artifactctl implements artifact path registration and
// collection (§4.12): callers register path globs to preserve before a
// sandbox terminates; on stop/delete the orchestrator asks the node to
// collect them, and artifactctl persists the bytes and issues signed
// download URLs. Grounded on the teacher's quota-aggregate query idiom
// (internal/db/quotas.go) for SumBytesByOrg-gated admission.
package artifactctl

import (
	"bytes"
	"context"
	"time"

	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/ids"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/node"
	"github.com/sandchest/sandchest/internal/objectstore"
	"github.com/sandchest/sandchest/internal/repo"
)

const signedURLTTL = 15 * time.Minute

// Controller implements path registration, collection, and listing for
// sandbox artifacts.
type Controller struct {
	Artifacts *repo.ArtifactRepo
	Sandboxes *repo.SandboxRepo
	Billing   *billing.Gate
	KV        kv.Client
	Objects   *objectstore.Store
}

func New(artifacts *repo.ArtifactRepo, sandboxes *repo.SandboxRepo, bill *billing.Gate, kvClient kv.Client, objects *objectstore.Store) *Controller {
	return &Controller{Artifacts: artifacts, Sandboxes: sandboxes, Billing: bill, KV: kvClient, Objects: objects}
}

// RegisterPaths adds paths to the sandbox's artifact path set, to be
// collected when the sandbox terminates.
func (c *Controller) RegisterPaths(ctx context.Context, orgID, sandboxID string, paths []string) (int, error) {
	sb, err := c.Sandboxes.FindByID(sandboxID, orgID)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindInternal, "find sandbox failed", err)
	}
	if sb == nil {
		return 0, apierr.New(apierr.KindNotFound, "sandbox not found")
	}
	total, err := c.KV.AddArtifactPaths(ctx, sandboxID, paths)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindInternal, "register artifact paths failed", err)
	}
	return total, nil
}

// Collect asks nc to gather every registered path for sandboxID and
// persists each result, enforcing the org's total artifact-storage quota
// per artifact. Intended to be called by the orchestrator right before a
// sandbox transitions to a terminal state.
func (c *Controller) Collect(ctx context.Context, orgID, sandboxID string, nc node.Client) ([]*repo.Artifact, error) {
	paths, err := c.KV.GetArtifactPaths(ctx, sandboxID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "get artifact paths failed", err)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	collected, err := nc.CollectArtifacts(ctx, sandboxID, paths)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "node collect artifacts failed", err)
	}

	eq, err := c.Billing.EffectiveQuota(orgID)
	if err != nil {
		return nil, err
	}
	currentTotal, err := c.Artifacts.SumBytesByOrg(orgID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "sum artifact bytes failed", err)
	}

	var out []*repo.Artifact
	for _, ca := range collected {
		if err := billing.CheckArtifactBytes(currentTotal, ca.Bytes, eq); err != nil {
			continue
		}

		artifactID := ids.New(ids.PrefixArtifact)
		ref, err := c.Objects.PutArtifact(ctx, orgID, sandboxID, artifactID, ca.Name, bytes.NewReader(ca.Data), ca.Bytes)
		if err != nil {
			continue
		}
		currentTotal += ca.Bytes

		a := &repo.Artifact{
			ID:        artifactID,
			SandboxID: sandboxID,
			OrgID:     orgID,
			Name:      ca.Name,
			MIME:      ca.MIME,
			Bytes:     ca.Bytes,
			SHA256:    ca.SHA256,
			Ref:       ref,
			CreatedAt: time.Now().UTC(),
		}
		if err := c.Artifacts.Create(a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// List returns a page of artifacts for a sandbox.
func (c *Controller) List(orgID, sandboxID, cursor string, limit int) (*repo.Page[*repo.Artifact], error) {
	page, err := c.Artifacts.List(sandboxID, orgID, cursor, limit)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "list artifacts failed", err)
	}
	return page, nil
}

// SignedURL returns a time-limited download URL for a single artifact.
// Access is tenant-scoped by FindByID unless the caller already resolved
// the artifact via a public replay bundle.
func (c *Controller) SignedURL(orgID, sandboxID, artifactID string) (string, error) {
	a, err := c.Artifacts.FindByID(artifactID, sandboxID, orgID)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "find artifact failed", err)
	}
	if a == nil {
		return "", apierr.New(apierr.KindNotFound, "artifact not found")
	}
	url, err := c.Objects.SignedURL(a.Ref, signedURLTTL)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "sign artifact url failed", err)
	}
	return url, nil
}
