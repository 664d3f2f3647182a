// Package replay implements the replay bundle aggregator (§4.13): a
// read-only composite view over a sandbox's fork tree, execs, sessions,
// and artifacts, plus an SSE event stream reusing execctl's framing.
// Grounded on the teacher's internal/db/sandboxes.go query-and-map idiom,
// generalized into an id-indexed in-memory map traversal for the fork
// tree (parent pointers persisted, tree reconstructed in memory, never a
// cyclic struct).
package replay

import (
	"context"
	"time"

	"github.com/sandchest/sandchest/internal/apierr"
	"github.com/sandchest/sandchest/internal/execctl"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/repo"
)

const pageFetchLimit = 200

// AccessKind is reported to the caller so the HTTP layer can set the
// X-Replay-Access header.
type AccessKind string

const (
	AccessPrivate AccessKind = "private"
	AccessPublic  AccessKind = "public"
)

// ForkNode is one entry in the bundle's fork_tree, the subtree rooted at
// the sandbox's root ancestor.
type ForkNode struct {
	SandboxID string      `json:"sandbox_id"`
	Status    string      `json:"status"`
	Children  []*ForkNode `json:"children,omitempty"`
}

type ExecSummary struct {
	ID         string  `json:"id"`
	Seq        int64   `json:"seq"`
	Cmd        string  `json:"cmd"`
	Status     string  `json:"status"`
	ExitCode   *int    `json:"exit_code,omitempty"`
	DurationMs *int64  `json:"duration_ms,omitempty"`
	SessionID  *string `json:"session_id,omitempty"`
}

type SessionSummary struct {
	ID     string `json:"id"`
	Shell  string `json:"shell"`
	Status string `json:"status"`
}

type ArtifactSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// Bundle is the §4.13 replay response body.
type Bundle struct {
	Version         int               `json:"version"`
	SandboxID       string            `json:"sandbox_id"`
	Status          string            `json:"status"` // in_progress | complete
	Image           string            `json:"image"`
	Profile         string            `json:"profile"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	TotalDurationMs *int64            `json:"total_duration_ms,omitempty"`
	ForkedFrom      *string           `json:"forked_from,omitempty"`
	ForkTree        *ForkNode         `json:"fork_tree"`
	Execs           []ExecSummary     `json:"execs"`
	Sessions        []SessionSummary  `json:"sessions"`
	Artifacts       []ArtifactSummary `json:"artifacts"`
	EventsURL       string            `json:"events_url"`
}

// Controller assembles replay bundles and serves their event stream.
type Controller struct {
	Sandboxes *repo.SandboxRepo
	Execs     *repo.ExecRepo
	Sessions  *repo.SessionRepo
	Artifacts *repo.ArtifactRepo
	KV        kv.Client
}

func New(sandboxes *repo.SandboxRepo, execs *repo.ExecRepo, sessions *repo.SessionRepo, artifacts *repo.ArtifactRepo, kvClient kv.Client) *Controller {
	return &Controller{Sandboxes: sandboxes, Execs: execs, Sessions: sessions, Artifacts: artifacts, KV: kvClient}
}

// GetBundle resolves a replay bundle. orgID is nil for unauthenticated
// callers, who may only reach sandboxes with replayPublic=true.
func (c *Controller) GetBundle(ctx context.Context, orgID *string, sandboxID string) (*Bundle, AccessKind, error) {
	var sb *repo.Sandbox
	var err error
	access := AccessPrivate

	if orgID != nil {
		sb, err = c.Sandboxes.FindByID(sandboxID, *orgID)
	} else {
		sb, err = c.Sandboxes.FindByIDPublic(sandboxID)
		access = AccessPublic
	}
	if err != nil {
		return nil, access, apierr.Wrap(apierr.KindInternal, "find sandbox for replay failed", err)
	}
	if sb == nil {
		return nil, access, apierr.New(apierr.KindNotFound, "sandbox not found")
	}

	root, children, err := c.Sandboxes.GetForkTree(sb.ID, sb.OrgID)
	if err != nil {
		return nil, access, apierr.Wrap(apierr.KindInternal, "get fork tree failed", err)
	}

	var tree *ForkNode
	if root != nil {
		tree = buildForkNode(root.ID, root.Status, children)
	}

	execs, err := c.listAllExecs(sb.ID, sb.OrgID)
	if err != nil {
		return nil, access, err
	}
	sessions, err := c.listAllSessions(sb.ID, sb.OrgID)
	if err != nil {
		return nil, access, err
	}
	artifacts, err := c.listAllArtifacts(sb.ID, sb.OrgID)
	if err != nil {
		return nil, access, err
	}

	status := "in_progress"
	if sb.IsTerminal() {
		status = "complete"
	}

	var totalDurationMs *int64
	if sb.StartedAt != nil && sb.EndedAt != nil {
		ms := sb.EndedAt.Sub(*sb.StartedAt).Milliseconds()
		totalDurationMs = &ms
	}

	bundle := &Bundle{
		Version:         1,
		SandboxID:       sb.ID,
		Status:          status,
		Image:           sb.ImageRef,
		Profile:         sb.ProfileName,
		StartedAt:       sb.StartedAt,
		EndedAt:         sb.EndedAt,
		TotalDurationMs: totalDurationMs,
		ForkedFrom:      sb.ForkedFrom,
		ForkTree:        tree,
		Execs:           execs,
		Sessions:        sessions,
		Artifacts:       artifacts,
		EventsURL:       "/v1/sandboxes/" + sb.ID + "/replay/events",
	}
	return bundle, access, nil
}

func buildForkNode(id string, status repo.SandboxStatus, children map[string][]*repo.Sandbox) *ForkNode {
	n := &ForkNode{SandboxID: id, Status: string(status)}
	for _, child := range children[id] {
		n.Children = append(n.Children, buildForkNode(child.ID, child.Status, children))
	}
	return n
}

func (c *Controller) listAllExecs(sandboxID, orgID string) ([]ExecSummary, error) {
	var out []ExecSummary
	cursor := ""
	for {
		page, err := c.Execs.List(sandboxID, orgID, repo.ExecListFilter{Cursor: cursor, Limit: pageFetchLimit})
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "list execs for replay failed", err)
		}
		for _, e := range page.Rows {
			out = append(out, ExecSummary{
				ID: e.ID, Seq: e.Seq, Cmd: e.Cmd, Status: string(e.Status),
				ExitCode: e.ExitCode, DurationMs: e.DurationMs, SessionID: e.SessionID,
			})
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

func (c *Controller) listAllSessions(sandboxID, orgID string) ([]SessionSummary, error) {
	var out []SessionSummary
	cursor := ""
	for {
		page, err := c.Sessions.List(sandboxID, orgID, cursor, pageFetchLimit)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "list sessions for replay failed", err)
		}
		for _, s := range page.Rows {
			out = append(out, SessionSummary{ID: s.ID, Shell: s.Shell, Status: string(s.Status)})
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

func (c *Controller) listAllArtifacts(sandboxID, orgID string) ([]ArtifactSummary, error) {
	var out []ArtifactSummary
	cursor := ""
	for {
		page, err := c.Artifacts.List(sandboxID, orgID, cursor, pageFetchLimit)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "list artifacts for replay failed", err)
		}
		for _, a := range page.Rows {
			out = append(out, ArtifactSummary{ID: a.ID, Name: a.Name, Bytes: a.Bytes, SHA256: a.SHA256})
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// StreamFrom returns replay events after afterSeq, using the same
// Last-Event-ID semantics as the exec stream (§4.9).
func (c *Controller) StreamFrom(ctx context.Context, sandboxID string, afterSeq int64) ([]kv.ExecEvent, error) {
	events, err := c.KV.GetReplayEvents(ctx, sandboxID, afterSeq)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "get replay events failed", err)
	}
	return events, nil
}

// FormatSSE reuses the exec stream's event framing for replay events.
func FormatSSE(ev kv.ExecEvent) []byte {
	return execctl.FormatSSE(ev)
}
