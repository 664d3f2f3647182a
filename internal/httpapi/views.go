package httpapi

import (
	"time"

	"github.com/sandchest/sandchest/internal/repo"
)

// sandboxView is the wire shape of a Sandbox. Field names are snake_case
// per the published REST contract.
type sandboxView struct {
	ID              string            `json:"sandbox_id"`
	OrgID           string            `json:"org_id"`
	NodeID          *string           `json:"node_id"`
	ImageID         string            `json:"image_id"`
	ProfileID       string            `json:"profile_id"`
	ProfileName     string            `json:"profile_name"`
	ImageRef        string            `json:"image_ref"`
	Status          string            `json:"status"`
	Env             map[string]string `json:"env,omitempty"`
	ForkedFrom      *string           `json:"forked_from"`
	ForkDepth       int               `json:"fork_depth"`
	ForkCount       int               `json:"fork_count"`
	TTLSeconds      int               `json:"ttl_seconds"`
	FailureReason   *string           `json:"failure_reason"`
	ReplayPublic    bool              `json:"replay_public"`
	ReplayExpiresAt *time.Time        `json:"replay_expires_at"`
	LastActivityAt  *time.Time        `json:"last_activity_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	StartedAt       *time.Time        `json:"started_at"`
	EndedAt         *time.Time        `json:"ended_at"`
}

func toSandboxView(sb *repo.Sandbox) sandboxView {
	v := sandboxView{
		ID: sb.ID, OrgID: sb.OrgID, NodeID: sb.NodeID, ImageID: sb.ImageID,
		ProfileID: sb.ProfileID, ProfileName: sb.ProfileName, ImageRef: sb.ImageRef,
		Status: string(sb.Status), Env: sb.Env, ForkedFrom: sb.ForkedFrom,
		ForkDepth: sb.ForkDepth, ForkCount: sb.ForkCount, TTLSeconds: sb.TTLSeconds,
		ReplayPublic: sb.ReplayPublic, ReplayExpiresAt: sb.ReplayExpiresAt,
		LastActivityAt: sb.LastActivityAt, CreatedAt: sb.CreatedAt, UpdatedAt: sb.UpdatedAt,
		StartedAt: sb.StartedAt, EndedAt: sb.EndedAt,
	}
	if sb.FailureReason != nil {
		reason := string(*sb.FailureReason)
		v.FailureReason = &reason
	}
	return v
}

type pageView[T any] struct {
	Rows       []T    `json:"rows"`
	NextCursor string `json:"next_cursor"`
}

func toSandboxPageView(p *repo.Page[*repo.Sandbox]) pageView[sandboxView] {
	rows := make([]sandboxView, 0, len(p.Rows))
	for _, sb := range p.Rows {
		rows = append(rows, toSandboxView(sb))
	}
	return pageView[sandboxView]{Rows: rows, NextCursor: p.NextCursor}
}

// resourceUsageView is the nested `resource_usage` object spec's exec and
// replay contracts report alongside a terminal exec.
type resourceUsageView struct {
	CPUMs           int64 `json:"cpu_ms"`
	PeakMemoryBytes int64 `json:"peak_memory_bytes"`
}

type execView struct {
	ID            string             `json:"exec_id"`
	SandboxID     string             `json:"sandbox_id"`
	SessionID     *string            `json:"session_id"`
	Seq           int64              `json:"seq"`
	Cmd           string             `json:"cmd"`
	CmdFormat     string             `json:"cmd_format"`
	Cwd           string             `json:"cwd"`
	Env           map[string]string  `json:"env,omitempty"`
	Status        string             `json:"status"`
	ExitCode      *int               `json:"exit_code"`
	DurationMs    *int64             `json:"duration_ms"`
	ResourceUsage *resourceUsageView `json:"resource_usage,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	StartedAt     *time.Time         `json:"started_at"`
	EndedAt       *time.Time         `json:"ended_at"`
}

func toExecView(e *repo.Exec) execView {
	v := execView{
		ID: e.ID, SandboxID: e.SandboxID, SessionID: e.SessionID, Seq: e.Seq, Cmd: e.Cmd,
		CmdFormat: string(e.CmdFormat), Cwd: e.Cwd, Env: e.Env, Status: string(e.Status),
		ExitCode: e.ExitCode, DurationMs: e.DurationMs,
		CreatedAt: e.CreatedAt, StartedAt: e.StartedAt, EndedAt: e.EndedAt,
	}
	if e.CPUMs != nil || e.PeakMemoryBytes != nil {
		usage := resourceUsageView{}
		if e.CPUMs != nil {
			usage.CPUMs = *e.CPUMs
		}
		if e.PeakMemoryBytes != nil {
			usage.PeakMemoryBytes = *e.PeakMemoryBytes
		}
		v.ResourceUsage = &usage
	}
	return v
}

func toExecPageView(p *repo.Page[*repo.Exec]) pageView[execView] {
	rows := make([]execView, 0, len(p.Rows))
	for _, e := range p.Rows {
		rows = append(rows, toExecView(e))
	}
	return pageView[execView]{Rows: rows, NextCursor: p.NextCursor}
}

type sessionView struct {
	ID          string     `json:"session_id"`
	SandboxID   string     `json:"sandbox_id"`
	Shell       string     `json:"shell"`
	Status      string     `json:"status"`
	DestroyedAt *time.Time `json:"destroyed_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toSessionView(s *repo.SandboxSession) sessionView {
	return sessionView{ID: s.ID, SandboxID: s.SandboxID, Shell: s.Shell, Status: string(s.Status), DestroyedAt: s.DestroyedAt, CreatedAt: s.CreatedAt}
}

func toSessionPageView(p *repo.Page[*repo.SandboxSession]) pageView[sessionView] {
	rows := make([]sessionView, 0, len(p.Rows))
	for _, s := range p.Rows {
		rows = append(rows, toSessionView(s))
	}
	return pageView[sessionView]{Rows: rows, NextCursor: p.NextCursor}
}

type artifactView struct {
	ID        string    `json:"artifact_id"`
	SandboxID string    `json:"sandbox_id"`
	Name      string    `json:"name"`
	MIME      string    `json:"mime"`
	Bytes     int64     `json:"bytes"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

func toArtifactView(a *repo.Artifact) artifactView {
	return artifactView{ID: a.ID, SandboxID: a.SandboxID, Name: a.Name, MIME: a.MIME, Bytes: a.Bytes, SHA256: a.SHA256, CreatedAt: a.CreatedAt}
}

func toArtifactPageView(p *repo.Page[*repo.Artifact]) pageView[artifactView] {
	rows := make([]artifactView, 0, len(p.Rows))
	for _, a := range p.Rows {
		rows = append(rows, toArtifactView(a))
	}
	return pageView[artifactView]{Rows: rows, NextCursor: p.NextCursor}
}

type nodeView struct {
	ID         string    `json:"node_id"`
	Name       string    `json:"name"`
	Hostname   string    `json:"hostname"`
	SlotsTotal int       `json:"slots_total"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func toNodeView(n *repo.Node) nodeView {
	return nodeView{ID: n.ID, Name: n.Name, Hostname: n.Hostname, SlotsTotal: n.SlotsTotal, Status: string(n.Status), LastSeenAt: n.LastSeenAt}
}
