// Package repo implements Sandchest's typed, tenant-scoped persistence API
// over the relational store.
package repo

import "time"

type SandboxStatus string

const (
	SandboxQueued       SandboxStatus = "queued"
	SandboxProvisioning SandboxStatus = "provisioning"
	SandboxRunning      SandboxStatus = "running"
	SandboxStopping     SandboxStatus = "stopping"
	SandboxStopped      SandboxStatus = "stopped"
	SandboxFailed       SandboxStatus = "failed"
	SandboxDeleted      SandboxStatus = "deleted"
)

type FailureReason string

const (
	FailureProvisionFailed FailureReason = "provision_failed"
	FailureCapacityTimeout FailureReason = "capacity_timeout"
	FailureNodeLost        FailureReason = "node_lost"
	FailureTTLExceeded     FailureReason = "ttl_exceeded"
	FailureIdleTimeout     FailureReason = "idle_timeout"
	FailureSandboxDeleted  FailureReason = "sandbox_deleted"
	FailureOrgDeleted      FailureReason = "org_deleted"
)

// ValidFailureReasons is the closed set accepted by the repository layer;
// unknown values are a validation_error.
var ValidFailureReasons = map[FailureReason]bool{
	FailureProvisionFailed: true,
	FailureCapacityTimeout: true,
	FailureNodeLost:        true,
	FailureTTLExceeded:     true,
	FailureIdleTimeout:     true,
	FailureSandboxDeleted:  true,
	FailureOrgDeleted:      true,
}

type Sandbox struct {
	ID              string
	OrgID           string
	NodeID          *string
	ImageID         string
	ProfileID       string
	ProfileName     string
	ImageRef        string
	Status          SandboxStatus
	Env             map[string]string
	ForkedFrom      *string
	ForkDepth       int
	ForkCount       int
	TTLSeconds      int
	FailureReason   *FailureReason
	ReplayPublic    bool
	ReplayExpiresAt *time.Time
	LastActivityAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
}

func (s *Sandbox) IsTerminal() bool {
	switch s.Status {
	case SandboxStopped, SandboxFailed, SandboxDeleted:
		return true
	default:
		return false
	}
}

type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionDestroyed SessionStatus = "destroyed"
)

type SandboxSession struct {
	ID          string
	SandboxID   string
	OrgID       string
	Shell       string
	Status      SessionStatus
	DestroyedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ExecStatus string

const (
	ExecQueued   ExecStatus = "queued"
	ExecRunning  ExecStatus = "running"
	ExecDone     ExecStatus = "done"
	ExecFailed   ExecStatus = "failed"
	ExecTimedOut ExecStatus = "timed_out"
)

type CmdFormat string

const (
	CmdFormatArray CmdFormat = "array"
	CmdFormatShell CmdFormat = "shell"
)

type Exec struct {
	ID              string
	SandboxID       string
	SessionID       *string
	OrgID           string
	Seq             int64
	Cmd             string
	CmdFormat       CmdFormat
	Cwd             string
	Env             map[string]string
	Status          ExecStatus
	ExitCode        *int
	CPUMs           *int64
	PeakMemoryBytes *int64
	DurationMs      *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
}

type Artifact struct {
	ID             string
	SandboxID      string
	OrgID          string
	ExecID         *string
	Name           string
	MIME           string
	Bytes          int64
	SHA256         string
	Ref            string
	CreatedAt      time.Time
	RetentionUntil *time.Time
}

type NodeStatus string

const (
	NodeOnline   NodeStatus = "online"
	NodeOffline  NodeStatus = "offline"
	NodeDraining NodeStatus = "draining"
	NodeDisabled NodeStatus = "disabled"
)

type Node struct {
	ID         string
	Name       string
	Hostname   string
	SlotsTotal int
	Status     NodeStatus
	LastSeenAt time.Time
}

// OrgQuota holds per-org numeric admission limits. A nil field means "use
// defaults".
type OrgQuota struct {
	OrgID                   string
	MaxConcurrentSandboxes  *int
	MaxExecTimeoutSeconds   *int
	MaxForkDepth            *int
	MaxSessionsPerSandbox   *int
	MaxFileBytes            *int64
	MaxArtifactBytesPerOrg  *int64
	UpdatedAt               time.Time
}

// EffectiveOrgQuota is OrgQuota with every field resolved against defaults.
type EffectiveOrgQuota struct {
	MaxConcurrentSandboxes int
	MaxExecTimeoutSeconds  int
	MaxForkDepth           int
	MaxSessionsPerSandbox  int
	MaxFileBytes           int64
	MaxArtifactBytesPerOrg int64
}

type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

type IdempotencyRecord struct {
	Key            string
	OrgID          string
	Status         IdempotencyStatus
	RequestHash    string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
}

type AuditRecord struct {
	ID        string
	OrgID     string
	ActorID   string
	Action    string
	TargetID  string
	Detail    string
	CreatedAt time.Time
}

// Page is the universal list-operation envelope: rows plus an opaque
// cursor for the next page (empty when exhausted).
type Page[T any] struct {
	Rows       []T
	NextCursor string
}
