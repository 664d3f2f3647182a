// Package kv defines the shared in-memory key/value store contract
// consumed by the scheduler, rate limiter, exec/replay event buffers,
// artifact path sets, leader election, and node heartbeats.
package kv

import (
	"context"
	"encoding/json"
	"time"
)

// ExecEvent is a single entry in an exec or replay event buffer.
type ExecEvent struct {
	Seq  int64           `json:"seq"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

// RateLimitResult is the outcome of a checkRateLimit call.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Client is the full KV operation surface of §4.7. Every operation is
// total (never blocks indefinitely), idempotent where documented, and
// safe under concurrent invocation.
type Client interface {
	// AcquireSlotLease is SETNX-like: true only if the key did not exist.
	AcquireSlotLease(ctx context.Context, nodeID string, slot int, sandboxID string, ttl time.Duration) (bool, error)
	// ReleaseSlotLease is an idempotent unconditional delete.
	ReleaseSlotLease(ctx context.Context, nodeID string, slot int) error
	// RenewSlotLease extends the lease only if present.
	RenewSlotLease(ctx context.Context, nodeID string, slot int, ttl time.Duration) (bool, error)

	CheckRateLimit(ctx context.Context, orgID, category string, limit int, window time.Duration) (RateLimitResult, error)

	PushExecEvent(ctx context.Context, execID string, event ExecEvent, ttl time.Duration) error
	GetExecEvents(ctx context.Context, execID string, afterSeq int64) ([]ExecEvent, error)
	PushReplayEvent(ctx context.Context, sandboxID string, event ExecEvent, ttl time.Duration) error
	GetReplayEvents(ctx context.Context, sandboxID string, afterSeq int64) ([]ExecEvent, error)

	AddArtifactPaths(ctx context.Context, sandboxID string, paths []string) (int, error)
	GetArtifactPaths(ctx context.Context, sandboxID string) ([]string, error)
	CountArtifactPaths(ctx context.Context, sandboxID string) (int, error)

	// AcquireLeaderLock is non-reentrant: the same instanceId calling twice
	// before expiry does not extend the lock through this call; use
	// RenewSlotLease-style explicit renewal in the caller's loop instead.
	AcquireLeaderLock(ctx context.Context, workerName, instanceID string, ttl time.Duration) (bool, error)

	RegisterNodeHeartbeat(ctx context.Context, nodeID string, ttl time.Duration) error
	HasNodeHeartbeat(ctx context.Context, nodeID string) (bool, error)

	// MarkTTLWarned is an idempotent single-fire flag: returns true only
	// the first time it is called for a given sandboxID.
	MarkTTLWarned(ctx context.Context, sandboxID string, ttl time.Duration) (bool, error)

	Ping(ctx context.Context) (bool, error)
}
