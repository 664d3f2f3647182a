// Package eventsink implements node.EventSink, the control plane's single
// fan-in point for every frame pushed back over a node's StreamEvents
// connection. Grounded on the teacher's tunnel.Registry dispatch loop
// (internal/tunnel/registry.go), generalized from "forward to the one
// waiting RPC caller" to "route by frame type to whichever subsystem owns
// it" since Sandchest's nodes push many unrelated event kinds over one
// connection.
package eventsink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandchest/sandchest/internal/ids"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/node"
	"github.com/sandchest/sandchest/internal/objectstore"
	"github.com/sandchest/sandchest/internal/orchestrator"
	"github.com/sandchest/sandchest/internal/repo"
)

const (
	nodeHeartbeatTTL = 30 * time.Second
	execEventTTL     = 24 * time.Hour
	replayEventTTL   = 7 * 24 * time.Hour
	ttlWarningTTL    = 24 * time.Hour
)

// Sink implements node.EventSink against the control plane's repositories,
// shared KV store, and object store.
type Sink struct {
	Orch      *orchestrator.Orchestrator
	Execs     *repo.ExecRepo
	Artifacts *repo.ArtifactRepo
	KV        kv.Client
	Objects   *objectstore.Store

	mu      sync.Mutex
	execSeq map[string]int64
	subsMu  sync.RWMutex
	subs    map[string][]*subscription
}

// subscription is one live listener on a sandbox's interactive session
// output, registered through Subscribe.
type subscription struct {
	ch     chan []byte
	closed chan struct{}
}

func New(orch *orchestrator.Orchestrator, execs *repo.ExecRepo, artifacts *repo.ArtifactRepo, kvClient kv.Client, objects *objectstore.Store) *Sink {
	return &Sink{
		Orch: orch, Execs: execs, Artifacts: artifacts, KV: kvClient, Objects: objects,
		execSeq: make(map[string]int64),
		subs:    make(map[string][]*subscription),
	}
}

// Subscribe registers a listener for a sandbox+session's live output.
// Callers must drain the returned channel promptly; the returned func must
// be called when the listener goes away.
func (s *Sink) Subscribe(sandboxID, sessionID string) (<-chan []byte, func()) {
	sub := &subscription{ch: make(chan []byte, 64), closed: make(chan struct{})}
	key := sandboxID + ":" + sessionID

	s.subsMu.Lock()
	s.subs[key] = append(s.subs[key], sub)
	s.subsMu.Unlock()

	unsubscribe := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		list := s.subs[key]
		for i, x := range list {
			if x == sub {
				s.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		select {
		case <-sub.closed:
		default:
			close(sub.closed)
		}
	}
	return sub.ch, unsubscribe
}

func (s *Sink) broadcastSessionOutput(sandboxID, sessionID string, data []byte) {
	key := sandboxID + ":" + sessionID
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, sub := range s.subs[key] {
		select {
		case sub.ch <- data:
		default:
			log.Warn().Str("sandbox_id", sandboxID).Str("session_id", sessionID).Msg("session output subscriber is slow, dropping chunk")
		}
	}
}

func (s *Sink) nextExecSeq(execID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.execSeq[execID] + 1
	s.execSeq[execID] = seq
	return seq
}

// HandleFrame implements node.EventSink. It is called from the registry's
// per-connection read loop and must never block on a slow downstream
// consumer for long.
func (s *Sink) HandleFrame(ctx context.Context, frame node.Frame) {
	switch frame.Type {
	case node.FrameHeartbeat:
		s.handleHeartbeat(ctx, frame)
	case node.FrameExecOutput:
		s.handleExecOutput(ctx, frame)
	case node.FrameSessionOutput:
		s.handleSessionOutput(frame)
	case node.FrameExecCompleted:
		s.handleExecCompleted(ctx, frame)
	case node.FrameSandboxEvent:
		s.handleSandboxEvent(ctx, frame)
	case node.FrameArtifactReport:
		s.handleArtifactReport(ctx, frame)
	default:
		log.Warn().Str("type", string(frame.Type)).Msg("unknown node frame type")
	}
}

func (s *Sink) handleHeartbeat(ctx context.Context, frame node.Frame) {
	if frame.NodeID == "" {
		return
	}
	if err := s.KV.RegisterNodeHeartbeat(ctx, frame.NodeID, nodeHeartbeatTTL); err != nil {
		log.Warn().Err(err).Str("node_id", frame.NodeID).Msg("register node heartbeat failed")
	}
}

func (s *Sink) handleExecOutput(ctx context.Context, frame node.Frame) {
	p := frame.ExecOutput
	if p == nil {
		return
	}
	seq := s.nextExecSeq(p.ExecID)
	ev := outputChunkJSON(p.Stream, p.Data)
	if err := s.KV.PushExecEvent(ctx, p.ExecID, kv.ExecEvent{Seq: seq, Ts: frame.Ts, Data: ev}, execEventTTL); err != nil {
		log.Warn().Err(err).Str("exec_id", p.ExecID).Msg("push exec output event failed")
	}
}

func (s *Sink) handleExecCompleted(ctx context.Context, frame node.Frame) {
	p := frame.ExecCompleted
	if p == nil {
		return
	}
	seq := s.nextExecSeq(p.ExecID)
	ev := exitEventJSON(p.ExitCode, p.DurationMs, p.Usage)
	if err := s.KV.PushExecEvent(ctx, p.ExecID, kv.ExecEvent{Seq: seq, Ts: frame.Ts, Data: ev}, execEventTTL); err != nil {
		log.Warn().Err(err).Str("exec_id", p.ExecID).Msg("push exec completed event failed")
	}

	e, err := s.Execs.FindByIDInternal(p.ExecID)
	if err != nil || e == nil {
		return
	}
	status := repo.ExecDone
	if p.TimedOut {
		status = repo.ExecTimedOut
	} else if p.ExitCode != 0 {
		status = repo.ExecFailed
	}
	if err := s.Execs.UpdateStatus(e.ID, e.SandboxID, e.OrgID, status, &p.ExitCode, &p.Usage.CPUMs, &p.Usage.PeakMemoryBytes, &p.DurationMs); err != nil {
		log.Warn().Err(err).Str("exec_id", p.ExecID).Msg("update exec status from node report failed")
	}
}

func (s *Sink) handleSessionOutput(frame node.Frame) {
	p := frame.SessionOutput
	if p == nil {
		return
	}
	s.broadcastSessionOutput(p.SandboxID, p.SessionID, p.Data)
}

func (s *Sink) handleSandboxEvent(ctx context.Context, frame node.Frame) {
	p := frame.SandboxEvent
	if p == nil {
		return
	}
	switch p.Kind {
	case node.SandboxEventFailed:
		if err := s.Orch.ReportNodeFailure(p.SandboxID, p.Reason); err != nil {
			log.Warn().Err(err).Str("sandbox_id", p.SandboxID).Msg("report node failure failed")
		}
	case node.SandboxEventTTLWarning:
		warned, err := s.KV.MarkTTLWarned(ctx, p.SandboxID, ttlWarningTTL)
		if err != nil {
			log.Warn().Err(err).Str("sandbox_id", p.SandboxID).Msg("mark ttl warned failed")
			return
		}
		if warned {
			s.pushReplayEvent(ctx, p.SandboxID, frame.Ts, "ttl_warning")
		}
	default:
		s.pushReplayEvent(ctx, p.SandboxID, frame.Ts, string(p.Kind))
	}
}

func (s *Sink) handleArtifactReport(ctx context.Context, frame node.Frame) {
	p := frame.ArtifactReport
	if p == nil || s.Objects == nil || s.Artifacts == nil || s.Orch == nil {
		return
	}
	sb, err := s.Orch.Sandboxes.FindByIDInternal(p.SandboxID)
	if err != nil || sb == nil {
		log.Warn().Str("sandbox_id", p.SandboxID).Msg("artifact report for unknown sandbox")
		return
	}
	for _, ca := range p.Artifacts {
		artifactID := ids.New(ids.PrefixArtifact)
		ref, err := s.Objects.PutArtifact(ctx, sb.OrgID, p.SandboxID, artifactID, ca.Name, byteReader(ca.Data), ca.Bytes)
		if err != nil {
			log.Warn().Err(err).Str("sandbox_id", p.SandboxID).Str("name", ca.Name).Msg("persist reported artifact failed")
			continue
		}
		a := &repo.Artifact{
			ID: artifactID, SandboxID: p.SandboxID, OrgID: sb.OrgID, Name: ca.Name, MIME: ca.MIME,
			Bytes: ca.Bytes, SHA256: ca.SHA256, Ref: ref, CreatedAt: frame.Ts,
		}
		if err := s.Artifacts.Create(a); err != nil {
			log.Warn().Err(err).Str("sandbox_id", p.SandboxID).Str("name", ca.Name).Msg("create reported artifact row failed")
		}
	}
}

func (s *Sink) pushReplayEvent(ctx context.Context, sandboxID string, ts time.Time, kind string) {
	seq := s.nextExecSeq("replay:" + sandboxID)
	data := lifecycleEventJSON(kind)
	if err := s.KV.PushReplayEvent(ctx, sandboxID, kv.ExecEvent{Seq: seq, Ts: ts, Data: data}, replayEventTTL); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("push replay event failed")
	}
}

// frameEvent is the wire shape pushed into the exec/replay KV event
// buffers, matching the `{t:"stdout"|"stderr", data}` /
// `{t:"exit", code, duration_ms, resource_usage}` event shape execctl uses
// for the synchronous path, plus a bare `t` tag for sandbox lifecycle
// events surfaced through the replay timeline.
type frameEvent struct {
	T             string               `json:"t"`
	Data          []byte               `json:"data,omitempty"`
	Code          *int                 `json:"code,omitempty"`
	DurationMs    *int64               `json:"duration_ms,omitempty"`
	ResourceUsage *node.ResourceUsage `json:"resource_usage,omitempty"`
}

func outputChunkJSON(stream string, data []byte) json.RawMessage {
	return marshalFrameEvent(frameEvent{T: stream, Data: data})
}

func exitEventJSON(exitCode int, durationMs int64, usage node.ResourceUsage) json.RawMessage {
	return marshalFrameEvent(frameEvent{T: "exit", Code: &exitCode, DurationMs: &durationMs, ResourceUsage: &usage})
}

func lifecycleEventJSON(kind string) json.RawMessage {
	return marshalFrameEvent(frameEvent{T: kind})
}

func marshalFrameEvent(ev frameEvent) json.RawMessage {
	raw, err := json.Marshal(ev)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func byteReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}
