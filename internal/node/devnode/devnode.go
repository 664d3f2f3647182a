// Package devnode implements node.Client against local Docker containers
// standing in for microVMs, letting the scheduler and orchestrator be
// exercised end-to-end without a real virtualization fleet. Grounded on
// the teacher's internal/container/manager.go: label-based orphan cleanup,
// CapDrop/no-new-privileges hardening, and `docker exec -it` bridged
// through a real PTY (github.com/creack/pty) for interactive sessions.
package devnode

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os/exec"
	"path"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sandchest/sandchest/internal/node"
)

const labelManagedBy = "managed-by"
const labelValue = "sandchest"

// sessionEntry is a persistent interactive shell bridged through a real
// PTY via `docker exec -it`, mirroring the teacher's containerProcess.
type sessionEntry struct {
	cmd     *exec.Cmd
	ptyFile io.ReadWriteCloser
	done    chan struct{}
	once    sync.Once
}

func (s *sessionEntry) close() {
	s.once.Do(func() {
		s.ptyFile.Close()
		s.cmd.Process.Kill()
		close(s.done)
	})
}

// Client is a development node.Client backed by the local Docker daemon.
// One container stands in for one sandbox's microVM.
type Client struct {
	cli  *client.Client
	sink node.EventSink

	mu       sync.RWMutex
	sessions map[string]map[string]*sessionEntry // sandboxID -> sessionID -> entry
}

var _ node.Client = (*Client)(nil)

// New opens a Docker client against the local daemon and cleans up any
// containers orphaned by a prior crashed process. sink receives the
// session_output frames a real node would push over StreamEvents; pass
// nil to discard them.
func New(sink node.EventSink) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	c := &Client{cli: cli, sink: sink, sessions: make(map[string]map[string]*sessionEntry)}
	c.cleanOrphans(context.Background())
	return c, nil
}

func (c *Client) cleanOrphans(ctx context.Context) {
	f := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+labelValue))
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return
	}
	for _, ct := range containers {
		c.cli.ContainerStop(ctx, ct.ID, container.StopOptions{})
		c.cli.ContainerRemove(ctx, ct.ID, container.RemoveOptions{Force: true})
	}
}

func containerName(sandboxID string) string { return "sandchest-" + sandboxID }

func (c *Client) CreateSandbox(ctx context.Context, req node.CreateSandboxRequest) error {
	image := req.ImageRef
	if image == "" {
		image = "alpine:latest"
	}

	var env []string
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  image,
			Env:    env,
			Labels: map[string]string{labelManagedBy: labelValue, "sandbox_id": req.SandboxID},
			Cmd:    []string{"sleep", "infinity"},
		},
		&container.HostConfig{
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
		},
		nil, nil, containerName(req.SandboxID),
	)
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

func (c *Client) CreateSandboxFromSnapshot(ctx context.Context, sandboxID, snapshotRef string) error {
	return c.CreateSandbox(ctx, node.CreateSandboxRequest{SandboxID: sandboxID, ImageRef: snapshotRef})
}

func (c *Client) ForkSandbox(ctx context.Context, sourceSandboxID, newSandboxID string) error {
	info, err := c.cli.ContainerInspect(ctx, containerName(sourceSandboxID))
	if err != nil {
		return fmt.Errorf("inspect source sandbox: %w", err)
	}
	return c.CreateSandbox(ctx, node.CreateSandboxRequest{SandboxID: newSandboxID, ImageRef: info.Config.Image})
}

func (c *Client) execIn(ctx context.Context, sandboxID string, argv []string, env map[string]string, cwd string) (node.ExecResult, error) {
	start := time.Now()

	var envSlice []string
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	execCfg := dockertypes.ExecConfig{
		Cmd:          argv,
		Env:          envSlice,
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := c.cli.ContainerExecCreate(ctx, containerName(sandboxID), execCfg)
	if err != nil {
		return node.ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, dockertypes.ExecStartCheck{})
	if err != nil {
		return node.ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return node.ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}

	return node.ExecResult{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		ExitCode:   inspect.ExitCode,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) Exec(ctx context.Context, req node.ExecRequest) (node.ExecResult, error) {
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	res, err := c.execIn(ctx, req.SandboxID, req.Argv, req.Env, req.Cwd)
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, nil
	}
	return res, err
}

// CreateSession starts `docker exec -it <container> <shell>` bridged
// through a real PTY, matching the teacher's Start, and streams its
// output to sink as session_output frames until DestroySession.
func (c *Client) CreateSession(ctx context.Context, sandboxID, sessionID, shell string) error {
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command("docker", "exec", "-it", containerName(sandboxID), shell)
	ptyFile, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("pty start: %w", err)
	}

	entry := &sessionEntry{cmd: cmd, ptyFile: ptyFile, done: make(chan struct{})}

	c.mu.Lock()
	if c.sessions[sandboxID] == nil {
		c.sessions[sandboxID] = make(map[string]*sessionEntry)
	}
	c.sessions[sandboxID][sessionID] = entry
	c.mu.Unlock()

	go c.pumpSessionOutput(sandboxID, sessionID, entry)
	return nil
}

func (c *Client) pumpSessionOutput(sandboxID, sessionID string, entry *sessionEntry) {
	defer func() {
		c.mu.Lock()
		delete(c.sessions[sandboxID], sessionID)
		c.mu.Unlock()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := entry.ptyFile.Read(buf)
		if n > 0 && c.sink != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.sink.HandleFrame(context.Background(), node.Frame{
				Type: node.FrameSessionOutput,
				Ts:   time.Now(),
				SessionOutput: &node.SessionOutputPayload{
					SandboxID: sandboxID, SessionID: sessionID, Data: chunk,
				},
			})
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) SessionExec(ctx context.Context, sandboxID, sessionID string, req node.ExecRequest) (node.ExecResult, error) {
	return c.Exec(ctx, req)
}

func (c *Client) SessionInput(ctx context.Context, sandboxID, sessionID string, data []byte) error {
	c.mu.RLock()
	entry, ok := c.sessions[sandboxID][sessionID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	_, err := entry.ptyFile.Write(data)
	return err
}

func (c *Client) DestroySession(ctx context.Context, sandboxID, sessionID string) error {
	c.mu.Lock()
	entry, ok := c.sessions[sandboxID][sessionID]
	delete(c.sessions[sandboxID], sessionID)
	c.mu.Unlock()
	if ok {
		entry.close()
	}
	return nil
}

func (c *Client) PutFile(ctx context.Context, sandboxID, path string, batch bool, body io.Reader) (int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, fmt.Errorf("read file body: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: tarEntryName(path), Mode: 0644, Size: int64(len(data))}); err != nil {
		return 0, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return 0, fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}

	if err := c.cli.CopyToContainer(ctx, containerName(sandboxID), "/", &buf, dockertypes.CopyToContainerOptions{}); err != nil {
		return 0, fmt.Errorf("copy to container: %w", err)
	}
	return int64(len(data)), nil
}

func tarEntryName(path string) string {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return path
}

func (c *Client) GetFile(ctx context.Context, sandboxID, path string) (io.ReadCloser, error) {
	rc, _, err := c.cli.CopyFromContainer(ctx, containerName(sandboxID), path)
	if err != nil {
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("read tar entry: %w", err)
	}
	return struct {
		io.Reader
		io.Closer
	}{Reader: tr, Closer: rc}, nil
}

func (c *Client) ListFiles(ctx context.Context, sandboxID, path, cursor string, limit int) ([]node.FileInfo, string, error) {
	res, err := c.execIn(ctx, sandboxID, []string{"ls", "-p", path}, nil, "")
	if err != nil {
		return nil, "", err
	}
	var out []node.FileInfo
	name := bytes.Buffer{}
	for _, b := range res.Stdout {
		if b == '\n' {
			if name.Len() > 0 {
				entryName := name.String()
				typ := "file"
				if entryName[len(entryName)-1] == '/' {
					typ = "dir"
					entryName = entryName[:len(entryName)-1]
				}
				out = append(out, node.FileInfo{Name: entryName, Path: path + "/" + entryName, Type: typ})
			}
			name.Reset()
			continue
		}
		name.WriteByte(b)
	}
	return out, "", nil
}

func (c *Client) DeleteFile(ctx context.Context, sandboxID, path string) error {
	_, err := c.execIn(ctx, sandboxID, []string{"rm", "-rf", path}, nil, "")
	return err
}

func (c *Client) CollectArtifacts(ctx context.Context, sandboxID string, paths []string) ([]node.CollectedArtifact, error) {
	var out []node.CollectedArtifact
	for _, p := range paths {
		rc, err := c.GetFile(ctx, sandboxID, p)
		if err != nil {
			continue
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		sum := sha256.Sum256(data)
		out = append(out, node.CollectedArtifact{
			Path:   p,
			Name:   path.Base(p),
			Bytes:  int64(len(data)),
			SHA256: hex.EncodeToString(sum[:]),
			Data:   data,
		})
	}
	return out, nil
}

func (c *Client) StopSandbox(ctx context.Context, sandboxID string) error {
	return c.cli.ContainerStop(ctx, containerName(sandboxID), container.StopOptions{})
}

func (c *Client) DestroySandbox(ctx context.Context, sandboxID string) error {
	c.cli.ContainerStop(ctx, containerName(sandboxID), container.StopOptions{})
	return c.cli.ContainerRemove(ctx, containerName(sandboxID), container.RemoveOptions{Force: true})
}
