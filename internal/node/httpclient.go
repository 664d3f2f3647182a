package node

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// TLSConfig names the PEM files used for mutual TLS between the control
// plane and a production node fleet. devnode has no equivalent: one local
// Docker daemon needs no transport authentication.
type TLSConfig struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// NewTransport builds an mTLS-authenticated HTTP transport for talking to
// nodes directly, grounded on the docker/docker/client package's own
// TLS-from-file-paths bootstrap (client.WithTLSClientConfig).
func NewTransport(cfg TLSConfig) (*http.Transport, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load node client cert: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read node CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
	}
	return &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
		},
	}, nil
}

// HTTPClient is the production node.Client: every call is a synchronous
// HTTPS request straight to the node's own RPC listener. StreamEvents
// (Registry) carries the opposite direction only — a node pushing
// telemetry back — so the two never share a connection.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient targets one node's RPC listener at https://hostname:port.
func NewHTTPClient(transport http.RoundTripper, hostname string, port int) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Transport: transport, Timeout: 60 * time.Second},
		baseURL:    fmt.Sprintf("https://%s:%d", hostname, port),
	}
}

func (c *HTTPClient) call(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("node rpc %s %s: %s: %s", method, path, resp.Status, msg)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) CreateSandbox(ctx context.Context, req CreateSandboxRequest) error {
	return c.call(ctx, http.MethodPost, "/v1/sandboxes", req, nil)
}

func (c *HTTPClient) CreateSandboxFromSnapshot(ctx context.Context, sandboxID, snapshotRef string) error {
	return c.call(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/snapshot", map[string]string{"snapshotRef": snapshotRef}, nil)
}

func (c *HTTPClient) ForkSandbox(ctx context.Context, sourceSandboxID, newSandboxID string) error {
	return c.call(ctx, http.MethodPost, "/v1/sandboxes/"+sourceSandboxID+"/fork", map[string]string{"newSandboxId": newSandboxID}, nil)
}

func (c *HTTPClient) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	var out ExecResult
	err := c.call(ctx, http.MethodPost, "/v1/sandboxes/"+req.SandboxID+"/exec", req, &out)
	return out, err
}

func (c *HTTPClient) CreateSession(ctx context.Context, sandboxID, sessionID, shell string) error {
	return c.call(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/sessions", map[string]string{"sessionId": sessionID, "shell": shell}, nil)
}

func (c *HTTPClient) SessionExec(ctx context.Context, sandboxID, sessionID string, req ExecRequest) (ExecResult, error) {
	var out ExecResult
	err := c.call(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/sessions/"+sessionID+"/exec", req, &out)
	return out, err
}

func (c *HTTPClient) SessionInput(ctx context.Context, sandboxID, sessionID string, data []byte) error {
	return c.call(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/sessions/"+sessionID+"/input", map[string][]byte{"data": data}, nil)
}

func (c *HTTPClient) DestroySession(ctx context.Context, sandboxID, sessionID string) error {
	return c.call(ctx, http.MethodDelete, "/v1/sandboxes/"+sandboxID+"/sessions/"+sessionID, nil, nil)
}

func (c *HTTPClient) PutFile(ctx context.Context, sandboxID, path string, batch bool, body io.Reader) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/v1/sandboxes/%s/files?path=%s&batch=%t", c.baseURL, sandboxID, path, batch), body)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("node rpc put file: %s: %s", resp.Status, msg)
	}
	var out struct {
		BytesWritten int64 `json:"bytesWritten"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.BytesWritten, nil
}

func (c *HTTPClient) GetFile(ctx context.Context, sandboxID, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/sandboxes/%s/files?path=%s", c.baseURL, sandboxID, path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("node rpc get file: %s: %s", resp.Status, msg)
	}
	return resp.Body, nil
}

func (c *HTTPClient) ListFiles(ctx context.Context, sandboxID, path, cursor string, limit int) ([]FileInfo, string, error) {
	var out struct {
		Entries    []FileInfo `json:"entries"`
		NextCursor string     `json:"nextCursor"`
	}
	body := map[string]any{"path": path, "cursor": cursor, "limit": limit}
	err := c.call(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/files/list", body, &out)
	return out.Entries, out.NextCursor, err
}

func (c *HTTPClient) DeleteFile(ctx context.Context, sandboxID, path string) error {
	return c.call(ctx, http.MethodDelete, fmt.Sprintf("/v1/sandboxes/%s/files?path=%s", sandboxID, path), nil, nil)
}

func (c *HTTPClient) CollectArtifacts(ctx context.Context, sandboxID string, paths []string) ([]CollectedArtifact, error) {
	var out struct {
		Artifacts []CollectedArtifact `json:"artifacts"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/artifacts/collect", map[string][]string{"paths": paths}, &out)
	return out.Artifacts, err
}

func (c *HTTPClient) StopSandbox(ctx context.Context, sandboxID string) error {
	return c.call(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/stop", nil, nil)
}

func (c *HTTPClient) DestroySandbox(ctx context.Context, sandboxID string) error {
	return c.call(ctx, http.MethodDelete, "/v1/sandboxes/"+sandboxID, nil, nil)
}

// NodeHostLookup resolves a node id to the hostname a FleetResolver should
// dial. *repo.NodeRepo satisfies this directly.
type NodeHostLookup interface {
	Hostname(nodeID string) (string, error)
}

// FleetResolver builds one HTTPClient per node id, reusing a single mTLS
// transport across the whole fleet. Production counterpart to
// SingleClientResolver.
type FleetResolver struct {
	Lookup    NodeHostLookup
	Transport http.RoundTripper
	Port      int
}

func (r FleetResolver) Resolve(nodeID string) (Client, error) {
	hostname, err := r.Lookup.Hostname(nodeID)
	if err != nil {
		return nil, err
	}
	return NewHTTPClient(r.Transport, hostname, r.Port), nil
}
