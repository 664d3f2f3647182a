package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonBody(v any) io.ReadCloser {
	b, _ := json.Marshal(v)
	return io.NopCloser(bytes.NewReader(b))
}

func TestHTTPClient_CreateSandbox_PostsExpectedPath(t *testing.T) {
	var gotReq *http.Request
	var gotBody []byte
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotReq = r
		gotBody, _ = io.ReadAll(r.Body)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: make(http.Header)}, nil
	})
	c := NewHTTPClient(transport, "node-1.internal", 8443)

	err := c.CreateSandbox(context.Background(), CreateSandboxRequest{SandboxID: "sb_1", ImageRef: "alpine:latest"})
	require.NoError(t, err)
	require.Equal(t, "https://node-1.internal:8443/v1/sandboxes", gotReq.URL.String())
	require.Equal(t, http.MethodPost, gotReq.Method)
	require.Contains(t, string(gotBody), "sb_1")
}

func TestHTTPClient_Call_ErrorStatusSurfacesBody(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Status:     "500 Internal Server Error",
			Body:       io.NopCloser(bytes.NewReader([]byte("node is on fire"))),
			Header:     make(http.Header),
		}, nil
	})
	c := NewHTTPClient(transport, "node-1.internal", 8443)

	err := c.StopSandbox(context.Background(), "sb_1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "node is on fire")
}

func TestHTTPClient_Call_TransportErrorPropagates(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	c := NewHTTPClient(transport, "node-1.internal", 8443)

	err := c.DestroySandbox(context.Background(), "sb_1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
}

func TestHTTPClient_Exec_DecodesResult(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       jsonBody(ExecResult{ExitCode: 7}),
			Header:     make(http.Header),
		}, nil
	})
	c := NewHTTPClient(transport, "node-1.internal", 8443)

	out, err := c.Exec(context.Background(), ExecRequest{SandboxID: "sb_1", Argv: []string{"false"}})
	require.NoError(t, err)
	require.Equal(t, 7, out.ExitCode)
}

func TestHTTPClient_ForkSandbox_PathIncludesBothIDs(t *testing.T) {
	var gotPath string
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotPath = r.URL.Path
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: make(http.Header)}, nil
	})
	c := NewHTTPClient(transport, "node-1.internal", 8443)

	require.NoError(t, c.ForkSandbox(context.Background(), "sb_src", "sb_child"))
	require.Equal(t, "/v1/sandboxes/sb_src/fork", gotPath)
}

func TestHTTPClient_PutFile_ReturnsBytesWritten(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodPut, r.Method)
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       jsonBody(map[string]int64{"bytesWritten": 42}),
			Header:     make(http.Header),
		}, nil
	})
	c := NewHTTPClient(transport, "node-1.internal", 8443)

	n, err := c.PutFile(context.Background(), "sb_1", "/tmp/out", false, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	require.Equal(t, int64(42), n)
}

func TestHTTPClient_GetFile_ErrorStatusClosesBody(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Status:     "404 Not Found",
			Body:       io.NopCloser(bytes.NewReader([]byte("no such file"))),
			Header:     make(http.Header),
		}, nil
	})
	c := NewHTTPClient(transport, "node-1.internal", 8443)

	_, err := c.GetFile(context.Background(), "sb_1", "/missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no such file")
}

func TestNewTransport_MissingCertFile(t *testing.T) {
	_, err := NewTransport(TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem", CAFile: "/nonexistent/ca.pem"})
	require.Error(t, err)
}

type fakeHostLookup struct {
	hosts map[string]string
	err   error
}

func (f fakeHostLookup) Hostname(nodeID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.hosts[nodeID], nil
}

func TestFleetResolver_ResolveBuildsHTTPClient(t *testing.T) {
	r := FleetResolver{Lookup: fakeHostLookup{hosts: map[string]string{"node_1": "10.0.0.5"}}, Port: 9443}

	c, err := r.Resolve("node_1")
	require.NoError(t, err)
	hc, ok := c.(*HTTPClient)
	require.True(t, ok)
	require.Equal(t, "https://10.0.0.5:9443", hc.baseURL)
}

func TestFleetResolver_ResolvePropagatesLookupError(t *testing.T) {
	r := FleetResolver{Lookup: fakeHostLookup{err: errors.New("node not found")}}

	_, err := r.Resolve("node_missing")
	require.Error(t, err)
}
