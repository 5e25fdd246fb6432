package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/ringfs/cluster"
	"github.com/InsulaLabs/ringfs/config"
	"github.com/InsulaLabs/ringfs/db/meta"
	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/InsulaLabs/ringfs/db/tkv"
	"github.com/InsulaLabs/ringfs/ipc"
	"github.com/InsulaLabs/ringfs/service"
	"github.com/InsulaLabs/ringfs/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const self = "10.0.0.1"

func newTestServer(t *testing.T, limit config.RateLimiter) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	kv, err := tkv.New(tkv.Config{Logger: logger, BadgerLogLevel: slog.LevelError, InMemory: true, CacheTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	store := meta.New(meta.Config{Logger: logger, KV: kv})
	require.NoError(t, store.PutNode(models.ClusterNode{Address: self, Rack: 1, AvailableBytes: 1000, Priority: 1}))

	pipe := ipc.NewPipe(ipc.Config{Logger: logger})
	applier := cluster.NewApplier(cluster.ApplierConfig{Logger: logger, Store: store, Pipe: pipe, Self: self})
	chunks, err := storage.New(storage.Config{Logger: logger, Root: t.TempDir(), Self: self, Store: store})
	require.NoError(t, err)

	svc := service.New(service.Config{
		Logger:    logger,
		Self:      self,
		Store:     store,
		KV:        kv,
		Chunks:    chunks,
		Pipe:      pipe,
		Applier:   applier,
		Placement: config.Placement{ChunkSize: 64, ReplicationFactor: 2},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)
	// nothing drains gossip in this test
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pipe.MembershipInbox():
			}
		}
	}()
	require.True(t, pipe.NotifyClient(ipc.StartClientService{}))
	require.Eventually(t, svc.Ready, time.Second, 10*time.Millisecond)

	srv := New(Config{
		Logger:  logger,
		Service: svc,
		Client:  config.Client{RateLimit: limit},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

type client struct {
	t     *testing.T
	base  string
	token string
}

func (c *client) do(method, path string, body io.Reader) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rsp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { rsp.Body.Close() })
	return rsp
}

func (c *client) json(method, path string, v any) *http.Response {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	return c.do(method, path, bytes.NewReader(data))
}

func decode[T any](t *testing.T, rsp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rsp.Body).Decode(&v))
	return v
}

func TestFileRoundTrip(t *testing.T) {
	ts := newTestServer(t, config.RateLimiter{Limit: 1000, Burst: 1000})
	c := &client{t: t, base: ts.URL}

	status := decode[statusResponse](t, c.do(http.MethodGet, "/api/v1/status", nil))
	assert.True(t, status.Ready)

	rsp := c.json(http.MethodPost, "/api/v1/accounts", credentials{Username: "alice", Secret: "pw"})
	require.Equal(t, http.StatusCreated, rsp.StatusCode)
	rsp = c.json(http.MethodPost, "/api/v1/accounts", credentials{Username: "alice", Secret: "pw"})
	assert.Equal(t, http.StatusConflict, rsp.StatusCode)

	rsp = c.json(http.MethodPost, "/api/v1/login", credentials{Username: "alice", Secret: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rsp.StatusCode)

	rsp = c.json(http.MethodPost, "/api/v1/dirs", createDirectoryRequest{Parent: "alice", Name: "docs"})
	assert.Equal(t, http.StatusUnauthorized, rsp.StatusCode)

	rsp = c.json(http.MethodPost, "/api/v1/login", credentials{Username: "alice", Secret: "pw"})
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	c.token = decode[struct {
		Token string `json:"token"`
	}](t, rsp).Token
	require.NotEmpty(t, c.token)

	rsp = c.json(http.MethodPost, "/api/v1/dirs", createDirectoryRequest{Parent: "alice", Name: "docs"})
	require.Equal(t, http.StatusCreated, rsp.StatusCode)

	rsp = c.json(http.MethodPost, "/api/v1/files", createFileRequest{Directory: "alice/docs", Name: "a.txt", Size: 10})
	require.Equal(t, http.StatusCreated, rsp.StatusCode)
	created := decode[createFileResponse](t, rsp)
	require.Len(t, created.Plan, 1)
	assert.Equal(t, self, created.Plan[0].Node)
	id := strconv.FormatInt(created.File.ID, 10)

	rsp = c.do(http.MethodGet, "/api/v1/files?id="+id, nil)
	assert.Equal(t, http.StatusConflict, rsp.StatusCode, "no chunks yet")

	rsp = c.do(http.MethodPut, "/api/v1/chunks?file="+id+"&seq=1", strings.NewReader("0123456789"))
	require.Equal(t, http.StatusCreated, rsp.StatusCode)

	rsp = c.do(http.MethodGet, "/api/v1/files?id="+id, nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	got := decode[getFileResponse](t, rsp)
	assert.True(t, got.File.Complete)
	assert.Equal(t, []models.ChunkLocation{{Sequence: 1, NodeAddress: self}}, got.Chunks)

	rsp = c.do(http.MethodGet, "/api/v1/chunks?file="+id+"&seq=1", nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	data, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	rsp = c.do(http.MethodDelete, "/api/v1/files?id="+id, nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	rsp = c.do(http.MethodGet, "/api/v1/files?id="+id, nil)
	assert.Equal(t, http.StatusNotFound, rsp.StatusCode)

	rsp = c.do(http.MethodPost, "/api/v1/logout", nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	rsp = c.do(http.MethodGet, "/api/v1/files?id="+id, nil)
	assert.Equal(t, http.StatusUnauthorized, rsp.StatusCode)
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, config.RateLimiter{Limit: 1000, Burst: 1000})
	c := &client{t: t, base: ts.URL}

	rsp := c.do(http.MethodGet, "/api/v1/accounts", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rsp.StatusCode)

	rsp = c.do(http.MethodPost, "/api/v1/accounts", strings.NewReader("{"))
	assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)

	rsp = c.json(http.MethodPost, "/api/v1/accounts", credentials{Username: "a/b", Secret: "pw"})
	assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, config.RateLimiter{Limit: 0.01, Burst: 1})
	c := &client{t: t, base: ts.URL}

	rsp := c.do(http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rsp.StatusCode)

	rsp = c.do(http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rsp.StatusCode)
	assert.NotEmpty(t, rsp.Header.Get("Retry-After"))
}
