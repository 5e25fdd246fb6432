package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	return newRetryingClient(t, h, -1)
}

func newRetryingClient(t *testing.T, h http.Handler, notReadyRetries int) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c, err := NewClient(&Config{
		Endpoint:        strings.TrimPrefix(ts.URL, "http://"),
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		NotReadyRetries: notReadyRetries,
	})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestLoginCarriesToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/login", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		if creds["secret"] != "pw" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid username or secret"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": "tok-1"})
	})
	mux.HandleFunc("/api/v1/files", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized"})
			return
		}
		assert.Equal(t, "7", r.URL.Query().Get("id"))
		writeJSON(w, http.StatusOK, map[string]any{
			"file":   models.FileEntry{ID: 7, Name: "a", Complete: true, ChunkCount: 1},
			"chunks": []models.ChunkLocation{{Sequence: 1, NodeAddress: "10.0.0.1"}},
		})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	err := c.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = c.GetFile(ctx, 7)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, c.Login(ctx, "alice", "pw"))
	assert.Equal(t, "tok-1", c.Token())

	f, locations, err := c.GetFile(ctx, 7)
	require.NoError(t, err)
	assert.True(t, f.Complete)
	assert.Equal(t, []models.ChunkLocation{{Sequence: 1, NodeAddress: "10.0.0.1"}}, locations)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusConflict, ErrConflict},
		{http.StatusServiceUnavailable, ErrNotReady},
		{http.StatusInsufficientStorage, ErrNoSpace},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, ErrorResponse{Error: "nope"})
			}))
			err := c.RemoveFile(context.Background(), 1)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMisdirectedNamesNode(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMisdirectedRequest, ErrorResponse{Error: "chunk is hosted on another node", Node: "10.0.0.9"})
	}))

	var buf bytes.Buffer
	err := c.GetChunk(context.Background(), 1, 2, &buf)
	var misdirected *ErrMisdirected
	require.True(t, errors.As(err, &misdirected))
	assert.Equal(t, "10.0.0.9", misdirected.Node)
	assert.Zero(t, buf.Len())
}

func TestChunkTransfer(t *testing.T) {
	var stored []byte
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			assert.EqualValues(t, 5, r.ContentLength)
			stored, _ = io.ReadAll(r.Body)
			writeJSON(w, http.StatusCreated, models.Chunk{ID: 3, Sequence: 1, Size: int64(len(stored)), FileID: 1})
		case http.MethodGet:
			w.Write(stored)
		}
	}))
	ctx := context.Background()

	chunk, err := c.PutChunk(ctx, 1, 1, []byte("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, chunk.Size)

	var buf bytes.Buffer
	require.NoError(t, c.GetChunk(ctx, 1, 1, &buf))
	assert.Equal(t, "hello", buf.String())
}

func TestRateLimitedRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusOK, Status{Ready: true, Coordinator: "10.0.0.1"})
	}))

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Ready)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRateLimitedRespectsContext(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Status(ctx)
	require.Error(t, err)
}

func TestNotReadyRetried(t *testing.T) {
	var calls atomic.Int32
	c := newRetryingClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "node is still joining"})
			return
		}
		writeJSON(w, http.StatusOK, Status{Ready: true})
	}), 0)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Ready)
	assert.EqualValues(t, 2, calls.Load())
}

func TestNotReadyGivesUp(t *testing.T) {
	var calls atomic.Int32
	c := newRetryingClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "node is still joining"})
	}), 2)

	_, err := c.Status(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.EqualValues(t, 3, calls.Load())
}
