package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/InsulaLabs/ringfs/placement"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultNotReadyRetries = 3
	notReadyBackoff        = 100 * time.Millisecond
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("permission denied")
	ErrConflict     = errors.New("conflict")
	ErrNotReady     = errors.New("node is not serving clients yet")
	ErrNoSpace      = errors.New("not enough cluster capacity")
)

// ErrRateLimited is returned when the node asks us to back off.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ErrMisdirected means another node must serve the request: the coordinator
// for mutations, or the host of a chunk for reads. Node is empty when the
// server did not know.
type ErrMisdirected struct {
	Node    string
	Message string
}

func (e *ErrMisdirected) Error() string {
	return fmt.Sprintf("misdirected request (try %q): %s", e.Node, e.Message)
}

type Config struct {
	Endpoint   string // host:port of a node's client API
	Token      string // session token, see Login
	TLS        bool
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger

	// NotReadyRetries bounds the extra attempts made while the node is
	// still joining its ring. Zero uses the default, negative disables.
	NotReadyRetries int
}

type ErrorResponse struct {
	Error string `json:"error"`
	Node  string `json:"node,omitempty"`
}

type Status struct {
	Ready         bool   `json:"ready"`
	Coordinator   string `json:"coordinator"`
	IsCoordinator bool   `json:"is_coordinator"`
}

// Client is the API client for a ringd node.
type Client struct {
	baseURL         *url.URL
	httpClient      *http.Client
	token           string
	notReadyRetries int
	logger          *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	notReadyRetries := cfg.NotReadyRetries
	switch {
	case notReadyRetries == 0:
		notReadyRetries = defaultNotReadyRetries
	case notReadyRetries < 0:
		notReadyRetries = 0
	}

	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	baseURL, err := url.Parse(fmt.Sprintf("%s://%s", scheme, cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL for '%s': %w", cfg.Endpoint, err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
		},
		Timeout: cfg.Timeout,
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:           cfg.Token,
		notReadyRetries: notReadyRetries,
		logger:          cfg.Logger.WithGroup("ringfs_client"),
	}, nil
}

// Token is the session token requests are sent with.
func (c *Client) Token() string {
	return c.token
}

func decodeError(resp *http.Response) error {
	var errorResp ErrorResponse
	bodyBytes, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(bodyBytes, &errorResp) != nil || errorResp.Error == "" {
		errorResp.Error = string(bytes.TrimSpace(bodyBytes))
	}

	var base error
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
		if err != nil || retryAfter <= 0 {
			retryAfter = 1
		}
		return &ErrRateLimited{RetryAfter: time.Duration(retryAfter) * time.Second}
	case http.StatusMisdirectedRequest:
		return &ErrMisdirected{Node: errorResp.Node, Message: errorResp.Error}
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusUnauthorized:
		base = ErrUnauthorized
	case http.StatusForbidden:
		base = ErrForbidden
	case http.StatusConflict:
		base = ErrConflict
	case http.StatusServiceUnavailable:
		base = ErrNotReady
	case http.StatusInsufficientStorage:
		base = ErrNoSpace
	default:
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, errorResp.Error)
	}
	return fmt.Errorf("%w: %s", base, errorResp.Error)
}

// internal request helper
func (c *Client) doRequest(ctx context.Context, method, path string, queryParams map[string]string, body io.Reader, contentType string, target any) error {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(queryParams) > 0 {
		q := reqURL.Query()
		for k, v := range queryParams {
			q.Set(k, v)
		}
		reqURL.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request %s %s: %w", method, reqURL.String(), err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("Sending request", "method", method, "url", reqURL.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request %s %s failed: %w", method, reqURL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("Received non-2xx status code", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode)
		return decodeError(resp)
	}

	if target == nil {
		return nil
	}
	if w, ok := target.(io.Writer); ok {
		if _, err := io.Copy(w, resp.Body); err != nil {
			return fmt.Errorf("failed to read response body for %s %s: %w", method, reqURL.String(), err)
		}
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode response body for %s %s (status %d): %w", method, reqURL.String(), resp.StatusCode, err)
	}
	return nil
}

// retry runs fn again while the node rate limits us, and a bounded number
// of times while it is not serving clients yet. Other errors end it.
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	notReady := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}

		var wait time.Duration
		var limited *ErrRateLimited
		switch {
		case errors.As(err, &limited):
			wait = limited.RetryAfter
		case errors.Is(err, ErrNotReady) && notReady < c.notReadyRetries:
			notReady++
			wait = time.Duration(notReady) * notReadyBackoff
		default:
			return err
		}

		c.logger.Warn("Node asked us to back off", "op", op, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled while backing off: %w", op, ctx.Err())
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, queryParams map[string]string, payload any, target any) error {
	return c.retry(ctx, method+" "+path, func() error {
		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
			}
			body = bytes.NewReader(data)
		}
		return c.doRequest(ctx, method, path, queryParams, body, "application/json", target)
	})
}

// --- Accounts ---

func (c *Client) CreateAccount(ctx context.Context, username, secret string) error {
	payload := map[string]string{"username": username, "secret": secret}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/accounts", nil, payload, nil)
}

// Login opens a session and keeps its token for later requests.
func (c *Client) Login(ctx context.Context, username, secret string) error {
	payload := map[string]string{"username": username, "secret": secret}
	var response struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/login", nil, payload, &response); err != nil {
		return err
	}
	c.token = response.Token
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/logout", nil, nil, nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

// --- Files ---

func (c *Client) CreateDirectory(ctx context.Context, parent, name string) (models.Directory, error) {
	payload := map[string]string{"parent": parent, "name": name}
	var dir models.Directory
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/dirs", nil, payload, &dir)
	return dir, err
}

// CreateFile records a file of size bytes and returns where each chunk
// should be uploaded.
func (c *Client) CreateFile(ctx context.Context, directory, name string, size int64) (models.FileEntry, []placement.Placement, error) {
	payload := struct {
		Directory string `json:"directory"`
		Name      string `json:"name"`
		Size      int64  `json:"size"`
	}{Directory: directory, Name: name, Size: size}
	var response struct {
		File models.FileEntry      `json:"file"`
		Plan []placement.Placement `json:"plan"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/files", nil, payload, &response)
	return response.File, response.Plan, err
}

func (c *Client) GetFile(ctx context.Context, fileID int64) (models.FileEntry, []models.ChunkLocation, error) {
	params := map[string]string{"id": strconv.FormatInt(fileID, 10)}
	var response struct {
		File   models.FileEntry       `json:"file"`
		Chunks []models.ChunkLocation `json:"chunks"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/files", params, nil, &response)
	return response.File, response.Chunks, err
}

func (c *Client) RemoveFile(ctx context.Context, fileID int64) error {
	params := map[string]string{"id": strconv.FormatInt(fileID, 10)}
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/files", params, nil, nil)
}

func (c *Client) Grant(ctx context.Context, p models.Permission) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/grants", nil, p, nil)
}

func (c *Client) Replicas(ctx context.Context, fileID int64, sequence int) ([]models.ClusterNode, error) {
	params := map[string]string{
		"file": strconv.FormatInt(fileID, 10),
		"seq":  strconv.Itoa(sequence),
	}
	var nodes []models.ClusterNode
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/replicas", params, nil, &nodes)
	return nodes, err
}

// --- Chunks ---

// PutChunk uploads one chunk to the node this client points at.
func (c *Client) PutChunk(ctx context.Context, fileID int64, sequence int, data []byte) (models.Chunk, error) {
	params := map[string]string{
		"file": strconv.FormatInt(fileID, 10),
		"seq":  strconv.Itoa(sequence),
	}
	var chunk models.Chunk
	err := c.retry(ctx, "PUT chunk", func() error {
		return c.doRequest(ctx, http.MethodPut, "/api/v1/chunks", params, bytes.NewReader(data), "application/octet-stream", &chunk)
	})
	return chunk, err
}

// GetChunk streams a chunk hosted by this node into w. A chunk hosted
// elsewhere yields *ErrMisdirected naming the host.
func (c *Client) GetChunk(ctx context.Context, fileID int64, sequence int, w io.Writer) error {
	params := map[string]string{
		"file": strconv.FormatInt(fileID, 10),
		"seq":  strconv.Itoa(sequence),
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/chunks", params, nil, "", w)
}

// --- System ---

func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, nil, &status)
	return status, err
}
