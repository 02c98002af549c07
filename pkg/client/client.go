// Package client provides an HTTP client for the myCloud API with retry and
// online tracking.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/pkg/models"
	"github.com/estrada-diego/myCloud/pkg/protocol"
	"github.com/estrada-diego/myCloud/pkg/retry"
)

// Client talks to a myCloud server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu       sync.RWMutex
	online   bool
	lastPing time.Time
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("server returned %d: %s (%s)", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsOnline returns true if the server was reachable on the last request.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("server is back online")
		} else {
			logging.Error("server is offline")
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	c.setOnline(true)
	return nil
}

// ListFiles lists the children of parentID, or the top level when nil.
func (c *Client) ListFiles(ctx context.Context, parentID *int64) (*protocol.ListResponse, error) {
	path := "/api/v1/files"
	if parentID != nil {
		path += "?parentId=" + strconv.FormatInt(*parentID, 10)
	}
	var out protocol.ListResponse
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetNode fetches a single node.
func (c *Client) GetNode(ctx context.Context, id int64) (*models.Node, error) {
	var out models.Node
	if err := c.doJSON(ctx, "GET", "/api/v1/nodes/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateFolder creates an empty folder.
func (c *Client) CreateFolder(ctx context.Context, name string, parentID *int64) (*models.Node, error) {
	body, err := json.Marshal(protocol.CreateFolderRequest{Name: name, ParentID: parentID})
	if err != nil {
		return nil, err
	}
	var out models.Node
	if err := c.doJSON(ctx, "POST", "/api/v1/folders", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a node and everything below it. A partial failure returns
// both the response, with the bytes that were freed, and an *APIError.
func (c *Client) Delete(ctx context.Context, id int64) (*protocol.DeleteResponse, error) {
	var out protocol.DeleteResponse
	err := c.doJSON(ctx, "DELETE", "/api/v1/nodes/"+strconv.FormatInt(id, 10), nil, &out)
	if err != nil {
		if StatusOf(err) == http.StatusBadGateway && out.ID == id {
			return &out, err
		}
		return nil, err
	}
	return &out, nil
}

// Usage returns the server's byte usage and ceiling.
func (c *Client) Usage(ctx context.Context) (*protocol.UsageResponse, error) {
	var out protocol.UsageResponse
	if err := c.doJSON(ctx, "GET", "/api/v1/usage", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadFile is one file of an upload batch.
type UploadFile struct {
	Path    string // slash-separated destination
	Content io.Reader
}

// Upload sends a batch of files. The body is streamed, so the request is
// attempted once.
func (c *Client) Upload(ctx context.Context, files []UploadFile) (*protocol.UploadResponse, error) {
	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUpload(mw, files))
	}()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/upload", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	c.setOnline(true)

	var out protocol.UploadResponse
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func writeUpload(mw *multipart.Writer, files []UploadFile) error {
	for _, f := range files {
		if err := mw.WriteField("paths", f.Path); err != nil {
			return err
		}
	}
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return fmt.Errorf("read %s: %w", f.Path, err)
		}
	}
	return mw.Close()
}

// Download opens a file's content. The caller must close the reader.
func (c *Client) Download(ctx context.Context, id int64) (io.ReadCloser, int64, error) {
	var body io.ReadCloser
	var size int64

	err := retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/content/"+strconv.FormatInt(id, 10), nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(err)
		}
		c.setOnline(true)
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return classify(resp)
		}
		body = resp.Body
		size = resp.ContentLength
		return nil
	})
	return body, size, err
}

// doJSON sends body (if any) and decodes a JSON response into out. Network
// failures, 5xx other than 502/507, and 429 are retried.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(err)
		}
		defer resp.Body.Close()
		c.setOnline(true)

		return decodeResponse(resp, out)
	})
}

// decodeResponse decodes a JSON body into out. Non-2xx responses become an
// *APIError; out is still filled when the error body matches its shape.
func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return classify(resp, out)
}

// classify turns a failed response into an error, marking the transient ones
// retryable. Extra targets receive the raw body as well.
func classify(resp *http.Response, extra ...any) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var er protocol.ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		apiErr.Message = er.Error
		apiErr.Details = er.Details
	}
	for _, v := range extra {
		json.Unmarshal(data, v)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		after := time.Second
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			after = time.Duration(secs) * time.Second
		}
		return retry.RetryableAfter(apiErr, after)
	case resp.StatusCode == http.StatusBadGateway, resp.StatusCode == http.StatusInsufficientStorage:
		// Partial deletes and quota rejections are not transient.
		return apiErr
	case resp.StatusCode >= 500:
		return retry.Retryable(apiErr)
	default:
		return apiErr
	}
}
