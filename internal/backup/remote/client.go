package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ClientConfig holds configuration for the HTTP store client.
type ClientConfig struct {
	// BaseURL of the backup store, e.g. http://localhost:52671
	BaseURL string

	// Timeout bounds every single remote call (default: 10 minutes)
	Timeout time.Duration

	// HTTPClient overrides the transport (default: http.DefaultTransport)
	HTTPClient *http.Client

	// Logger for request activity (default: logrus standard logger)
	Logger logrus.FieldLogger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: "http://localhost:52671",
		Timeout: 10 * time.Minute,
	}
}

// Client is a Store backed by the backup store's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     logrus.FieldLogger
}

var _ Store = (*Client)(nil)

// NewClient creates an HTTP store client.
//
// Example:
//
//	client := remote.NewClient(&remote.ClientConfig{
//	    BaseURL: "http://backup.local:52671",
//	    Timeout: time.Minute,
//	})
//	if !client.Ping(ctx) {
//	    return errors.New("backup store unreachable")
//	}
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultClientConfig().Timeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger.WithField("component", "remote"),
	}
}

// Ping implements Store.Ping.
func (c *Client) Ping(ctx context.Context) bool {
	var ok bool
	if err := c.doJSON(ctx, http.MethodGet, RoutePing, nil, &ok); err != nil {
		c.logger.WithError(err).Debug("ping failed")
		return false
	}
	return ok
}

// GetDirectoryByPath implements Store.GetDirectoryByPath.
func (c *Client) GetDirectoryByPath(ctx context.Context, path string) (*Directory, error) {
	var dir *Directory
	query := DirectoryQuery{Path: filepath.ToSlash(path)}
	if err := c.doJSON(ctx, http.MethodPost, RouteDirectory, query, &dir); err != nil {
		return nil, fmt.Errorf("failed to get directory %s: %w", path, err)
	}
	return dir, nil
}

// GetDirectory implements Store.GetDirectory.
func (c *Client) GetDirectory(ctx context.Context, name string, parentID *int64, includeChildren bool) (*Directory, error) {
	route := RouteDirectory
	if includeChildren {
		route = RouteDirectoryChildren
	}

	var dir *Directory
	query := DirectoryQuery{Name: name, ParentID: parentID}
	if err := c.doJSON(ctx, http.MethodPost, route, query, &dir); err != nil {
		return nil, fmt.Errorf("failed to get directory %s: %w", name, err)
	}
	return dir, nil
}

// AddDirectory implements Store.AddDirectory.
func (c *Client) AddDirectory(ctx context.Context, name string, parentID *int64) (*Directory, error) {
	var dir Directory
	if err := c.doJSON(ctx, http.MethodPost, RouteDirectoryAdd, DirectoryAdd{Name: name, ParentID: parentID}, &dir); err != nil {
		return nil, fmt.Errorf("failed to add directory %s: %w", name, err)
	}
	return &dir, nil
}

// UpdateDirectory implements Store.UpdateDirectory.
func (c *Client) UpdateDirectory(ctx context.Context, id int64, modified time.Time) (*Directory, error) {
	var dir Directory
	if err := c.doJSON(ctx, http.MethodPost, RouteDirectoryUpdate, DirectoryUpdate{ID: id, Modified: modified}, &dir); err != nil {
		return nil, fmt.Errorf("failed to update directory %d: %w", id, err)
	}
	return &dir, nil
}

// DeleteDirectory implements Store.DeleteDirectory.
func (c *Client) DeleteDirectory(ctx context.Context, id int64) error {
	if err := c.doJSON(ctx, http.MethodPost, RouteDirectoryDelete, DirectoryDelete{ID: id}, nil); err != nil {
		return fmt.Errorf("failed to delete directory %d: %w", id, err)
	}
	return nil
}

// DeleteFiles implements Store.DeleteFiles.
func (c *Client) DeleteFiles(ctx context.Context, files []File) error {
	if len(files) == 0 {
		return nil
	}
	if err := c.doJSON(ctx, http.MethodPost, RouteFileDeleteMany, files, nil); err != nil {
		return fmt.Errorf("failed to delete %d files: %w", len(files), err)
	}
	return nil
}

// UploadFile implements Store.UploadFile.
//
// The body is streamed as multipart/form-data so large files are never
// buffered in memory.
func (c *Client) UploadFile(ctx context.Context, req UploadRequest) (*File, error) {
	record, err := json.Marshal(req.File)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file record: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	written := make(chan struct{})
	go func() {
		defer close(written)
		pw.CloseWithError(writeUploadBody(mw, record, req))
	}()

	var file File
	err = c.do(ctx, http.MethodPost, RouteFileUpload, mw.FormDataContentType(), pr, &file)
	// The caller owns req.Content; the writer must be done with it before we return.
	_ = pr.Close()
	<-written
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", req.Path, err)
	}
	return &file, nil
}

func writeUploadBody(mw *multipart.Writer, record []byte, req UploadRequest) error {
	if err := mw.WriteField(FieldFileRecord, string(record)); err != nil {
		return err
	}
	if err := mw.WriteField(FieldPath, filepath.ToSlash(req.Path)); err != nil {
		return err
	}
	if req.OldPath != "" {
		if err := mw.WriteField(FieldOldPath, filepath.ToSlash(req.OldPath)); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile(FieldContent, req.File.Name)
	if err != nil {
		return err
	}
	if req.Content != nil {
		if _, err := io.Copy(part, req.Content); err != nil {
			return fmt.Errorf("failed to stream content: %w", err)
		}
	}
	return mw.Close()
}

func (c *Client) doJSON(ctx context.Context, method, route string, body, result interface{}) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, route, contentType, reader, result)
}

// do performs one bounded request. Every call gets its own timeout on top of
// the caller's context.
func (c *Client) do(ctx context.Context, method, route, contentType string, body io.Reader, result interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+route, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(ctx, fmt.Errorf("failed to read response body: %w", err))
	}

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"route":    route,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("remote call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Code: resp.StatusCode}
		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil {
			statusErr.Message = errResp.Message
		} else {
			statusErr.Message = strings.TrimSpace(string(respBody))
		}
		return statusErr
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
