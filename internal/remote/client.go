package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/schaermu/pismo/internal/apply"

	"github.com/schaermu/pismo/internal/registry"
	"github.com/schaermu/pismo/internal/tree"
)

// StatusError is a non-200 answer from a remote server.
type StatusError struct {
	Method  string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote %s failed with status %d: %s", e.Method, e.Code, e.Message)
}

// Client talks to a pismo server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL. A nil httpClient
// uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
	}
}

// BaseURL is the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// post sends an api call and returns the response on status 200. The caller
// closes the body.
func (c *Client) post(ctx context.Context, method string, params any) (*http.Response, error) {
	req := Request{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, statusError(method, resp)
	}
	return resp, nil
}

func statusError(method string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Method:  method,
		Code:    resp.StatusCode,
		Message: strings.TrimSpace(string(msg)),
	}
}

// call sends an api call and decodes the JSON answer into out, if out is
// not nil.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	resp, err := c.post(ctx, method, params)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote %s: failed to decode response: %w", method, err)
	}
	return nil
}

// ListTrees returns every tree the server serves.
func (c *Client) ListTrees(ctx context.Context) ([]TreeEntry, error) {
	var resp TreesResponse
	if err := c.call(ctx, MethodGetTrees, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Trees, nil
}

// ReadTreeByName returns the snapshot of one served tree.
func (c *Client) ReadTreeByName(ctx context.Context, name string) (*tree.Snapshot, error) {
	trees, err := c.ListTrees(ctx)
	if err != nil {
		return nil, err
	}

	for _, t := range trees {
		if t.TreeName != name {
			continue
		}
		if t.TreeFile == nil {
			return nil, fmt.Errorf("remote tree %s has no tree file", name)
		}
		snap := t.TreeFile
		if snap.Files == nil {
			snap.Files = []tree.FileRecord{}
		}
		snap.Sort()
		if err := snap.Validate(); err != nil {
			return nil, fmt.Errorf("invalid remote tree %s: %w", name, err)
		}
		return snap, nil
	}

	return nil, fmt.Errorf("%w: %s on %s", registry.ErrTreeNotFound, name, c.baseURL)
}

// GetFileTime returns the timestamps of a remote file.
func (c *Client) GetFileTime(ctx context.Context, treeName, rel string) (FileTime, error) {
	var ft FileTime
	err := c.call(ctx, MethodGetFileTime, FileParams{TreeName: treeName, RelativePath: rel}, &ft)
	return ft, err
}

// SetFileTime sets the timestamps of a remote file.
func (c *Client) SetFileTime(ctx context.Context, treeName, rel string, ft FileTime) error {
	return c.call(ctx, MethodSetFileTime, SetFileTimeParams{
		FileParams: FileParams{TreeName: treeName, RelativePath: rel},
		FileTime:   ft,
	}, nil)
}

// GetFile opens the content of a remote file. The size is -1 and the mode 0
// when the server did not announce them.
func (c *Client) GetFile(ctx context.Context, treeName, rel string) (io.ReadCloser, apply.Content, error) {
	resp, err := c.post(ctx, MethodGetFile, FileParams{TreeName: treeName, RelativePath: rel})
	if err != nil {
		return nil, apply.Content{}, err
	}

	content := apply.Content{Size: resp.ContentLength}
	if v := resp.Header.Get(FileModeHeader); v != "" {
		mode, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			_ = resp.Body.Close()
			return nil, apply.Content{}, fmt.Errorf("remote %s: invalid %s %q", MethodGetFile, FileModeHeader, v)
		}
		content.Mode = fs.FileMode(mode).Perm()
	}
	return resp.Body, content, nil
}

// PreparePutFile reserves an upload of content.Size bytes to rel.
func (c *Client) PreparePutFile(ctx context.Context, treeName, rel string, content apply.Content) (string, error) {
	var resp PutResponse
	err := c.call(ctx, MethodPreparePutFile, PreparePutParams{
		FileParams: FileParams{TreeName: treeName, RelativePath: rel},
		FileSize:   content.Size,
		FileMode:   uint32(content.Mode.Perm()),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.PutID == "" {
		return "", fmt.Errorf("remote %s: empty put id", MethodPreparePutFile)
	}
	return resp.PutID, nil
}

// PutFile sends the content for a prepared upload.
func (c *Client) PutFile(ctx context.Context, putID string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/upload", r)
	if err != nil {
		return err
	}
	req.Header.Set(PutIDHeader, putID)
	req.Header.Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		req.ContentLength = size
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote upload: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return statusError("upload", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// DeleteFile removes a remote file.
func (c *Client) DeleteFile(ctx context.Context, treeName, rel string) error {
	return c.call(ctx, MethodDeleteFile, FileParams{TreeName: treeName, RelativePath: rel}, nil)
}
