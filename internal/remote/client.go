package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
)

// Client talks to the remote file store's HTTP API. All mutating calls
// are optimistic-concurrency-checked server-side: a stale parentRevision
// yields a 409 with a conflict body, surfaced as WriteResult.Conflict.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client for the store at baseURL. If httpClient
// is nil, http.DefaultClient is used.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

// do sends a JSON POST request and returns the status code and raw body.
func (c *Client) do(ctx context.Context, endpoint string, body interface{}) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: sending request to %s: %v", apperrors.ErrAPIRequest, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	return resp.StatusCode, respBody, nil
}

// post sends a request and decodes a 200 response into result. Any other
// status is an error; the body is decoded as APIError when possible.
func (c *Client) post(ctx context.Context, endpoint string, body, result interface{}) error {
	status, respBody, err := c.do(ctx, endpoint, body)
	if err != nil {
		return err
	}

	if status != http.StatusOK {
		return apiStatusError(endpoint, status, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %v", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// postWrite sends a mutating request. A 200 decodes into an accepted
// WriteResult; a 409 decodes the conflict outcome instead of failing.
func (c *Client) postWrite(ctx context.Context, endpoint string, body interface{}) (*WriteResult, error) {
	status, respBody, err := c.do(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		var result WriteResult
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("%w: decoding response from %s: %v", apperrors.ErrAPIResponse, endpoint, err)
		}
		return &result, nil

	case http.StatusConflict:
		var result WriteResult
		if err := json.Unmarshal(respBody, &result); err != nil || result.Conflict == nil {
			return nil, fmt.Errorf("%w: 409 from %s without conflict body", apperrors.ErrAPIResponse, endpoint)
		}
		return &result, nil

	default:
		return nil, apiStatusError(endpoint, status, respBody)
	}
}

func apiStatusError(endpoint string, status int, body []byte) error {
	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("%w: %s (%d): %s", apperrors.ErrAPIRequest, endpoint, status, apiErr.Error)
	}
	return fmt.Errorf("%w: %s returned status %d: %s", apperrors.ErrAPIRequest, endpoint, status, string(body))
}

// List returns all remote records, including tombstones for deleted paths.
func (c *Client) List(ctx context.Context) ([]Record, error) {
	var resp ListResponse
	if err := c.post(ctx, "/v1/files/list", struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("listing remote files: %w", err)
	}

	return resp.Records, nil
}

// Download fetches a record's content at the given revision.
func (c *Client) Download(ctx context.Context, path string, revision int64) (*FileContent, error) {
	req := DownloadRequest{Path: path, Revision: revision}

	var resp FileContent
	if err := c.post(ctx, "/v1/files/download", req, &resp); err != nil {
		return nil, fmt.Errorf("downloading %s@%d: %w", path, revision, err)
	}

	return &resp, nil
}

// Upload writes new content for a path conditioned on req.ParentRevision.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*WriteResult, error) {
	result, err := c.postWrite(ctx, "/v1/files/upload", req)
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", req.Path, err)
	}

	return result, nil
}

// Delete tombstones a path conditioned on parentRevision. Deleting a path
// the server no longer tracks succeeds with the current tombstone revision.
func (c *Client) Delete(ctx context.Context, path string, parentRevision int64) (*WriteResult, error) {
	req := DeleteRequest{Path: path, ParentRevision: parentRevision}

	result, err := c.postWrite(ctx, "/v1/files/delete", req)
	if err != nil {
		return nil, fmt.Errorf("deleting %s: %w", path, err)
	}

	return result, nil
}
