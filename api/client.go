// Package api is the client for the graphboost admin server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/graphboost/graphboost/envconfig"
)

type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{base: base, http: http}
}

// ClientFromEnvironment creates a client for the server at GRAPHBOOST_HOST.
func ClientFromEnvironment() (*Client, error) {
	host, err := envconfig.Host()
	if err != nil {
		return nil, err
	}
	return NewClient(&url.URL{Scheme: "http", Host: host}, http.DefaultClient), nil
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var body io.Reader
	if reqData != nil {
		bts, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		body = bytes.NewReader(bts)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	bts, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode >= http.StatusBadRequest {
		var apiError StatusError
		_ = json.Unmarshal(bts, &apiError)
		apiError.StatusCode = response.StatusCode
		apiError.Status = response.Status
		return apiError
	}

	if respData != nil && len(bts) > 0 {
		if err := json.Unmarshal(bts, respData); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var v VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListRunning returns the compiled graphs held by the server.
func (c *Client) ListRunning(ctx context.Context) (*ProcessResponse, error) {
	var ps ProcessResponse
	if err := c.do(ctx, http.MethodGet, "/api/ps", nil, &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

// SetCapacity changes the number of graphs kept per module. Shrinking
// evicts the least recently used graphs at once.
func (c *Client) SetCapacity(ctx context.Context, n int) (*CapacityResponse, error) {
	var resp CapacityResponse
	if err := c.do(ctx, http.MethodPost, "/api/capacity", &CapacityRequest{Capacity: n}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListGraphs(ctx context.Context) (*ListGraphsResponse, error) {
	var resp ListGraphsResponse
	if err := c.do(ctx, http.MethodGet, "/api/graphs", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DeleteGraph(ctx context.Context, req *DeleteGraphRequest) error {
	return c.do(ctx, http.MethodDelete, "/api/graphs", req, nil)
}
