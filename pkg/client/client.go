package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopboxhq/shopbox/pkg/types"
)

// Client is an HTTP client for the Shopbox instance API.
type Client struct {
	baseURL    string
	apiKey     string
	ownerID    string
	httpClient *http.Client
}

// NewClient creates a new Shopbox API client acting as ownerID.
func NewClient(baseURL, apiKey, ownerID string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		ownerID: ownerID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// doRequest performs an HTTP request with API key and owner headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	reqURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Owner-ID", c.ownerID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

// CreateInstance provisions a new sandbox instance.
func (c *Client) CreateInstance(ctx context.Context, req types.CreateRequest) (*types.Instance, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/instances", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var inst types.Instance
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &inst, nil
}

// ListInstances lists the caller's instances. With activeOnly set, only
// creating and running instances are returned.
func (c *Client) ListInstances(ctx context.Context, activeOnly bool) ([]types.Instance, error) {
	path := "/instances"
	if activeOnly {
		path += "?active=true"
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var list types.InstanceListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return list.Instances, nil
}

// GetInstance gets an instance by ID.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*types.Instance, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/instances/%s", instanceID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var inst types.Instance
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &inst, nil
}

// DeleteInstance tears down an instance.
func (c *Client) DeleteInstance(ctx context.Context, instanceID string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/instances/%s", instanceID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return nil
}

// InstanceLogs fetches the last tail lines of instance logs.
func (c *Client) InstanceLogs(ctx context.Context, instanceID string, tail int) (string, error) {
	path := fmt.Sprintf("/instances/%s/logs", instanceID)
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var logs types.LogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&logs); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return logs.Logs, nil
}
