// Package hub talks to the model hub: capability checks against its
// model metadata API and caption inference against its inference API.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"capfleet/pkg/config"
)

const captionPipeline = "image-to-text"

// Client is an HTTP client for the model hub API
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a hub client from configuration
func NewClient(cfg *config.HubConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type modelInfo struct {
	ID           string   `json:"id"`
	PipelineTag  string   `json:"pipeline_tag"`
	Tags         []string `json:"tags"`
	Private      bool     `json:"private"`
	Disabled     bool     `json:"disabled"`
	Downloads    int64    `json:"downloads"`
	LastModified string   `json:"lastModified"`
}

// IsCaptionModel reports whether modelID exists on the hub and is an
// image-to-text model. Unknown models report false without error; only
// transport or decoding failures error.
func (c *Client) IsCaptionModel(ctx context.Context, modelID string) (bool, error) {
	info, err := c.getModel(ctx, modelID)
	if err != nil {
		return false, err
	}
	if info == nil || info.Disabled {
		return false, nil
	}

	if info.PipelineTag == captionPipeline {
		return true, nil
	}
	for _, tag := range info.Tags {
		if tag == captionPipeline {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) getModel(ctx context.Context, modelID string) (*modelInfo, error) {
	url := fmt.Sprintf("%s/api/models/%s", c.baseURL, modelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build hub request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fallthrough to decode
	case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
		// not visible to us, treat as unsupported
		return nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("hub returned %d for %s: %s", resp.StatusCode, modelID, string(body))
	}

	var info modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode hub response: %w", err)
	}
	return &info, nil
}
