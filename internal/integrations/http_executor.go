// Package integrations dispatches action nodes to the external integration
// service.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"velocitymesh/backend/pkg/models"
)

// HTTPExecutor is an HTTP implementation of the engine's
// IntegrationExecutor capability.
type HTTPExecutor struct {
	url     string
	timeout time.Duration
}

// NewHTTPExecutor creates a new HTTPExecutor. timeout bounds each node
// dispatch.
func NewHTTPExecutor(url string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{url: url, timeout: timeout}
}

type executeRequest struct {
	NodeType models.NodeType `json:"nodeType"`
	Config   map[string]any  `json:"config,omitempty"`
	Input    map[string]any  `json:"input,omitempty"`
}

// Execute runs one node against the integration service and returns its
// output map.
func (c *HTTPExecutor) Execute(ctx context.Context, nodeType models.NodeType, config map[string]any, input map[string]any) (map[string]any, error) {
	requestBody, err := json.Marshal(executeRequest{NodeType: nodeType, Config: config, Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/v1/execute", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("integration call failed: status code %d", resp.StatusCode)
	}

	var output map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&output); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return output, nil
}
