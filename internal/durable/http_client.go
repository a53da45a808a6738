package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"velocitymesh/backend/pkg/models"
)

// HTTPClient is an HTTP implementation of the Client interface.
type HTTPClient struct {
	url string
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{url: url}
}

type startRequest struct {
	ExecutionID string                     `json:"executionId"`
	Definition  *models.WorkflowDefinition `json:"definition"`
	Input       map[string]any             `json:"input,omitempty"`
}

type startResponse struct {
	Handle string `json:"handle"`
}

// Start submits a run to the durable executor and returns its handle.
func (c *HTTPClient) Start(ctx context.Context, executionID string, def *models.WorkflowDefinition, input map[string]any) (string, error) {
	requestBody, err := json.Marshal(startRequest{ExecutionID: executionID, Definition: def, Input: input})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/v1/executions", bytes.NewBuffer(requestBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("failed to start execution: status code %d", resp.StatusCode)
	}

	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response body: %w", err)
	}
	return out.Handle, nil
}

// Cancel requests cancellation of a run by handle.
func (c *HTTPClient) Cancel(ctx context.Context, handle string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.url+"/v1/executions/"+handle, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("failed to cancel execution: status code %d", resp.StatusCode)
	}
	return nil
}
