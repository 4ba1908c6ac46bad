// Package directory implements the registry's network collaborators: the
// coordinator directory client, the HTTP health prober and LAN discovery.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"switchboard/internal/domain"
)

// maxDirectoryBody caps the coordinator response size (8 MiB).
const maxDirectoryBody = 8 << 20

// CoordinatorClient fetches the agent directory from a central coordinator.
type CoordinatorClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewCoordinatorClient creates a client for the coordinator at baseURL.
func NewCoordinatorClient(baseURL string, client *http.Client, logger *slog.Logger) *CoordinatorClient {
	return &CoordinatorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// Fetch implements registry.DirectorySource via GET {base}/a2a/agents.
func (c *CoordinatorClient) Fetch(ctx context.Context) ([]domain.AgentDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/a2a/agents", nil)
	if err != nil {
		return nil, fmt.Errorf("build directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCoordinatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d", domain.ErrCoordinatorUnavailable, resp.StatusCode)
	}

	var dir domain.AgentDirectory
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDirectoryBody)).Decode(&dir); err != nil {
		return nil, fmt.Errorf("decode directory: %w: %v", domain.ErrInvalidInput, err)
	}
	if dir.Agents == nil {
		return nil, fmt.Errorf("decode directory: %w: missing agents array", domain.ErrInvalidInput)
	}

	c.logger.Debug("directory fetched", "coordinator", c.baseURL, "agents", len(dir.Agents))
	return dir.Agents, nil
}
