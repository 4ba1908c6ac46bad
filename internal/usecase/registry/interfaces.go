package registry

import (
	"context"

	"switchboard/internal/domain"
)

// DirectorySource returns the coordinator's current agent directory.
type DirectorySource interface {
	Fetch(ctx context.Context) ([]domain.AgentDescriptor, error)
}

// HealthProber probes one agent base URL and reports the HTTP status code.
// A non-nil error means the agent could not be reached at all.
type HealthProber interface {
	Probe(ctx context.Context, baseURL string) (int, error)
}

// Discoverer scans the local network for agents that did not self-register.
type Discoverer interface {
	Scan(ctx context.Context) ([]domain.AgentDescriptor, error)
}
