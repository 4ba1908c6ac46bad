//go:build !mdns

package directory

import (
	"context"
	"log/slog"

	"switchboard/internal/domain"
)

// MDNSAvailable reports whether LAN discovery was compiled in.
const MDNSAvailable = false

// NoopDiscoverer is used when mDNS support is not compiled in.
type NoopDiscoverer struct{}

// NewDiscoverer returns a NoopDiscoverer; build with -tags mdns for LAN discovery.
func NewDiscoverer(_ *slog.Logger) *NoopDiscoverer { return &NoopDiscoverer{} }

// Scan finds nothing.
func (NoopDiscoverer) Scan(_ context.Context) ([]domain.AgentDescriptor, error) {
	return nil, nil
}

// Advertise returns immediately.
func (NoopDiscoverer) Advertise(_ context.Context, _ string, _ int, _ map[string]string) error {
	return nil
}
