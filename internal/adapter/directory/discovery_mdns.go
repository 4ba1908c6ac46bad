//go:build mdns

package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"switchboard/internal/domain"
)

// MDNSAvailable reports whether LAN discovery was compiled in.
const MDNSAvailable = true

const (
	mdnsServiceType = "_a2a-agent._tcp"
	mdnsDomain      = "local."
	mdnsScanTimeout = 5 * time.Second
)

// MDNSDiscoverer finds agents announcing themselves via mDNS/DNS-SD.
type MDNSDiscoverer struct {
	logger *slog.Logger
}

// NewDiscoverer creates an MDNSDiscoverer.
func NewDiscoverer(logger *slog.Logger) *MDNSDiscoverer {
	return &MDNSDiscoverer{logger: logger}
}

// Scan browses the local network for agent services.
func (d *MDNSDiscoverer) Scan(ctx context.Context) ([]domain.AgentDescriptor, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var agents []domain.AgentDescriptor
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, mdnsScanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			a, ok := entryToAgent(entry)
			if !ok {
				continue
			}
			mu.Lock()
			agents = append(agents, a)
			mu.Unlock()
			d.logger.Debug("mdns discovered agent", "agent_id", a.ID, "url", a.URL)
		}
	}()

	if err := resolver.Browse(scanCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return append([]domain.AgentDescriptor(nil), agents...), nil
}

// Advertise announces this process on the local network until ctx is done.
func (d *MDNSDiscoverer) Advertise(ctx context.Context, name string, port int, metadata map[string]string) error {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}

	server, err := zeroconf.Register(name, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	d.logger.Info("mdns advertising", "name", name, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func entryToAgent(entry *zeroconf.ServiceEntry) (domain.AgentDescriptor, bool) {
	meta := parseTXTRecords(entry.Text)
	if meta["id"] == "" {
		return domain.AgentDescriptor{}, false
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = "[" + entry.AddrIPv6[0].String() + "]"
	default:
		return domain.AgentDescriptor{}, false
	}

	hosting := domain.Hosting(meta["hosting"])
	if hosting == "" {
		hosting = domain.HostingContainer
	}
	name := meta["name"]
	if name == "" {
		name = entry.ServiceRecord.Instance
	}

	return domain.AgentDescriptor{
		ID:           meta["id"],
		Name:         name,
		Description:  meta["description"],
		URL:          fmt.Sprintf("http://%s:%d%s", host, entry.Port, meta["path"]),
		Hosting:      hosting,
		Status:       domain.AgentOnline,
		Capabilities: parseCapabilities(meta["capabilities"]),
	}, true
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		if k, v, ok := strings.Cut(t, "="); ok {
			m[k] = v
		}
	}
	return m
}

func parseCapabilities(raw string) []domain.Capability {
	if raw == "" {
		return nil
	}
	var caps []domain.Capability
	_ = json.Unmarshal([]byte(raw), &caps)
	return caps
}
