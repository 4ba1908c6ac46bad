// Package registry owns the live set of discovered agents: who exists, where
// they run and how healthy they were at the last probe.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/infra/tracer"
)

// Config holds registry tuning.
type Config struct {
	SelfID         string
	HealthInterval time.Duration
	ProbeTimeout   time.Duration
	// MaxConcurrentProbes bounds the health fan-out. Zero means one probe
	// goroutine per remote agent.
	MaxConcurrentProbes int
}

// Registry is the authoritative, concurrency-safe agent directory. Agents are
// never removed; absence from a coordinator snapshot leaves them in place.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*domain.AgentDescriptor
	order  []string

	source     DirectorySource
	prober     HealthProber
	discoverer Discoverer
	bus        domain.EventBus
	config     Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a registry. source, discoverer and bus may be nil.
func New(source DirectorySource, prober HealthProber, discoverer Discoverer, bus domain.EventBus, cfg Config, logger *slog.Logger) *Registry {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Registry{
		agents:     make(map[string]*domain.AgentDescriptor),
		source:     source,
		prober:     prober,
		discoverer: discoverer,
		bus:        bus,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SelfID returns the identifier the registry never hands out as a candidate.
func (r *Registry) SelfID() string { return r.config.SelfID }

// Initialize pulls the first coordinator snapshot and starts the health loop,
// whose first sweep runs right away.
// An unreachable coordinator leaves the registry empty but usable.
func (r *Registry) Initialize(ctx context.Context) {
	if err := r.RefreshFromCoordinator(ctx); err != nil {
		r.logger.Warn("initial directory refresh failed, starting empty", "error", err)
	}
	r.StartHealthChecks(ctx)
}

// Register upserts a self-announced agent. An existing entry with the same id
// is overwritten but keeps its original position in insertion order.
func (r *Registry) Register(ctx context.Context, agent domain.AgentDescriptor) error {
	if strings.TrimSpace(agent.ID) == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "empty agent id")
	}
	if agent.Hosting == "" {
		agent.Hosting = domain.HostingExternal
	}
	if agent.Status == "" {
		agent.Status = domain.AgentOnline
	}
	if agent.Hosting.Remote() && agent.URL == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "remote agent "+agent.ID+" has no url")
	}

	stored := agent.Clone()
	r.mu.Lock()
	if _, exists := r.agents[agent.ID]; !exists {
		r.order = append(r.order, agent.ID)
	}
	r.agents[agent.ID] = &stored
	r.mu.Unlock()

	r.publishEvent(ctx, domain.EventAgentRegistered, map[string]string{
		"agent_id": agent.ID, "hosting": string(agent.Hosting), "status": string(agent.Status),
	})
	r.logger.Info("agent registered", "agent_id", agent.ID, "hosting", agent.Hosting, "url", agent.URL)
	return nil
}

// RefreshFromCoordinator merges the coordinator's directory into the
// registry. Coordinator data is authoritative for metadata and capabilities;
// locally probed health fields survive the merge.
func (r *Registry) RefreshFromCoordinator(ctx context.Context) error {
	if r.source == nil {
		return nil
	}
	snapshot, err := r.source.Fetch(ctx)
	if err != nil {
		r.logger.Warn("directory refresh failed, keeping prior snapshot", "error", err)
		return domain.WrapOp("Registry.RefreshFromCoordinator", err)
	}

	merged := r.merge(snapshot)
	r.publishEvent(ctx, domain.EventDirectoryRefreshed, map[string]int{"received": len(snapshot), "merged": merged})
	r.logger.Info("directory refreshed", "received", len(snapshot), "merged", merged)
	return nil
}

// Discover runs the configured network discoverer and merges its results.
func (r *Registry) Discover(ctx context.Context) error {
	if r.discoverer == nil {
		return nil
	}
	found, err := r.discoverer.Scan(ctx)
	if err != nil {
		return domain.WrapOp("Registry.Discover", err)
	}
	merged := r.merge(found)
	if merged > 0 {
		r.logger.Info("network discovery merged agents", "found", len(found), "merged", merged)
	}
	return nil
}

func (r *Registry) merge(incoming []domain.AgentDescriptor) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := 0
	for _, in := range incoming {
		if in.ID == "" {
			continue
		}
		next := in.Clone()
		if next.Hosting == "" {
			next.Hosting = domain.HostingExternal
		}
		if next.Status == "" {
			next.Status = domain.AgentOnline
		}

		if prev, exists := r.agents[in.ID]; exists {
			if !prev.LastHealthCheck.IsZero() {
				next.LastHealthCheck = prev.LastHealthCheck
				next.LatencyMs = prev.LatencyMs
				if next.Hosting.Remote() {
					next.Status = prev.Status
				}
			}
		} else {
			r.order = append(r.order, in.ID)
		}
		r.agents[in.ID] = &next
		merged++
	}
	return merged
}

// StartHealthChecks launches the health loop: one sweep immediately, then one
// per interval. It stops when ctx is cancelled.
func (r *Registry) StartHealthChecks(ctx context.Context) {
	if r.prober == nil {
		return
	}
	go func() {
		r.HealthCheckAll(ctx)

		ticker := time.NewTicker(r.config.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.HealthCheckAll(ctx)
			}
		}
	}()
}

type probeTarget struct {
	id  string
	url string
}

type probeOutcome struct {
	id      string
	status  domain.AgentStatus
	latency int64
	at      time.Time
}

// HealthCheckAll probes every container and external agent in parallel.
// In-process agents are skipped. Each probe has its own timeout so one hung
// agent cannot delay the others.
func (r *Registry) HealthCheckAll(ctx context.Context) {
	if r.prober == nil {
		return
	}
	ctx, span := tracer.StartSpan(ctx, "registry.HealthCheckAll")
	defer span.End()

	r.mu.RLock()
	targets := make([]probeTarget, 0, len(r.order))
	for _, id := range r.order {
		a := r.agents[id]
		if a.Hosting.Remote() {
			targets = append(targets, probeTarget{id: id, url: a.URL})
		}
	}
	r.mu.RUnlock()

	span.SetAttributes(tracer.IntAttr("targets", len(targets)))
	if len(targets) == 0 {
		tracer.SetOK(span)
		return
	}

	limit := r.config.MaxConcurrentProbes
	if limit <= 0 || limit > len(targets) {
		limit = len(targets)
	}
	sem := make(chan struct{}, limit)

	outcomes := make([]probeOutcome, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = r.probe(ctx, t)
		}()
	}
	wg.Wait()

	type change struct {
		id       string
		from, to domain.AgentStatus
	}
	var changes []change

	r.mu.Lock()
	for _, o := range outcomes {
		a, ok := r.agents[o.id]
		if !ok {
			continue
		}
		if a.Status != o.status {
			changes = append(changes, change{id: o.id, from: a.Status, to: o.status})
		}
		a.Status = o.status
		a.LastHealthCheck = o.at
		latency := o.latency
		a.LatencyMs = &latency
	}
	r.mu.Unlock()

	for _, c := range changes {
		r.logger.Warn("agent status changed", "agent_id", c.id, "from", c.from, "to", c.to)
		r.publishEvent(ctx, domain.EventAgentStatusChanged, map[string]string{
			"agent_id": c.id, "from": string(c.from), "to": string(c.to),
		})
	}
	tracer.SetOK(span)
}

func (r *Registry) probe(ctx context.Context, t probeTarget) probeOutcome {
	probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()

	start := r.now()
	code, err := r.prober.Probe(probeCtx, t.url)
	end := r.now()

	out := probeOutcome{id: t.id, latency: end.Sub(start).Milliseconds(), at: end}
	switch {
	case err != nil:
		out.status = domain.AgentOffline
		r.logger.Debug("health probe failed", "agent_id", t.id, "error", err)
	case code >= 200 && code < 300:
		out.status = domain.AgentOnline
	default:
		out.status = domain.AgentDegraded
		r.logger.Debug("health probe degraded", "agent_id", t.id, "status_code", code)
	}
	return out
}

// FindByCapability returns online agents advertising key as a capability id
// or tag, highest weight first. Ties keep insertion order. The registry's own
// id is never returned.
func (r *Registry) FindByCapability(key string) []domain.AgentDescriptor {
	type ranked struct {
		agent  domain.AgentDescriptor
		weight float64
	}

	r.mu.RLock()
	var hits []ranked
	for _, id := range r.order {
		a := r.agents[id]
		if !r.eligible(a) {
			continue
		}
		if c, ok := a.Capability(key); ok {
			hits = append(hits, ranked{agent: a.Clone(), weight: c.Weight})
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].weight > hits[j].weight })

	result := make([]domain.AgentDescriptor, len(hits))
	for i, h := range hits {
		result[i] = h.agent
	}
	return result
}

// FindBestMatch scores online agents by summing the weights of capabilities
// whose id or any tag contains one of keywords. The highest score wins, the
// earliest registered agent on ties. Returns false when every score is zero.
func (r *Registry) FindBestMatch(keywords []string) (*domain.AgentDescriptor, bool) {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	if len(lowered) == 0 {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *domain.AgentDescriptor
	bestScore := 0.0
	for _, id := range r.order {
		a := r.agents[id]
		if !r.eligible(a) {
			continue
		}
		score := 0.0
		for _, c := range a.Capabilities {
			if capabilityMatches(c, lowered) {
				score += c.Weight
			}
		}
		if score > bestScore {
			bestScore = score
			best = a
		}
	}
	if best == nil {
		return nil, false
	}
	out := best.Clone()
	return &out, true
}

func capabilityMatches(c domain.Capability, keywords []string) bool {
	id := strings.ToLower(c.ID)
	for _, k := range keywords {
		if strings.Contains(id, k) {
			return true
		}
		for _, tag := range c.Tags {
			if strings.Contains(strings.ToLower(tag), k) {
				return true
			}
		}
	}
	return false
}

func (r *Registry) eligible(a *domain.AgentDescriptor) bool {
	return a.Status == domain.AgentOnline && a.ID != r.config.SelfID
}

// Get returns a copy of a single agent.
func (r *Registry) Get(id string) (*domain.AgentDescriptor, error) {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()

	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrAgentNotFound, id)
	}
	out := a.Clone()
	return &out, nil
}

// List returns copies of all agents in insertion order.
func (r *Registry) List() []domain.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.AgentDescriptor, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.agents[id].Clone())
	}
	return result
}

func (r *Registry) publishEvent(ctx context.Context, eventType domain.EventType, detail any) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		r.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
