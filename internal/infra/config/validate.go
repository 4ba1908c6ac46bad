package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateRegistry(cfg, ve)
	validateRouting(cfg, ve)
	validateSpawn(cfg, ve)
	validateOps(cfg, ve)
	validateGateway(cfg, ve)
	validateScheduler(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogFormats = map[string]bool{"": true, "text": true, "json": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
}

var validHosting = map[string]bool{"in-process": true, "container": true, "external": true}

func validateRegistry(cfg *Config, ve *ValidationError) {
	r := cfg.Registry
	if strings.TrimSpace(r.SelfID) == "" {
		ve.Add("registry.self_id must not be empty")
	}
	if r.HealthInterval <= 0 {
		ve.Add("registry.health_interval must be > 0")
	}
	if r.ProbeTimeout <= 0 {
		ve.Add("registry.probe_timeout must be > 0")
	}
	if r.ProbeTimeout >= r.HealthInterval && r.HealthInterval > 0 {
		ve.Add("registry.probe_timeout must be shorter than registry.health_interval")
	}
	if r.MaxConcurrentProbes < 0 {
		ve.Add("registry.max_concurrent_probes must be >= 0")
	}
	if r.CoordinatorURL != "" {
		validateURL(ve, "registry.coordinator_url", r.CoordinatorURL)
	}

	seen := make(map[string]bool, len(r.Agents))
	for i, a := range r.Agents {
		prefix := fmt.Sprintf("registry.agents[%d]", i)
		if a.ID == "" {
			ve.Add("%s.id must not be empty", prefix)
		} else if seen[a.ID] {
			ve.Add("%s.id %q is duplicated", prefix, a.ID)
		}
		seen[a.ID] = true
		if a.ID == r.SelfID && a.ID != "" {
			ve.Add("%s.id must not equal registry.self_id", prefix)
		}
		if !validHosting[a.Hosting] {
			ve.Add("%s.hosting %q must be in-process, container or external", prefix, a.Hosting)
		}
		if a.Hosting != "in-process" {
			validateURL(ve, prefix+".url", a.URL)
		}
		for j, c := range a.Capabilities {
			if c.ID == "" {
				ve.Add("%s.capabilities[%d].id must not be empty", prefix, j)
			}
			if c.Weight < 0 {
				ve.Add("%s.capabilities[%d].weight must be >= 0", prefix, j)
			}
		}
	}
}

func validateRouting(cfg *Config, ve *ValidationError) {
	r := cfg.Routing
	if r.GatewayURL != "" {
		validateURL(ve, "routing.gateway_url", r.GatewayURL)
		if cfg.Gateway.Enabled && pointsAtAddr(r.GatewayURL, cfg.Gateway.Addr) {
			ve.Add("routing.gateway_url %q targets this switchboard's own gateway.addr %q", r.GatewayURL, cfg.Gateway.Addr)
		}
	}
	if r.DelegationTimeout <= 0 {
		ve.Add("routing.delegation_timeout must be > 0")
	}
	if r.MaxAttempts <= 0 {
		ve.Add("routing.max_attempts must be > 0")
	}
	for category, capability := range r.CategoryCapabilities {
		if strings.TrimSpace(category) == "" || strings.TrimSpace(capability) == "" {
			ve.Add("routing.category_capabilities entries must have a non-empty category and capability")
		}
	}
	if r.CircuitBreaker.Enabled && r.CircuitBreaker.MaxFailures == 0 {
		ve.Add("routing.circuit_breaker.max_failures must be > 0 when enabled")
	}
}

func validateSpawn(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.Spawn.RoleCardDir) == "" {
		ve.Add("spawn.role_card_dir must not be empty")
	}
	for requester, types := range cfg.Spawn.ChainOfCommand {
		if strings.TrimSpace(requester) == "" {
			ve.Add("spawn.chain_of_command has an empty requester role")
		}
		for _, t := range types {
			if strings.TrimSpace(t) == "" {
				ve.Add("spawn.chain_of_command[%s] has an empty spawn type", requester)
			}
		}
	}
}

func validateOps(cfg *Config, ve *ValidationError) {
	switch cfg.Ops.Sink {
	case "", "noop":
	case "redis":
		if cfg.Ops.Redis.Addr == "" {
			ve.Add("ops.redis.addr is required when ops.sink is redis")
		}
		if cfg.Ops.Redis.Channel == "" {
			ve.Add("ops.redis.channel is required when ops.sink is redis")
		}
	case "kafka":
		if len(cfg.Ops.Kafka.Brokers) == 0 {
			ve.Add("ops.kafka.brokers is required when ops.sink is kafka")
		}
		if cfg.Ops.Kafka.Topic == "" {
			ve.Add("ops.kafka.topic is required when ops.sink is kafka")
		}
	default:
		ve.Add("ops.sink %q must be noop, redis or kafka", cfg.Ops.Sink)
	}
	if cfg.Ops.Timeout < 0 {
		ve.Add("ops.timeout must be >= 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if !g.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not host:port: %v", g.Addr, err)
	}
	if g.MaxBodyBytes <= 0 {
		ve.Add("gateway.max_body_bytes must be > 0")
	}
	if g.RateLimit.Enabled {
		if g.RateLimit.RequestsPerMin <= 0 {
			ve.Add("gateway.rate_limit.requests_per_min must be > 0 when enabled")
		}
		if g.RateLimit.Burst <= 0 {
			ve.Add("gateway.rate_limit.burst must be > 0 when enabled")
		}
	}
	for _, p := range g.RateLimit.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("gateway.rate_limit.trusted_proxies entry %q is not an IP", p)
		}
	}
}

var validActions = map[string]bool{
	ActionRefreshDirectory: true,
	ActionDiscover:         true,
	ActionHealthCheck:      true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	names := make(map[string]bool, len(cfg.Scheduler.Tasks))
	for i, task := range cfg.Scheduler.Tasks {
		if task.Name == "" {
			ve.Add("scheduler.tasks[%d].name must not be empty", i)
		} else if names[task.Name] {
			ve.Add("scheduler.tasks[%d].name %q is duplicated", i, task.Name)
		}
		names[task.Name] = true
		if task.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule must not be empty", i)
		}
		if !validActions[task.Action] {
			ve.Add("scheduler.tasks[%d].action %q is not supported", i, task.Action)
		}
	}
}

func validateURL(ve *ValidationError, field, raw string) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("%s %q must be an absolute http(s) URL", field, raw)
	}
}

// pointsAtAddr reports whether rawURL resolves to the listen address addr.
// An empty, unspecified or loopback listen host matches any loopback host.
func pointsAtAddr(rawURL, addr string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	listenHost, listenPort, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	if port != listenPort {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if strings.EqualFold(host, listenHost) {
		return true
	}
	if listenHost == "" || isLoopbackOrUnspecified(listenHost) {
		return host == "localhost" || isLoopbackOrUnspecified(host)
	}
	return false
}

func isLoopbackOrUnspecified(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}
