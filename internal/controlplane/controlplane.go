// Package controlplane owns the long-lived state of a switchboard process:
// the agent registry, the spawn roster and audit log, and the routing engine,
// plus the background jobs and the gateway that front them.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"switchboard/internal/adapter/delegation"
	"switchboard/internal/adapter/directory"
	"switchboard/internal/adapter/gateway"
	"switchboard/internal/adapter/opsnotify"
	"switchboard/internal/adapter/rolecard"
	"switchboard/internal/domain"
	"switchboard/internal/infra/config"
	"switchboard/internal/infra/logger"
	"switchboard/internal/infra/middleware"
	"switchboard/internal/usecase/eventbus"
	"switchboard/internal/usecase/registry"
	"switchboard/internal/usecase/routing"
	"switchboard/internal/usecase/scheduling"
	"switchboard/internal/usecase/spawn"
)

// Discoverer scans for agents and advertises this instance on the network.
type Discoverer interface {
	registry.Discoverer
	Advertise(ctx context.Context, name string, port int, metadata map[string]string) error
}

// Overrides replaces adapters that New would otherwise build from config.
// Nil fields keep the configured adapter.
type Overrides struct {
	Directory  registry.DirectorySource
	Prober     registry.HealthProber
	Discoverer Discoverer
	Delegator  domain.Delegator
	Ops        domain.OpsRegistrar
	HTTPClient *http.Client
}

// ControlPlane wires every component once at process start. All state it
// owns is in memory and rebuilt on boot.
type ControlPlane struct {
	Config    *config.Config
	Bus       *eventbus.Bus
	Cards     *rolecard.Store
	Registry  *registry.Registry
	Router    *routing.Engine
	Spawner   *spawn.Engine
	Scheduler *scheduling.Scheduler
	Gateway   *gateway.Server
	Metrics   *gateway.Metrics

	discoverer Discoverer
	ops        domain.OpsRegistrar
	auditFile  *os.File
	limiter    *middleware.RateLimiter
	logger     *slog.Logger
}

// New builds a control plane from cfg. ctx bounds background helpers that
// start at construction (the rate limiter sweep).
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, ov Overrides) (*ControlPlane, error) {
	cp := &ControlPlane{Config: cfg, logger: log, Metrics: &gateway.Metrics{}}

	cp.Bus = eventbus.New(logger.Component(log, "eventbus"))

	httpClient := ov.HTTPClient
	if httpClient == nil {
		httpClient = delegation.NewHTTPClient(cfg.Routing)
	}

	// Registry.
	source := ov.Directory
	if source == nil && cfg.Registry.CoordinatorURL != "" {
		source = directory.NewCoordinatorClient(cfg.Registry.CoordinatorURL, httpClient, logger.Component(log, "directory"))
	}
	prober := ov.Prober
	if prober == nil {
		prober = directory.NewHTTPProber(httpClient)
	}
	cp.discoverer = ov.Discoverer
	if cp.discoverer == nil && cfg.Registry.MDNS {
		cp.discoverer = directory.NewDiscoverer(logger.Component(log, "mdns"))
	}
	var disc registry.Discoverer
	if cp.discoverer != nil {
		disc = cp.discoverer
	}
	cp.Registry = registry.New(source, prober, disc, cp.Bus, registry.Config{
		SelfID:              cfg.Registry.SelfID,
		HealthInterval:      cfg.Registry.HealthInterval,
		ProbeTimeout:        cfg.Registry.ProbeTimeout,
		MaxConcurrentProbes: cfg.Registry.MaxConcurrentProbes,
	}, logger.Component(log, "registry"))

	for _, ac := range cfg.Registry.Agents {
		if err := cp.Registry.Register(ctx, agentFromConfig(ac)); err != nil {
			return nil, fmt.Errorf("static agent %q: %w", ac.ID, err)
		}
	}

	// Routing.
	delegator := ov.Delegator
	if delegator == nil {
		delegator = delegation.NewClient(httpClient, cfg.Routing.CircuitBreaker, logger.Component(log, "delegation"))
	}
	cp.Router = routing.NewEngine(routing.NewPatternClassifier(nil), cp.Registry, delegator, cp.Bus, routing.Config{
		SelfID:               cfg.Registry.SelfID,
		GatewayURL:           cfg.Routing.GatewayURL,
		DelegationTimeout:    cfg.Routing.DelegationTimeout,
		MaxAttempts:          cfg.Routing.MaxAttempts,
		CategoryCapabilities: cfg.Routing.CategoryCapabilities,
	}, logger.Component(log, "routing"))

	// Spawn lifecycle.
	cp.Cards = rolecard.NewStore(cfg.Spawn.RoleCardDir, logger.Component(log, "rolecard"))
	if _, err := cp.Cards.Load(ctx); err != nil {
		log.Warn("role cards loaded with errors", "dir", cfg.Spawn.RoleCardDir, "error", err)
	}

	cp.ops = ov.Ops
	if cp.ops == nil {
		ops, err := opsnotify.New(cfg.Ops, logger.Component(log, "opsnotify"))
		if err != nil {
			return nil, fmt.Errorf("ops sink: %w", err)
		}
		cp.ops = ops
	}

	var mirror io.Writer
	if cfg.Spawn.AuditFile != "" {
		f, err := spawn.OpenAuditFile(cfg.Spawn.AuditFile)
		if err != nil {
			cp.ops.Close()
			return nil, fmt.Errorf("audit file: %w", err)
		}
		cp.auditFile = f
		mirror = f
	}
	audit := spawn.NewAuditLog(mirror, logger.Component(log, "audit"))
	cp.Spawner = spawn.NewEngine(cp.Cards, spawn.NewChainOfCommand(cfg.Spawn.ChainOfCommand), audit, cp.ops, cp.Bus, logger.Component(log, "spawn"))

	// Scheduler.
	cp.Scheduler = scheduling.NewScheduler(logger.Component(log, "scheduler"))
	cp.Scheduler.RegisterAction(config.ActionRefreshDirectory, cp.Registry.RefreshFromCoordinator)
	cp.Scheduler.RegisterAction(config.ActionDiscover, cp.Registry.Discover)
	cp.Scheduler.RegisterAction(config.ActionHealthCheck, func(ctx context.Context) error {
		cp.Registry.HealthCheckAll(ctx)
		return nil
	})
	if cfg.Scheduler.Enabled {
		if err := cp.Scheduler.AddTasks(cfg.Scheduler.Tasks); err != nil {
			cp.closeSinks()
			return nil, fmt.Errorf("scheduler: %w", err)
		}
	}

	// Gateway.
	if cfg.Gateway.Enabled {
		mws := []middleware.Middleware{
			middleware.RequestID,
			middleware.AccessLog(logger.Component(log, "http")),
			middleware.SecurityHeaders,
		}
		if cfg.Gateway.RateLimit.Enabled {
			cp.limiter = middleware.NewRateLimiter(ctx, cfg.Gateway.RateLimit)
			mws = append(mws, cp.limiter.Middleware)
		}
		mws = append(mws, middleware.MaxBody(cfg.Gateway.MaxBodyBytes))

		cp.Gateway = gateway.NewServer(cp.Bus, cfg.Gateway.Addr, logger.Component(log, "gateway"), mws...)
		deps := gateway.HandlerDeps{
			Registry: cp.Registry,
			Router:   cp.Router,
			Spawner:  cp.Spawner,
			Status:   cp,
			Metrics:  cp.Metrics,
		}
		gateway.RegisterRESTHandlers(cp.Gateway, deps)
		gateway.RegisterDefaultHandlers(cp.Gateway, deps)
	}

	return cp, nil
}

// Start performs the boot refresh, starts the health loop and scheduler,
// then serves the gateway until ctx is cancelled.
func (cp *ControlPlane) Start(ctx context.Context) error {
	cp.Registry.Initialize(ctx)
	if cp.discoverer != nil {
		if err := cp.Registry.Discover(ctx); err != nil {
			cp.logger.Warn("initial network discovery failed", "error", err)
		}
		cp.advertise(ctx)
	}

	if cp.Config.Scheduler.Enabled {
		if err := cp.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler start: %w", err)
		}
	}

	cp.logger.Info("switchboard starting",
		"self_id", cp.Config.Registry.SelfID,
		"agents", len(cp.Registry.List()),
		"role_cards", len(cp.Cards.List()),
		"ops_sink", cp.Config.Ops.Sink,
		"gateway", cp.Config.Gateway.Enabled,
	)

	if cp.Gateway == nil {
		<-ctx.Done()
		return nil
	}
	return cp.Gateway.Start(ctx)
}

func (cp *ControlPlane) advertise(ctx context.Context) {
	_, portStr, err := net.SplitHostPort(cp.Config.Gateway.Addr)
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return
	}
	meta := map[string]string{"id": cp.Config.Registry.SelfID, "role": "router"}
	go func() {
		// Advertise blocks until ctx is done.
		if err := cp.discoverer.Advertise(ctx, cp.Config.Registry.SelfID, port, meta); err != nil {
			cp.logger.Warn("mdns advertise failed", "error", err)
		}
	}()
}

// Close stops background work and releases external sinks.
func (cp *ControlPlane) Close(ctx context.Context) error {
	var errs []error
	if err := cp.Scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if cp.Gateway != nil {
		if err := cp.Gateway.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
	}
	cp.Bus.Close()
	errs = append(errs, cp.closeSinks())
	return errors.Join(errs...)
}

func (cp *ControlPlane) closeSinks() error {
	var errs []error
	if err := cp.ops.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ops: %w", err))
	}
	if cp.auditFile != nil {
		if err := cp.auditFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit file: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SelfID implements gateway.StatusSource.
func (cp *ControlPlane) SelfID() string { return cp.Registry.SelfID() }

// ScheduledTasks implements gateway.StatusSource.
func (cp *ControlPlane) ScheduledTasks() []scheduling.TaskStatus { return cp.Scheduler.Tasks() }

// EventsDropped implements gateway.StatusSource.
func (cp *ControlPlane) EventsDropped() uint64 { return cp.Bus.Dropped() }

func agentFromConfig(ac config.AgentConfig) domain.AgentDescriptor {
	caps := make([]domain.Capability, len(ac.Capabilities))
	for i, c := range ac.Capabilities {
		caps[i] = domain.Capability{ID: c.ID, Name: c.Name, Description: c.Description, Weight: c.Weight, Tags: c.Tags}
	}
	return domain.AgentDescriptor{
		ID:           ac.ID,
		Name:         ac.Name,
		Description:  ac.Description,
		URL:          ac.URL,
		Hosting:      domain.Hosting(ac.Hosting),
		Capabilities: caps,
	}
}
