package gateway

import (
	"net/http"
	"sync/atomic"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/usecase/scheduling"
)

// StatusSource exposes background-process state for the health endpoint.
type StatusSource interface {
	SelfID() string
	ScheduledTasks() []scheduling.TaskStatus
	EventsDropped() uint64
}

// HealthResponse is the JSON body returned by GET /health.
type HealthResponse struct {
	Status        string                  `json:"status"`
	SelfID        string                  `json:"selfId,omitempty"`
	UptimeSeconds int64                   `json:"uptimeSeconds"`
	Agents        AgentCounts             `json:"agents"`
	Roster        RosterCounts            `json:"roster"`
	AuditEntries  int                     `json:"auditEntries"`
	WSClients     int                     `json:"wsClients"`
	EventsDropped uint64                  `json:"eventsDropped"`
	Scheduler     []scheduling.TaskStatus `json:"scheduler,omitempty"`
}

// AgentCounts breaks the registry down by health.
type AgentCounts struct {
	Total    int `json:"total"`
	Online   int `json:"online"`
	Degraded int `json:"degraded"`
	Offline  int `json:"offline"`
}

// RosterCounts holds live and spawnable role counts.
type RosterCounts struct {
	Active    int `json:"active"`
	Available int `json:"available"`
}

// Metrics tracks request outcomes for /health and /metrics.
type Metrics struct {
	RoutesTotal        atomic.Int64
	RoutesDelegated    atomic.Int64
	RoutesFallback     atomic.Int64
	RoutesSelfHandled  atomic.Int64
	RoutesFailed       atomic.Int64
	SpawnsTotal        atomic.Int64
	SpawnsDenied       atomic.Int64
	DecommissionsTotal atomic.Int64
}

func (m *Metrics) observeRoute(status domain.RoutingStatus) {
	m.RoutesTotal.Add(1)
	switch status {
	case domain.RoutingDelegated:
		m.RoutesDelegated.Add(1)
	case domain.RoutingFallback:
		m.RoutesFallback.Add(1)
	case domain.RoutingSelfHandled:
		m.RoutesSelfHandled.Add(1)
	case domain.RoutingFailed:
		m.RoutesFailed.Add(1)
	}
}

func (m *Metrics) observeSpawn(ok bool) {
	m.SpawnsTotal.Add(1)
	if !ok {
		m.SpawnsDenied.Add(1)
	}
}

func countAgents(agents []domain.AgentDescriptor) AgentCounts {
	c := AgentCounts{Total: len(agents)}
	for _, a := range agents {
		switch a.Status {
		case domain.AgentOnline:
			c.Online++
		case domain.AgentDegraded:
			c.Degraded++
		case domain.AgentOffline:
			c.Offline++
		}
	}
	return c
}

// healthHandler returns an HTTP handler for GET /health.
func healthHandler(deps HandlerDeps, startTime time.Time, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{
			Status:        "ok",
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
			Agents:        countAgents(deps.Registry.List()),
			Roster: RosterCounts{
				Active:    len(deps.Spawner.Roster()),
				Available: len(deps.Spawner.AvailableRoster()),
			},
			AuditEntries: len(deps.Spawner.FullAuditLog()),
			WSClients:    s.Clients(),
		}
		if deps.Status != nil {
			resp.SelfID = deps.Status.SelfID()
			resp.Scheduler = deps.Status.ScheduledTasks()
			resp.EventsDropped = deps.Status.EventsDropped()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
