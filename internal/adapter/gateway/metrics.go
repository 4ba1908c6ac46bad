package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
func metricsHandler(deps HandlerDeps, startTime time.Time, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		agents := countAgents(deps.Registry.List())
		m := deps.Metrics

		gauge(w, "switchboard_agents", "Registered agents by health status.", "")
		fmt.Fprintf(w, "switchboard_agents{status=\"online\"} %d\n", agents.Online)
		fmt.Fprintf(w, "switchboard_agents{status=\"degraded\"} %d\n", agents.Degraded)
		fmt.Fprintf(w, "switchboard_agents{status=\"offline\"} %d\n", agents.Offline)

		counter(w, "switchboard_routes_total", "Routing requests by outcome.")
		fmt.Fprintf(w, "switchboard_routes_total{status=\"delegated\"} %d\n", m.RoutesDelegated.Load())
		fmt.Fprintf(w, "switchboard_routes_total{status=\"fallback\"} %d\n", m.RoutesFallback.Load())
		fmt.Fprintf(w, "switchboard_routes_total{status=\"self-handled\"} %d\n", m.RoutesSelfHandled.Load())
		fmt.Fprintf(w, "switchboard_routes_total{status=\"failed\"} %d\n", m.RoutesFailed.Load())

		counter(w, "switchboard_spawns_total", "Spawn requests received.")
		fmt.Fprintf(w, "switchboard_spawns_total %d\n", m.SpawnsTotal.Load())
		counter(w, "switchboard_spawns_denied_total", "Spawn requests rejected by a gate or a missing role card.")
		fmt.Fprintf(w, "switchboard_spawns_denied_total %d\n", m.SpawnsDenied.Load())
		counter(w, "switchboard_decommissions_total", "Completed decommissions.")
		fmt.Fprintf(w, "switchboard_decommissions_total %d\n", m.DecommissionsTotal.Load())

		gauge(w, "switchboard_roster_active", "ACTIVE spawned agents.", fmt.Sprint(len(deps.Spawner.Roster())))
		gauge(w, "switchboard_audit_entries", "Entries in the spawn audit log.", fmt.Sprint(len(deps.Spawner.FullAuditLog())))
		gauge(w, "switchboard_ws_clients", "Connected WebSocket clients.", fmt.Sprint(s.Clients()))
		if deps.Status != nil {
			counter(w, "switchboard_events_dropped_total", "Bus events dropped for full subscriber queues.")
			fmt.Fprintf(w, "switchboard_events_dropped_total %d\n", deps.Status.EventsDropped())
		}
		gauge(w, "switchboard_uptime_seconds", "Seconds since the gateway started.", fmt.Sprintf("%.0f", time.Since(startTime).Seconds()))

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		gauge(w, "go_goroutines", "Number of goroutines.", fmt.Sprint(runtime.NumGoroutine()))
		gauge(w, "go_memstats_alloc_bytes", "Bytes of allocated heap objects.", fmt.Sprint(mem.Alloc))
	}
}

// gauge writes the HELP/TYPE header and, when value is set, a bare sample.
func gauge(w io.Writer, name, help, value string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n", name, help, name)
	if value != "" {
		fmt.Fprintf(w, "%s %s\n", name, value)
	}
}

func counter(w io.Writer, name, help string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
}
