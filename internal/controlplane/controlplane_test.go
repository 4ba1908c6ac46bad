package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"switchboard/internal/adapter/gateway"
	"switchboard/internal/domain"
	"switchboard/internal/infra/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAgent serves the task-acceptance and health endpoints of an agent.
func fakeAgent(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /a2a/tasks/send", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req domain.DelegationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "t-" + req.Metadata.OriginalTaskID, "status": "accepted"})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func fakeCoordinator(t *testing.T, agents ...domain.AgentDescriptor) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/a2a/agents" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domain.AgentDirectory{Agents: agents})
	}))
	t.Cleanup(srv.Close)
	return srv
}

const coderCard = `handle: Code_Ang
role_type: BOOMER_ANG
pmo_office: engineering
capabilities:
  forbidden_actions: [deploy_production]
gates:
  luc_budget:
    required: true
    max_estimated_cost_usd: 50
  security:
    scope_least_privilege_required: true
`

func testConfig(t *testing.T, coordinatorURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "code_ang.yaml"), []byte(coderCard), 0o644))

	cfg := config.Defaults()
	cfg.Registry.CoordinatorURL = coordinatorURL
	cfg.Spawn.RoleCardDir = dir
	cfg.Spawn.AuditFile = filepath.Join(t.TempDir(), "audit.jsonl")
	cfg.Gateway.Addr = "127.0.0.1:0"
	cfg.Routing.DelegationTimeout = 5 * time.Second
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func startControlPlane(t *testing.T, cfg *config.Config) *ControlPlane {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	cp, err := New(ctx, cfg, discardLogger(), Overrides{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- cp.Start(ctx) }()
	require.Eventually(t, func() bool { return cp.Gateway.BoundAddr() != "" }, 3*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		<-done
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		cp.Close(shutdownCtx)
	})
	return cp
}

func call(t *testing.T, cp *ControlPlane, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, "http://"+cp.Gateway.BoundAddr()+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestRouteWithFallbackThroughGateway(t *testing.T) {
	broken, brokenHits := fakeAgent(t, http.StatusInternalServerError)
	coder, coderHits := fakeAgent(t, http.StatusOK)
	coord := fakeCoordinator(t,
		domain.AgentDescriptor{ID: "broken-ang", URL: broken.URL, Hosting: domain.HostingExternal, Status: domain.AgentOnline,
			Capabilities: []domain.Capability{{ID: "code-generation", Name: "Code", Weight: 2}}},
		domain.AgentDescriptor{ID: "coder-ang", URL: coder.URL, Hosting: domain.HostingExternal, Status: domain.AgentOnline,
			Capabilities: []domain.Capability{{ID: "code-generation", Name: "Code", Weight: 1}}},
	)
	cp := startControlPlane(t, testConfig(t, coord.URL))

	var dir domain.AgentDirectory
	require.Equal(t, http.StatusOK, call(t, cp, http.MethodGet, "/a2a/agents", "", &dir))
	require.Len(t, dir.Agents, 2)

	var res domain.RoutingResult
	require.Equal(t, http.StatusOK, call(t, cp, http.MethodPost, "/route", `{"text":"build a REST API in TypeScript","requestedBy":"ACHEEVY"}`, &res))

	assert.Equal(t, domain.RoutingFallback, res.Status)
	assert.Equal(t, "coder-ang", res.DelegatedTo)
	assert.Equal(t, "engineering", res.Intent.Category)
	assert.NotEmpty(t, res.DecisionLog)
	assert.Equal(t, int32(1), brokenHits.Load())
	assert.Equal(t, int32(1), coderHits.Load())
	assert.Equal(t, int64(1), cp.Metrics.RoutesFallback.Load())
}

func TestRouteContainerAgentWithDefaultConfig(t *testing.T) {
	coder, hits := fakeAgent(t, http.StatusOK)
	coord := fakeCoordinator(t,
		domain.AgentDescriptor{ID: "coder-ang", URL: coder.URL, Hosting: domain.HostingContainer, Status: domain.AgentOnline,
			Capabilities: []domain.Capability{{ID: "code-generation", Name: "Code", Weight: 10}}},
	)
	cfg := testConfig(t, coord.URL)
	require.Empty(t, cfg.Routing.GatewayURL)
	cp := startControlPlane(t, cfg)

	var res domain.RoutingResult
	require.Equal(t, http.StatusOK, call(t, cp, http.MethodPost, "/route", `{"text":"build a REST API in TypeScript"}`, &res))

	assert.Equal(t, domain.RoutingDelegated, res.Status, res.Error)
	assert.Equal(t, "coder-ang", res.DelegatedTo)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRouteContainerAgentThroughSharedGateway(t *testing.T) {
	shared, sharedHits := fakeAgent(t, http.StatusOK)
	coder, coderHits := fakeAgent(t, http.StatusOK)
	coord := fakeCoordinator(t,
		domain.AgentDescriptor{ID: "coder-ang", URL: coder.URL, Hosting: domain.HostingContainer, Status: domain.AgentOnline,
			Capabilities: []domain.Capability{{ID: "code-generation", Name: "Code", Weight: 10}}},
	)
	cfg := testConfig(t, coord.URL)
	cfg.Routing.GatewayURL = shared.URL
	require.NoError(t, config.Validate(cfg))
	cp := startControlPlane(t, cfg)

	var res domain.RoutingResult
	require.Equal(t, http.StatusOK, call(t, cp, http.MethodPost, "/route", `{"text":"build a REST API in TypeScript"}`, &res))

	assert.Equal(t, domain.RoutingDelegated, res.Status, res.Error)
	assert.Equal(t, "coder-ang", res.DelegatedTo)
	assert.Equal(t, int32(1), sharedHits.Load())
	assert.Zero(t, coderHits.Load())
}

func TestSelfRegistrationAndSelfHandled(t *testing.T) {
	cp := startControlPlane(t, testConfig(t, ""))

	var res domain.RoutingResult
	call(t, cp, http.MethodPost, "/route", `{"text":"draw a logo mockup"}`, &res)
	assert.Equal(t, domain.RoutingSelfHandled, res.Status)
	assert.Equal(t, "router-ang", res.DelegatedTo)

	designer, hits := fakeAgent(t, http.StatusOK)
	body := `{"id":"pixel-ang","name":"Pixel","url":"` + designer.URL + `","hosting":"external",
		"capabilities":[{"id":"ui-design","name":"UI","weight":1}]}`
	require.Equal(t, http.StatusCreated, call(t, cp, http.MethodPost, "/a2a/agents", body, nil))

	call(t, cp, http.MethodPost, "/route", `{"text":"draw a logo mockup"}`, &res)
	assert.Equal(t, domain.RoutingDelegated, res.Status)
	assert.Equal(t, "pixel-ang", res.DelegatedTo)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSpawnLifecycleThroughGateway(t *testing.T) {
	cfg := testConfig(t, "")
	cp := startControlPlane(t, cfg)

	var available map[string][]domain.RoleCard
	require.Equal(t, http.StatusOK, call(t, cp, http.MethodGet, "/roster/available", "", &available))
	require.Len(t, available["roleCards"], 1)

	var denied domain.SpawnResponse
	status := call(t, cp, http.MethodPost, "/spawn", `{"spawnType":"BOOMER_ANG","handle":"Code_Ang","requestedBy":"LIL_HAWK","environment":"dev"}`, &denied)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, denied.Error, "chain_of_command")

	var spawned domain.SpawnResponse
	status = call(t, cp, http.MethodPost, "/spawn", `{"spawnType":"BOOMER_ANG","handle":"code-ang","requestedBy":"ACHEEVY","environment":"dev","budgetCapUsd":20}`, &spawned)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, []string{"chain_of_command", "luc_budget", "security"}, spawned.GatesPassed)

	var roster map[string][]domain.RosterEntry
	call(t, cp, http.MethodGet, "/roster", "", &roster)
	require.Len(t, roster["roster"], 1)
	assert.Equal(t, spawned.SpawnID, roster["roster"][0].SpawnID)

	var dec domain.DecommissionResult
	require.Equal(t, http.StatusOK, call(t, cp, http.MethodPost, "/spawn/"+spawned.SpawnID+"/decommission", `{"reason":"done","actor":"ACHEEVY"}`, &dec))
	assert.Equal(t, domain.SpawnDecommissioned, dec.Status)

	call(t, cp, http.MethodGet, "/roster", "", &roster)
	assert.Empty(t, roster["roster"])

	var trail struct {
		Entries []domain.SpawnAuditEntry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, call(t, cp, http.MethodGet, "/audit/"+spawned.SpawnID, "", &trail))
	actions := make([]domain.AuditAction, len(trail.Entries))
	for i, e := range trail.Entries {
		actions[i] = e.Action
	}
	assert.Equal(t, []domain.AuditAction{
		domain.AuditGatePass, domain.AuditGatePass, domain.AuditGatePass,
		domain.AuditSpawn, domain.AuditActivate,
		domain.AuditDecommission, domain.AuditDecommission,
	}, actions)

	mirrored, err := os.ReadFile(cfg.Spawn.AuditFile)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(mirrored)), "\n"), len(cp.Spawner.FullAuditLog()))
}

func TestEventStreamAndHealth(t *testing.T) {
	cp := startControlPlane(t, testConfig(t, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+cp.Gateway.BoundAddr()+"/ws?client=watcher", nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return cp.Gateway.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, wsjson.Write(ctx, ws, gateway.Frame{
		Type: gateway.FrameTypeRequest, ID: 1, Method: gateway.MethodRoute,
		Payload: json.RawMessage(`{"text":"research market trends"}`),
	}))

	var sawEvent, sawResponse bool
	for !(sawEvent && sawResponse) {
		var f gateway.Frame
		require.NoError(t, wsjson.Read(ctx, ws, &f))
		switch f.Type {
		case gateway.FrameTypeEvent:
			var ev domain.Event
			require.NoError(t, json.Unmarshal(f.Payload, &ev))
			if ev.Type == domain.EventTaskRouted {
				sawEvent = true
			}
		case gateway.FrameTypeResponse:
			assert.Equal(t, uint64(1), f.ID)
			assert.Empty(t, f.Error)
			sawResponse = true
		}
	}

	var health gateway.HealthResponse
	require.Equal(t, http.StatusOK, call(t, cp, http.MethodGet, "/health", "", &health))
	assert.Equal(t, "router-ang", health.SelfID)
	require.Len(t, health.Scheduler, 1)
	assert.Equal(t, config.ActionRefreshDirectory, health.Scheduler[0].Action)
}

func TestNewRejectsUnknownOpsSink(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Ops.Sink = "carrier-pigeon"

	_, err := New(context.Background(), cfg, discardLogger(), Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ops sink")
}

func TestStaticAgentsRegisteredAtBoot(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Registry.Agents = []config.AgentConfig{{
		ID: "ops-ang", Name: "Ops", Hosting: "in-process",
		Capabilities: []config.CapabilityConfig{{ID: "deployment", Name: "Deploy", Weight: 1}},
	}}

	cp, err := New(context.Background(), cfg, discardLogger(), Overrides{})
	require.NoError(t, err)
	t.Cleanup(func() { cp.Close(context.Background()) })

	agent, err := cp.Registry.Get("ops-ang")
	require.NoError(t, err)
	assert.Equal(t, domain.HostingInProcess, agent.Hosting)
	assert.Len(t, cp.Registry.FindByCapability("deployment"), 1)
}
