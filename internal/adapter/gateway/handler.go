package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"switchboard/internal/domain"
)

// AgentRegistry is the registry surface the gateway exposes.
type AgentRegistry interface {
	Register(ctx context.Context, agent domain.AgentDescriptor) error
	Get(id string) (*domain.AgentDescriptor, error)
	List() []domain.AgentDescriptor
}

// SpawnService is the lifecycle surface the gateway exposes.
type SpawnService interface {
	Spawn(ctx context.Context, req domain.SpawnRequest) domain.SpawnResponse
	Decommission(ctx context.Context, spawnID, reason, actor string) domain.DecommissionResult
	Get(spawnID string) (*domain.SpawnRecord, error)
	Roster() []domain.RosterEntry
	AvailableRoster() []domain.RoleCard
	AuditTrail(spawnID string) []domain.SpawnAuditEntry
	FullAuditLog() []domain.SpawnAuditEntry
}

// HandlerDeps holds dependencies for REST and RPC handlers.
type HandlerDeps struct {
	Registry AgentRegistry
	Router   domain.TaskRouter
	Spawner  SpawnService
	Status   StatusSource // optional
	Metrics  *Metrics
}

// DecommissionRequest is the body of a decommission call.
type DecommissionRequest struct {
	SpawnID string `json:"spawnId,omitempty"` // RPC only; REST takes it from the path
	Reason  string `json:"reason"`
	Actor   string `json:"actor"`
}

// errorBody is the JSON error shape returned by every REST route.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// RegisterRESTHandlers wires the HTTP routes onto s.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) {
	if deps.Metrics == nil {
		deps.Metrics = &Metrics{}
	}
	startTime := time.Now()

	s.RegisterHTTPRoute("POST /a2a/agents", registerAgentHandler(deps))
	s.RegisterHTTPRoute("GET /a2a/agents", listAgentsHandler(deps))
	s.RegisterHTTPRoute("GET /a2a/agents/{id}", getAgentHandler(deps))
	s.RegisterHTTPRoute("POST /route", routeHandler(deps))
	s.RegisterHTTPRoute("POST /spawn", spawnHandler(deps))
	s.RegisterHTTPRoute("POST /spawn/{id}/decommission", decommissionHandler(deps))
	s.RegisterHTTPRoute("GET /spawn/{id}", getSpawnHandler(deps))
	s.RegisterHTTPRoute("GET /roster", rosterHandler(deps))
	s.RegisterHTTPRoute("GET /roster/available", availableRosterHandler(deps))
	s.RegisterHTTPRoute("GET /audit", auditHandler(deps))
	s.RegisterHTTPRoute("GET /audit/{id}", auditTrailHandler(deps))
	s.RegisterHTTPRoute("GET /health", healthHandler(deps, startTime, s))
	s.RegisterHTTPRoute("GET /metrics", metricsHandler(deps, startTime, s))
}

// RegisterDefaultHandlers wires the RPC methods onto s.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	if deps.Metrics == nil {
		deps.Metrics = &Metrics{}
	}
	s.RegisterHandler(MethodRoute, routeRPC(deps))
	s.RegisterHandler(MethodSpawn, spawnRPC(deps))
	s.RegisterHandler(MethodDecommission, decommissionRPC(deps))
	s.RegisterHandler(MethodRoster, rosterRPC(deps))
	s.RegisterHandler(MethodAgents, agentsRPC(deps))
}

// --- REST ---

func registerAgentHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var agent domain.AgentDescriptor
		if err := decodeBody(r, &agent); err != nil {
			writeError(w, err)
			return
		}
		if err := deps.Registry.Register(r.Context(), agent); err != nil {
			writeError(w, err)
			return
		}
		stored, err := deps.Registry.Get(agent.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, stored)
	}
}

func listAgentsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, domain.AgentDirectory{Agents: deps.Registry.List()})
	}
}

func getAgentHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := deps.Registry.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	}
}

func routeHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.TaskRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			writeError(w, domain.NewDomainError("Gateway.Route", domain.ErrInvalidInput, "text is required"))
			return
		}
		writeJSON(w, http.StatusOK, doRoute(r.Context(), deps, req))
	}
}

func spawnHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.SpawnRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		resp := doSpawn(r.Context(), deps, req)
		writeJSON(w, spawnStatus(resp), resp)
	}
}

func decommissionHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DecommissionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, domain.NewDomainError("Gateway.Decode", domain.ErrInvalidInput, "malformed JSON body"))
			return
		}
		req.SpawnID = r.PathValue("id")
		res := doDecommission(r.Context(), deps, req)
		writeJSON(w, decommissionStatus(deps, res), res)
	}
}

func getSpawnHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Spawner.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func rosterHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"roster": deps.Spawner.Roster()})
	}
}

func availableRosterHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"roleCards": deps.Spawner.AvailableRoster()})
	}
}

func auditHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"entries": deps.Spawner.FullAuditLog()})
	}
}

func auditTrailHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		trail := deps.Spawner.AuditTrail(id)
		if len(trail) == 0 {
			writeError(w, domain.NewSubSystemError("spawn", "Gateway.AuditTrail", domain.ErrNotFound, "no audit entries for "+id))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"spawnId": id, "entries": trail})
	}
}

// --- RPC ---

func routeRPC(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req domain.TaskRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.Text) == "" {
			return nil, domain.NewDomainError("Gateway.RPC.route", domain.ErrRPCInvalidPayload, "text is required")
		}
		if req.RequestedBy == "" {
			req.RequestedBy = client.Name
		}
		return json.Marshal(doRoute(ctx, deps, req))
	}
}

func spawnRPC(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req domain.SpawnRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return json.Marshal(doSpawn(ctx, deps, req))
	}
}

func decommissionRPC(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req DecommissionRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		if req.SpawnID == "" {
			return nil, domain.NewDomainError("Gateway.RPC.decommission", domain.ErrRPCInvalidPayload, "spawnId is required")
		}
		if req.Actor == "" {
			req.Actor = client.Name
		}
		return json.Marshal(doDecommission(ctx, deps, req))
	}
}

func rosterRPC(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Spawner.Roster())
	}
}

func agentsRPC(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(domain.AgentDirectory{Agents: deps.Registry.List()})
	}
}

// --- shared ---

func doRoute(ctx context.Context, deps HandlerDeps, req domain.TaskRequest) *domain.RoutingResult {
	res := deps.Router.Route(ctx, req)
	deps.Metrics.observeRoute(res.Status)
	return res
}

func doSpawn(ctx context.Context, deps HandlerDeps, req domain.SpawnRequest) domain.SpawnResponse {
	resp := deps.Spawner.Spawn(ctx, req)
	deps.Metrics.observeSpawn(resp.Success)
	return resp
}

func doDecommission(ctx context.Context, deps HandlerDeps, req DecommissionRequest) domain.DecommissionResult {
	if req.Reason == "" {
		req.Reason = "requested via gateway"
	}
	if req.Actor == "" {
		req.Actor = "gateway"
	}
	res := deps.Spawner.Decommission(ctx, req.SpawnID, req.Reason, req.Actor)
	if res.Success {
		deps.Metrics.DecommissionsTotal.Add(1)
	}
	return res
}

// spawnStatus maps a spawn outcome onto an HTTP status: unknown role cards
// are 404, gate denials 403.
func spawnStatus(resp domain.SpawnResponse) int {
	switch {
	case resp.Success:
		return http.StatusCreated
	case resp.RoleCard == nil:
		return http.StatusNotFound
	default:
		return http.StatusForbidden
	}
}

func decommissionStatus(deps HandlerDeps, res domain.DecommissionResult) int {
	if res.Success {
		return http.StatusOK
	}
	if _, err := deps.Spawner.Get(res.SpawnID); err != nil {
		return http.StatusNotFound
	}
	return http.StatusConflict
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.NewDomainError("Gateway.Decode", domain.ErrInvalidInput, fmt.Sprintf("body exceeds %d bytes", maxErr.Limit))
		}
		return domain.NewDomainError("Gateway.Decode", domain.ErrInvalidInput, "malformed JSON body")
	}
	return nil
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return domain.NewDomainError("Gateway.RPC", domain.ErrRPCInvalidPayload, "empty payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.NewDomainError("Gateway.RPC", domain.ErrRPCInvalidPayload, err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.ErrorCodeOf(err)
	writeJSON(w, httpStatusFor(code), errorBody{Error: err.Error(), Code: string(code)})
}

func httpStatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidInput, domain.CodeRoleCardInvalid, domain.CodeRPCInvalidPayload:
		return http.StatusBadRequest
	case domain.CodeNotFound, domain.CodeAgentNotFound, domain.CodeSpawnNotFound,
		domain.CodeRoleCardNotFound, domain.CodeCapabilityNotFound, domain.CodeRPCMethodNotFound:
		return http.StatusNotFound
	case domain.CodeDuplicate, domain.CodeIllegalTransition:
		return http.StatusConflict
	case domain.CodePermissionDenied, domain.CodeGateDenied,
		domain.CodeGateChainOfCommand, domain.CodeGateBudget, domain.CodeGateSecurity:
		return http.StatusForbidden
	case domain.CodeRateLimit:
		return http.StatusTooManyRequests
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeUnreachable, domain.CodeAgentUnreachable, domain.CodeCoordinatorUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
