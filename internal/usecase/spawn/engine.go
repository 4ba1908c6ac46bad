// Package spawn authorizes, creates and retires agent instances. It is the
// only writer of the spawn audit log.
package spawn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"switchboard/internal/domain"
	"switchboard/internal/infra/tracer"
)

// systemActor signs entries the engine writes on its own behalf.
const systemActor = "spawn-engine"

// Engine runs spawn and decommission requests against role cards, the
// chain-of-command matrix and the audit log.
type Engine struct {
	cards  domain.RoleCardSource
	chain  *ChainOfCommand
	audit  *AuditLog
	ops    domain.OpsRegistrar
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	records map[string]*domain.SpawnRecord
	order   []string
}

// NewEngine creates a spawn engine. ops and bus may be nil.
func NewEngine(cards domain.RoleCardSource, chain *ChainOfCommand, audit *AuditLog, ops domain.OpsRegistrar, bus domain.EventBus, logger *slog.Logger) *Engine {
	if chain == nil {
		chain = NewChainOfCommand(nil)
	}
	return &Engine{
		cards:   cards,
		chain:   chain,
		audit:   audit,
		ops:     ops,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*domain.SpawnRecord),
	}
}

// Spawn evaluates the gates for req and, when all pass, records an ACTIVE
// spawn. Every gate decision is audited whether it passes or not. A failed
// spawn leaves no record behind, only audit entries.
//
// A successful trail reads GATE_PASS x3, SPAWN, ACTIVATE: SPAWN is written
// before the record is stored and no confirmation entry follows ACTIVATE.
func (e *Engine) Spawn(ctx context.Context, req domain.SpawnRequest) domain.SpawnResponse {
	ctx, span := tracer.StartSpan(ctx, "spawn.Spawn")
	defer span.End()

	now := e.now()
	spawnID := newID(now)
	span.SetAttributes(
		tracer.StringAttr("spawn.id", spawnID),
		tracer.StringAttr("spawn.handle", req.Handle),
		tracer.StringAttr("spawn.type", req.SpawnType),
	)
	logger := e.logger.With("spawn_id", spawnID, "handle", req.Handle)

	card, err := e.cards.Get(req.Handle)
	if err != nil {
		msg := fmt.Sprintf("no role card for handle %q: every agent must have a card", req.Handle)
		e.audit.Append(ctx, spawnID, domain.AuditError, req.RequestedBy, msg)
		logger.Warn("spawn rejected", "reason", msg)
		span.SetStatus(codes.Error, msg)
		return e.failed(ctx, spawnID, req.Handle, nil, nil, msg)
	}

	gates := []func() gateResult{
		func() gateResult {
			ok, reason := e.chain.Permits(req.RequestedBy, req.SpawnType)
			return gateResult{name: GateChainOfCommand, passed: ok, reason: reason}
		},
		func() gateResult { return budgetGate(card, req) },
		func() gateResult { return securityGate(card) },
	}

	var passed []string
	for _, evaluate := range gates {
		g := evaluate()
		if !g.passed {
			e.audit.Append(ctx, spawnID, domain.AuditGateFail, req.RequestedBy, g.name+": "+g.reason)
			gateErr := g.err()
			logger.Warn("spawn gate denied", "gate", g.name, "reason", g.reason)
			tracer.RecordError(span, gateErr)
			return e.failed(ctx, spawnID, card.Handle, card, passed, gateErr.Error())
		}
		e.audit.Append(ctx, spawnID, domain.AuditGatePass, req.RequestedBy, g.name+": "+g.reason)
		passed = append(passed, g.name)
	}

	rec := &domain.SpawnRecord{
		SpawnID:     spawnID,
		SpawnType:   req.SpawnType,
		Handle:      card.Handle,
		RequestedBy: req.RequestedBy,
		Environment: req.Environment,
		TaskID:      req.TaskID,
		Status:      domain.SpawnActive,
		RoleCard:    card.Clone(),
		GatesPassed: passed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	details := fmt.Sprintf("spawned %s as %s in %s", card.Handle, req.SpawnType, req.Environment)
	if req.SessionDurationMaxS != nil {
		details += fmt.Sprintf(" (session max %ds)", *req.SessionDurationMaxS)
	}
	e.audit.Append(ctx, spawnID, domain.AuditSpawn, req.RequestedBy, details)

	snapshot := cloneRecord(rec)
	e.mu.Lock()
	e.records[spawnID] = rec
	e.order = append(e.order, spawnID)
	e.mu.Unlock()

	activation := "registered with ops"
	if e.ops != nil {
		if err := e.ops.Register(ctx, snapshot); err != nil {
			activation = "ops registration failed: " + err.Error()
			logger.Error("ops registration failed", "error", err)
		}
	} else {
		activation = "no ops registrar configured"
	}
	e.audit.Append(ctx, spawnID, domain.AuditActivate, systemActor, activation)

	trail := e.audit.Trail(spawnID)
	if len(trail) == 0 {
		panic(fmt.Sprintf("spawn: ACTIVE record %s has no audit entries", spawnID))
	}

	logger.Info("agent spawned", "spawn_type", req.SpawnType, "requested_by", req.RequestedBy, "gates", passed)
	e.publishEvent(ctx, domain.EventSpawnActivated, rosterEntry(&snapshot))
	tracer.SetOK(span)

	return domain.SpawnResponse{
		Success:        true,
		SpawnID:        spawnID,
		Handle:         card.Handle,
		Status:         domain.SpawnActive,
		RoleCard:       card,
		VisualIdentity: card.VisualIdentity,
		GatesPassed:    slices.Clone(passed),
		AuditTrail:     trail,
	}
}

func (e *Engine) failed(ctx context.Context, spawnID, handle string, card *domain.RoleCard, passed []string, msg string) domain.SpawnResponse {
	e.publishEvent(ctx, domain.EventSpawnFailed, map[string]string{
		"spawnId": spawnID, "handle": handle, "error": msg,
	})
	resp := domain.SpawnResponse{
		SpawnID:     spawnID,
		Handle:      handle,
		Status:      domain.SpawnFailed,
		RoleCard:    card,
		GatesPassed: slices.Clone(passed),
		AuditTrail:  e.audit.Trail(spawnID),
		Error:       msg,
	}
	if resp.GatesPassed == nil {
		resp.GatesPassed = []string{}
	}
	if card != nil {
		resp.VisualIdentity = card.VisualIdentity
	}
	return resp
}

// Decommission retires an ACTIVE spawn in two audited steps: DRAINING, then
// DECOMMISSIONED. Unknown ids and records in any other state fail with an
// ERROR entry and leave every record untouched.
func (e *Engine) Decommission(ctx context.Context, spawnID, reason, actor string) domain.DecommissionResult {
	ctx, span := tracer.StartSpan(ctx, "spawn.Decommission")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("spawn.id", spawnID))

	if actor == "" {
		actor = systemActor
	}
	if reason == "" {
		reason = "no reason given"
	}

	rec, err := e.beginDrain(spawnID)
	if err != nil {
		e.audit.Append(ctx, spawnID, domain.AuditError, actor, "decommission rejected: "+err.Error())
		e.logger.Warn("decommission rejected", "spawn_id", spawnID, "error", err)
		tracer.RecordError(span, err)
		return domain.DecommissionResult{
			SpawnID:    spawnID,
			AuditTrail: e.audit.Trail(spawnID),
			Error:      err.Error(),
		}
	}

	e.audit.Append(ctx, spawnID, domain.AuditDecommission, actor, "ACTIVE -> DRAINING: "+reason)
	e.publishEvent(ctx, domain.EventSpawnDraining, map[string]string{
		"spawnId": spawnID, "handle": rec.Handle, "reason": reason,
	})

	confirmation := "DRAINING -> DECOMMISSIONED: confirmed offline"
	if e.ops != nil {
		if err := e.ops.Deregister(ctx, rec, reason); err != nil {
			confirmation += " (ops deregistration failed: " + err.Error() + ")"
			e.logger.Error("ops deregistration failed", "spawn_id", spawnID, "error", err)
		}
	}

	now := e.now()
	e.mu.Lock()
	stored := e.records[spawnID]
	stored.Status = domain.SpawnDecommissioned
	stored.UpdatedAt = now
	stored.DecommissionedAt = &now
	e.mu.Unlock()

	e.audit.Append(ctx, spawnID, domain.AuditDecommission, systemActor, confirmation)
	e.publishEvent(ctx, domain.EventSpawnDecommissioned, map[string]string{
		"spawnId": spawnID, "handle": rec.Handle, "reason": reason,
	})
	e.logger.Info("agent decommissioned", "spawn_id", spawnID, "handle", rec.Handle, "reason", reason)
	tracer.SetOK(span)

	return domain.DecommissionResult{
		Success:    true,
		SpawnID:    spawnID,
		Status:     domain.SpawnDecommissioned,
		AuditTrail: e.audit.Trail(spawnID),
	}
}

// beginDrain moves an ACTIVE record to DRAINING and returns a snapshot. The
// check and the transition happen under one lock so concurrent decommissions
// of the same id cannot both succeed.
func (e *Engine) beginDrain(spawnID string) (domain.SpawnRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[spawnID]
	if !ok {
		return domain.SpawnRecord{}, domain.NewDomainError("SpawnEngine.Decommission", domain.ErrSpawnNotFound, spawnID)
	}
	if rec.Status != domain.SpawnActive {
		return domain.SpawnRecord{}, domain.NewDomainError("SpawnEngine.Decommission", domain.ErrIllegalTransition,
			fmt.Sprintf("%s is %s", spawnID, rec.Status))
	}
	rec.Status = domain.SpawnDraining
	rec.UpdatedAt = e.now()
	return cloneRecord(rec), nil
}

// Get returns a copy of one spawn record in any state.
func (e *Engine) Get(spawnID string) (*domain.SpawnRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec, ok := e.records[spawnID]
	if !ok {
		return nil, domain.NewDomainError("SpawnEngine.Get", domain.ErrSpawnNotFound, spawnID)
	}
	out := cloneRecord(rec)
	return &out, nil
}

// Roster returns the ACTIVE spawns in creation order.
func (e *Engine) Roster() []domain.RosterEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.RosterEntry, 0, len(e.order))
	for _, id := range e.order {
		if rec := e.records[id]; rec.Status == domain.SpawnActive {
			out = append(out, rosterEntry(rec))
		}
	}
	return out
}

// AvailableRoster returns every known role card, live or not.
func (e *Engine) AvailableRoster() []domain.RoleCard {
	return e.cards.List()
}

// AuditTrail returns the audit entries of one spawn.
func (e *Engine) AuditTrail(spawnID string) []domain.SpawnAuditEntry {
	return e.audit.Trail(spawnID)
}

// FullAuditLog returns every audit entry in append order.
func (e *Engine) FullAuditLog() []domain.SpawnAuditEntry {
	return e.audit.All()
}

func rosterEntry(rec *domain.SpawnRecord) domain.RosterEntry {
	return domain.RosterEntry{
		SpawnID:        rec.SpawnID,
		Handle:         rec.Handle,
		SpawnType:      rec.SpawnType,
		RoleType:       rec.RoleCard.RoleType,
		PMOOffice:      rec.RoleCard.PMOOffice,
		Environment:    rec.Environment,
		RequestedBy:    rec.RequestedBy,
		Status:         rec.Status,
		VisualIdentity: rec.RoleCard.Clone().VisualIdentity,
		GatesPassed:    slices.Clone(rec.GatesPassed),
		CreatedAt:      rec.CreatedAt,
	}
}

func cloneRecord(rec *domain.SpawnRecord) domain.SpawnRecord {
	out := *rec
	out.GatesPassed = slices.Clone(rec.GatesPassed)
	out.RoleCard = rec.RoleCard.Clone()
	if rec.DecommissionedAt != nil {
		t := *rec.DecommissionedAt
		out.DecommissionedAt = &t
	}
	return out
}

func (e *Engine) publishEvent(ctx context.Context, eventType domain.EventType, detail any) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		e.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
		return
	}
	e.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
