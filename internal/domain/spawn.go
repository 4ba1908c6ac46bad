package domain

import (
	"context"
	"time"
)

// SpawnStatus is the lifecycle state of a spawned agent.
type SpawnStatus string

const (
	SpawnActive         SpawnStatus = "ACTIVE"
	SpawnDraining       SpawnStatus = "DRAINING"
	SpawnDecommissioned SpawnStatus = "DECOMMISSIONED"
	SpawnFailed         SpawnStatus = "FAILED"
)

// SpawnRecord is the live lifecycle record of an authorized agent instance.
type SpawnRecord struct {
	SpawnID          string      `json:"spawnId"`
	SpawnType        string      `json:"spawnType"`
	Handle           string      `json:"handle"`
	RequestedBy      string      `json:"requestedBy"`
	Environment      string      `json:"environment"`
	TaskID           string      `json:"taskId,omitempty"`
	Status           SpawnStatus `json:"status"`
	RoleCard         RoleCard    `json:"roleCard"`
	GatesPassed      []string    `json:"gatesPassed"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
	DecommissionedAt *time.Time  `json:"decommissionedAt,omitempty"`
}

// AuditAction classifies spawn audit entries.
type AuditAction string

const (
	AuditSpawn        AuditAction = "SPAWN"
	AuditGatePass     AuditAction = "GATE_PASS"
	AuditGateFail     AuditAction = "GATE_FAIL"
	AuditActivate     AuditAction = "ACTIVATE"
	AuditDecommission AuditAction = "DECOMMISSION"
	AuditError        AuditAction = "ERROR"
)

// SpawnAuditEntry is an immutable record of a lifecycle or gate decision.
type SpawnAuditEntry struct {
	EntryID   string      `json:"entryId"`
	SpawnID   string      `json:"spawnId"`
	Action    AuditAction `json:"action"`
	Actor     string      `json:"actor"`
	Details   string      `json:"details"`
	Timestamp time.Time   `json:"timestamp"`
}

// SpawnRequest asks the control plane to bring a new agent online.
type SpawnRequest struct {
	SpawnType           string   `json:"spawnType"`
	Handle              string   `json:"handle"`
	RequestedBy         string   `json:"requestedBy"`
	Environment         string   `json:"environment"`
	TaskID              string   `json:"taskId,omitempty"`
	BudgetCapUSD        *float64 `json:"budgetCapUsd,omitempty"`
	SessionDurationMaxS *int     `json:"sessionDurationMaxS,omitempty"`
}

// SpawnResponse is the tagged result of a spawn attempt.
type SpawnResponse struct {
	Success        bool              `json:"success"`
	SpawnID        string            `json:"spawnId"`
	Handle         string            `json:"handle"`
	Status         SpawnStatus       `json:"status"`
	RoleCard       *RoleCard         `json:"roleCard"`
	VisualIdentity map[string]any    `json:"visualIdentity"`
	GatesPassed    []string          `json:"gatesPassed"`
	AuditTrail     []SpawnAuditEntry `json:"auditTrail"`
	Error          string            `json:"error,omitempty"`
}

// DecommissionResult is the tagged result of retiring a spawned agent.
type DecommissionResult struct {
	Success    bool              `json:"success"`
	SpawnID    string            `json:"spawnId"`
	Status     SpawnStatus       `json:"status,omitempty"`
	AuditTrail []SpawnAuditEntry `json:"auditTrail"`
	Error      string            `json:"error,omitempty"`
}

// RosterEntry is a display-shaped view of an ACTIVE spawn.
type RosterEntry struct {
	SpawnID        string         `json:"spawnId"`
	Handle         string         `json:"handle"`
	SpawnType      string         `json:"spawnType"`
	RoleType       string         `json:"roleType"`
	PMOOffice      string         `json:"pmoOffice"`
	Environment    string         `json:"environment"`
	RequestedBy    string         `json:"requestedBy"`
	Status         SpawnStatus    `json:"status"`
	VisualIdentity map[string]any `json:"visualIdentity,omitempty"`
	GatesPassed    []string       `json:"gatesPassed"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// OpsRegistrar announces lifecycle changes to an external operations system.
type OpsRegistrar interface {
	Register(ctx context.Context, rec SpawnRecord) error
	Deregister(ctx context.Context, rec SpawnRecord, reason string) error
	Close() error
}
