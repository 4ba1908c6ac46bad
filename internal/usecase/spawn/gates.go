package spawn

import (
	"fmt"
	"strings"

	"switchboard/internal/domain"
)

// Gate names, in evaluation order.
const (
	GateChainOfCommand = "chain_of_command"
	GateBudget         = "luc_budget"
	GateSecurity       = "security"
)

// DefaultChainOfCommand is the built-in delegation matrix: requester role to
// the spawn types it may create.
var DefaultChainOfCommand = map[string][]string{
	"ACHEEVY":      {"BOOMER_ANG", "CHICKEN_HAWK", "LIL_HAWK"},
	"BOOMER_ANG":   {"LIL_HAWK"},
	"CHICKEN_HAWK": {"LIL_HAWK"},
}

// ChainOfCommand answers whether a requester role may create a spawn type.
// Role and type names compare case-insensitively with '-' and '_' equivalent.
type ChainOfCommand struct {
	allowed map[string]map[string]bool
}

// NewChainOfCommand builds a matrix. A nil or empty matrix selects
// DefaultChainOfCommand.
func NewChainOfCommand(matrix map[string][]string) *ChainOfCommand {
	if len(matrix) == 0 {
		matrix = DefaultChainOfCommand
	}
	c := &ChainOfCommand{allowed: make(map[string]map[string]bool, len(matrix))}
	for requester, types := range matrix {
		set := make(map[string]bool, len(types))
		for _, t := range types {
			set[roleKey(t)] = true
		}
		c.allowed[roleKey(requester)] = set
	}
	return c
}

// Permits reports whether requester may create spawnType. An unknown
// requester is denied.
func (c *ChainOfCommand) Permits(requester, spawnType string) (bool, string) {
	types, ok := c.allowed[roleKey(requester)]
	if !ok {
		return false, fmt.Sprintf("requester role %q is not in the chain of command", requester)
	}
	if !types[roleKey(spawnType)] {
		return false, fmt.Sprintf("%s may not spawn %s", requester, spawnType)
	}
	return true, fmt.Sprintf("%s may spawn %s", requester, spawnType)
}

func roleKey(s string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_")
}

// gateResult is the outcome of one gate evaluation.
type gateResult struct {
	name   string
	passed bool
	reason string
}

func (g gateResult) err() error {
	return domain.NewSubSystemError("gate."+g.name, "gate."+g.name, domain.ErrPermissionDenied, g.reason)
}

func budgetGate(card *domain.RoleCard, req domain.SpawnRequest) gateResult {
	r := gateResult{name: GateBudget, passed: true}
	budget := card.Gates.LUCBudget
	switch {
	case budget == nil || !budget.Required:
		r.reason = "no budget requirement"
	case req.BudgetCapUSD == nil:
		r.reason = "no budget cap requested"
	case *req.BudgetCapUSD > budget.MaxEstimatedCostUSD:
		r.passed = false
		r.reason = fmt.Sprintf("budget cap $%.2f exceeds maximum $%.2f", *req.BudgetCapUSD, budget.MaxEstimatedCostUSD)
	default:
		r.reason = fmt.Sprintf("budget cap $%.2f within maximum $%.2f", *req.BudgetCapUSD, budget.MaxEstimatedCostUSD)
	}
	return r
}

func securityGate(card *domain.RoleCard) gateResult {
	r := gateResult{name: GateSecurity, passed: true}
	sec := card.Gates.Security
	switch {
	case sec == nil || !sec.ScopeLeastPrivilegeRequired:
		r.reason = "least privilege not required"
	case len(card.Capabilities.ForbiddenActions) == 0:
		r.passed = false
		r.reason = "least privilege required but no forbidden actions declared"
	default:
		r.reason = fmt.Sprintf("%d forbidden action(s) declared", len(card.Capabilities.ForbiddenActions))
	}
	return r
}
