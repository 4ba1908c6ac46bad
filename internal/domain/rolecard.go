package domain

import "slices"

// RoleCard is the declarative contract for an agent role: who it is, what it
// must never do, and which gates guard its creation.
type RoleCard struct {
	Handle         string           `json:"handle"`
	RoleType       string           `json:"roleType"`
	PMOOffice      string           `json:"pmoOffice"`
	Identity       map[string]any   `json:"identity,omitempty"`
	Capabilities   RoleCapabilities `json:"capabilities"`
	Gates          RoleGates        `json:"gates"`
	VisualIdentity map[string]any   `json:"visualIdentity,omitempty"`
	Source         string           `json:"-"`
}

// Clone returns a deep copy of c. Nested identity values decoded from YAML or
// JSON are copied as well.
func (c RoleCard) Clone() RoleCard {
	out := c
	out.Identity = cloneTree(c.Identity)
	out.VisualIdentity = cloneTree(c.VisualIdentity)
	out.Capabilities.ForbiddenActions = slices.Clone(c.Capabilities.ForbiddenActions)
	if c.Gates.LUCBudget != nil {
		b := *c.Gates.LUCBudget
		out.Gates.LUCBudget = &b
	}
	if c.Gates.Security != nil {
		sg := *c.Gates.Security
		out.Gates.Security = &sg
	}
	return out
}

func cloneTree(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneTree(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}

// RoleCapabilities holds the capability scope of a role.
type RoleCapabilities struct {
	ForbiddenActions []string `json:"forbiddenActions"`
}

// RoleGates lists the optional gate requirements declared by a card.
type RoleGates struct {
	LUCBudget *BudgetGate   `json:"lucBudget,omitempty"`
	Security  *SecurityGate `json:"security,omitempty"`
}

// BudgetGate requires requested budgets to stay under MaxEstimatedCostUSD.
type BudgetGate struct {
	Required            bool    `json:"required"`
	MaxEstimatedCostUSD float64 `json:"maxEstimatedCostUsd"`
}

// SecurityGate requires a least-privilege scope (non-empty forbidden actions).
type SecurityGate struct {
	ScopeLeastPrivilegeRequired bool `json:"scopeLeastPrivilegeRequired"`
}

// RoleCardSource resolves role cards by handle.
type RoleCardSource interface {
	Get(handle string) (*RoleCard, error)
	List() []RoleCard
}
