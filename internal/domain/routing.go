package domain

import (
	"context"
	"encoding/json"
)

// ClassifiedIntent is the scored category produced for one task description.
type ClassifiedIntent struct {
	Category   string   `json:"category"`
	Keywords   []string `json:"keywords"`
	Confidence float64  `json:"confidence"`
}

// RoutingStatus is the outcome of a single routing call.
type RoutingStatus string

const (
	RoutingDelegated   RoutingStatus = "delegated"
	RoutingFallback    RoutingStatus = "fallback"
	RoutingSelfHandled RoutingStatus = "self-handled"
	RoutingFailed      RoutingStatus = "failed"
)

// TaskRequest is an incoming natural-language task.
type TaskRequest struct {
	TaskID      string         `json:"taskId,omitempty"`
	Text        string         `json:"text"`
	Context     map[string]any `json:"context,omitempty"`
	RequestedBy string         `json:"requestedBy,omitempty"`
}

// RoutingResult is the complete, immutable outcome of routing one task.
// DecisionLog is the ordered, human-readable trace of every step taken.
type RoutingResult struct {
	TaskID      string           `json:"taskId"`
	Intent      ClassifiedIntent `json:"intent"`
	DelegatedTo string           `json:"delegatedTo,omitempty"`
	Status      RoutingStatus    `json:"status"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	DecisionLog []string         `json:"decisionLog"`
}

// TaskRouter routes free-text tasks to agents.
type TaskRouter interface {
	Route(ctx context.Context, req TaskRequest) *RoutingResult
}

// MessagePart is one element of a delegated message: free text or
// structured data.
type MessagePart struct {
	Type string         `json:"type"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TaskMessage is the message body forwarded to a delegate agent.
type TaskMessage struct {
	Role  string        `json:"role"`
	Parts []MessagePart `json:"parts"`
}

// DelegationMetadata tells the receiving agent who routed the task.
type DelegationMetadata struct {
	RoutedBy       string `json:"routedBy"`
	OriginalTaskID string `json:"originalTaskId"`
}

// DelegationRequest is the body POSTed to {target}/a2a/tasks/send.
type DelegationRequest struct {
	AgentID     string             `json:"agentId"`
	Message     TaskMessage        `json:"message"`
	RequestedBy string             `json:"requestedBy,omitempty"`
	Metadata    DelegationMetadata `json:"metadata"`
}

// Delegator forwards a task to one agent and returns the accepted response.
type Delegator interface {
	Delegate(ctx context.Context, targetURL string, req DelegationRequest) (json.RawMessage, error)
}
