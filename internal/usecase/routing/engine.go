// Package routing classifies free-text tasks and delegates them to the best
// ranked agents, falling back down the candidate list on failure.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/domain"
	"switchboard/internal/infra/tracer"
)

// AgentFinder is the slice of the registry the engine reads.
type AgentFinder interface {
	FindByCapability(key string) []domain.AgentDescriptor
	FindBestMatch(keywords []string) (*domain.AgentDescriptor, bool)
}

// Config holds routing tuning.
type Config struct {
	// SelfID is reported as delegatedTo for self-handled tasks and as routedBy
	// in delegation metadata.
	SelfID string
	// GatewayURL fronts in-process and container agents. External agents are
	// called on their own URL.
	GatewayURL        string
	DelegationTimeout time.Duration
	MaxAttempts       int
	// CategoryCapabilities overrides entries of DefaultCategoryCapabilities.
	CategoryCapabilities map[string]string
}

// Engine routes tasks. It is safe for concurrent use and keeps no
// per-request state after Route returns.
type Engine struct {
	classifier Classifier
	finder     AgentFinder
	delegator  domain.Delegator
	bus        domain.EventBus
	config     Config
	capMap     map[string]string
	logger     *slog.Logger
}

// NewEngine creates a routing engine. bus may be nil.
func NewEngine(classifier Classifier, finder AgentFinder, delegator domain.Delegator, bus domain.EventBus, cfg Config, logger *slog.Logger) *Engine {
	if cfg.SelfID == "" {
		cfg.SelfID = "router-ang"
	}
	if cfg.DelegationTimeout <= 0 {
		cfg.DelegationTimeout = 120 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	capMap := make(map[string]string, len(DefaultCategoryCapabilities)+len(cfg.CategoryCapabilities))
	for k, v := range DefaultCategoryCapabilities {
		capMap[k] = v
	}
	for k, v := range cfg.CategoryCapabilities {
		capMap[k] = v
	}
	return &Engine{
		classifier: classifier,
		finder:     finder,
		delegator:  delegator,
		bus:        bus,
		config:     cfg,
		capMap:     capMap,
		logger:     logger,
	}
}

// decisionLog accumulates the human-readable trace returned with a result.
type decisionLog []string

func (d *decisionLog) add(format string, args ...any) {
	*d = append(*d, fmt.Sprintf(format, args...))
}

// Route classifies req, selects candidates and delegates. It never returns
// nil and never panics on "nobody is available"; that is reported through
// the result status.
func (e *Engine) Route(ctx context.Context, req domain.TaskRequest) *domain.RoutingResult {
	ctx, span := tracer.StartSpan(ctx, "routing.Route")
	defer span.End()

	taskID := req.TaskID
	if taskID == "" {
		taskID = newTaskID()
	}
	span.SetAttributes(tracer.StringAttr("task.id", taskID))

	var log decisionLog
	result := &domain.RoutingResult{TaskID: taskID}

	if strings.TrimSpace(req.Text) == "" {
		log.add("rejected: task text is empty")
		result.Intent = domain.ClassifiedIntent{Category: CategoryGeneral, Keywords: []string{}}
		result.Status = domain.RoutingFailed
		result.Error = "task text is empty"
		result.DecisionLog = log
		return e.finish(ctx, span, result)
	}

	intent := e.classifier.Classify(req.Text)
	result.Intent = intent
	log.add("classified as %q (confidence %.2f, keywords %v)", intent.Category, intent.Confidence, intent.Keywords)
	span.SetAttributes(
		tracer.StringAttr("intent.category", intent.Category),
		tracer.Float64Attr("intent.confidence", intent.Confidence),
	)

	candidates := e.candidates(intent, &log)
	if len(candidates) == 0 {
		log.add("no candidates available; handling locally as %s", e.config.SelfID)
		result.Status = domain.RoutingSelfHandled
		result.DelegatedTo = e.config.SelfID
		result.Result = e.selfHandledSummary(intent)
		result.DecisionLog = log
		return e.finish(ctx, span, result)
	}

	attempts := min(len(candidates), e.config.MaxAttempts)
	if len(candidates) > attempts {
		log.add("limiting delegation to top %d of %d candidates", attempts, len(candidates))
	}

	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			log.add("caller gave up before attempt %d: %v", i+1, err)
			result.Status = domain.RoutingFailed
			result.Error = "routing abandoned by caller: " + err.Error()
			result.DecisionLog = log
			return e.finish(ctx, span, result)
		}
		agent := candidates[i]
		target := e.targetURL(agent)
		log.add("attempt %d: delegating to %s via %s", i+1, agent.ID, target)

		resp, err := e.delegate(ctx, agent, target, taskID, req)
		if err != nil {
			lastErr = err
			log.add("attempt %d: %s failed: %v", i+1, agent.ID, err)
			e.logger.Warn("delegation attempt failed",
				"task_id", taskID, "agent_id", agent.ID, "attempt", i+1, "error", err)
			continue
		}

		result.DelegatedTo = agent.ID
		result.Result = resp
		if i == 0 {
			result.Status = domain.RoutingDelegated
			log.add("delegated to %s", agent.ID)
		} else {
			result.Status = domain.RoutingFallback
			log.add("delegated to fallback candidate %s", agent.ID)
		}
		result.DecisionLog = log
		return e.finish(ctx, span, result)
	}

	result.Status = domain.RoutingFailed
	result.Error = fmt.Sprintf("all %d delegation attempts failed", attempts)
	if lastErr != nil {
		result.Error += ": " + lastErr.Error()
	}
	log.add("all candidates exhausted")
	result.DecisionLog = log
	return e.finish(ctx, span, result)
}

// candidates resolves the ranked candidate list for intent.
func (e *Engine) candidates(intent domain.ClassifiedIntent, log *decisionLog) []domain.AgentDescriptor {
	capID, ok := e.capMap[intent.Category]
	if !ok {
		capID = intent.Category
	}
	log.add("category %q maps to capability %q", intent.Category, capID)

	found := e.finder.FindByCapability(capID)
	if len(found) > 0 {
		ids := make([]string, len(found))
		for i, a := range found {
			ids[i] = a.ID
		}
		log.add("found %d candidate(s) by capability: %s", len(found), strings.Join(ids, ", "))
		return found
	}

	log.add("no agent advertises %q; trying keyword match", capID)
	if best, ok := e.finder.FindBestMatch(intent.Keywords); ok {
		log.add("keyword match selected %s", best.ID)
		return []domain.AgentDescriptor{*best}
	}
	log.add("keyword match found nothing")
	return nil
}

// delegate runs one attempt. The attempt is detached from the caller's
// cancellation and bounded by DelegationTimeout instead, so an abandoned
// request finishes its in-flight call and discards the result.
func (e *Engine) delegate(ctx context.Context, agent domain.AgentDescriptor, target, taskID string, req domain.TaskRequest) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.DelegationTimeout)
	defer cancel()

	attemptCtx, span := tracer.StartSpan(attemptCtx, "routing.delegate")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("agent.id", agent.ID),
		tracer.StringAttr("agent.hosting", string(agent.Hosting)),
	)

	resp, err := e.delegator.Delegate(attemptCtx, target, e.payload(agent, taskID, req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return resp, nil
}

func (e *Engine) payload(agent domain.AgentDescriptor, taskID string, req domain.TaskRequest) domain.DelegationRequest {
	parts := []domain.MessagePart{{Type: "text", Text: req.Text}}
	if len(req.Context) > 0 {
		parts = append(parts, domain.MessagePart{Type: "data", Data: req.Context})
	}
	return domain.DelegationRequest{
		AgentID:     agent.ID,
		Message:     domain.TaskMessage{Role: "user", Parts: parts},
		RequestedBy: req.RequestedBy,
		Metadata: domain.DelegationMetadata{
			RoutedBy:       e.config.SelfID,
			OriginalTaskID: taskID,
		},
	}
}

func (e *Engine) targetURL(agent domain.AgentDescriptor) string {
	if agent.Hosting == domain.HostingExternal || e.config.GatewayURL == "" {
		return agent.URL
	}
	return e.config.GatewayURL
}

func (e *Engine) selfHandledSummary(intent domain.ClassifiedIntent) json.RawMessage {
	summary := fmt.Sprintf("No agent is currently available for %q work; %s accepted the task in degraded mode.",
		intent.Category, e.config.SelfID)
	data, _ := json.Marshal(map[string]string{
		"handledBy": e.config.SelfID,
		"summary":   summary,
	})
	return data
}

// finish records the outcome on the span, logs it and publishes task.routed.
func (e *Engine) finish(ctx context.Context, span trace.Span, result *domain.RoutingResult) *domain.RoutingResult {
	span.SetAttributes(
		tracer.StringAttr("routing.status", string(result.Status)),
		tracer.StringAttr("routing.delegated_to", result.DelegatedTo),
		tracer.IntAttr("routing.decisions", len(result.DecisionLog)),
	)
	if result.Status == domain.RoutingFailed {
		span.SetStatus(codes.Error, result.Error)
	} else {
		tracer.SetOK(span)
	}

	e.logger.Info("task routed",
		"task_id", result.TaskID,
		"category", result.Intent.Category,
		"status", string(result.Status),
		"delegated_to", result.DelegatedTo,
	)

	if e.bus != nil {
		e.bus.Publish(ctx, domain.NewEvent(domain.EventTaskRouted, map[string]any{
			"taskId":      result.TaskID,
			"category":    result.Intent.Category,
			"status":      result.Status,
			"delegatedTo": result.DelegatedTo,
			"error":       result.Error,
		}))
	}
	return result
}

func newTaskID() string {
	return ulid.Make().String()
}
