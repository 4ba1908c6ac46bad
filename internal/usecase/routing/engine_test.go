package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
	"switchboard/internal/usecase/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type call struct {
	target string
	req    domain.DelegationRequest
}

// fakeDelegator fails for agent ids listed in down and accepts the rest.
type fakeDelegator struct {
	mu    sync.Mutex
	down  map[string]bool
	calls []call
}

func (f *fakeDelegator) Delegate(_ context.Context, target string, req domain.DelegationRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{target: target, req: req})
	if f.down[req.AgentID] {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrAgentUnreachable)
	}
	return json.RawMessage(fmt.Sprintf(`{"taskId":"remote-%s"}`, req.AgentID)), nil
}

func (f *fakeDelegator) agentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.req.AgentID
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *eventRecorder) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}
func (b *eventRecorder) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *eventRecorder) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *eventRecorder) Close()                                                 {}

func newRegistry(t *testing.T, agents ...domain.AgentDescriptor) *registry.Registry {
	t.Helper()
	reg := registry.New(nil, nil, nil, nil, registry.Config{SelfID: "router-ang"}, discardLogger())
	for _, a := range agents {
		require.NoError(t, reg.Register(context.Background(), a))
	}
	return reg
}

func coder(id string, weight float64, hosting domain.Hosting) domain.AgentDescriptor {
	return domain.AgentDescriptor{
		ID:      id,
		Name:    id,
		URL:     "http://" + id + ":9000",
		Hosting: hosting,
		Status:  domain.AgentOnline,
		Capabilities: []domain.Capability{
			{ID: "code-generation", Name: "Code generation", Weight: weight, Tags: []string{"typescript"}},
		},
	}
}

func newEngine(reg AgentFinder, d domain.Delegator, bus domain.EventBus) *Engine {
	return NewEngine(NewPatternClassifier(nil), reg, d, bus, Config{
		SelfID:     "router-ang",
		GatewayURL: "http://gateway:8080",
	}, discardLogger())
}

func TestRouteDelegatesToTopCandidate(t *testing.T) {
	reg := newRegistry(t,
		coder("coder-ang-2", 5, domain.HostingContainer),
		coder("coder-ang", 10, domain.HostingContainer),
	)
	d := &fakeDelegator{}
	bus := &eventRecorder{}

	res := newEngine(reg, d, bus).Route(context.Background(), domain.TaskRequest{
		TaskID:      "task-1",
		Text:        "build a REST API in TypeScript",
		RequestedBy: "acheevy",
		Context:     map[string]any{"repo": "acme/api"},
	})

	require.NotNil(t, res)
	assert.Equal(t, "task-1", res.TaskID)
	assert.Equal(t, "engineering", res.Intent.Category)
	assert.Equal(t, domain.RoutingDelegated, res.Status)
	assert.Equal(t, "coder-ang", res.DelegatedTo)
	assert.JSONEq(t, `{"taskId":"remote-coder-ang"}`, string(res.Result))
	assert.Empty(t, res.Error)
	assert.NotEmpty(t, res.DecisionLog)

	require.Len(t, d.calls, 1)
	c := d.calls[0]
	assert.Equal(t, "http://gateway:8080", c.target)
	assert.Equal(t, "coder-ang", c.req.AgentID)
	assert.Equal(t, "user", c.req.Message.Role)
	require.Len(t, c.req.Message.Parts, 2)
	assert.Equal(t, "build a REST API in TypeScript", c.req.Message.Parts[0].Text)
	assert.Equal(t, "acme/api", c.req.Message.Parts[1].Data["repo"])
	assert.Equal(t, "acheevy", c.req.RequestedBy)
	assert.Equal(t, domain.DelegationMetadata{RoutedBy: "router-ang", OriginalTaskID: "task-1"}, c.req.Metadata)

	require.Len(t, bus.events, 1)
	assert.Equal(t, domain.EventTaskRouted, bus.events[0].Type)
}

func TestRouteFallbackWhenTopCandidateDown(t *testing.T) {
	reg := newRegistry(t,
		coder("coder-ang", 10, domain.HostingContainer),
		coder("coder-ang-2", 5, domain.HostingContainer),
	)
	d := &fakeDelegator{down: map[string]bool{"coder-ang": true}}

	res := newEngine(reg, d, nil).Route(context.Background(), domain.TaskRequest{Text: "build a REST API in TypeScript"})

	assert.Equal(t, domain.RoutingFallback, res.Status)
	assert.Equal(t, "coder-ang-2", res.DelegatedTo)
	assert.Equal(t, []string{"coder-ang", "coder-ang-2"}, d.agentIDs())
	assert.NotEmpty(t, res.TaskID, "missing task ids are generated")
	assert.Contains(t, res.DecisionLog, "delegated to fallback candidate coder-ang-2")
}

func TestRouteFailsAfterMaxAttempts(t *testing.T) {
	reg := newRegistry(t,
		coder("a", 9, domain.HostingContainer),
		coder("b", 8, domain.HostingContainer),
		coder("c", 7, domain.HostingContainer),
		coder("d", 6, domain.HostingContainer),
	)
	d := &fakeDelegator{down: map[string]bool{"a": true, "b": true, "c": true}}

	res := newEngine(reg, d, nil).Route(context.Background(), domain.TaskRequest{Text: "implement the api"})

	assert.Equal(t, domain.RoutingFailed, res.Status)
	assert.Empty(t, res.DelegatedTo)
	assert.Contains(t, res.Error, "all 3 delegation attempts failed")
	assert.Equal(t, []string{"a", "b", "c"}, d.agentIDs(), "the fourth candidate is never tried")
}

func TestRouteSelfHandledWithoutCandidates(t *testing.T) {
	reg := newRegistry(t, domain.AgentDescriptor{
		ID:      "designer",
		URL:     "http://designer",
		Hosting: domain.HostingExternal,
		Capabilities: []domain.Capability{
			{ID: "ui-design", Weight: 3},
		},
	})
	d := &fakeDelegator{}

	res := newEngine(reg, d, nil).Route(context.Background(), domain.TaskRequest{Text: "build a REST API in TypeScript"})

	assert.Equal(t, domain.RoutingSelfHandled, res.Status)
	assert.Equal(t, "router-ang", res.DelegatedTo)
	assert.Empty(t, d.calls)
	var summary map[string]string
	require.NoError(t, json.Unmarshal(res.Result, &summary))
	assert.Equal(t, "router-ang", summary["handledBy"])
	assert.Contains(t, summary["summary"], "engineering")
}

func TestRouteKeywordFallback(t *testing.T) {
	reg := newRegistry(t, domain.AgentDescriptor{
		ID:      "ts-smith",
		URL:     "http://ts-smith:7000",
		Hosting: domain.HostingExternal,
		Capabilities: []domain.Capability{
			{ID: "web-services", Weight: 4, Tags: []string{"typescript-api"}},
		},
	})
	d := &fakeDelegator{}

	res := newEngine(reg, d, nil).Route(context.Background(), domain.TaskRequest{Text: "build a REST API in TypeScript"})

	assert.Equal(t, domain.RoutingDelegated, res.Status)
	assert.Equal(t, "ts-smith", res.DelegatedTo)
	require.Len(t, d.calls, 1)
	assert.Equal(t, "http://ts-smith:7000", d.calls[0].target, "external agents are called directly")
}

func TestRouteNeverSelfRoutes(t *testing.T) {
	self := coder("router-ang", 100, domain.HostingInProcess)
	reg := newRegistry(t, self, coder("coder-ang", 1, domain.HostingContainer))
	d := &fakeDelegator{}

	res := newEngine(reg, d, nil).Route(context.Background(), domain.TaskRequest{Text: "write typescript code"})

	assert.Equal(t, "coder-ang", res.DelegatedTo)
	assert.NotContains(t, d.agentIDs(), "router-ang")
}

func TestRouteEmptyText(t *testing.T) {
	d := &fakeDelegator{}
	res := newEngine(newRegistry(t), d, nil).Route(context.Background(), domain.TaskRequest{Text: "   "})
	assert.Equal(t, domain.RoutingFailed, res.Status)
	assert.Equal(t, "task text is empty", res.Error)
	assert.Empty(t, d.calls)
}

func TestRouteStopsWhenCallerCancelled(t *testing.T) {
	reg := newRegistry(t, coder("a", 2, domain.HostingContainer), coder("b", 1, domain.HostingContainer))
	d := &fakeDelegator{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newEngine(reg, d, nil).Route(ctx, domain.TaskRequest{Text: "fix the bug"})

	assert.Equal(t, domain.RoutingFailed, res.Status)
	assert.Contains(t, res.Error, "abandoned")
	assert.Empty(t, d.calls)
}

// blockingDelegator returns once its context is done.
type blockingDelegator struct{}

func (blockingDelegator) Delegate(ctx context.Context, _ string, _ domain.DelegationRequest) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
}

func TestRouteAttemptTimeout(t *testing.T) {
	reg := newRegistry(t, coder("slow", 1, domain.HostingContainer))
	e := NewEngine(NewPatternClassifier(nil), reg, blockingDelegator{}, nil, Config{
		DelegationTimeout: 20 * time.Millisecond,
	}, discardLogger())

	res := e.Route(context.Background(), domain.TaskRequest{Text: "debug the backend"})

	assert.Equal(t, domain.RoutingFailed, res.Status)
	assert.Contains(t, res.Error, "timed out")
}

func TestRouteCategoryOverride(t *testing.T) {
	reg := newRegistry(t, domain.AgentDescriptor{
		ID:      "builder",
		URL:     "http://builder",
		Hosting: domain.HostingContainer,
		Capabilities: []domain.Capability{
			{ID: "software", Weight: 1},
		},
	})
	d := &fakeDelegator{}
	e := NewEngine(NewPatternClassifier(nil), reg, d, nil, Config{
		CategoryCapabilities: map[string]string{"engineering": "software"},
	}, discardLogger())

	res := e.Route(context.Background(), domain.TaskRequest{Text: "refactor the backend"})

	assert.Equal(t, domain.RoutingDelegated, res.Status)
	assert.Equal(t, "builder", res.DelegatedTo)
	require.Len(t, d.calls, 1)
	assert.Equal(t, "http://builder", d.calls[0].target, "without a gateway the agent url is used")
}

func TestRouteDeterministic(t *testing.T) {
	reg := newRegistry(t,
		coder("x", 5, domain.HostingContainer),
		coder("y", 5, domain.HostingContainer),
		coder("z", 7, domain.HostingContainer),
	)
	e := newEngine(reg, &fakeDelegator{}, nil)
	first := e.Route(context.Background(), domain.TaskRequest{TaskID: "t", Text: "build the api"})
	for range 10 {
		again := e.Route(context.Background(), domain.TaskRequest{TaskID: "t", Text: "build the api"})
		assert.Equal(t, first.DecisionLog, again.DecisionLog)
		assert.Equal(t, "z", again.DelegatedTo)
	}
}
