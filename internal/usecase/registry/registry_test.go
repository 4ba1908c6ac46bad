package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sourceFunc func(ctx context.Context) ([]domain.AgentDescriptor, error)

func (f sourceFunc) Fetch(ctx context.Context) ([]domain.AgentDescriptor, error) { return f(ctx) }

type proberFunc func(ctx context.Context, url string) (int, error)

func (f proberFunc) Probe(ctx context.Context, url string) (int, error) { return f(ctx, url) }

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

func agent(id string, caps ...domain.Capability) domain.AgentDescriptor {
	return domain.AgentDescriptor{
		ID:           id,
		Name:         id,
		URL:          "http://" + id + ":8080",
		Hosting:      domain.HostingContainer,
		Status:       domain.AgentOnline,
		Capabilities: caps,
	}
}

func capability(id string, weight float64, tags ...string) domain.Capability {
	return domain.Capability{ID: id, Name: id, Weight: weight, Tags: tags}
}

func testRegistry(t *testing.T, source DirectorySource, prober HealthProber) *Registry {
	t.Helper()
	return New(source, prober, nil, nil, Config{SelfID: "router-ang", ProbeTimeout: time.Second}, testLogger())
}

func mustRegister(t *testing.T, r *Registry, agents ...domain.AgentDescriptor) {
	t.Helper()
	for _, a := range agents {
		require.NoError(t, r.Register(context.Background(), a))
	}
}

func ids(agents []domain.AgentDescriptor) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}

func TestRegisterUpsertKeepsOrder(t *testing.T) {
	r := testRegistry(t, nil, nil)
	mustRegister(t, r, agent("a"), agent("b"))

	updated := agent("a", capability("research", 3))
	updated.URL = "http://a-v2:8080"
	mustRegister(t, r, updated)

	list := r.List()
	assert.Equal(t, []string{"a", "b"}, ids(list))
	assert.Equal(t, "http://a-v2:8080", list[0].URL)
	assert.Len(t, list[0].Capabilities, 1)
}

func TestRegisterDefaultsAndValidation(t *testing.T) {
	r := testRegistry(t, nil, nil)

	err := r.Register(context.Background(), domain.AgentDescriptor{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	err = r.Register(context.Background(), domain.AgentDescriptor{ID: "x", Hosting: domain.HostingExternal})
	require.Error(t, err, "remote agent without url")

	require.NoError(t, r.Register(context.Background(), domain.AgentDescriptor{ID: "inproc", Hosting: domain.HostingInProcess}))
	got, err := r.Get("inproc")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOnline, got.Status)
}

func TestGetUnknown(t *testing.T) {
	r := testRegistry(t, nil, nil)
	_, err := r.Get("ghost")
	assert.True(t, errors.Is(err, domain.ErrAgentNotFound))
}

func TestReturnedAgentsAreCopies(t *testing.T) {
	r := testRegistry(t, nil, nil)
	mustRegister(t, r, agent("a", capability("code-generation", 5, "go")))

	list := r.List()
	list[0].Capabilities[0].Tags[0] = "mutated"
	list[0].Status = domain.AgentOffline

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "go", got.Capabilities[0].Tags[0])
	assert.Equal(t, domain.AgentOnline, got.Status)
}

func TestFindByCapabilityRanksByWeight(t *testing.T) {
	r := testRegistry(t, nil, nil)
	mustRegister(t, r,
		agent("low", capability("code-generation", 2)),
		agent("high", capability("code-generation", 10)),
		agent("tie-first", capability("code-generation", 5)),
		agent("tie-second", capability("code-generation", 5)),
		agent("tagged", capability("scaffolding", 7, "code-generation")),
		agent("other", capability("research", 100)),
	)

	got := r.FindByCapability("code-generation")
	assert.Equal(t, []string{"high", "tagged", "tie-first", "tie-second", "low"}, ids(got))

	for i := 1; i < len(got); i++ {
		prev, _ := got[i-1].Capability("code-generation")
		cur, _ := got[i].Capability("code-generation")
		assert.GreaterOrEqual(t, prev.Weight, cur.Weight)
	}
}

func TestFindByCapabilityExcludesSelfAndUnhealthy(t *testing.T) {
	r := testRegistry(t, nil, nil)
	self := agent("router-ang", capability("code-generation", 99))
	degraded := agent("degraded", capability("code-generation", 50))
	degraded.Status = domain.AgentDegraded
	offline := agent("offline", capability("code-generation", 40))
	offline.Status = domain.AgentOffline
	mustRegister(t, r, self, degraded, offline, agent("ok", capability("code-generation", 1)))

	assert.Equal(t, []string{"ok"}, ids(r.FindByCapability("code-generation")))
	assert.Empty(t, r.FindByCapability("unknown"))
}

func TestFindBestMatch(t *testing.T) {
	r := testRegistry(t, nil, nil)
	mustRegister(t, r,
		agent("router-ang", capability("typescript-codegen", 1000)),
		agent("writer", capability("copywriting", 4, "blog")),
		agent("coder", capability("typescript-codegen", 3), capability("api-design", 3, "rest")),
		agent("coder-2", capability("typescript", 6)),
	)

	best, ok := r.FindBestMatch([]string{"typescript", "rest"})
	require.True(t, ok)
	assert.Equal(t, "coder", best.ID, "equal scores resolve to the earlier registration")

	best, ok = r.FindBestMatch([]string{"BLOG"})
	require.True(t, ok)
	assert.Equal(t, "writer", best.ID)

	_, ok = r.FindBestMatch([]string{"quantum"})
	assert.False(t, ok)

	_, ok = r.FindBestMatch(nil)
	assert.False(t, ok)
}

func TestFindBestMatchNeverReturnsSelf(t *testing.T) {
	r := testRegistry(t, nil, nil)
	mustRegister(t, r, agent("router-ang", capability("routing", 10)))

	_, ok := r.FindBestMatch([]string{"routing"})
	assert.False(t, ok)
}

func TestRankingIsDeterministic(t *testing.T) {
	r := testRegistry(t, nil, nil)
	for i := range 20 {
		mustRegister(t, r, agent(fmt.Sprintf("agent-%02d", i), capability("research", float64(i%3))))
	}
	first := ids(r.FindByCapability("research"))
	for range 10 {
		assert.Equal(t, first, ids(r.FindByCapability("research")))
	}
}

func TestRefreshPreservesLocalHealth(t *testing.T) {
	snapshot := []domain.AgentDescriptor{agent("coder-ang", capability("code-generation", 10))}
	source := sourceFunc(func(context.Context) ([]domain.AgentDescriptor, error) {
		out := make([]domain.AgentDescriptor, len(snapshot))
		copy(out, snapshot)
		return out, nil
	})
	prober := proberFunc(func(context.Context, string) (int, error) { return 503, nil })

	r := testRegistry(t, source, prober)
	require.NoError(t, r.RefreshFromCoordinator(context.Background()))
	r.HealthCheckAll(context.Background())

	before, err := r.Get("coder-ang")
	require.NoError(t, err)
	require.Equal(t, domain.AgentDegraded, before.Status)
	require.NotNil(t, before.LatencyMs)

	redeployed := agent("coder-ang", capability("code-generation", 12))
	redeployed.URL = "http://coder-v2:8080"
	snapshot = []domain.AgentDescriptor{redeployed}
	require.NoError(t, r.RefreshFromCoordinator(context.Background()))

	after, err := r.Get("coder-ang")
	require.NoError(t, err)
	assert.Equal(t, "http://coder-v2:8080", after.URL)
	assert.Equal(t, 12.0, after.Capabilities[0].Weight)
	assert.Equal(t, before.LastHealthCheck, after.LastHealthCheck)
	assert.Equal(t, *before.LatencyMs, *after.LatencyMs)
	assert.Equal(t, domain.AgentDegraded, after.Status)
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	fail := false
	source := sourceFunc(func(context.Context) ([]domain.AgentDescriptor, error) {
		if fail {
			return nil, domain.ErrCoordinatorUnavailable
		}
		return []domain.AgentDescriptor{agent("a")}, nil
	})
	r := testRegistry(t, source, nil)
	require.NoError(t, r.RefreshFromCoordinator(context.Background()))

	fail = true
	err := r.RefreshFromCoordinator(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCoordinatorUnavailable))
	assert.Equal(t, []string{"a"}, ids(r.List()))
}

func TestRefreshNeverRemovesAgents(t *testing.T) {
	calls := 0
	source := sourceFunc(func(context.Context) ([]domain.AgentDescriptor, error) {
		calls++
		if calls == 1 {
			return []domain.AgentDescriptor{agent("a"), agent("b")}, nil
		}
		return []domain.AgentDescriptor{agent("b")}, nil
	})
	r := testRegistry(t, source, nil)
	require.NoError(t, r.RefreshFromCoordinator(context.Background()))
	require.NoError(t, r.RefreshFromCoordinator(context.Background()))
	assert.Equal(t, []string{"a", "b"}, ids(r.List()))
}

func TestInitializeDegradesGracefully(t *testing.T) {
	source := sourceFunc(func(context.Context) ([]domain.AgentDescriptor, error) {
		return nil, domain.ErrCoordinatorUnavailable
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := testRegistry(t, source, nil)
	r.Initialize(ctx)
	assert.Empty(t, r.List())

	mustRegister(t, r, agent("late"))
	assert.Len(t, r.List(), 1)
}

func TestHealthCheckAllStatuses(t *testing.T) {
	prober := proberFunc(func(_ context.Context, url string) (int, error) {
		switch url {
		case "http://up:8080":
			return 200, nil
		case "http://sick:8080":
			return 500, nil
		default:
			return 0, errors.New("connection refused")
		}
	})
	bus := &recordingBus{}
	r := New(nil, prober, nil, bus, Config{ProbeTimeout: time.Second}, testLogger())

	inproc := agent("inproc")
	inproc.Hosting = domain.HostingInProcess
	inproc.URL = ""
	mustRegister(t, r, agent("up"), agent("sick"), agent("down"), inproc)

	r.HealthCheckAll(context.Background())

	statuses := map[string]domain.AgentStatus{}
	for _, a := range r.List() {
		statuses[a.ID] = a.Status
	}
	assert.Equal(t, domain.AgentOnline, statuses["up"])
	assert.Equal(t, domain.AgentDegraded, statuses["sick"])
	assert.Equal(t, domain.AgentOffline, statuses["down"])
	assert.Equal(t, domain.AgentOnline, statuses["inproc"])

	skipped, err := r.Get("inproc")
	require.NoError(t, err)
	assert.True(t, skipped.LastHealthCheck.IsZero())
	assert.Nil(t, skipped.LatencyMs)

	changed := 0
	for _, typ := range bus.types() {
		if typ == domain.EventAgentStatusChanged {
			changed++
		}
	}
	assert.Equal(t, 2, changed)
}

func TestHealthCheckAllHungAgentDoesNotBlockOthers(t *testing.T) {
	prober := proberFunc(func(ctx context.Context, url string) (int, error) {
		if url == "http://hung:8080" {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 200, nil
	})
	r := New(nil, prober, nil, nil, Config{ProbeTimeout: 50 * time.Millisecond, MaxConcurrentProbes: 2}, testLogger())
	mustRegister(t, r, agent("hung"), agent("a"), agent("b"), agent("c"))

	start := time.Now()
	r.HealthCheckAll(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)

	hung, err := r.Get("hung")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOffline, hung.Status)
	for _, id := range []string{"a", "b", "c"} {
		got, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, domain.AgentOnline, got.Status, id)
	}
}

func TestReadsDuringHealthCheckSeeSnapshot(t *testing.T) {
	release := make(chan struct{})
	prober := proberFunc(func(ctx context.Context, _ string) (int, error) {
		<-release
		return 500, nil
	})
	r := New(nil, prober, nil, nil, Config{ProbeTimeout: 5 * time.Second}, testLogger())
	mustRegister(t, r, agent("a", capability("research", 1)))

	done := make(chan struct{})
	go func() {
		r.HealthCheckAll(context.Background())
		close(done)
	}()

	// Routing reads must not wait on the in-flight probe.
	assert.Equal(t, []string{"a"}, ids(r.FindByCapability("research")))

	close(release)
	<-done
	assert.Empty(t, r.FindByCapability("research"))
}

func TestStartHealthChecksStopsOnCancel(t *testing.T) {
	var mu sync.Mutex
	probes := 0
	prober := proberFunc(func(context.Context, string) (int, error) {
		mu.Lock()
		probes++
		mu.Unlock()
		return 200, nil
	})
	r := New(nil, prober, nil, nil, Config{HealthInterval: 10 * time.Millisecond}, testLogger())
	mustRegister(t, r, agent("a"))

	ctx, cancel := context.WithCancel(context.Background())
	r.StartHealthChecks(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return probes >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
}

func TestInitializeSweepsHealthAtBoot(t *testing.T) {
	source := sourceFunc(func(context.Context) ([]domain.AgentDescriptor, error) {
		return []domain.AgentDescriptor{agent("gone", capability("research", 1))}, nil
	})
	prober := proberFunc(func(context.Context, string) (int, error) {
		return 0, errors.New("connection refused")
	})
	r := New(source, prober, nil, nil, Config{HealthInterval: time.Hour, ProbeTimeout: time.Second}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Initialize(ctx)

	require.Eventually(t, func() bool {
		a, err := r.Get("gone")
		return err == nil && a.Status == domain.AgentOffline
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, r.FindByCapability("research"))
}

type discovererFunc func(ctx context.Context) ([]domain.AgentDescriptor, error)

func (f discovererFunc) Scan(ctx context.Context) ([]domain.AgentDescriptor, error) { return f(ctx) }

func TestDiscoverMergesScanResults(t *testing.T) {
	d := discovererFunc(func(context.Context) ([]domain.AgentDescriptor, error) {
		return []domain.AgentDescriptor{agent("lan-agent"), {ID: ""}}, nil
	})
	r := New(nil, nil, d, nil, Config{}, testLogger())
	require.NoError(t, r.Discover(context.Background()))
	assert.Equal(t, []string{"lan-agent"}, ids(r.List()))

	failing := New(nil, nil, discovererFunc(func(context.Context) ([]domain.AgentDescriptor, error) {
		return nil, errors.New("no multicast")
	}), nil, Config{}, testLogger())
	assert.Error(t, failing.Discover(context.Background()))
}

func TestRegisterPublishesEvent(t *testing.T) {
	bus := &recordingBus{}
	r := New(nil, nil, nil, bus, Config{}, testLogger())
	mustRegister(t, r, agent("a"))
	assert.Equal(t, []domain.EventType{domain.EventAgentRegistered}, bus.types())
}
