package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/internal/testutil"
	"github.com/hupe1980/coralmesh/registry"
	"github.com/hupe1980/coralmesh/runtime"
	"github.com/hupe1980/coralmesh/session"
)

// blockingFn runs until cancelled and counts starts and stops.
type blockingFn struct {
	started atomic.Int32
	stopped atomic.Int32
}

func (b *blockingFn) run(ctx context.Context, _ runtime.Params) error {
	b.started.Add(1)
	<-ctx.Done()
	b.stopped.Add(1)
	return ctx.Err()
}

func newOrchestrator(fn runtime.Func, optFns ...func(o *Options)) *Orchestrator {
	app := runtime.NewApplication(func(o *runtime.ApplicationOptions) {
		o.Functions = map[string]runtime.Func{"fn": fn}
	})
	return New(append([]func(o *Options){func(o *Options) { o.Application = app }}, optFns...)...)
}

func functionGraph(names ...string) *graph.Graph {
	b := testutil.NewGraphBuilder()
	for _, n := range names {
		b.RegistryAgent(n, testutil.NewAgentBuilder(n).Function("fn").Build())
		b.With(n, func(a *graph.Agent) { a.Provider = graph.Local(registry.RuntimeFunction) })
	}
	return b.Build()
}

func newSession(t *testing.T, id string, g *graph.Graph, psid string) *session.LocalSession {
	t.Helper()
	s := session.NewLocal(func(o *session.LocalOptions) {
		o.ID = id
		o.ApplicationID = "app"
		o.PrivacyKey = "priv"
		o.Graph = g
		o.PaymentSessionID = psid
	})
	t.Cleanup(func() { s.Close(context.Background(), session.CloseForce) })
	return s
}

// -------------------- Local Providers --------------------

func TestSpawn_LocalFunction(t *testing.T) {
	fn := &blockingFn{}
	o := newOrchestrator(fn.run)
	g := functionGraph("a", "b")
	s := newSession(t, "s1", g, "")

	for _, name := range g.Names() {
		require.NoError(t, o.Spawn(context.Background(), s, g.Agents[name], name))
	}
	require.Eventually(t, func() bool { return fn.started.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, o.Handles("s1"))

	bus, ok := o.Bus("s1", "a")
	require.True(t, ok)
	_, ok = o.Bus("s1", "missing")
	assert.False(t, ok)

	o.KillForSession(context.Background(), "s1", session.CloseClean)
	assert.Equal(t, int32(2), fn.stopped.Load())
	assert.Zero(t, o.Handles("s1"))

	// Busses outlive their handles.
	again, ok := o.Bus("s1", "a")
	require.True(t, ok)
	assert.Same(t, bus, again)

	var stopped bool
	for _, ev := range bus.Replay() {
		stopped = stopped || ev.Type == runtime.EventStopped
	}
	assert.True(t, stopped)
}

func TestKillForSession_RetiresBusses(t *testing.T) {
	o := newOrchestrator((&blockingFn{}).run, func(o *Options) { o.BusRetention = 20 * time.Millisecond })
	g := functionGraph("a")
	s := newSession(t, "s1", g, "")

	require.NoError(t, o.Spawn(context.Background(), s, g.Agents["a"], "a"))
	o.KillForSession(context.Background(), "s1", session.CloseClean)

	_, ok := o.Bus("s1", "a")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, ok := o.Bus("s1", "a")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.busses)
	assert.Empty(t, o.retire)
}

func TestDestroy_DropsBusses(t *testing.T) {
	o := newOrchestrator((&blockingFn{}).run)
	g := functionGraph("a", "b")
	s := newSession(t, "s1", g, "")
	for _, name := range g.Names() {
		require.NoError(t, o.Spawn(context.Background(), s, g.Agents[name], name))
	}
	o.KillForSession(context.Background(), "s1", session.CloseClean)

	o.Destroy(context.Background())
	_, ok := o.Bus("s1", "a")
	assert.False(t, ok)

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.busses)
	assert.Empty(t, o.retire)
}

// -------------------- Teardown Failures --------------------

type fakeHandle struct {
	fail      bool
	destroyed atomic.Bool
}

func (h *fakeHandle) Destroy(context.Context) error {
	h.destroyed.Store(true)
	if h.fail {
		return errs.Upstream("container engine unreachable")
	}
	return nil
}

// fakeRuntime hands out fakeHandles. Agents named in failing return
// handles whose Destroy errors.
type fakeRuntime struct {
	mu      sync.Mutex
	failing map[string]bool
	handles []*fakeHandle
}

func (r *fakeRuntime) Spawn(_ context.Context, params runtime.Params, _ *runtime.Bus, _ *runtime.Application) (runtime.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := &fakeHandle{fail: r.failing[params.AgentName]}
	r.handles = append(r.handles, h)
	return h, nil
}

func (r *fakeRuntime) allDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		if !h.destroyed.Load() {
			return false
		}
	}
	return len(r.handles) > 0
}

func newFakeOrchestrator(rt *fakeRuntime) *Orchestrator {
	app := runtime.NewApplication(func(o *runtime.ApplicationOptions) {
		o.Runtimes = map[registry.RuntimeID]runtime.Runtime{registry.RuntimeFunction: rt}
	})
	return New(func(o *Options) { o.Application = app })
}

func TestKillForSession_ToleratesFailingHandle(t *testing.T) {
	rt := &fakeRuntime{failing: map[string]bool{"b": true}}
	o := newFakeOrchestrator(rt)
	g := functionGraph("a", "b", "c")
	s := newSession(t, "s1", g, "")
	for _, name := range g.Names() {
		require.NoError(t, o.Spawn(context.Background(), s, g.Agents[name], name))
	}
	require.Equal(t, 3, o.Handles("s1"))

	o.KillForSession(context.Background(), "s1", session.CloseForce)
	assert.True(t, rt.allDestroyed())
	assert.Zero(t, o.Handles("s1"))
}

func TestDestroy_ToleratesFailingHandle(t *testing.T) {
	rt := &fakeRuntime{failing: map[string]bool{"a": true}}
	o := newFakeOrchestrator(rt)
	g := functionGraph("a", "b")
	s1 := newSession(t, "s1", g, "")
	s2 := newSession(t, "s2", g, "")
	for _, s := range []*session.LocalSession{s1, s2} {
		for _, name := range g.Names() {
			require.NoError(t, o.Spawn(context.Background(), s, g.Agents[name], name))
		}
	}

	o.Destroy(context.Background())
	assert.True(t, rt.allDestroyed())
	assert.Len(t, rt.handles, 4)
	assert.Zero(t, o.Handles("s1"))
	assert.Zero(t, o.Handles("s2"))
}

func TestSpawn_UnsupportedRuntime(t *testing.T) {
	o := newOrchestrator((&blockingFn{}).run)
	g := functionGraph("a")
	g.Agents["a"].Provider = graph.Local(registry.RuntimeDocker)
	s := newSession(t, "s1", g, "")

	err := o.Spawn(context.Background(), s, g.Agents["a"], "a")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
	assert.Zero(t, o.Handles("s1"))
}

func TestSpawn_RemoteRequestMustBeResolved(t *testing.T) {
	o := newOrchestrator((&blockingFn{}).run)
	g := functionGraph("a")
	g.Agents["a"].Provider = graph.Provider{Type: graph.ProviderRemoteRequest, Runtime: registry.RuntimeFunction}
	s := newSession(t, "s1", g, "")

	err := o.Spawn(context.Background(), s, g.Agents["a"], "a")
	assert.True(t, errs.Is(err, errs.CodeInvalidArgument))
}

// -------------------- Remote Providers --------------------

type fakeServers struct {
	mu   sync.Mutex
	reqs []graph.PaidAgentRequest
	err  error
	// gate holds CreateClaim until closed, when set.
	gate chan struct{}
}

func (f *fakeServers) Wallet(context.Context, graph.Server) (string, error) { return "seller", nil }

func (f *fakeServers) ExportSettings(context.Context, graph.Server, registry.Identifier) (map[registry.RuntimeID]registry.PublicExportSettings, error) {
	return nil, nil
}

func (f *fakeServers) CreateClaim(_ context.Context, _ graph.Server, req graph.PaidAgentRequest) (string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return "claim-1", f.err
}

func (f *fakeServers) requests() []graph.PaidAgentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]graph.PaidAgentRequest(nil), f.reqs...)
}

func remoteGraph() *graph.Graph {
	g := functionGraph("a")
	g.Agents["a"].Provider = graph.Provider{
		Type:             graph.ProviderRemote,
		Runtime:          registry.RuntimeFunction,
		Server:           &graph.Server{Address: "127.0.0.1", Port: 1},
		Wallet:           "seller",
		PaymentSessionID: "escrow-1",
	}
	return g
}

func TestSpawn_RemoteClaimsAgent(t *testing.T) {
	servers := &fakeServers{}
	o := newOrchestrator((&blockingFn{}).run, func(o *Options) {
		o.Servers = servers
		o.Wallet = "buyer"
	})
	g := remoteGraph()
	s := newSession(t, "s1", g, "escrow-1")

	require.NoError(t, o.Spawn(context.Background(), s, g.Agents["a"], "a"))
	require.Eventually(t, func() bool { return o.Handles("s1") == 1 }, 2*time.Second, 10*time.Millisecond)

	reqs := servers.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "escrow-1", reqs[0].PaidSessionID)
	assert.Equal(t, "buyer", reqs[0].LocalWalletAddress)
	assert.Equal(t, graph.ProviderLocal, reqs[0].AgentRequest.Provider.Type)
	assert.Equal(t, registry.RuntimeFunction, reqs[0].AgentRequest.Provider.Runtime)

	o.Destroy(context.Background())
	assert.Zero(t, o.Handles("s1"))
}

func TestSpawn_RemoteClaimFailureIsLogged(t *testing.T) {
	servers := &fakeServers{err: errs.Upstream("no capacity")}
	o := newOrchestrator((&blockingFn{}).run, func(o *Options) {
		o.Servers = servers
		o.Wallet = "buyer"
	})
	g := remoteGraph()
	s := newSession(t, "s1", g, "escrow-1")

	require.NoError(t, o.Spawn(context.Background(), s, g.Agents["a"], "a"))
	o.Destroy(context.Background())

	assert.Len(t, servers.requests(), 1)
	assert.Zero(t, o.Handles("s1"))
}

func TestSpawn_RemoteClaimAfterSessionClosed(t *testing.T) {
	servers := &fakeServers{gate: make(chan struct{})}
	o := newOrchestrator((&blockingFn{}).run, func(o *Options) {
		o.Servers = servers
		o.Wallet = "buyer"
		o.BusRetention = 20 * time.Millisecond
	})
	g := remoteGraph()
	s := newSession(t, "s1", g, "escrow-1")

	require.NoError(t, o.Spawn(context.Background(), s, g.Agents["a"], "a"))
	s.Close(context.Background(), session.CloseForce)
	o.KillForSession(context.Background(), "s1", session.CloseForce)

	close(servers.gate)
	o.pending.Wait()

	assert.Zero(t, o.Handles("s1"))
	require.Eventually(t, func() bool {
		_, ok := o.Bus("s1", "a")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	o.Destroy(context.Background())
}

func TestSpawn_RemotePreconditions(t *testing.T) {
	g := remoteGraph()

	t.Run("wallet", func(t *testing.T) {
		o := newOrchestrator((&blockingFn{}).run, func(o *Options) { o.Servers = &fakeServers{} })
		err := o.Spawn(context.Background(), newSession(t, "s1", g, "escrow-1"), g.Agents["a"], "a")
		assert.True(t, errs.Is(err, errs.CodeInvalidState))
	})

	t.Run("payment session", func(t *testing.T) {
		o := newOrchestrator((&blockingFn{}).run, func(o *Options) {
			o.Servers = &fakeServers{}
			o.Wallet = "buyer"
		})
		err := o.Spawn(context.Background(), newSession(t, "s1", g, ""), g.Agents["a"], "a")
		assert.True(t, errs.Is(err, errs.CodeInvalidState))
	})
}

// -------------------- Exported Agents --------------------

func TestSpawnRemote(t *testing.T) {
	fn := &blockingFn{}
	o := newOrchestrator(fn.run)
	g := functionGraph("a")
	rs := session.NewRemote("claim-1", g.Agents["a"], 100, "escrow-1")

	require.NoError(t, o.SpawnRemote(context.Background(), rs, g.Agents["a"], "a"))
	require.Eventually(t, func() bool { return fn.started.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, o.Handles("claim-1"))

	o.Destroy(context.Background())
	assert.Equal(t, int32(1), fn.stopped.Load())
}

func TestSpawnRemote_RejectsResale(t *testing.T) {
	o := newOrchestrator((&blockingFn{}).run)
	g := remoteGraph()
	rs := session.NewRemote("claim-1", g.Agents["a"], 100, "escrow-1")

	err := o.SpawnRemote(context.Background(), rs, g.Agents["a"], "a")
	assert.True(t, errs.Is(err, errs.CodeInvalidState))
}
