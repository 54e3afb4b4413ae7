package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/internal/testutil"
	"github.com/hupe1980/coralmesh/registry"
	"github.com/hupe1980/coralmesh/session"
	"github.com/hupe1980/coralmesh/transport"
)

func newSession(t *testing.T, names ...string) *session.LocalSession {
	t.Helper()
	b := testutil.NewGraphBuilder()
	for _, n := range names {
		b.Agent(n)
	}
	s := session.NewLocal(func(o *session.LocalOptions) {
		o.ID = "sess-1"
		o.ApplicationID = "app"
		o.PrivacyKey = "priv"
		o.Graph = b.Build()
	})
	t.Cleanup(func() { s.Close(context.Background(), session.CloseForce) })
	return s
}

func localParams(s *session.LocalSession, name string) Params {
	return Params{
		AgentID:   registry.Identifier{Name: name, Version: "1.0.0"},
		AgentName: name,
		Options:   map[string]registry.OptionValue{},
		Target:    LocalTarget{Session: s},
	}
}

func hasStopped(bus *Bus) bool {
	for _, ev := range bus.Replay() {
		if ev.Type == EventStopped {
			return true
		}
	}
	return false
}

func logLines(bus *Bus, kind LogKind) []string {
	var out []string
	for _, ev := range bus.Replay() {
		if ev.Type == EventLog && ev.Kind == kind {
			out = append(out, ev.Message)
		}
	}
	return out
}

// -------------------- Events --------------------

func TestEvent_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Event{Type: EventStopped, Timestamp: 5, Kind: LogStdout, Message: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stopped","timestamp":5}`, string(data))

	data, err = json.Marshal(Event{Type: EventLog, Timestamp: 6, Kind: LogStderr, Message: "boom"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"log","timestamp":6,"kind":"stderr","message":"boom"}`, string(data))
}

func TestParams_Validate(t *testing.T) {
	s := newSession(t, "a")
	assert.NoError(t, localParams(s, "a").Validate())

	p := localParams(s, "a")
	p.Target = nil
	assert.True(t, errs.Is(p.Validate(), errs.CodeInvalidArgument))

	p = localParams(s, "")
	assert.True(t, errs.Is(p.Validate(), errs.CodeInvalidArgument))
}

// -------------------- URLs and environment --------------------

func TestApplication_URLs(t *testing.T) {
	s := newSession(t, "a")
	app := NewApplication(func(o *ApplicationOptions) {
		o.BindPort = 6000
		o.ExternalAddress = "coral.example.com"
		o.ContainerAddress = "172.17.0.1"
	})

	assert.Equal(t, "http://localhost:6000", app.APIURL(ConsumerLocal).String())
	assert.Equal(t, "http://172.17.0.1:6000", app.APIURL(ConsumerContainer).String())
	assert.Equal(t, "http://coral.example.com:6000", app.APIURL(ConsumerExternal).String())

	local := app.MCPURL(localParams(s, "a"), ConsumerLocal)
	assert.Equal(t, "http://localhost:6000/sse/v1/app/priv/sess-1/sse?agentId=a", local.String())

	remote := session.NewRemote("claim-1", nil, 100, "psid")
	p := localParams(s, "a")
	p.Target = RemoteTarget{Session: remote}
	assert.Equal(t, "http://localhost:6000/sse/v1/export/claim-1/sse?agentId=a", app.MCPURL(p, ConsumerLocal).String())
}

func TestSystemEnv(t *testing.T) {
	s := newSession(t, "a")
	app := NewApplication()

	p := localParams(s, "a")
	p.SystemPrompt = "You discuss {{ .TOPIC | upper }} as {{ .CORAL_AGENT_ID }}"
	p.Options["TOPIC"] = registry.StringValue("go")

	env, err := SystemEnv(p, app.APIURL(ConsumerLocal), app.MCPURL(p, ConsumerLocal), registry.RuntimeExecutable)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5555/sse/v1/app/priv/sess-1/sse?agentId=a", env[EnvConnectionURL])
	assert.Equal(t, "http://localhost:5555/sse/v1/app/priv/sess-1/sse", env[EnvSSEURL])
	assert.Equal(t, "http://localhost:5555", env[EnvAPIURL])
	assert.Equal(t, "a", env[EnvAgentID])
	assert.Equal(t, "sess-1", env[EnvSessionID])
	assert.Equal(t, "executable", env[EnvOrchestrationRuntime])
	assert.Equal(t, "0", env[EnvSendClaims])
	assert.Equal(t, "You discuss GO as a", env[EnvPromptSystem])

	p.Target = RemoteTarget{Session: session.NewRemote("claim-1", nil, 100, "psid")}
	p.SystemPrompt = ""
	env, err = SystemEnv(p, app.APIURL(ConsumerLocal), app.MCPURL(p, ConsumerLocal), registry.RuntimeDocker)
	require.NoError(t, err)
	assert.Equal(t, "1", env[EnvSendClaims])
	assert.Equal(t, "claim-1", env[EnvSessionID])
	assert.NotContains(t, env, EnvPromptSystem)
}

func TestEnvironment(t *testing.T) {
	s := newSession(t, "a")
	p := localParams(s, "a")
	p.Options["API_KEY"] = registry.StringValue("secret")
	p.Options["TEMPERATURE"] = registry.NumberValue(0.5)

	lookup := func(name string) (string, bool) {
		if name == "HOST_TOKEN" {
			return "from-host", true
		}
		return "", false
	}

	env, err := Environment(p, []registry.EnvVar{
		{Name: "LITERAL", Value: "v"},
		{Name: "TOKEN", From: "HOST_TOKEN"},
		{Option: "API_KEY"},
		{Name: EnvAgentID, Value: "overridden"},
	}, lookup, map[string]string{EnvAgentID: "a"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"API_KEY=secret",
		"CORAL_AGENT_ID=a",
		"LITERAL=v",
		"TEMPERATURE=0.5",
		"TOKEN=from-host",
	}, env)

	_, err = Environment(p, []registry.EnvVar{{Name: "X", From: "MISSING"}}, lookup, nil)
	assert.Error(t, err)
}

func TestApplication_Lookup(t *testing.T) {
	app := NewApplication(func(o *ApplicationOptions) {
		o.Functions["echo"] = func(ctx context.Context, _ Params) error { <-ctx.Done(); return nil }
	})

	ra := testutil.NewAgentBuilder("a").Executable("run.sh").Docker("img").Function("echo").Build()

	rt, err := app.Lookup(ra, registry.RuntimeExecutable)
	require.NoError(t, err)
	assert.IsType(t, &Executable{}, rt)

	rt, err = app.Lookup(ra, registry.RuntimeDocker)
	require.NoError(t, err)
	assert.IsType(t, &Docker{}, rt)

	rt, err = app.Lookup(ra, registry.RuntimeFunction)
	require.NoError(t, err)
	assert.IsType(t, &Function{}, rt)

	_, err = app.Lookup(testutil.NewAgentBuilder("b").Function("missing").Build(), registry.RuntimeFunction)
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	_, err = app.Lookup(testutil.NewAgentBuilder("c").Executable("x").Build(), registry.RuntimeDocker)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestApplication_LookupOverride(t *testing.T) {
	custom := &Function{Fn: func(ctx context.Context, _ Params) error { <-ctx.Done(); return nil }}
	app := NewApplication(func(o *ApplicationOptions) {
		o.Runtimes = map[registry.RuntimeID]Runtime{registry.RuntimeDocker: custom}
	})

	rt, err := app.Lookup(testutil.NewAgentBuilder("a").Docker("img").Build(), registry.RuntimeDocker)
	require.NoError(t, err)
	assert.Same(t, custom, rt)

	_, err = app.Lookup(nil, registry.RuntimeDocker)
	assert.True(t, errs.Is(err, errs.CodeInvalidArgument))
}

// -------------------- Executable --------------------

func TestExecutable_ForwardsOutputAndMarksDead(t *testing.T) {
	s := newSession(t, "a")
	app := NewApplication()
	bus := NewBus()

	rt := &Executable{Spec: registry.ExecutableSpec{Command: []string{
		"/bin/sh", "-c", `echo "agent=$CORAL_AGENT_ID claims=$CORAL_SEND_CLAIMS topic=$TOPIC"; echo oops 1>&2`,
	}}}
	p := localParams(s, "a")
	p.Options["TOPIC"] = registry.StringValue("weather")

	h, err := rt.Spawn(context.Background(), p, bus, app)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hasStopped(bus) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"agent=a claims=0 topic=weather"}, logLines(bus, LogStdout))
	assert.Equal(t, []string{"oops"}, logLines(bus, LogStderr))

	require.Eventually(t, func() bool {
		a, ok := s.Agent("a")
		return ok && a.State == session.StateDead
	}, 5*time.Second, 10*time.Millisecond)

	assert.NoError(t, h.Destroy(context.Background()))
}

func TestExecutable_SplitsSingleCommand(t *testing.T) {
	s := newSession(t, "a")
	bus := NewBus()

	rt := &Executable{Spec: registry.ExecutableSpec{Command: []string{`/bin/sh -c "echo 'hello world'"`}}}
	_, err := rt.Spawn(context.Background(), localParams(s, "a"), bus, NewApplication())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hasStopped(bus) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello world"}, logLines(bus, LogStdout))
}

func TestExecutable_Destroy(t *testing.T) {
	s := newSession(t, "a")
	bus := NewBus()
	app := NewApplication(func(o *ApplicationOptions) { o.KillTimeout = 2 * time.Second })

	rt := &Executable{Spec: registry.ExecutableSpec{Command: []string{"sleep", "30"}}}
	h, err := rt.Spawn(context.Background(), localParams(s, "a"), bus, app)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.Destroy(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, hasStopped(bus))

	// Second destroy is a no-op.
	assert.NoError(t, h.Destroy(context.Background()))
}

func TestExecutable_Errors(t *testing.T) {
	s := newSession(t, "a")
	app := NewApplication()

	_, err := (&Executable{}).Spawn(context.Background(), localParams(s, "a"), NewBus(), app)
	assert.True(t, errs.Is(err, errs.CodeInvalidArgument))

	_, err = (&Executable{Spec: registry.ExecutableSpec{Command: []string{`"unterminated`}}}).Spawn(context.Background(), localParams(s, "a"), NewBus(), app)
	assert.True(t, errs.Is(err, errs.CodeInvalidArgument))

	_, err = (&Executable{Spec: registry.ExecutableSpec{Command: []string{"/definitely/not/here"}}}).Spawn(context.Background(), localParams(s, "a"), NewBus(), app)
	assert.True(t, errs.Is(err, errs.CodeUnavailable))
}

// -------------------- Docker --------------------

type fakeDocker struct {
	mu        sync.Mutex
	images    map[string]bool
	pulled    []string
	created   []ContainerSpec
	stopped   []string
	removed   []bool
	output    string
	stopErr   error
	removeErr error
	forceErr  error
}

func (f *fakeDocker) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeDocker) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *fakeDocker) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return "c-1", nil
}

func (f *fakeDocker) StartContainer(context.Context, string) error { return nil }

func (f *fakeDocker) AttachContainer(ctx context.Context, _ string, stdout, _ io.Writer) error {
	_, _ = io.WriteString(stdout, f.output)
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeDocker) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return f.stopErr
}

func (f *fakeDocker) RemoveContainer(_ context.Context, _ string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, force)
	if !force {
		return f.removeErr
	}
	return f.forceErr
}

type notModified struct{}

func (notModified) Error() string { return "container already stopped" }
func (notModified) NotModified()  {}

func TestDocker_SpawnAndDestroy(t *testing.T) {
	s := newSession(t, "a")
	docker := &fakeDocker{images: map[string]bool{}, output: "line one\nline two\npartial"}
	app := NewApplication(func(o *ApplicationOptions) { o.Docker = docker })
	bus := NewBus()

	rt := &Docker{Spec: registry.DockerSpec{Image: "coral/agent", Environment: []registry.EnvVar{{Name: "EXTRA", Value: "1"}}}}
	h, err := rt.Spawn(context.Background(), localParams(s, "a"), bus, app)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(logLines(bus, LogStdout)) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"coral/agent:1.0.0"}, docker.pulled)

	require.Len(t, docker.created, 1)
	spec := docker.created[0]
	assert.Equal(t, "coral/agent:1.0.0", spec.Image)
	assert.Equal(t, ContainerName("sess-1", "a"), spec.Name)
	assert.Contains(t, spec.Env, "EXTRA=1")
	assert.Contains(t, spec.Env, "CORAL_ORCHESTRATION_RUNTIME=docker")
	assert.Contains(t, spec.Env, "CORAL_CONNECTION_URL=http://host.docker.internal:5555/sse/v1/app/priv/sess-1/sse?agentId=a")

	require.NoError(t, h.Destroy(context.Background()))
	assert.Equal(t, []string{"c-1"}, docker.stopped)
	assert.Equal(t, []bool{false}, docker.removed)
	assert.True(t, hasStopped(bus))
	assert.Equal(t, []string{"line one", "line two", "partial"}, logLines(bus, LogStdout))
}

func TestDocker_DestroyToleratesNotModified(t *testing.T) {
	s := newSession(t, "a")
	docker := &fakeDocker{
		images:    map[string]bool{"img:2": true},
		stopErr:   notModified{},
		removeErr: errors.New("removal timed out"),
	}
	app := NewApplication(func(o *ApplicationOptions) { o.Docker = docker })

	rt := &Docker{Spec: registry.DockerSpec{Image: "img:2"}}
	h, err := rt.Spawn(context.Background(), localParams(s, "a"), NewBus(), app)
	require.NoError(t, err)
	assert.Empty(t, docker.pulled)

	require.NoError(t, h.Destroy(context.Background()))
	assert.Equal(t, []bool{false, true}, docker.removed)
}

func TestDocker_DestroyForcesRemovalAfterFailedStop(t *testing.T) {
	s := newSession(t, "a")
	docker := &fakeDocker{images: map[string]bool{"img:2": true}, stopErr: errors.New("daemon timeout")}
	app := NewApplication(func(o *ApplicationOptions) { o.Docker = docker })
	bus := NewBus()

	h, err := (&Docker{Spec: registry.DockerSpec{Image: "img:2"}}).Spawn(context.Background(), localParams(s, "a"), bus, app)
	require.NoError(t, err)

	require.NoError(t, h.Destroy(context.Background()))
	assert.Equal(t, []string{"c-1"}, docker.stopped)
	assert.Equal(t, []bool{true}, docker.removed)
	assert.True(t, hasStopped(bus))
}

func TestDocker_DestroyReportsFailedForceRemove(t *testing.T) {
	s := newSession(t, "a")
	docker := &fakeDocker{
		images:   map[string]bool{"img:2": true},
		stopErr:  errors.New("daemon timeout"),
		forceErr: errors.New("no such container"),
	}
	app := NewApplication(func(o *ApplicationOptions) { o.Docker = docker })

	h, err := (&Docker{Spec: registry.DockerSpec{Image: "img:2"}}).Spawn(context.Background(), localParams(s, "a"), NewBus(), app)
	require.NoError(t, err)

	err = h.Destroy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remove container c-1")
	assert.Equal(t, []bool{true}, docker.removed)
}

func TestDocker_Unavailable(t *testing.T) {
	s := newSession(t, "a")
	_, err := (&Docker{Spec: registry.DockerSpec{Image: "img"}}).Spawn(context.Background(), localParams(s, "a"), NewBus(), NewApplication())
	assert.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestContainerName(t *testing.T) {
	name := ContainerName("sess-1", "my agent.v2")
	assert.Regexp(t, `^my_agent_v2_[0-9a-f]+$`, name)
	assert.NotEqual(t, name, ContainerName("sess-2", "my agent.v2"))

	long := ContainerName("sess-1", strings.Repeat("x", 100))
	assert.LessOrEqual(t, len(long), 63)
	assert.True(t, strings.HasPrefix(long, strings.Repeat("x", 52)+"_"))

	assert.False(t, strings.HasPrefix(ContainerName("s", "__a"), "_"))
}

func TestImageRef(t *testing.T) {
	id := registry.Identifier{Name: "a", Version: "1.2.0"}
	assert.Equal(t, "img:1.2.0", ImageRef("img", id, nil))
	assert.Equal(t, "img:other", ImageRef("img:other", id, nil))
	assert.Equal(t, "registry:5000/img:1.2.0", ImageRef("registry:5000/img", id, nil))
	assert.Equal(t, "img:latest", ImageRef("img", registry.Identifier{Name: "a"}, nil))
}

// -------------------- Function --------------------

func TestFunction_DestroyCancels(t *testing.T) {
	s := newSession(t, "a")
	bus := NewBus()

	started := make(chan Params, 1)
	rt := &Function{Fn: func(ctx context.Context, p Params) error {
		started <- p
		<-ctx.Done()
		return ctx.Err()
	}}

	h, err := rt.Spawn(context.Background(), localParams(s, "a"), bus, NewApplication())
	require.NoError(t, err)

	select {
	case p := <-started:
		assert.Equal(t, "a", p.AgentName)
	case <-time.After(time.Second):
		t.Fatal("function did not start")
	}

	require.NoError(t, h.Destroy(context.Background()))
	assert.True(t, hasStopped(bus))
	assert.NoError(t, h.Destroy(context.Background()))
}

// -------------------- Remote --------------------

func serverFor(t *testing.T, u string) graph.Server {
	t.Helper()
	parsed, err := url.Parse(u)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return graph.Server{Address: host, Port: uint16(p)}
}

func TestRemote_NeedsLocalTarget(t *testing.T) {
	p := Params{AgentName: "a", Target: RemoteTarget{Session: session.NewRemote("c", nil, 0, "")}}
	_, err := (&Remote{ClaimID: "c"}).Spawn(context.Background(), p, NewBus(), NewApplication())
	assert.True(t, errs.Is(err, errs.CodeInvalidArgument))
}

func TestRemote_ServesAgentThroughTunnel(t *testing.T) {
	s := newSession(t, "a")

	responses := make(chan json.RawMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != TunnelPath("claim-1") {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		peer := transport.NewWebSocket(conn)
		defer peer.Close()

		ctx := r.Context()
		_ = peer.Send(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`))
		msg, err := peer.Receive(ctx)
		if err == nil {
			responses <- msg
		}
	}))
	defer srv.Close()

	bus := NewBus()
	rt := &Remote{Server: serverFor(t, srv.URL), ClaimID: "claim-1"}
	h, err := rt.Spawn(context.Background(), localParams(s, "a"), bus, NewApplication())
	require.NoError(t, err)

	select {
	case msg := <-responses:
		assert.Contains(t, string(msg), "coral_send_message")
	case <-time.After(5 * time.Second):
		t.Fatal("no response through the tunnel")
	}

	require.NoError(t, h.Destroy(context.Background()))
	assert.True(t, hasStopped(bus))
}
