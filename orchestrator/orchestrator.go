package orchestrator

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/runtime"
	"github.com/hupe1980/coralmesh/session"
)

// DefaultBusRetention is how long the runtime busses of a killed session
// stay readable.
const DefaultBusRetention = 5 * time.Minute

// Options configures an Orchestrator.
//
// Example:
//
//	orch := orchestrator.New(func(o *orchestrator.Options) {
//	    o.Application = app
//	    o.Servers = graph.NewHTTPServerClient()
//	    o.Wallet = wallet.PublicKey
//	    o.Logger = logger
//	})
type Options struct {
	// Application is shared by every spawned runtime. Defaults to an
	// Application with default addresses and no docker client.
	Application *runtime.Application

	// Servers requests claims for agents bought from other servers.
	Servers graph.ServerClient

	// Wallet is the local wallet address sent with claim requests. Remote
	// agents cannot be requested without it.
	Wallet string

	// BusRetention is how long runtime busses stay readable after their
	// session was killed. Defaults to DefaultBusRetention.
	BusRetention time.Duration

	Logger logging.Logger
}

// Orchestrator starts the agents of sessions and tears them down again.
//
// Concurrency Model:
//   - Handles and runtime busses live in maps keyed by session id, guarded
//     by one mutex that is never held across a spawn or destroy.
//   - Claims for remote agents are requested in background goroutines tied
//     to the orchestrator's own context. Destroy cancels that context and
//     waits for them before tearing down.
//   - Busses of a killed session are dropped once BusRetention passes
//     without new handles for it. Destroy drops all of them.
//   - Teardown destroys handles concurrently. A failing handle is logged
//     and never stops the others.
type Orchestrator struct {
	app       *runtime.Application
	servers   graph.ServerClient
	wallet    string
	retention time.Duration
	logger    logging.Logger

	// remote claim requests in flight
	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup

	mu      sync.Mutex
	handles map[string][]runtime.Handle
	busses  map[string]map[string]*runtime.Bus
	retire  map[string]*time.Timer
}

// New creates an Orchestrator.
func New(optFns ...func(o *Options)) *Orchestrator {
	opts := Options{BusRetention: DefaultBusRetention, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Application == nil {
		opts.Application = runtime.NewApplication(func(o *runtime.ApplicationOptions) { o.Logger = opts.Logger })
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		app:       opts.Application,
		servers:   opts.Servers,
		wallet:    opts.Wallet,
		retention: opts.BusRetention,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		handles:   make(map[string][]runtime.Handle),
		busses:    make(map[string]map[string]*runtime.Bus),
		retire:    make(map[string]*time.Timer),
	}
}

// Application returns the shared runtime application.
func (o *Orchestrator) Application() *runtime.Application { return o.app }

// Bus returns the runtime bus of an agent, if it was ever spawned.
func (o *Orchestrator) Bus(sessionID, agentName string) (*runtime.Bus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.busses[sessionID][agentName]
	return b, ok
}

func (o *Orchestrator) bus(sessionID, agentName string) *runtime.Bus {
	o.mu.Lock()
	defer o.mu.Unlock()

	agents, ok := o.busses[sessionID]
	if !ok {
		agents = make(map[string]*runtime.Bus)
		o.busses[sessionID] = agents
	}
	b, ok := agents[agentName]
	if !ok {
		b = runtime.NewBus()
		agents[agentName] = b
	}
	return b
}

// Handles returns the number of live handles of a session.
func (o *Orchestrator) Handles(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles[sessionID])
}

func (o *Orchestrator) track(sessionID string, h runtime.Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handles[sessionID] = append(o.handles[sessionID], h)
}

// untrack removes h and reports whether it was still tracked.
func (o *Orchestrator) untrack(sessionID string, h runtime.Handle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	hs := o.handles[sessionID]
	i := slices.Index(hs, h)
	if i < 0 {
		return false
	}
	hs = slices.Delete(hs, i, i+1)
	if len(hs) == 0 {
		delete(o.handles, sessionID)
	} else {
		o.handles[sessionID] = hs
	}
	return true
}

// scheduleRetire drops the busses of sessionID after the retention period
// unless the session has live handles again by then.
func (o *Orchestrator) scheduleRetire(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx.Err() != nil {
		delete(o.busses, sessionID)
		return
	}
	if t, ok := o.retire[sessionID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(o.retention, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.retire[sessionID] != t {
			return
		}
		delete(o.retire, sessionID)
		if len(o.handles[sessionID]) == 0 {
			delete(o.busses, sessionID)
		}
	})
	o.retire[sessionID] = t
}

// Spawn starts agent name of a local session according to its provider.
//
// A local provider spawns the registry runtime directly. A remote provider
// first claims the agent from the selected server in the background and
// then tunnels to it; failures of that step are logged. Remote requests
// must have been resolved to remote providers before.
func (o *Orchestrator) Spawn(ctx context.Context, sess *session.LocalSession, agent *graph.Agent, name string) error {
	params := runtime.Params{
		AgentID:      agent.Registry.Info.Identifier(),
		AgentName:    name,
		SystemPrompt: agent.SystemPrompt,
		Options:      agent.Options,
		Path:         agent.Registry.Path,
		Target:       runtime.LocalTarget{Session: sess},
	}
	logger := logging.With(o.logger, "session_id", sess.ID(), "agent_id", name)

	switch provider := agent.Provider; provider.Type {
	case graph.ProviderLocal:
		rt, err := o.app.Lookup(agent.Registry, provider.Runtime)
		if err != nil {
			return err
		}
		h, err := rt.Spawn(ctx, params, o.bus(sess.ID(), name), o.app)
		if err != nil {
			return err
		}
		o.track(sess.ID(), h)
		logger.Info("orchestrator.spawned", "runtime", provider.Runtime)
		return nil

	case graph.ProviderRemote:
		if o.wallet == "" {
			return errs.InvalidState("remote agents cannot be requested without a configured wallet")
		}
		if sess.PaymentSessionID() == "" {
			return errs.InvalidState("session with paid agents has no payment session")
		}
		if o.servers == nil || provider.Server == nil {
			return errs.Unavailable("no server client to claim remote agent %s", name)
		}

		req := graph.PaidAgentRequest{
			AgentRequest:       agent.Request(),
			PaidSessionID:      sess.PaymentSessionID(),
			LocalWalletAddress: o.wallet,
		}
		server := *provider.Server

		o.pending.Add(1)
		go func() {
			defer o.pending.Done()
			o.spawnClaimed(sess, params, server, req, logger)
		}()
		return nil

	case graph.ProviderRemoteRequest:
		return errs.InvalidArgument("remote request for %s must be resolved before orchestration", name)

	default:
		return errs.InvalidArgument("unknown provider %q for %s", provider.Type, name)
	}
}

func (o *Orchestrator) spawnClaimed(sess *session.LocalSession, params runtime.Params, server graph.Server, req graph.PaidAgentRequest, logger logging.Logger) {
	claimID, err := o.servers.CreateClaim(o.ctx, server, req)
	if err != nil {
		logger.Error("orchestrator.claim_failed", "server", server.String(), "error", err.Error())
		return
	}
	logger = logging.With(logger, "claim_id", claimID)

	rt := &runtime.Remote{Server: server, ClaimID: claimID}
	h, err := rt.Spawn(o.ctx, params, o.bus(sess.ID(), params.AgentName), o.app)
	if err != nil {
		logger.Error("orchestrator.spawn_failed", "error", err.Error())
		return
	}

	// The session may have closed while the claim was requested. Tracking
	// first leaves h either to KillForSession or to the check below.
	o.track(sess.ID(), h)
	if sess.Closed() {
		if o.untrack(sess.ID(), h) {
			o.destroy(context.Background(), []runtime.Handle{h}, logger)
		}
		o.scheduleRetire(sess.ID())
		return
	}
	logger.Info("orchestrator.spawned", "runtime", "remote", "server", server.String())
}

// SpawnRemote starts an agent that another server claimed. Exported agents
// must run locally; they cannot be bought from yet another server.
func (o *Orchestrator) SpawnRemote(ctx context.Context, sess *session.RemoteSession, agent *graph.Agent, name string) error {
	provider := agent.Provider
	if provider.Type != graph.ProviderLocal {
		return errs.InvalidState("remote agents cannot be provided by other remote servers")
	}

	rt, err := o.app.Lookup(agent.Registry, provider.Runtime)
	if err != nil {
		return err
	}

	params := runtime.Params{
		AgentID:      agent.Registry.Info.Identifier(),
		AgentName:    name,
		SystemPrompt: agent.SystemPrompt,
		Options:      agent.Options,
		Path:         agent.Registry.Path,
		Target:       runtime.RemoteTarget{Session: sess},
	}
	h, err := rt.Spawn(ctx, params, o.bus(sess.ID(), name), o.app)
	if err != nil {
		return err
	}
	o.track(sess.ID(), h)
	o.logger.Info("orchestrator.spawned_remote", "session_id", sess.ID(), "agent_id", name, "runtime", provider.Runtime)
	return nil
}

// KillForSession destroys every handle of a session. Failures are logged.
// The session's busses stay readable for the configured retention.
func (o *Orchestrator) KillForSession(ctx context.Context, sessionID string, mode session.CloseMode) {
	o.mu.Lock()
	handles := o.handles[sessionID]
	delete(o.handles, sessionID)
	o.mu.Unlock()

	logger := logging.With(o.logger, "session_id", sessionID, "close_mode", mode)
	o.destroy(ctx, handles, logger)
	o.scheduleRetire(sessionID)
	logger.Info("orchestrator.session_killed", "handles", len(handles))
}

// Destroy cancels outstanding claim requests, destroys every handle of
// every session and drops all busses. Failures are logged.
func (o *Orchestrator) Destroy(ctx context.Context) {
	o.cancel()
	o.pending.Wait()

	o.mu.Lock()
	var handles []runtime.Handle
	for id, hs := range o.handles {
		handles = append(handles, hs...)
		delete(o.handles, id)
	}
	for id, t := range o.retire {
		t.Stop()
		delete(o.retire, id)
	}
	clear(o.busses)
	o.mu.Unlock()

	o.destroy(ctx, handles, o.logger)
}

func (o *Orchestrator) destroy(ctx context.Context, handles []runtime.Handle, logger logging.Logger) {
	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			if err := h.Destroy(ctx); err != nil {
				logger.Error("orchestrator.destroy_failed", "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
}
