// Package coralmesh provides a high-level façade that assembles a complete
// agent server: the runtime application, the orchestrator, the local and
// remote session managers and the HTTP API. Most applications interact with
// this package by:
//  1. Creating a Server via New() with a registry and optional payment services
//  2. Running it with Serve or ListenAndServe until the context is cancelled
//
// Every dependency has a local default: no docker engine, no payment backend
// and unrestricted session access. Production deployments supply a docker
// client, an escrow backend, a wallet and an application list.
package coralmesh

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/coralmesh/agenttool"
	"github.com/hupe1980/coralmesh/api"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/manager"
	"github.com/hupe1980/coralmesh/orchestrator"
	"github.com/hupe1980/coralmesh/payment"
	"github.com/hupe1980/coralmesh/registry"
	"github.com/hupe1980/coralmesh/remote"
	"github.com/hupe1980/coralmesh/runtime"
)

// Options configures a Server.
type Options struct {
	// Registry lists the agents this server can run and export.
	Registry *registry.Registry

	// BindAddress and BindPort are where the HTTP API listens.
	BindAddress string
	BindPort    int
	// ExternalAddress is the host other servers use to reach this one.
	ExternalAddress string
	// ContainerAddress is the host containers use to reach this one.
	ContainerAddress string

	// Docker runs docker runtimes. Docker agents fail to start when nil.
	Docker runtime.DockerClient
	// Functions are the bodies of function runtimes, by name.
	Functions map[string]runtime.Func
	// KillTimeout is the grace period of stopped processes and containers.
	KillTimeout time.Duration

	// Servers talks to the servers remote agents are bought from. Defaults
	// to an HTTP client.
	Servers graph.ServerClient
	// Payments is the escrow backend. Paid agents are unavailable when nil.
	Payments payment.Backend
	// Oracle prices USD amounts in coral.
	Oracle payment.PriceOracle
	// Wallet is this server's public wallet address.
	Wallet string

	// Applications restricts access to local sessions when set.
	Applications api.Applications
	// DevMode creates sessions when agents connect to unknown ones.
	DevMode bool
	// SessionWait bounds how long a connecting agent waits for its session.
	SessionWait time.Duration
	// BarrierTimeout bounds how long a connecting agent is held back for its
	// group before it is served anyway.
	BarrierTimeout time.Duration
	// LogRetention is how long agent runtime logs stay readable after their
	// session closed.
	LogRetention time.Duration
	// ClaimRateLimit is the per client claim requests per second.
	ClaimRateLimit float64
	// KeepAlive is the ping interval of agent event streams.
	KeepAlive time.Duration
	// ToolOptions configure every agent tool server.
	ToolOptions []func(o *agenttool.Options)

	// ShutdownTimeout bounds session teardown and HTTP shutdown.
	ShutdownTimeout time.Duration

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Server is an agent server.
type Server struct {
	opts     Options
	app      *runtime.Application
	orch     *orchestrator.Orchestrator
	sessions *manager.Manager
	remote   *remote.Manager
	api      *api.Server
}

// New creates a Server. Nothing is started before Serve.
func New(optFns ...func(o *Options)) *Server {
	opts := Options{
		Registry:        registry.Empty(),
		BindAddress:     "0.0.0.0",
		BindPort:        5555,
		Functions:       map[string]runtime.Func{},
		Oracle:          payment.FixedOracle(1),
		ShutdownTimeout: 30 * time.Second,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Servers == nil {
		opts.Servers = graph.NewHTTPServerClient()
	}
	if opts.ExternalAddress == "" {
		opts.ExternalAddress = opts.BindAddress
	}

	app := runtime.NewApplication(func(o *runtime.ApplicationOptions) {
		o.BindPort = opts.BindPort
		o.ExternalAddress = opts.ExternalAddress
		if opts.ContainerAddress != "" {
			o.ContainerAddress = opts.ContainerAddress
		}
		o.Docker = opts.Docker
		o.Functions = opts.Functions
		if opts.KillTimeout > 0 {
			o.KillTimeout = opts.KillTimeout
		}
		if opts.BarrierTimeout > 0 {
			o.BarrierTimeout = opts.BarrierTimeout
		}
		o.ToolOptions = opts.ToolOptions
		o.Logger = opts.Logger
	})

	orch := orchestrator.New(func(o *orchestrator.Options) {
		o.Application = app
		o.Servers = opts.Servers
		o.Wallet = opts.Wallet
		if opts.LogRetention > 0 {
			o.BusRetention = opts.LogRetention
		}
		o.Logger = opts.Logger
	})

	sessions := manager.New(orch, func(o *manager.Options) {
		o.Backend = opts.Payments
		o.Oracle = opts.Oracle
		o.Servers = opts.Servers
		if opts.SessionWait > 0 {
			o.WaitTimeout = opts.SessionWait
		}
		o.Logger = opts.Logger
	})

	exported := remote.New(orch, func(o *remote.Options) {
		o.Registry = opts.Registry
		o.Backend = opts.Payments
		o.Oracle = opts.Oracle
		o.Logger = opts.Logger
	})

	srv := api.New(func(o *api.Options) {
		o.Registry = opts.Registry
		o.Sessions = sessions
		o.Remote = exported
		o.Applications = opts.Applications
		o.Wallet = opts.Wallet
		o.DevMode = opts.DevMode
		if opts.SessionWait > 0 {
			o.SessionWait = opts.SessionWait
		}
		o.ClaimRateLimit = opts.ClaimRateLimit
		if opts.KeepAlive > 0 {
			o.KeepAlive = opts.KeepAlive
		}
		if opts.BarrierTimeout > 0 {
			o.BarrierTimeout = opts.BarrierTimeout
		}
		o.ToolOptions = opts.ToolOptions
		o.Logger = opts.Logger
	})

	return &Server{
		opts:     opts,
		app:      app,
		orch:     orch,
		sessions: sessions,
		remote:   exported,
		api:      srv,
	}
}

// Sessions returns the local session manager.
func (s *Server) Sessions() *manager.Manager { return s.sessions }

// Remote returns the manager of agents exported to other servers.
func (s *Server) Remote() *remote.Manager { return s.remote }

// Orchestrator returns the orchestrator running agents.
func (s *Server) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler { return s.api.Handler() }

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.BindAddress, strconv.Itoa(s.opts.BindPort))
}

// ListenAndServe listens on Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is done or serving fails, then closes
// every session and stops every agent.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.opts.Logger.Info("server.listening", "address", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()

		s.Close(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.opts.Logger.Warn("server.shutdown_incomplete", "error", err.Error())
			return httpServer.Close()
		}
		return nil
	})

	err := g.Wait()
	s.opts.Logger.Info("server.stopped")
	return err
}

// Close closes every local and remote session and destroys all agents.
func (s *Server) Close(ctx context.Context) {
	s.sessions.Close(ctx)
	s.remote.Close(ctx)
	s.orch.Destroy(ctx)
}
