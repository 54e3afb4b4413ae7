package runtime

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hupe1980/coralmesh/agenttool"
	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/registry"
)

// AddressConsumer is whoever needs to reach this server.
type AddressConsumer string

const (
	// ConsumerExternal is another machine.
	ConsumerExternal AddressConsumer = "external"
	// ConsumerContainer is a container on this machine.
	ConsumerContainer AddressConsumer = "container"
	// ConsumerLocal is a process on this machine.
	ConsumerLocal AddressConsumer = "local"
)

// Func is the body of a function runtime agent. It should return when ctx
// is cancelled.
type Func func(ctx context.Context, params Params) error

// ApplicationOptions configures an Application.
type ApplicationOptions struct {
	// BindPort is the port the HTTP API listens on.
	BindPort int
	// ExternalAddress is the host other machines use to reach the server.
	ExternalAddress string
	// ContainerAddress is the host containers use to reach the server.
	ContainerAddress string
	// Docker is the container engine. Docker runtimes fail when nil.
	Docker DockerClient
	// Functions holds the bodies of function runtimes by name.
	Functions map[string]Func
	// Runtimes take precedence over the built-in runtime of the same id.
	Runtimes map[registry.RuntimeID]Runtime
	// HTTPClient dials remote tunnels.
	HTTPClient *http.Client
	// KillTimeout is how long destroyed processes and containers get to
	// exit before they are killed.
	KillTimeout time.Duration
	// BarrierTimeout bounds how long a remote agent waits for its group
	// before its tools are served.
	BarrierTimeout time.Duration
	// ToolOptions configure the agent tool servers of remote runtimes.
	ToolOptions []func(o *agenttool.Options)
	Logger      logging.Logger
}

// Application is the process wide context shared by every runtime: address
// resolution, the docker client and registered functions.
type Application struct {
	opts   ApplicationOptions
	logger logging.Logger
}

// NewApplication creates an Application.
func NewApplication(optFns ...func(o *ApplicationOptions)) *Application {
	opts := ApplicationOptions{
		BindPort:         5555,
		ExternalAddress:  "localhost",
		ContainerAddress: "host.docker.internal",
		Functions:        map[string]Func{},
		HTTPClient:       http.DefaultClient,
		KillTimeout:      30 * time.Second,
		BarrierTimeout:   time.Minute,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Application{opts: opts, logger: opts.Logger}
}

// Logger returns the application logger.
func (a *Application) Logger() logging.Logger { return a.logger }

// Docker returns the container engine, if any.
func (a *Application) Docker() DockerClient { return a.opts.Docker }

// Address returns the host consumer uses to reach the server.
func (a *Application) Address(consumer AddressConsumer) string {
	switch consumer {
	case ConsumerExternal:
		return a.opts.ExternalAddress
	case ConsumerContainer:
		return a.opts.ContainerAddress
	default:
		return "localhost"
	}
}

// APIURL returns the base URL of the HTTP API as seen by consumer.
func (a *Application) APIURL(consumer AddressConsumer) *url.URL {
	return &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(a.Address(consumer), strconv.Itoa(a.opts.BindPort)),
	}
}

// MCPURL returns the SSE endpoint the agent described by params connects to.
func (a *Application) MCPURL(params Params, consumer AddressConsumer) *url.URL {
	u := a.APIURL(consumer)

	switch t := params.Target.(type) {
	case LocalTarget:
		u = u.JoinPath("sse", "v1", t.Session.ApplicationID(), t.Session.PrivacyKey(), t.Session.ID(), "sse")
	case RemoteTarget:
		u = u.JoinPath("sse", "v1", "export", t.Session.ID(), "sse")
	}

	q := url.Values{}
	q.Set("agentId", params.AgentName)
	u.RawQuery = q.Encode()
	return u
}

// Lookup returns the runtime id of agent.
func (a *Application) Lookup(agent *registry.Agent, id registry.RuntimeID) (Runtime, error) {
	if agent == nil {
		return nil, errs.InvalidArgument("no registry agent")
	}
	if rt, ok := a.opts.Runtimes[id]; ok {
		return rt, nil
	}
	switch id {
	case registry.RuntimeExecutable:
		if spec := agent.Runtimes.Executable; spec != nil {
			return &Executable{Spec: *spec}, nil
		}
	case registry.RuntimeDocker:
		if spec := agent.Runtimes.Docker; spec != nil {
			return &Docker{Spec: *spec}, nil
		}
	case registry.RuntimeFunction:
		if spec := agent.Runtimes.Function; spec != nil {
			fn, ok := a.opts.Functions[spec.Name]
			if !ok {
				return nil, errs.NotFound("function %q is not registered", spec.Name)
			}
			return &Function{Fn: fn}, nil
		}
	}
	return nil, errs.NotFound("runtime %q is not supported by agent %s", id, agent.Info.Identifier())
}
