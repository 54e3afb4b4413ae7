// Package api serves the HTTP surface of a server: the registry and
// federation endpoints other servers call, session creation, the event
// streams agents connect to and telemetry.
package api

import (
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/hupe1980/coralmesh/agenttool"
	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/manager"
	"github.com/hupe1980/coralmesh/registry"
	"github.com/hupe1980/coralmesh/remote"
	"github.com/hupe1980/coralmesh/transport"
)

// DefaultBarrierTimeout is the default of Options.BarrierTimeout.
const DefaultBarrierTimeout = time.Minute

// Applications authorizes access to local sessions.
type Applications interface {
	Authorize(applicationID, privacyKey string) bool
}

// Options configures a Server.
type Options struct {
	Registry *registry.Registry
	Sessions *manager.Manager
	// Remote enables exporting agents to other servers when set.
	Remote *remote.Manager
	// Applications restricts session access. Every application and key is
	// accepted when nil.
	Applications Applications
	// Wallet is the public wallet address shown to other servers.
	Wallet string
	// DevMode creates unknown sessions when an agent connects to them.
	DevMode bool
	// SessionWait bounds how long an agent connecting to a session waits for
	// it to be created.
	SessionWait time.Duration
	// ClaimRateLimit is the number of claim requests per second and client.
	// Zero disables the limit.
	ClaimRateLimit float64
	// BarrierTimeout bounds how long a connecting agent is held back for its
	// group, or in dev mode for the required agent count. The agent is served
	// anyway once it passes.
	BarrierTimeout time.Duration
	// KeepAlive is the ping interval of event streams.
	KeepAlive time.Duration
	// ToolOptions configure the tool servers of connecting agents.
	ToolOptions []func(o *agenttool.Options)
	Logger      logging.Logger
}

// Server is the HTTP API.
type Server struct {
	echo *echo.Echo
	opts Options

	mu      sync.Mutex
	streams map[string]*transport.SSE
}

// New creates a Server and registers its routes.
func New(optFns ...func(o *Options)) *Server {
	opts := Options{
		Registry:       registry.Empty(),
		SessionWait:    manager.DefaultWaitTimeout,
		BarrierTimeout: DefaultBarrierTimeout,
		KeepAlive:      15 * time.Second,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(opts.Logger)

	s := &Server{
		echo:    e,
		opts:    opts,
		streams: make(map[string]*transport.SSE),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			opts.Logger.Debug("api.request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds())
			return nil
		},
	}))

	s.routes()
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.health)

	v1 := e.Group("/api/v1")
	v1.GET("/agents", s.listAgents)
	v1.GET("/agents/exported/:name/:version", s.exportedAgent)
	v1.POST("/agents/claim", s.claimAgent, s.claimLimiter()...)
	v1.GET("/wallet", s.wallet)
	v1.POST("/internal/claim/:remoteSessionId", s.claimPayment)

	v1.GET("/sessions", s.listSessions)
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions/:session/agents/:agent/logs", s.agentLogs)

	v1.POST("/message/:app/:key/:session", s.postLocalMessage)
	v1.POST("/message/export/:remoteSessionId", s.postExportMessage)

	v1.POST("/telemetry/:session", s.attachTelemetry)
	v1.GET("/telemetry/:session/:thread/:message", s.renderTelemetry)

	e.GET("/sse/v1/export/:remoteSessionId/sse", s.exportStream)
	e.GET("/sse/v1/:app/:key/:session/sse", s.localStream)

	e.GET("/ws/v1/exported/:claimId", s.tunnel)
}

func (s *Server) claimLimiter() []echo.MiddlewareFunc {
	if s.opts.ClaimRateLimit <= 0 {
		return nil
	}

	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(s.opts.ClaimRateLimit),
		Burst:     int(math.Max(1, math.Ceil(s.opts.ClaimRateLimit))),
		ExpiresIn: 3 * time.Minute,
	})
	return []echo.MiddlewareFunc{middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			s.opts.Logger.Warn("api.claim.rate_limited", "client", identifier)
			return c.JSON(http.StatusTooManyRequests, graph.ErrorBody{Message: "too many claim requests"})
		},
	})}
}

// statusOf maps error codes to HTTP status codes.
func statusOf(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeInvalidState, errs.CodeInvalidArgument:
		return http.StatusBadRequest
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(logger logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := statusOf(err)
		msg := err.Error()

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(he.Code)
			}
		}

		if status >= http.StatusInternalServerError {
			logger.Error("api.request.failed", "path", c.Path(), "status", status, "error", err.Error())
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, graph.ErrorBody{Message: msg})
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authorize(appID, key string) error {
	if s.opts.Applications == nil || s.opts.Applications.Authorize(appID, key) {
		return nil
	}
	return echo.NewHTTPError(http.StatusUnauthorized, "invalid application id or privacy key")
}
