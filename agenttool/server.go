package agenttool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/internal/util"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/session"
)

// ServerName and ServerVersion identify the per-agent MCP server.
const (
	ServerName    = "Coral Server"
	ServerVersion = "0.1.0"
)

// MaxWaitTimeout bounds the timeout of a wait_for_mentions call.
const MaxWaitTimeout = 10 * time.Minute

// Options configures the per-agent server.
type Options struct {
	Logger logging.Logger
	// HTTPClient performs custom tool calls.
	HTTPClient *http.Client
	// CloseSessionDelay gives the agent a chance to receive the close_session
	// result before the session goes away.
	CloseSessionDelay time.Duration
}

type host struct {
	sess    *session.LocalSession
	agentID string
	opts    Options
	logger  logging.Logger
	srv     *server.MCPServer
}

// New creates the MCP server for agentID in sess.
func New(sess *session.LocalSession, agentID string, optFns ...func(o *Options)) (*server.MCPServer, error) {
	opts := Options{
		Logger:            logging.NoOpLogger{},
		HTTPClient:        &http.Client{},
		CloseSessionDelay: time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	agent, ok := sess.Agent(agentID)
	if !ok {
		return nil, errs.NotFound("agent %s not found in session %s", agentID, sess.ID())
	}

	h := &host{
		sess:    sess,
		agentID: agentID,
		opts:    opts,
		logger:  logging.With(opts.Logger, "session_id", sess.ID(), "agent_id", agentID),
		srv: server.NewMCPServer(ServerName, ServerVersion,
			server.WithToolCapabilities(true),
			server.WithResourceCapabilities(true, true),
			server.WithInstructions(instructions),
		),
	}

	h.addThreadTools()
	h.addResources()
	for name, tool := range agent.CustomTools {
		if err := h.addCustomTool(tool); err != nil {
			return nil, fmt.Errorf("custom tool %s: %w", name, err)
		}
	}
	if agent.HasPlugin(graph.PluginCloseSessionTool) {
		h.addCloseSessionTool()
	}

	return h.srv, nil
}

// addTool registers a tool whose arguments are described by the struct args.
// Arguments are validated against the derived schema and decoded into a new
// value of the same type before fn runs.
func addTool[T any](h *host, name, description string, fn func(ctx context.Context, args T) (Result, error)) {
	var zero T
	schema := util.CreateSchema(zero)
	raw, _ := json.Marshal(schema)

	h.srv.AddTool(mcp.NewToolWithRawSchema(name, description, raw), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := req.GetArguments()
		if params == nil {
			params = map[string]any{}
		}

		h.logger.Debug("tool.call.start", "tool", name)

		if err := util.ValidateParameters(params, schema); err != nil {
			h.logger.Warn("tool.call.validation_failed", "tool", name, "error", err.Error())
			return errorResult(&ToolError{
				Tool:    name,
				Message: fmt.Sprintf("parameter validation failed: %v", err),
				Code:    CodeValidation,
				Details: err,
			}), nil
		}

		var args T
		if err := util.DecodeArguments(params, &args); err != nil {
			return errorResult(&ToolError{Tool: name, Message: err.Error(), Code: CodeValidation}), nil
		}

		res, err := fn(ctx, args)
		if err != nil {
			toolErr := toToolError(name, err)
			logging.ToolCall(h.logger, name, time.Since(start), toolErr, "code", toolErr.Code)
			return errorResult(toolErr), nil
		}

		logging.ToolCall(h.logger, name, time.Since(start), nil)
		return mcp.NewToolResultJSON(res)
	})
}

func errorResult(te *ToolError) *mcp.CallToolResult {
	data, err := json.Marshal(te)
	if err != nil {
		return mcp.NewToolResultError(te.Error())
	}
	return mcp.NewToolResultError(string(data))
}
