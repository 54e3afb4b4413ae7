package agenttool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/internal/util"
	"github.com/hupe1980/coralmesh/logging"
)

// addCustomTool exposes a graph level tool. A call posts the arguments as
// JSON to {url}/{sessionId}/{agentId} and returns the response body as text.
func (h *host) addCustomTool(tool graph.CustomTool) error {
	if tool.Transport.Type != graph.ToolTransportHTTP {
		return errs.InvalidArgument("unsupported tool transport %q", tool.Transport.Type)
	}

	var (
		schema map[string]any
		err    error
	)
	if tool.Schema.RawInputSchema != nil {
		err = json.Unmarshal(tool.Schema.RawInputSchema, &schema)
	} else {
		schema, err = util.SchemaMap(tool.Schema.InputSchema)
	}
	if err != nil {
		return err
	}

	endpoint, err := url.JoinPath(tool.Transport.URL, h.sess.ID(), h.agentID)
	if err != nil {
		return errs.Wrap(err, errs.CodeInvalidArgument, "invalid tool url")
	}

	name := tool.Schema.Name
	h.srv.AddTool(tool.Schema, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := req.GetArguments()
		if params == nil {
			params = map[string]any{}
		}

		if err := util.ValidateParameters(params, schema); err != nil {
			h.logger.Warn("tool.call.validation_failed", "tool", name, "error", err.Error())
			return errorResult(&ToolError{
				Tool:    name,
				Message: fmt.Sprintf("parameter validation failed: %v", err),
				Code:    CodeValidation,
				Details: err,
			}), nil
		}

		body, status, err := h.postJSON(ctx, endpoint, params)
		logging.ToolCall(h.logger, name, time.Since(start), err, "url", endpoint, "status", status)
		if err != nil {
			return mcp.NewToolResultError("Error: " + err.Error()), nil
		}

		if status >= http.StatusBadRequest {
			return mcp.NewToolResultError(body), nil
		}
		return mcp.NewToolResultText(body), nil
	})
	return nil
}

func (h *host) postJSON(ctx context.Context, endpoint string, payload any) (string, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.opts.HTTPClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}
