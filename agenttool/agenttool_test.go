package agenttool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/graph"
	"github.com/hupe1980/coralmesh/internal/testutil"
	"github.com/hupe1980/coralmesh/session"
	"github.com/hupe1980/coralmesh/transport"
)

func newSession(t *testing.T, b *testutil.GraphBuilder) *session.LocalSession {
	t.Helper()
	s := session.NewLocal(func(o *session.LocalOptions) {
		o.ID = "sess-1"
		o.Graph = b.Build()
	})
	t.Cleanup(func() { s.Close(context.Background(), session.CloseForce) })
	return s
}

type toolResponse struct {
	Result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	} `json:"result"`
}

func rpc(t *testing.T, srv *server.MCPServer, method string, params any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params})
	require.NoError(t, err)

	resp := srv.HandleMessage(context.Background(), raw)
	require.NotNil(t, resp)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	return data
}

func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]any) (string, bool) {
	t.Helper()
	var resp toolResponse
	require.NoError(t, json.Unmarshal(rpc(t, srv, "tools/call", map[string]any{"name": name, "arguments": args}), &resp))
	require.NotEmpty(t, resp.Result.Content)
	return resp.Result.Content[0].Text, resp.Result.IsError
}

func decodeResult(t *testing.T, text string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	return out
}

func decodeToolError(t *testing.T, text string) ToolError {
	t.Helper()
	var te ToolError
	require.NoError(t, json.Unmarshal([]byte(text), &te))
	return te
}

// -------------------- Server construction --------------------

func TestNew_UnknownAgent(t *testing.T) {
	s := newSession(t, testutil.NewGraphBuilder())
	_, err := New(s, "ghost")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestNew_ListsThreadTools(t *testing.T) {
	s := newSession(t, testutil.NewGraphBuilder().Agent("a"))
	srv, err := New(s, "a")
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rpc(t, srv, "tools/list", map[string]any{}), &resp))

	var names []string
	for _, tool := range resp.Result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		ToolListAgents, ToolCreateThread, ToolAddParticipant, ToolRemoveParticipant,
		ToolCloseThread, ToolSendMessage, ToolWaitForMentions,
	}, names)
}

// -------------------- Thread tools --------------------

func TestThreadTools_Conversation(t *testing.T) {
	s := newSession(t, testutil.NewGraphBuilder().Agent("a").Agent("b").Agent("c"))
	srvA, err := New(s, "a")
	require.NoError(t, err)
	srvB, err := New(s, "b")
	require.NoError(t, err)

	text, isErr := callTool(t, srvA, ToolCreateThread, map[string]any{
		"threadName":     "plan",
		"participantIds": []any{"b"},
	})
	require.False(t, isErr, text)
	created := decodeResult(t, text)
	assert.Equal(t, ResultCreateThread, created["result"])
	threadID := created["thread"].(map[string]any)["id"].(string)

	text, isErr = callTool(t, srvA, ToolAddParticipant, map[string]any{"threadId": threadID, "participantId": "c"})
	require.False(t, isErr, text)
	assert.Equal(t, ResultAddParticipant, decodeResult(t, text)["result"])

	text, isErr = callTool(t, srvA, ToolRemoveParticipant, map[string]any{"threadId": threadID, "participantId": "c"})
	require.False(t, isErr, text)
	assert.Equal(t, ResultRemoveParticipant, decodeResult(t, text)["result"])

	text, isErr = callTool(t, srvA, ToolSendMessage, map[string]any{
		"threadId": threadID,
		"content":  "hi",
		"mentions": []any{"b"},
	})
	require.False(t, isErr, text)
	sent := decodeResult(t, text)
	assert.Equal(t, ResultSendMessage, sent["result"])
	assert.Equal(t, "hi", sent["message"].(map[string]any)["content"])

	text, isErr = callTool(t, srvB, ToolWaitForMentions, map[string]any{"timeoutMs": 1000})
	require.False(t, isErr, text)
	got := decodeResult(t, text)
	assert.Equal(t, ResultWaitForMentions, got["result"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].(map[string]any)["content"])

	b, _ := s.Agent("b")
	assert.Equal(t, session.StateBusy, b.State)

	text, isErr = callTool(t, srvA, ToolCloseThread, map[string]any{"threadId": threadID, "summary": "done"})
	require.False(t, isErr, text)

	text, isErr = callTool(t, srvA, ToolSendMessage, map[string]any{
		"threadId": threadID,
		"content":  "late",
		"mentions": []any{},
	})
	require.True(t, isErr)
	te := decodeToolError(t, text)
	assert.Equal(t, ToolSendMessage, te.Tool)
	assert.Equal(t, string(errs.CodeInvalidState), te.Code)
}

func TestThreadTools_ValidationError(t *testing.T) {
	s := newSession(t, testutil.NewGraphBuilder().Agent("a"))
	srv, err := New(s, "a")
	require.NoError(t, err)

	text, isErr := callTool(t, srv, ToolCreateThread, map[string]any{"participantIds": []any{}})
	require.True(t, isErr)
	te := decodeToolError(t, text)
	assert.Equal(t, CodeValidation, te.Code)

	text, isErr = callTool(t, srv, ToolSendMessage, map[string]any{
		"threadId": "t",
		"content":  42,
		"mentions": []any{},
	})
	require.True(t, isErr)
	assert.Equal(t, CodeValidation, decodeToolError(t, text).Code)
}

func TestWaitForMentions_Bounds(t *testing.T) {
	s := newSession(t, testutil.NewGraphBuilder().Agent("a"))
	srv, err := New(s, "a")
	require.NoError(t, err)

	for _, timeout := range []float64{0, -5, float64(MaxWaitTimeout.Milliseconds() + 1)} {
		text, isErr := callTool(t, srv, ToolWaitForMentions, map[string]any{"timeoutMs": timeout})
		require.True(t, isErr)
		assert.Equal(t, string(errs.CodeInvalidArgument), decodeToolError(t, text).Code)
	}

	text, isErr := callTool(t, srv, ToolWaitForMentions, map[string]any{"timeoutMs": 20})
	require.False(t, isErr, text)
	assert.Equal(t, ResultWaitTimeout, decodeResult(t, text)["result"])
}

func TestWaitForMentions_ClosedSession(t *testing.T) {
	s := newSession(t, testutil.NewGraphBuilder().Agent("a"))
	srv, err := New(s, "a")
	require.NoError(t, err)
	s.Close(context.Background(), session.CloseClean)

	text, isErr := callTool(t, srv, ToolWaitForMentions, map[string]any{"timeoutMs": 1000})
	require.True(t, isErr)
	assert.Equal(t, string(errs.CodeInvalidState), decodeToolError(t, text).Code)
}

func TestListAgents(t *testing.T) {
	s := newSession(t, testutil.NewGraphBuilder().Agent("a").Agent("b"))
	_, err := s.RegisterDebugAgent()
	require.NoError(t, err)
	srv, err := New(s, "a")
	require.NoError(t, err)

	text, isErr := callTool(t, srv, ToolListAgents, map[string]any{"includeDetails": false})
	require.False(t, isErr)
	res := decodeResult(t, text)
	assert.Equal(t, ResultAgentNames, res["result"])
	assert.Equal(t, []any{"a", "b"}, res["agents"])

	text, _ = callTool(t, srv, ToolListAgents, map[string]any{"includeDetails": true})
	res = decodeResult(t, text)
	assert.Equal(t, ResultAgentDetails, res["result"])
	assert.Len(t, res["agents"], 2)
}

// -------------------- Plugins --------------------

func TestCloseSessionTool(t *testing.T) {
	s := newSession(t, testutil.NewGraphBuilder().Agent("a").Agent("b").
		With("a", func(a *graph.Agent) { a.Plugins = []graph.Plugin{{Type: graph.PluginCloseSessionTool}} }))

	srvB, err := New(s, "b")
	require.NoError(t, err)
	raw := rpc(t, srvB, "tools/call", map[string]any{"name": ToolCloseSession, "arguments": map[string]any{"reason": "x"}})
	assert.Contains(t, string(raw), `"error"`, "b was not granted the plugin")

	srvA, err := New(s, "a", func(o *Options) { o.CloseSessionDelay = time.Millisecond })
	require.NoError(t, err)
	text, isErr := callTool(t, srvA, ToolCloseSession, map[string]any{"reason": "finished"})
	require.False(t, isErr, text)
	assert.Equal(t, ResultCloseSession, decodeResult(t, text)["result"])

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed")
	}
	mode, _ := s.CloseMode()
	assert.Equal(t, session.CloseClean, mode)
}

// -------------------- Custom tools --------------------

func TestCustomTool_PostsArguments(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, "42 results")
	}))
	defer backend.Close()

	tool := graph.CustomTool{
		Transport: graph.ToolTransport{Type: graph.ToolTransportHTTP, URL: backend.URL + "/tools"},
		Schema: mcp.NewTool("lookup",
			mcp.WithDescription("Look something up"),
			mcp.WithString("query", mcp.Required()),
		),
	}
	s := newSession(t, testutil.NewGraphBuilder().Agent("a").CustomTool("lookup", tool, "a"))
	srv, err := New(s, "a")
	require.NoError(t, err)

	text, isErr := callTool(t, srv, "lookup", map[string]any{"query": "coral"})
	require.False(t, isErr, text)
	assert.Equal(t, "42 results", text)
	assert.Equal(t, "/tools/sess-1/a", gotPath)
	assert.Equal(t, map[string]any{"query": "coral"}, gotBody)

	text, isErr = callTool(t, srv, "lookup", map[string]any{})
	require.True(t, isErr)
	assert.Equal(t, CodeValidation, decodeToolError(t, text).Code)
}

func TestCustomTool_TransportFailure(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	tool := graph.CustomTool{
		Transport: graph.ToolTransport{Type: graph.ToolTransportHTTP, URL: url},
		Schema:    mcp.NewTool("broken"),
	}
	s := newSession(t, testutil.NewGraphBuilder().Agent("a").CustomTool("broken", tool, "a"))
	srv, err := New(s, "a")
	require.NoError(t, err)

	text, isErr := callTool(t, srv, "broken", map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, text, "Error: ")
}

// -------------------- Resources --------------------

func TestAgentResource_ExcludesCaller(t *testing.T) {
	s := newSession(t, testutil.NewGraphBuilder().Agent("a").Agent("b").
		With("b", func(a *graph.Agent) { a.Description = "the helper" }))
	srv, err := New(s, "a")
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rpc(t, srv, "resources/read", map[string]any{"uri": ResourceAgents}), &resp))
	require.Len(t, resp.Result.Contents, 1)
	assert.Contains(t, resp.Result.Contents[0].Text, "- b: the helper")
	assert.NotContains(t, resp.Result.Contents[0].Text, "- a:")
}

// -------------------- Serve --------------------

func TestAttach_ServesOverTransport(t *testing.T) {
	s := newSession(t, testutil.NewGraphBuilder().Agent("a"))
	client, serverSide := transport.Pipe()

	done := make(chan error, 1)
	go func() { done <- Attach(context.Background(), s, "a", serverSide) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 7, "method": "tools/call",
		"params": map[string]any{"name": ToolListAgents, "arguments": map[string]any{"includeDetails": false}},
	})
	require.NoError(t, client.Send(ctx, req))

	raw, err := client.Receive(ctx)
	require.NoError(t, err)
	var resp toolResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.False(t, resp.Result.IsError)

	a, _ := s.Agent("a")
	assert.True(t, a.State.Connected())

	require.NoError(t, client.Close())
	require.NoError(t, <-done)

	a, _ = s.Agent("a")
	assert.Equal(t, session.StateDisconnected, a.State)
}

func TestConnect_ReadyBeforeServing(t *testing.T) {
	g := testutil.NewGraphBuilder().Agent("a").Agent("b").Group("a", "b").Build()
	s := session.NewLocal(func(o *session.LocalOptions) {
		o.Graph = g
		o.Groups = g.Groups
	})
	t.Cleanup(func() { s.Close(context.Background(), session.CloseForce) })

	conn, err := Connect(s, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, s.ReadyAgentsCount())
	assert.False(t, s.WaitForGroup(context.Background(), "a", 20*time.Millisecond))

	a, _ := s.Agent("a")
	assert.True(t, a.State.Connected())

	conn.Close()
	conn.Close()
	a, _ = s.Agent("a")
	assert.Equal(t, session.StateDisconnected, a.State)
}

func TestAttach_UnknownAgent(t *testing.T) {
	s := newSession(t, testutil.NewGraphBuilder())
	_, serverSide := transport.Pipe()
	err := Attach(context.Background(), s, "ghost", serverSide)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

// -------------------- Errors --------------------

func TestToToolError(t *testing.T) {
	te := toToolError("x", errs.NotFound("thread %s not found", "t"))
	assert.Equal(t, string(errs.CodeNotFound), te.Code)
	assert.Equal(t, "thread t not found", te.Message)

	te = toToolError("x", errors.New("boom"))
	assert.Equal(t, CodeExecution, te.Code)

	orig := NewToolError("y", "custom", "CUSTOM")
	assert.Same(t, orig, toToolError("x", orig))
	assert.Equal(t, "tool error [CUSTOM] in y: custom", orig.Error())
}
