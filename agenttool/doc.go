// Package agenttool builds the MCP server an agent talks to.
//
// Every connected agent gets its own server bound to its session and agent
// id. The server exposes the coral thread tools, read-only resources, the
// custom HTTP tools granted by the graph and the tools of installed plugins.
// Tool failures never surface as protocol errors: they are returned as error
// results carrying a ToolError so the agent can branch on them.
//
// Serve runs a server over a transport.Transport and Attach wraps Serve with
// the agent's connection state changes.
package agenttool
