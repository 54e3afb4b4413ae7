package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hupe1980/coralmesh/errs"
	"github.com/hupe1980/coralmesh/registry"
)

// Server is another coral server able to provide remote agents.
type Server struct {
	Address    string      `json:"address"`
	Port       uint16      `json:"port"`
	Secure     bool        `json:"secure"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// BaseURL returns the http(s) base URL of the server.
func (s Server) BaseURL() string {
	scheme := "http"
	if s.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, s.host())
}

// WebSocketURL returns the ws(s) URL for path on the server.
func (s Server) WebSocketURL(path string) string {
	scheme := "ws"
	if s.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, s.host(), path)
}

func (s Server) host() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(int(s.Port)))
}

// String implements fmt.Stringer.
func (s Server) String() string { return s.BaseURL() }

// ServerSourceType discriminates a ServerSource.
type ServerSourceType string

const (
	// SourceServers is a fixed list of servers.
	SourceServers ServerSourceType = "servers"
	// SourceIndexer is a server listing other servers. Not supported yet.
	SourceIndexer ServerSourceType = "indexer"
)

// ServerSource tells a remote request where to look for providers.
type ServerSource struct {
	Type    ServerSourceType `json:"type"`
	Servers []Server         `json:"servers,omitempty"`
	Indexer string           `json:"indexer,omitempty"`
}

// ErrorBody is the JSON body of a failed API call.
type ErrorBody struct {
	Message    string   `json:"message"`
	StackTrace []string `json:"stackTrace,omitempty"`
}

// ServerClient talks to the public API of other servers.
type ServerClient interface {
	// Wallet returns the server's public wallet address.
	Wallet(ctx context.Context, server Server) (string, error)
	// ExportSettings returns the runtimes the server exports for an agent.
	ExportSettings(ctx context.Context, server Server, id registry.Identifier) (map[registry.RuntimeID]registry.PublicExportSettings, error)
	// CreateClaim requests a paid claim and returns the claim id.
	CreateClaim(ctx context.Context, server Server, req PaidAgentRequest) (string, error)
}

// HTTPServerClient is a ServerClient over HTTP.
type HTTPServerClient struct {
	HTTP *http.Client
}

// NewHTTPServerClient returns a client with a bounded request timeout.
func NewHTTPServerClient() *HTTPServerClient {
	return &HTTPServerClient{HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// Wallet implements ServerClient.
func (c *HTTPServerClient) Wallet(ctx context.Context, server Server) (string, error) {
	body, err := c.do(ctx, http.MethodGet, server.BaseURL()+"/api/v1/wallet", nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ExportSettings implements ServerClient.
func (c *HTTPServerClient) ExportSettings(ctx context.Context, server Server, id registry.Identifier) (map[registry.RuntimeID]registry.PublicExportSettings, error) {
	u := fmt.Sprintf("%s/api/v1/agents/exported/%s/%s", server.BaseURL(), url.PathEscape(id.Name), url.PathEscape(id.Version))
	body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var out map[registry.RuntimeID]registry.PublicExportSettings
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(err, errs.CodeUpstream, "decode export settings")
	}
	return out, nil
}

// CreateClaim implements ServerClient.
func (c *HTTPServerClient) CreateClaim(ctx context.Context, server Server, req PaidAgentRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	body, err := c.do(ctx, http.MethodPost, server.BaseURL()+"/api/v1/agents/claim", payload)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *HTTPServerClient) do(ctx context.Context, method, u string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeUnavailable, fmt.Sprintf("%s %s", method, u))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeUpstream, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		var eb ErrorBody
		if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
			return nil, errs.Upstream("%s", eb.Message).WithContext("status", resp.StatusCode)
		}
		return nil, errs.Upstream("%s %s returned %d", method, u, resp.StatusCode)
	}
	return body, nil
}
