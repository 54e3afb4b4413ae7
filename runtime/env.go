package runtime

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/hupe1980/coralmesh/internal/util"
	"github.com/hupe1980/coralmesh/registry"
)

// Environment variables every spawned agent receives.
const (
	EnvConnectionURL        = "CORAL_CONNECTION_URL"
	EnvAgentID              = "CORAL_AGENT_ID"
	EnvOrchestrationRuntime = "CORAL_ORCHESTRATION_RUNTIME"
	EnvSessionID            = "CORAL_SESSION_ID"
	EnvSendClaims           = "CORAL_SEND_CLAIMS"
	EnvAPIURL               = "CORAL_API_URL"
	EnvSSEURL               = "CORAL_SSE_URL"
	EnvPromptSystem         = "CORAL_PROMPT_SYSTEM"
)

// SystemEnv returns the variables through which a spawned agent learns how to
// reach the server. Agents serving an exported session must report their
// spending, so CORAL_SEND_CLAIMS is 1 for them.
func SystemEnv(params Params, apiURL, mcpURL *url.URL, runtime registry.RuntimeID) (map[string]string, error) {
	sendClaims := "0"
	if params.Remote() {
		sendClaims = "1"
	}

	sse := *mcpURL
	sse.RawQuery = ""

	env := map[string]string{
		EnvConnectionURL:        mcpURL.String(),
		EnvAgentID:              params.AgentName,
		EnvOrchestrationRuntime: string(runtime),
		EnvSessionID:            params.Target.SessionID(),
		EnvSendClaims:           sendClaims,
		EnvAPIURL:               apiURL.String(),
		EnvSSEURL:               sse.String(),
	}

	if params.SystemPrompt != "" {
		prompt, err := renderPrompt(params)
		if err != nil {
			return nil, err
		}
		env[EnvPromptSystem] = prompt
	}
	return env, nil
}

// renderPrompt expands option references such as {{ .TOPIC }} in the system
// prompt. The agent name and session id are available as .CORAL_AGENT_ID and
// .CORAL_SESSION_ID.
func renderPrompt(params Params) (string, error) {
	vars := make(map[string]string, len(params.Options)+2)
	for name, v := range params.Options {
		vars[name] = v.AsString()
	}
	vars[EnvAgentID] = params.AgentName
	vars[EnvSessionID] = params.Target.SessionID()

	out, err := util.RenderTemplate(params.SystemPrompt, vars)
	if err != nil {
		return "", fmt.Errorf("render system prompt of %s: %w", params.AgentName, err)
	}
	return out, nil
}

// Environment merges, in increasing precedence, the agent options, the
// runtime's configured env entries and the system env. The result is sorted
// KEY=VALUE pairs.
func Environment(params Params, extra []registry.EnvVar, lookupEnv func(string) (string, bool), system map[string]string) ([]string, error) {
	merged := make(map[string]string, len(params.Options)+len(extra)+len(system))
	for name, v := range params.Options {
		merged[name] = v.AsString()
	}
	for i, e := range extra {
		name, value, err := e.Resolve(params.Options, lookupEnv)
		if err != nil {
			return nil, fmt.Errorf("environment entry %d of %s: %w", i, params.AgentName, err)
		}
		merged[name] = value
	}
	for k, v := range system {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}
