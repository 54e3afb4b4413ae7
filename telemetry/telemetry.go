// Package telemetry models the opaque model-call telemetry an agent can attach
// to a message it sent, and renders it into provider SDK message types for
// debugging views.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// Format selects how Messages.Data is encoded.
type Format string

const (
	// FormatOpenAI carries OpenAI chat completion message params.
	FormatOpenAI Format = "openai"
	// FormatGeneric carries provider neutral GenericMessage values.
	FormatGeneric Format = "generic"
)

// Document is a resource or tool description that was part of the model context.
type Document struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Messages is the discriminated message list of a telemetry payload.
type Messages struct {
	Format Format          `json:"format"`
	Data   json.RawMessage `json:"data"`
}

// GenericMessage is a provider neutral chat message.
type GenericMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Telemetry describes the model call that produced a message.
type Telemetry struct {
	ModelDescription string          `json:"modelDescription"`
	Preamble         string          `json:"preamble,omitempty"`
	Resources        []Document      `json:"resources,omitempty"`
	Tools            []Document      `json:"tools,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int64          `json:"maxTokens,omitempty"`
	AdditionalParams json.RawMessage `json:"additionalParams,omitempty"`
	Messages         Messages        `json:"messages"`
}

// Target addresses one message in a session.
type Target struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
}

// Post is the body agents submit to attach telemetry to one or more messages.
type Post struct {
	Targets []Target  `json:"targets"`
	Data    Telemetry `json:"data"`
}

// NewGeneric builds a Messages value from generic messages.
func NewGeneric(msgs ...GenericMessage) (Messages, error) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return Messages{}, err
	}
	return Messages{Format: FormatGeneric, Data: data}, nil
}

// NewOpenAI builds a Messages value from OpenAI message params.
func NewOpenAI(msgs ...openai.ChatCompletionMessageParamUnion) (Messages, error) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return Messages{}, err
	}
	return Messages{Format: FormatOpenAI, Data: data}, nil
}

// Generic decodes the message list into provider neutral messages. OpenAI
// content arrays are flattened by concatenating their text parts.
func (m Messages) Generic() ([]GenericMessage, error) {
	switch m.Format {
	case FormatGeneric:
		var out []GenericMessage
		if err := json.Unmarshal(m.Data, &out); err != nil {
			return nil, fmt.Errorf("decode generic telemetry: %w", err)
		}
		return out, nil
	case FormatOpenAI:
		var raw []struct {
			Role       string          `json:"role"`
			Content    json.RawMessage `json:"content"`
			ToolCallID string          `json:"tool_call_id"`
		}
		if err := json.Unmarshal(m.Data, &raw); err != nil {
			return nil, fmt.Errorf("decode openai telemetry: %w", err)
		}
		out := make([]GenericMessage, 0, len(raw))
		for _, r := range raw {
			out = append(out, GenericMessage{Role: r.Role, Content: flattenContent(r.Content), ToolCallID: r.ToolCallID})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown telemetry format %q", m.Format)
	}
}

func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// OpenAI renders the message list as OpenAI chat completion params.
func (m Messages) OpenAI() ([]openai.ChatCompletionMessageParamUnion, error) {
	if m.Format == FormatOpenAI {
		var out []openai.ChatCompletionMessageParamUnion
		if err := json.Unmarshal(m.Data, &out); err != nil {
			return nil, fmt.Errorf("decode openai telemetry: %w", err)
		}
		return out, nil
	}

	msgs, err := m.Generic()
	if err != nil {
		return nil, err
	}

	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case "system", "developer":
			out = append(out, openai.SystemMessage(msg.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(msg.Content))
		case "tool":
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out, nil
}

// Anthropic renders the message list as Anthropic message params. System
// messages are returned separately since Anthropic takes them out of band.
func (m Messages) Anthropic() ([]anthropic.MessageParam, []anthropic.TextBlockParam, error) {
	msgs, err := m.Generic()
	if err != nil {
		return nil, nil, err
	}

	var (
		out    []anthropic.MessageParam
		system []anthropic.TextBlockParam
	)
	for _, msg := range msgs {
		switch msg.Role {
		case "system", "developer":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case "tool":
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out, system, nil
}
