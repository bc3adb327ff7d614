// Package openai adapts the OpenAI Chat Completions wire format to the
// common message model. Tool calls live on assistant messages, tool results
// in role "tool" messages keyed by tool_call_id, and streamed tool calls
// arrive as index-addressed deltas.
package openai

import (
	"encoding/json"
	"fmt"

	"github.com/trustgate-ai/trustgate/internal/llm"
)

// unknownToolName is reported for tool results whose call id is found
// nowhere in the conversation history.
const unknownToolName = "unknown"

// RequestAdapter projects an OpenAI chat completion request. The decoded
// body stays the source of truth; accessors read it and ToProviderRequest
// re-serializes it with pending tool-result substitutions applied.
type RequestAdapter struct {
	body    map[string]any
	pending map[string]string
}

// ParseRequest decodes an OpenAI request body.
func ParseRequest(body []byte, _ llm.RequestOptions) (llm.RequestAdapter, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("openai: parse request: %w", err)
	}
	return &RequestAdapter{body: m, pending: make(map[string]string)}, nil
}

func (a *RequestAdapter) Provider() llm.Provider { return llm.ProviderOpenAI }

func (a *RequestAdapter) Model() string         { return llm.Str(a.body, "model") }
func (a *RequestAdapter) SetModel(model string) { a.body["model"] = model }
func (a *RequestAdapter) IsStreaming() bool     { return llm.Bool(a.body, "stream") }

// Messages projects the conversation into the common form.
func (a *RequestAdapter) Messages() []llm.CommonMessage {
	raw := llm.Arr(a.body, "messages")
	out := make([]llm.CommonMessage, 0, len(raw))
	for i, rm := range raw {
		msg, ok := rm.(map[string]any)
		if !ok {
			continue
		}
		switch llm.Str(msg, "role") {
		case "system", "developer":
			out = append(out, llm.CommonMessage{Role: llm.RoleSystem, Text: contentText(msg["content"])})
		case "user":
			out = append(out, llm.CommonMessage{Role: llm.RoleUser, Text: contentText(msg["content"])})
		case "assistant":
			out = append(out, llm.CommonMessage{
				Role:      llm.RoleAssistant,
				Text:      contentText(msg["content"]),
				ToolCalls: parseToolCalls(msg),
			})
		case "tool":
			id := llm.Str(msg, "tool_call_id")
			out = append(out, llm.CommonMessage{
				Role: llm.RoleTool,
				ToolResults: []llm.CommonToolResult{{
					ID:      id,
					Name:    a.toolNameForCall(raw[:i], id),
					Content: contentText(msg["content"]),
				}},
			})
		}
	}
	return out
}

// ToolResults returns every tool result in the conversation.
func (a *RequestAdapter) ToolResults() []llm.CommonToolResult {
	var out []llm.CommonToolResult
	for _, msg := range a.Messages() {
		out = append(out, msg.ToolResults...)
	}
	return out
}

// Tools returns the declared function tools.
func (a *RequestAdapter) Tools() []llm.CommonTool {
	raw := llm.Arr(a.body, "tools")
	out := make([]llm.CommonTool, 0, len(raw))
	for _, rt := range raw {
		tool, ok := rt.(map[string]any)
		if !ok {
			continue
		}
		fn := llm.Obj(tool, "function")
		if fn == nil {
			continue
		}
		out = append(out, llm.CommonTool{
			Name:        llm.Str(fn, "name"),
			Description: llm.Str(fn, "description"),
			Parameters:  llm.Obj(fn, "parameters"),
		})
	}
	return out
}

func (a *RequestAdapter) HasTools() bool { return len(llm.Arr(a.body, "tools")) > 0 }

func (a *RequestAdapter) UpdateToolResult(callID, content string) {
	a.pending[callID] = content
}

func (a *RequestAdapter) ApplyToolResultUpdates(updates map[string]string) {
	for id, content := range updates {
		a.pending[id] = content
	}
}

// ToProviderRequest re-serializes the request, substituting the content of
// tool messages whose call id has a pending update.
func (a *RequestAdapter) ToProviderRequest() ([]byte, error) {
	for _, rm := range llm.Arr(a.body, "messages") {
		msg, ok := rm.(map[string]any)
		if !ok || llm.Str(msg, "role") != "tool" {
			continue
		}
		if content, ok := a.pending[llm.Str(msg, "tool_call_id")]; ok {
			msg["content"] = content
		}
	}
	return json.Marshal(a.body)
}

// toolNameForCall reverse-scans prior assistant messages for the tool call
// that produced a result. Unresolvable ids map to "unknown".
func (a *RequestAdapter) toolNameForCall(prior []any, callID string) string {
	for i := len(prior) - 1; i >= 0; i-- {
		msg, ok := prior[i].(map[string]any)
		if !ok || llm.Str(msg, "role") != "assistant" {
			continue
		}
		for _, rc := range llm.Arr(msg, "tool_calls") {
			call, ok := rc.(map[string]any)
			if !ok {
				continue
			}
			if llm.Str(call, "id") == callID {
				return llm.Str(llm.Obj(call, "function"), "name")
			}
		}
	}
	return unknownToolName
}

// parseToolCalls extracts the tool calls from an assistant message.
func parseToolCalls(msg map[string]any) []llm.CommonToolCall {
	raw := llm.Arr(msg, "tool_calls")
	if len(raw) == 0 {
		return nil
	}
	out := make([]llm.CommonToolCall, 0, len(raw))
	for _, rc := range raw {
		call, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		fn := llm.Obj(call, "function")
		out = append(out, llm.CommonToolCall{
			ID:        llm.Str(call, "id"),
			Name:      llm.Str(fn, "name"),
			Arguments: decodeArguments(llm.Str(fn, "arguments")),
		})
	}
	return out
}

// decodeArguments parses the JSON-encoded arguments string. Malformed
// arguments decode to nil; the policy evaluator treats absent paths per its
// own rules rather than failing the request.
func decodeArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil
	}
	return args
}

// contentText flattens a content field that is either a plain string or an
// array of typed parts.
func contentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var text string
		for _, rp := range c {
			part, ok := rp.(map[string]any)
			if !ok {
				continue
			}
			if llm.Str(part, "type") == "text" {
				text += llm.Str(part, "text")
			}
		}
		return text
	default:
		return ""
	}
}
