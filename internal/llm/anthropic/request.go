// Package anthropic adapts the Anthropic Messages wire format to the common
// message model. Tool results live in user messages as tool_result content
// blocks; the originating tool name is located by reverse-scanning prior
// assistant messages' tool_use blocks for a matching id.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/trustgate-ai/trustgate/internal/llm"
)

// RequestAdapter projects an Anthropic messages request.
type RequestAdapter struct {
	body    map[string]any
	pending map[string]string
}

// ParseRequest decodes an Anthropic request body.
func ParseRequest(body []byte, _ llm.RequestOptions) (llm.RequestAdapter, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("anthropic: parse request: %w", err)
	}
	return &RequestAdapter{body: m, pending: make(map[string]string)}, nil
}

func (a *RequestAdapter) Provider() llm.Provider { return llm.ProviderAnthropic }

func (a *RequestAdapter) Model() string         { return llm.Str(a.body, "model") }
func (a *RequestAdapter) SetModel(model string) { a.body["model"] = model }
func (a *RequestAdapter) IsStreaming() bool     { return llm.Bool(a.body, "stream") }

// Messages projects the conversation, including the top-level system prompt.
func (a *RequestAdapter) Messages() []llm.CommonMessage {
	var out []llm.CommonMessage
	if system := systemText(a.body["system"]); system != "" {
		out = append(out, llm.CommonMessage{Role: llm.RoleSystem, Text: system})
	}

	raw := llm.Arr(a.body, "messages")
	for i, rm := range raw {
		msg, ok := rm.(map[string]any)
		if !ok {
			continue
		}
		switch llm.Str(msg, "role") {
		case "assistant":
			cm := llm.CommonMessage{Role: llm.RoleAssistant}
			for _, rb := range blocks(msg["content"]) {
				switch llm.Str(rb, "type") {
				case "text":
					cm.Text += llm.Str(rb, "text")
				case "tool_use":
					cm.ToolCalls = append(cm.ToolCalls, llm.CommonToolCall{
						ID:        llm.Str(rb, "id"),
						Name:      llm.Str(rb, "name"),
						Arguments: llm.Obj(rb, "input"),
					})
				}
			}
			out = append(out, cm)
		case "user":
			cm := llm.CommonMessage{Role: llm.RoleUser}
			if s, ok := msg["content"].(string); ok {
				cm.Text = s
			}
			for _, rb := range blocks(msg["content"]) {
				switch llm.Str(rb, "type") {
				case "text":
					cm.Text += llm.Str(rb, "text")
				case "tool_result":
					id := llm.Str(rb, "tool_use_id")
					cm.ToolResults = append(cm.ToolResults, llm.CommonToolResult{
						ID:      id,
						Name:    toolNameForUse(raw[:i], id),
						Content: resultText(rb["content"]),
						IsError: llm.Bool(rb, "is_error"),
					})
				}
			}
			out = append(out, cm)
		}
	}
	return out
}

func (a *RequestAdapter) ToolResults() []llm.CommonToolResult {
	var out []llm.CommonToolResult
	for _, msg := range a.Messages() {
		out = append(out, msg.ToolResults...)
	}
	return out
}

func (a *RequestAdapter) Tools() []llm.CommonTool {
	raw := llm.Arr(a.body, "tools")
	out := make([]llm.CommonTool, 0, len(raw))
	for _, rt := range raw {
		tool, ok := rt.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, llm.CommonTool{
			Name:        llm.Str(tool, "name"),
			Description: llm.Str(tool, "description"),
			Parameters:  llm.Obj(tool, "input_schema"),
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

// ToProviderRequest re-serializes the request, replacing the content of
// tool_result blocks whose tool_use_id has a pending update.
func (a *RequestAdapter) ToProviderRequest() ([]byte, error) {
	for _, rm := range llm.Arr(a.body, "messages") {
		msg, ok := rm.(map[string]any)
		if !ok || llm.Str(msg, "role") != "user" {
			continue
		}
		for _, rb := range blocks(msg["content"]) {
			if llm.Str(rb, "type") != "tool_result" {
				continue
			}
			if content, ok := a.pending[llm.Str(rb, "tool_use_id")]; ok {
				rb["content"] = content
			}
		}
	}
	return json.Marshal(a.body)
}

// toolNameForUse reverse-scans prior assistant messages' tool_use blocks.
// Unresolvable ids yield an empty name, which the trust pass treats as an
// unknown origin.
func toolNameForUse(prior []any, useID string) string {
	for i := len(prior) - 1; i >= 0; i-- {
		msg, ok := prior[i].(map[string]any)
		if !ok || llm.Str(msg, "role") != "assistant" {
			continue
		}
		for _, rb := range blocks(msg["content"]) {
			if llm.Str(rb, "type") == "tool_use" && llm.Str(rb, "id") == useID {
				return llm.Str(rb, "name")
			}
		}
	}
	return ""
}

// blocks returns the typed content blocks of a content field, or nil for
// plain string content.
func blocks(content any) []map[string]any {
	arr, ok := content.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, rb := range arr {
		if b, ok := rb.(map[string]any); ok {
			out = append(out, b)
		}
	}
	return out
}

// resultText flattens a tool_result content field (string or text blocks).
func resultText(content any) string {
	if s, ok := content.(string); ok {
		return s
	}
	var text string
	for _, b := range blocks(content) {
		if llm.Str(b, "type") == "text" {
			text += llm.Str(b, "text")
		}
	}
	return text
}

// systemText flattens the top-level system prompt (string or text blocks).
func systemText(system any) string {
	if s, ok := system.(string); ok {
		return s
	}
	var text string
	for _, b := range blocks(system) {
		if llm.Str(b, "type") == "text" {
			text += llm.Str(b, "text")
		}
	}
	return text
}
