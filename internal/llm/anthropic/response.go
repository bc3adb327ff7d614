package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/trustgate-ai/trustgate/internal/llm"
)

// ResponseAdapter projects a complete Anthropic message response.
type ResponseAdapter struct {
	body map[string]any
}

// ParseResponse decodes an Anthropic response body.
func ParseResponse(body []byte) (llm.ResponseAdapter, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("anthropic: parse response: %w", err)
	}
	return &ResponseAdapter{body: m}, nil
}

func (a *ResponseAdapter) Text() string {
	var text string
	for _, b := range blocks(a.body["content"]) {
		if llm.Str(b, "type") == "text" {
			text += llm.Str(b, "text")
		}
	}
	return text
}

func (a *ResponseAdapter) ToolCalls() []llm.CommonToolCall {
	var out []llm.CommonToolCall
	for _, b := range blocks(a.body["content"]) {
		if llm.Str(b, "type") != "tool_use" {
			continue
		}
		out = append(out, llm.CommonToolCall{
			ID:        llm.Str(b, "id"),
			Name:      llm.Str(b, "name"),
			Arguments: llm.Obj(b, "input"),
		})
	}
	return out
}

func (a *ResponseAdapter) HasToolCalls() bool { return len(a.ToolCalls()) > 0 }

func (a *ResponseAdapter) Usage() llm.Usage {
	u := llm.Obj(a.body, "usage")
	if u == nil {
		return llm.Usage{}
	}
	in := llm.Int(u, "input_tokens")
	out := llm.Int(u, "output_tokens")
	return llm.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

// ToRefusalResponse rebuilds the message with a single text block and no
// tool_use blocks.
func (a *ResponseAdapter) ToRefusalResponse(contentMessage string) ([]byte, error) {
	out := map[string]any{
		"id":    llm.Str(a.body, "id"),
		"type":  "message",
		"role":  "assistant",
		"model": llm.Str(a.body, "model"),
		"content": []any{
			map[string]any{"type": "text", "text": contentMessage},
		},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
	}
	if u := llm.Obj(a.body, "usage"); u != nil {
		out["usage"] = u
	}
	return json.Marshal(out)
}
