package openai

import (
	"encoding/json"
	"fmt"

	"github.com/trustgate-ai/trustgate/internal/llm"
)

// ResponseAdapter projects a complete chat completion response.
type ResponseAdapter struct {
	body map[string]any
}

// ParseResponse decodes an OpenAI response body.
func ParseResponse(body []byte) (llm.ResponseAdapter, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("openai: parse response: %w", err)
	}
	return &ResponseAdapter{body: m}, nil
}

// message returns the assistant message of the first choice.
func (a *ResponseAdapter) message() map[string]any {
	choices := llm.Arr(a.body, "choices")
	if len(choices) == 0 {
		return nil
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return nil
	}
	return llm.Obj(choice, "message")
}

func (a *ResponseAdapter) Text() string {
	return contentText(a.message()["content"])
}

func (a *ResponseAdapter) ToolCalls() []llm.CommonToolCall {
	msg := a.message()
	if msg == nil {
		return nil
	}
	return parseToolCalls(msg)
}

func (a *ResponseAdapter) HasToolCalls() bool { return len(a.ToolCalls()) > 0 }

func (a *ResponseAdapter) Usage() llm.Usage {
	u := llm.Obj(a.body, "usage")
	if u == nil {
		return llm.Usage{}
	}
	return llm.Usage{
		InputTokens:  llm.Int(u, "prompt_tokens"),
		OutputTokens: llm.Int(u, "completion_tokens"),
		TotalTokens:  llm.Int(u, "total_tokens"),
	}
}

// ToRefusalResponse rebuilds the response with the assistant turn replaced by
// contentMessage. No tool_calls field is emitted and finish_reason is "stop".
func (a *ResponseAdapter) ToRefusalResponse(contentMessage string) ([]byte, error) {
	out := map[string]any{
		"id":      llm.Str(a.body, "id"),
		"object":  "chat.completion",
		"created": a.body["created"],
		"model":   llm.Str(a.body, "model"),
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": contentMessage,
				},
				"finish_reason": "stop",
			},
		},
	}
	if u := llm.Obj(a.body, "usage"); u != nil {
		out["usage"] = u
	}
	return json.Marshal(out)
}
