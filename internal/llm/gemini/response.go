package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/trustgate-ai/trustgate/internal/llm"
)

// ResponseAdapter projects a complete generateContent response.
type ResponseAdapter struct {
	body map[string]any
	// callIDs are synthesized once at parse time, one per functionCall part.
	callIDs []string
}

// ParseResponse decodes a Gemini response body.
func ParseResponse(body []byte) (llm.ResponseAdapter, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("gemini: parse response: %w", err)
	}
	a := &ResponseAdapter{body: m}
	for _, part := range a.parts() {
		if fc := llm.Obj(part, "functionCall"); fc != nil {
			a.callIDs = append(a.callIDs, synthesizeCallID(llm.Str(fc, "name")))
		}
	}
	return a, nil
}

// parts returns the first candidate's content parts.
func (a *ResponseAdapter) parts() []map[string]any {
	candidates := llm.Arr(a.body, "candidates")
	if len(candidates) == 0 {
		return nil
	}
	cand, ok := candidates[0].(map[string]any)
	if !ok {
		return nil
	}
	raw := llm.Arr(llm.Obj(cand, "content"), "parts")
	out := make([]map[string]any, 0, len(raw))
	for _, rp := range raw {
		if p, ok := rp.(map[string]any); ok {
			out = append(out, p)
		}
	}
	return out
}

func (a *ResponseAdapter) Text() string {
	var text string
	for _, part := range a.parts() {
		if s, ok := part["text"].(string); ok {
			text += s
		}
	}
	return text
}

func (a *ResponseAdapter) ToolCalls() []llm.CommonToolCall {
	var out []llm.CommonToolCall
	i := 0
	for _, part := range a.parts() {
		fc := llm.Obj(part, "functionCall")
		if fc == nil {
			continue
		}
		out = append(out, llm.CommonToolCall{
			ID:        a.callIDs[i],
			Name:      llm.Str(fc, "name"),
			Arguments: llm.Obj(fc, "args"),
		})
		i++
	}
	return out
}

func (a *ResponseAdapter) HasToolCalls() bool { return len(a.ToolCalls()) > 0 }

func (a *ResponseAdapter) Usage() llm.Usage {
	u := llm.Obj(a.body, "usageMetadata")
	if u == nil {
		return llm.Usage{}
	}
	return llm.Usage{
		InputTokens:  llm.Int(u, "promptTokenCount"),
		OutputTokens: llm.Int(u, "candidatesTokenCount"),
		TotalTokens:  llm.Int(u, "totalTokenCount"),
	}
}

// ToRefusalResponse rebuilds the response with a single text part and no
// functionCall parts.
func (a *ResponseAdapter) ToRefusalResponse(contentMessage string) ([]byte, error) {
	out := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": contentMessage}},
				},
				"finishReason": "STOP",
				"index":        0,
			},
		},
	}
	if u := llm.Obj(a.body, "usageMetadata"); u != nil {
		out["usageMetadata"] = u
	}
	if v := llm.Str(a.body, "modelVersion"); v != "" {
		out["modelVersion"] = v
	}
	return json.Marshal(out)
}
