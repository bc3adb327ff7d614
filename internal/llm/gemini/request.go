// Package gemini adapts the Gemini GenerateContent wire format to the common
// message model. Tool calls and results are functionCall/functionResponse
// parts inside contents; the protocol has no tool_call_id, so ids are
// synthesized from the function name and a timestamp and paired with results
// by reverse name matching.
package gemini

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustgate-ai/trustgate/internal/llm"
)

// synthesizeCallID builds a stable id for a functionCall part that has none
// on the wire.
func synthesizeCallID(name string) string {
	return fmt.Sprintf("%s_%d_%s", name, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// callRef locates one functionCall part and its synthesized id.
type callRef struct {
	id   string
	name string
}

// resultRef locates one functionResponse part and the call id it was paired
// with.
type resultRef struct {
	id         string
	name       string
	contentIdx int
	partIdx    int
}

// RequestAdapter projects a Gemini generateContent request. The model and
// streaming mode live in the URL path, not the body, and are supplied via
// RequestOptions.
type RequestAdapter struct {
	body      map[string]any
	model     string
	streaming bool
	calls     []callRef
	results   []resultRef
	pending   map[string]string
}

// ParseRequest decodes a Gemini request body. Ids for functionCall parts are
// synthesized once here so every projection of this request agrees on them.
func ParseRequest(body []byte, opts llm.RequestOptions) (llm.RequestAdapter, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("gemini: parse request: %w", err)
	}
	a := &RequestAdapter{
		body:      m,
		model:     opts.Model,
		streaming: opts.Streaming,
		pending:   make(map[string]string),
	}
	a.indexFunctionParts()
	return a, nil
}

// indexFunctionParts walks contents once, assigning synthesized ids to
// functionCall parts and pairing each functionResponse with the most recent
// unconsumed call of the same name.
func (a *RequestAdapter) indexFunctionParts() {
	consumed := make(map[int]bool)
	for ci, rc := range llm.Arr(a.body, "contents") {
		content, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		for pi, rp := range llm.Arr(content, "parts") {
			part, ok := rp.(map[string]any)
			if !ok {
				continue
			}
			if fc := llm.Obj(part, "functionCall"); fc != nil {
				name := llm.Str(fc, "name")
				a.calls = append(a.calls, callRef{id: synthesizeCallID(name), name: name})
			}
			if fr := llm.Obj(part, "functionResponse"); fr != nil {
				name := llm.Str(fr, "name")
				id := ""
				for i := len(a.calls) - 1; i >= 0; i-- {
					if a.calls[i].name == name && !consumed[i] {
						id = a.calls[i].id
						consumed[i] = true
						break
					}
				}
				if id == "" {
					id = synthesizeCallID(name)
				}
				a.results = append(a.results, resultRef{id: id, name: name, contentIdx: ci, partIdx: pi})
			}
		}
	}
}

func (a *RequestAdapter) Provider() llm.Provider { return llm.ProviderGemini }

func (a *RequestAdapter) Model() string         { return a.model }
func (a *RequestAdapter) SetModel(model string) { a.model = model }
func (a *RequestAdapter) IsStreaming() bool     { return a.streaming }

// Messages projects contents, including the systemInstruction.
func (a *RequestAdapter) Messages() []llm.CommonMessage {
	var out []llm.CommonMessage
	if si := llm.Obj(a.body, "systemInstruction"); si != nil {
		out = append(out, llm.CommonMessage{Role: llm.RoleSystem, Text: partsText(llm.Arr(si, "parts"))})
	}

	callIdx, resultIdx := 0, 0
	for _, rc := range llm.Arr(a.body, "contents") {
		content, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		role := llm.RoleUser
		if llm.Str(content, "role") == "model" {
			role = llm.RoleAssistant
		}
		cm := llm.CommonMessage{Role: role}
		for _, rp := range llm.Arr(content, "parts") {
			part, ok := rp.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				cm.Text += text
			}
			if fc := llm.Obj(part, "functionCall"); fc != nil {
				cm.ToolCalls = append(cm.ToolCalls, llm.CommonToolCall{
					ID:        a.calls[callIdx].id,
					Name:      llm.Str(fc, "name"),
					Arguments: llm.Obj(fc, "args"),
				})
				callIdx++
			}
			if fr := llm.Obj(part, "functionResponse"); fr != nil {
				ref := a.results[resultIdx]
				cm.ToolResults = append(cm.ToolResults, llm.CommonToolResult{
					ID:      ref.id,
					Name:    llm.Str(fr, "name"),
					Content: responseContent(fr["response"]),
				})
				resultIdx++
			}
		}
		out = append(out, cm)
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
	var out []llm.CommonTool
	for _, rt := range llm.Arr(a.body, "tools") {
		tool, ok := rt.(map[string]any)
		if !ok {
			continue
		}
		for _, rd := range llm.Arr(tool, "functionDeclarations") {
			decl, ok := rd.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, llm.CommonTool{
				Name:        llm.Str(decl, "name"),
				Description: llm.Str(decl, "description"),
				Parameters:  llm.Obj(decl, "parameters"),
			})
		}
	}
	return out
}

func (a *RequestAdapter) HasTools() bool { return len(a.Tools()) > 0 }

func (a *RequestAdapter) UpdateToolResult(callID, content string) {
	a.pending[callID] = content
}

func (a *RequestAdapter) ApplyToolResultUpdates(updates map[string]string) {
	for id, content := range updates {
		a.pending[id] = content
	}
}

// ToProviderRequest re-serializes the request. A pending substitution
// replaces the functionResponse's response object with {"content": text}.
func (a *RequestAdapter) ToProviderRequest() ([]byte, error) {
	contents := llm.Arr(a.body, "contents")
	for _, ref := range a.results {
		text, ok := a.pending[ref.id]
		if !ok {
			continue
		}
		content, ok := contents[ref.contentIdx].(map[string]any)
		if !ok {
			continue
		}
		parts := llm.Arr(content, "parts")
		if part, ok := parts[ref.partIdx].(map[string]any); ok {
			if fr := llm.Obj(part, "functionResponse"); fr != nil {
				fr["response"] = map[string]any{"content": text}
			}
		}
	}
	return json.Marshal(a.body)
}

// partsText concatenates the text parts of a content.
func partsText(parts []any) string {
	var text string
	for _, rp := range parts {
		part, ok := rp.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := part["text"].(string); ok {
			text += s
		}
	}
	return text
}

// responseContent renders a functionResponse payload for policy evaluation.
// String responses pass through; objects keep their JSON encoding so
// attribute paths resolve against them.
func responseContent(response any) string {
	if s, ok := response.(string); ok {
		return s
	}
	b, err := json.Marshal(response)
	if err != nil {
		return ""
	}
	return string(b)
}
