package gemini

import (
	"encoding/json"
	"time"

	"github.com/trustgate-ai/trustgate/internal/llm"
)

// finishReasonUnspecified is the zero enum value and does not terminate a
// stream.
const finishReasonUnspecified = "FINISH_REASON_UNSPECIFIED"

// StreamAdapter accumulates a Gemini streamGenerateContent stream. Finality
// is signaled directly by a non-unspecified finishReason on the candidate;
// functionCall parts arrive whole, not as deltas.
type StreamAdapter struct {
	state     *llm.StreamAccumulatorState
	model     string
	callCount int
}

// NewStream returns a stream adapter owning a fresh accumulator.
func NewStream(opts llm.RequestOptions) llm.StreamAdapter {
	return &StreamAdapter{
		state: llm.NewStreamAccumulatorState(),
		model: opts.Model,
	}
}

// ProcessChunk consumes one "data:" payload.
func (a *StreamAdapter) ProcessChunk(data []byte) llm.StreamChunk {
	frame := "data: " + string(data) + "\n\n"

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return llm.StreamChunk{SSEData: frame}
	}
	a.state.RecordEvent(data)

	if v := llm.Str(m, "modelVersion"); v != "" {
		a.state.Model = v
	} else if a.state.Model == "" {
		a.state.Model = a.model
	}
	if id := llm.Str(m, "responseId"); id != "" {
		a.state.ResponseID = id
	}

	out := llm.StreamChunk{SSEData: frame}

	candidates := llm.Arr(m, "candidates")
	if len(candidates) > 0 {
		cand, _ := candidates[0].(map[string]any)
		for _, rp := range llm.Arr(llm.Obj(cand, "content"), "parts") {
			part, ok := rp.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				a.state.Text.WriteString(text)
			}
			if fc := llm.Obj(part, "functionCall"); fc != nil {
				out.IsToolCallChunk = true
				name := llm.Str(fc, "name")
				acc := a.state.ToolCallAt(a.callCount)
				acc.ID = synthesizeCallID(name)
				acc.Name = name
				if args, err := json.Marshal(llm.Obj(fc, "args")); err == nil {
					acc.ArgsJSON.WriteString(string(args))
				}
				a.callCount++
			}
		}
		if reason := llm.Str(cand, "finishReason"); reason != "" && reason != finishReasonUnspecified {
			a.state.StopReason = reason
			a.state.FinishedAt = time.Now()
			out.IsFinal = true
		}
	}

	if u := llm.Obj(m, "usageMetadata"); u != nil {
		a.state.Usage = llm.Usage{
			InputTokens:  llm.Int(u, "promptTokenCount"),
			OutputTokens: llm.Int(u, "candidatesTokenCount"),
			TotalTokens:  llm.Int(u, "totalTokenCount"),
		}
	}

	return out
}

func (a *StreamAdapter) AccumulatedToolCalls() []llm.CommonToolCall {
	return a.state.CommonToolCalls()
}

// RefusalFrames renders a single terminal chunk carrying only the refusal
// text.
func (a *StreamAdapter) RefusalFrames(contentMessage string) []string {
	chunk := map[string]any{
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
	b, _ := json.Marshal(chunk)
	return []string{"data: " + string(b) + "\n\n"}
}

// ToProviderResponse reconstructs the complete response from accumulated
// state.
func (a *StreamAdapter) ToProviderResponse() ([]byte, error) {
	var parts []any
	if text := a.state.Text.String(); text != "" {
		parts = append(parts, map[string]any{"text": text})
	}
	for _, c := range a.state.CommonToolCalls() {
		args := c.Arguments
		if args == nil {
			args = map[string]any{}
		}
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{"name": c.Name, "args": args},
		})
	}
	if parts == nil {
		parts = []any{}
	}

	finishReason := a.state.StopReason
	if finishReason == "" {
		finishReason = "STOP"
	}

	out := map[string]any{
		"candidates": []any{
			map[string]any{
				"content":      map[string]any{"role": "model", "parts": parts},
				"finishReason": finishReason,
				"index":        0,
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     a.state.Usage.InputTokens,
			"candidatesTokenCount": a.state.Usage.OutputTokens,
			"totalTokenCount":      a.state.Usage.TotalTokens,
		},
	}
	if a.state.Model != "" {
		out["modelVersion"] = a.state.Model
	}
	return json.Marshal(out)
}

func (a *StreamAdapter) TerminalFrame() string { return "data: [DONE]\n\n" }
