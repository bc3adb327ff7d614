package openai

import (
	"encoding/json"
	"time"

	"github.com/trustgate-ai/trustgate/internal/llm"
)

// StreamAdapter accumulates an OpenAI chat completion stream. Tool calls
// arrive as index-addressed deltas; the stream is final only once a
// usage-bearing chunk is observed, which arrives in its own event after the
// finish_reason chunk. Treating the finish_reason chunk as final would
// truncate tool-call argument accumulation.
type StreamAdapter struct {
	state *llm.StreamAccumulatorState
}

// NewStream returns a stream adapter owning a fresh accumulator.
func NewStream(_ llm.RequestOptions) llm.StreamAdapter {
	return &StreamAdapter{state: llm.NewStreamAccumulatorState()}
}

// ProcessChunk consumes one "data:" payload.
func (a *StreamAdapter) ProcessChunk(data []byte) llm.StreamChunk {
	frame := "data: " + string(data) + "\n\n"

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return llm.StreamChunk{SSEData: frame}
	}
	a.state.RecordEvent(data)

	if id := llm.Str(m, "id"); id != "" {
		a.state.ResponseID = id
	}
	if model := llm.Str(m, "model"); model != "" {
		a.state.Model = model
	}

	isToolCall := false
	if choices := llm.Arr(m, "choices"); len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			delta := llm.Obj(choice, "delta")
			if content := llm.Str(delta, "content"); content != "" {
				a.state.Text.WriteString(content)
			}
			for _, rc := range llm.Arr(delta, "tool_calls") {
				call, ok := rc.(map[string]any)
				if !ok {
					continue
				}
				isToolCall = true
				acc := a.state.ToolCallAt(llm.Int(call, "index"))
				if id := llm.Str(call, "id"); id != "" {
					acc.ID = id
				}
				fn := llm.Obj(call, "function")
				if name := llm.Str(fn, "name"); name != "" {
					acc.Name = name
				}
				acc.ArgsJSON.WriteString(llm.Str(fn, "arguments"))
			}
			if reason := llm.Str(choice, "finish_reason"); reason != "" {
				a.state.StopReason = reason
			}
		}
	}

	// Finality: the usage chunk, not the finish_reason chunk.
	isFinal := false
	if u := llm.Obj(m, "usage"); u != nil {
		a.state.Usage = llm.Usage{
			InputTokens:  llm.Int(u, "prompt_tokens"),
			OutputTokens: llm.Int(u, "completion_tokens"),
			TotalTokens:  llm.Int(u, "total_tokens"),
		}
		a.state.FinishedAt = time.Now()
		isFinal = true
	}

	return llm.StreamChunk{SSEData: frame, IsToolCallChunk: isToolCall, IsFinal: isFinal}
}

func (a *StreamAdapter) AccumulatedToolCalls() []llm.CommonToolCall {
	return a.state.CommonToolCalls()
}

// RefusalFrames renders a content delta followed by a stop chunk, matching
// what clients expect from a plain text completion.
func (a *StreamAdapter) RefusalFrames(contentMessage string) []string {
	content := a.chunkFrame(map[string]any{
		"index":         0,
		"delta":         map[string]any{"role": "assistant", "content": contentMessage},
		"finish_reason": nil,
	})
	stop := a.chunkFrame(map[string]any{
		"index":         0,
		"delta":         map[string]any{},
		"finish_reason": "stop",
	})
	return []string{content, stop}
}

func (a *StreamAdapter) chunkFrame(choice map[string]any) string {
	chunk := map[string]any{
		"id":      a.state.ResponseID,
		"object":  "chat.completion.chunk",
		"created": a.state.StartedAt.Unix(),
		"model":   a.state.Model,
		"choices": []any{choice},
	}
	b, _ := json.Marshal(chunk)
	return "data: " + string(b) + "\n\n"
}

// ToProviderResponse reconstructs the complete chat completion from the
// accumulated state.
func (a *StreamAdapter) ToProviderResponse() ([]byte, error) {
	message := map[string]any{
		"role":    "assistant",
		"content": a.state.Text.String(),
	}
	if calls := a.state.CommonToolCalls(); len(calls) > 0 {
		raw := make([]any, 0, len(calls))
		for _, c := range calls {
			args, err := json.Marshal(c.Arguments)
			if err != nil || c.Arguments == nil {
				args = []byte("{}")
			}
			raw = append(raw, map[string]any{
				"id":   c.ID,
				"type": "function",
				"function": map[string]any{
					"name":      c.Name,
					"arguments": string(args),
				},
			})
		}
		message["tool_calls"] = raw
	}

	finishReason := a.state.StopReason
	if finishReason == "" {
		finishReason = "stop"
	}

	return json.Marshal(map[string]any{
		"id":      a.state.ResponseID,
		"object":  "chat.completion",
		"created": a.state.StartedAt.Unix(),
		"model":   a.state.Model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       message,
				"finish_reason": finishReason,
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     a.state.Usage.InputTokens,
			"completion_tokens": a.state.Usage.OutputTokens,
			"total_tokens":      a.state.Usage.TotalTokens,
		},
	})
}

func (a *StreamAdapter) TerminalFrame() string { return "data: [DONE]\n\n" }
