package anthropic

import (
	"encoding/json"
	"time"

	"github.com/trustgate-ai/trustgate/internal/llm"
)

// StreamAdapter accumulates an Anthropic message stream. Events are typed
// (message_start, content_block_start/delta/stop, message_delta,
// message_stop); tool-call input arrives as input_json_delta fragments on
// the tool_use block's index, and message_stop signals finality.
type StreamAdapter struct {
	state *llm.StreamAccumulatorState
	// toolBlocks tracks which content block indexes are tool_use blocks so
	// their delta and stop events are classified as tool-call chunks.
	toolBlocks map[int]bool
	maxIndex   int
}

// NewStream returns a stream adapter owning a fresh accumulator.
func NewStream(_ llm.RequestOptions) llm.StreamAdapter {
	return &StreamAdapter{
		state:      llm.NewStreamAccumulatorState(),
		toolBlocks: make(map[int]bool),
	}
}

// ProcessChunk consumes one event payload. The event name is read from the
// payload's "type" field and re-emitted on the SSE event line.
func (a *StreamAdapter) ProcessChunk(data []byte) llm.StreamChunk {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return llm.StreamChunk{SSEData: frame("", data)}
	}
	a.state.RecordEvent(data)

	eventType := llm.Str(m, "type")
	out := llm.StreamChunk{SSEData: frame(eventType, data)}

	switch eventType {
	case "message_start":
		msg := llm.Obj(m, "message")
		a.state.ResponseID = llm.Str(msg, "id")
		a.state.Model = llm.Str(msg, "model")
		if u := llm.Obj(msg, "usage"); u != nil {
			a.state.Usage.InputTokens = llm.Int(u, "input_tokens")
		}

	case "content_block_start":
		index := llm.Int(m, "index")
		if index > a.maxIndex {
			a.maxIndex = index
		}
		block := llm.Obj(m, "content_block")
		if llm.Str(block, "type") == "tool_use" {
			a.toolBlocks[index] = true
			acc := a.state.ToolCallAt(index)
			acc.ID = llm.Str(block, "id")
			acc.Name = llm.Str(block, "name")
			out.IsToolCallChunk = true
		}

	case "content_block_delta":
		index := llm.Int(m, "index")
		delta := llm.Obj(m, "delta")
		switch llm.Str(delta, "type") {
		case "text_delta":
			a.state.Text.WriteString(llm.Str(delta, "text"))
		case "input_json_delta":
			a.state.ToolCallAt(index).ArgsJSON.WriteString(llm.Str(delta, "partial_json"))
			out.IsToolCallChunk = true
		}

	case "content_block_stop":
		out.IsToolCallChunk = a.toolBlocks[llm.Int(m, "index")]

	case "message_delta":
		if delta := llm.Obj(m, "delta"); delta != nil {
			if reason := llm.Str(delta, "stop_reason"); reason != "" {
				a.state.StopReason = reason
			}
		}
		if u := llm.Obj(m, "usage"); u != nil {
			a.state.Usage.OutputTokens = llm.Int(u, "output_tokens")
			a.state.Usage.TotalTokens = a.state.Usage.InputTokens + a.state.Usage.OutputTokens
		}

	case "message_stop":
		a.state.FinishedAt = time.Now()
		out.IsFinal = true
	}

	return out
}

func (a *StreamAdapter) AccumulatedToolCalls() []llm.CommonToolCall {
	return a.state.CommonToolCalls()
}

// RefusalFrames renders a fresh text block carrying the refusal, then a
// message_delta and message_stop ending the turn. The upstream message_stop
// is among the withheld frames, so the refusal must close the stream itself.
func (a *StreamAdapter) RefusalFrames(contentMessage string) []string {
	index := a.maxIndex + 1
	start := map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": map[string]any{"type": "text", "text": ""},
	}
	delta := map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "text_delta", "text": contentMessage},
	}
	stop := map[string]any{
		"type":  "content_block_stop",
		"index": index,
	}
	msgDelta := map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": a.state.Usage.OutputTokens},
	}
	msgStop := map[string]any{
		"type": "message_stop",
	}
	frames := make([]string, 0, 5)
	for _, ev := range []map[string]any{start, delta, stop, msgDelta, msgStop} {
		b, _ := json.Marshal(ev)
		frames = append(frames, frame(llm.Str(ev, "type"), b))
	}
	return frames
}

// ToProviderResponse reconstructs the complete message from accumulated state.
func (a *StreamAdapter) ToProviderResponse() ([]byte, error) {
	var content []any
	if text := a.state.Text.String(); text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	for _, c := range a.state.CommonToolCalls() {
		input := c.Arguments
		if input == nil {
			input = map[string]any{}
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    c.ID,
			"name":  c.Name,
			"input": input,
		})
	}
	if content == nil {
		content = []any{}
	}

	stopReason := a.state.StopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	return json.Marshal(map[string]any{
		"id":            a.state.ResponseID,
		"type":          "message",
		"role":          "assistant",
		"model":         a.state.Model,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  a.state.Usage.InputTokens,
			"output_tokens": a.state.Usage.OutputTokens,
		},
	})
}

// TerminalFrame is empty: the Anthropic convention closes on message_stop,
// not a [DONE] sentinel.
func (a *StreamAdapter) TerminalFrame() string { return "" }

// frame renders one SSE frame with an optional event line.
func frame(eventType string, data []byte) string {
	if eventType == "" {
		return "data: " + string(data) + "\n\n"
	}
	return "event: " + eventType + "\ndata: " + string(data) + "\n\n"
}
