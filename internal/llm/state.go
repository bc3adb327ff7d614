package llm

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// AccumulatedToolCall collects the delta fragments of one streamed tool call.
// Arguments arrive as partial JSON and are only decoded once complete.
type AccumulatedToolCall struct {
	ID       string
	Name     string
	ArgsJSON strings.Builder
}

// StreamAccumulatorState reconstructs a complete response from streamed
// deltas. Owned exclusively by one StreamAdapter instance and discarded at
// stream end; never shared across requests.
type StreamAccumulatorState struct {
	ResponseID string
	Model      string
	Text       strings.Builder
	ToolCalls  map[int]*AccumulatedToolCall
	RawEvents  []json.RawMessage
	Usage      Usage
	StopReason string
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewStreamAccumulatorState returns an empty accumulator stamped with the
// stream start time.
func NewStreamAccumulatorState() *StreamAccumulatorState {
	return &StreamAccumulatorState{
		ToolCalls: make(map[int]*AccumulatedToolCall),
		StartedAt: time.Now(),
	}
}

// ToolCallAt returns the accumulator slot for a positional index, creating
// it on first use.
func (s *StreamAccumulatorState) ToolCallAt(index int) *AccumulatedToolCall {
	tc, ok := s.ToolCalls[index]
	if !ok {
		tc = &AccumulatedToolCall{}
		s.ToolCalls[index] = tc
	}
	return tc
}

// CommonToolCalls returns the accumulated calls in positional order with
// their argument JSON decoded. Arguments that never completed decode to nil.
func (s *StreamAccumulatorState) CommonToolCalls() []CommonToolCall {
	if len(s.ToolCalls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(s.ToolCalls))
	for i := range s.ToolCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]CommonToolCall, 0, len(indexes))
	for _, i := range indexes {
		acc := s.ToolCalls[i]
		var args map[string]any
		if raw := acc.ArgsJSON.String(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		calls = append(calls, CommonToolCall{
			ID:        acc.ID,
			Name:      acc.Name,
			Arguments: args,
		})
	}
	return calls
}

// RecordEvent keeps a verbatim copy of an upstream event so tool-call chunks
// can be replayed unmodified after the policy decision.
func (s *StreamAccumulatorState) RecordEvent(data []byte) {
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	s.RawEvents = append(s.RawEvents, raw)
}
