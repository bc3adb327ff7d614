package llm

// RequestOptions carries request attributes that live outside the body on
// some providers. Gemini encodes the model and the streaming mode in the URL
// path; OpenAI and Anthropic ignore these and read the body.
type RequestOptions struct {
	Model     string
	Streaming bool
}

// RequestAdapter projects a provider-native request body into the common
// form and re-serializes it, applying any pending tool-result substitutions.
type RequestAdapter interface {
	Provider() Provider
	Model() string
	SetModel(model string)
	IsStreaming() bool
	Messages() []CommonMessage
	ToolResults() []CommonToolResult
	Tools() []CommonTool
	HasTools() bool

	// UpdateToolResult queues a content substitution for the tool result
	// with the given call id. Substitutions are applied by ToProviderRequest.
	UpdateToolResult(callID, content string)
	// ApplyToolResultUpdates queues substitutions in bulk.
	ApplyToolResultUpdates(updates map[string]string)

	// ToProviderRequest re-serializes the request in the exact provider wire
	// shape. With no pending updates the output is byte-equivalent to the
	// original body modulo JSON key ordering.
	ToProviderRequest() ([]byte, error)
}

// ResponseAdapter projects a complete (non-streaming) provider response.
type ResponseAdapter interface {
	Text() string
	ToolCalls() []CommonToolCall
	HasToolCalls() bool
	Usage() Usage

	// ToRefusalResponse produces a syntactically valid provider response
	// whose assistant turn contains only contentMessage and no tool calls,
	// so clients cannot blindly retry a blocked call.
	ToRefusalResponse(contentMessage string) ([]byte, error)
}

// StreamChunk is the per-event output of a stream adapter.
type StreamChunk struct {
	// SSEData is the fully framed SSE output for this event, empty when the
	// event produces no client-visible frame.
	SSEData string
	// IsToolCallChunk marks frames that carry tool-call deltas; the proxy
	// withholds these until the invocation policy decision at stream end.
	IsToolCallChunk bool
	// IsFinal marks the event that completes the stream per the provider's
	// finality rule. It must not fire early: OpenAI streams are final only
	// once a usage-bearing chunk has been observed, Gemini streams once a
	// candidate reports a non-unspecified finishReason.
	IsFinal bool
}

// StreamAdapter owns one stream accumulator for the lifetime of a single
// upstream exchange. Instances must not be shared or reused across requests.
type StreamAdapter interface {
	// ProcessChunk consumes one upstream event payload (the JSON after the
	// "data:" prefix) and returns the framed output. Total: malformed
	// payloads are passed through unmodified rather than failing the stream.
	ProcessChunk(data []byte) StreamChunk

	// AccumulatedToolCalls returns the tool calls reconstructed so far, in
	// positional order.
	AccumulatedToolCalls() []CommonToolCall

	// RefusalFrames renders provider-convention SSE frames carrying only
	// contentMessage, emitted in place of withheld tool-call frames when a
	// call is blocked.
	RefusalFrames(contentMessage string) []string

	// ToProviderResponse reconstructs a complete response object from the
	// accumulated state for persistence and auditing after the stream ends.
	ToProviderResponse() ([]byte, error)

	// TerminalFrame is the frame closing the stream ("data: [DONE]\n\n" on
	// the OpenAI/Gemini convention, empty for Anthropic).
	TerminalFrame() string
}
