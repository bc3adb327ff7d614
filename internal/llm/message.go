// Package llm defines the provider-agnostic message model and the three-role
// adapter contract (request, response, stream) that every provider package
// implements. The common form is a read/write projection: the provider-native
// JSON stays the source of truth and is re-serialized by the adapters.
package llm

// Provider identifies an upstream LLM API.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// Role is the speaker of a message in the common form.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// CommonToolCall is a model-requested tool invocation.
type CommonToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// CommonToolResult is the output of a tool invocation carried in history.
// Name may be empty when the originating call cannot be located; callers
// treat such results as untrusted.
type CommonToolResult struct {
	ID      string
	Name    string
	Content string
	IsError bool
}

// CommonMessage is one conversation turn in the common form.
type CommonMessage struct {
	Role        Role
	Text        string
	ToolCalls   []CommonToolCall
	ToolResults []CommonToolResult
}

// CommonTool is a tool declaration visible to the model.
type CommonTool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}
