// Package llm is the kernel's gateway to external language models. Every
// call is caller-pays: the payer's dollar budget is reserved before the
// provider is contacted and settled against the provider-reported usage,
// so a broke principal is refused before any external spend. Providers are
// selected by model-name prefix; a scripted client stands in for real
// providers in tests and offline runs.
package llm

import "context"

// Message roles on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition advertises one callable tool to the model. Parameters is a
// JSON Schema document describing the arguments object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage is the provider-reported token count for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is one completion request. MaxTokens of zero means the gateway
// default applies.
type Request struct {
	Model     string           `json:"model"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// Response is a completed call. Cost is the dollars actually charged to the
// payer; providers leave it zero and the gateway fills it at settlement.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage      `json:"usage"`
	Cost       float64    `json:"cost"`
	StopReason string     `json:"stop_reason,omitempty"`
}

// Client completes requests against one provider.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Wire renders the response in the shape artifact code receives from
// _syscall_llm.
func (r *Response) Wire() map[string]any {
	out := map[string]any{
		"success": true,
		"content": r.Content,
		"usage": map[string]any{
			"prompt_tokens":     r.Usage.PromptTokens,
			"completion_tokens": r.Usage.CompletionTokens,
			"total_tokens":      r.Usage.TotalTokens,
		},
		"cost": r.Cost,
	}
	if len(r.ToolCalls) > 0 {
		calls := make([]any, 0, len(r.ToolCalls))
		for _, tc := range r.ToolCalls {
			calls = append(calls, map[string]any{"name": tc.Name, "arguments": tc.Arguments})
		}
		out["tool_calls"] = calls
	}
	return out
}
