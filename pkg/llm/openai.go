package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// ChatAPI is the slice of the go-openai client the adapter uses.
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient implements Client on the Chat Completions API.
type OpenAIClient struct {
	chat ChatAPI
}

// NewOpenAIClient builds a client over the default go-openai transport.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "openai api key is required")
	}
	return &OpenAIClient{chat: openai.NewClient(apiKey)}, nil
}

// NewOpenAIClientFromAPI wires an existing chat client (or a fake).
func NewOpenAIClientFromAPI(chat ChatAPI) *OpenAIClient {
	return &OpenAIClient{chat: chat}
}

// Complete renders a chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "messages must not be empty")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	request := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	for _, t := range req.Tools {
		params, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, contracts.WrapError(contracts.CodeInvalidArgument,
				fmt.Sprintf("marshal tool %s schema", t.Name), err)
		}
		request.Tools = append(request.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, contracts.NewError(contracts.CodeRuntimeError, "openai returned no choices")
	}
	choice := resp.Choices[0]
	out := &Response{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: parseToolArguments(call.Function.Arguments),
		})
	}
	return out, nil
}

// parseToolArguments decodes the JSON arguments string; malformed model
// output is preserved under "raw" so callers can see what came back.
func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}
