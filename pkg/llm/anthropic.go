package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// MessagesAPI is the slice of the Anthropic SDK the adapter uses; it is
// satisfied by *sdk.MessageService and by test doubles.
type MessagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client on the Claude Messages API.
type AnthropicClient struct {
	msg MessagesAPI
}

// NewAnthropicClient builds a client over the default SDK HTTP transport.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{msg: &ac.Messages}, nil
}

// NewAnthropicClientFromAPI wires an existing Messages service (or a fake).
func NewAnthropicClientFromAPI(msg MessagesAPI) *AnthropicClient {
	return &AnthropicClient{msg: msg}
}

// Complete issues a non-streaming Messages.New call.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := anthropicParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg == nil {
		return nil, contracts.NewError(contracts.CodeRuntimeError, "anthropic returned an empty message")
	}
	return anthropicResponse(msg), nil
}

func anthropicParams(req Request) (*sdk.MessageNewParams, error) {
	if req.MaxTokens <= 0 {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "anthropic requires a positive max_tokens")
	}
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	var system []sdk.TextBlockParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, contracts.Errorf(contracts.CodeInvalidArgument, "unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "at least one user or assistant message is required")
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	for _, t := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: t.Parameters}, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return &params, nil
}

func anthropicResponse(msg *sdk.Message) *Response {
	resp := &Response{StopReason: string(msg.StopReason)}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &args)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	resp.Content = text.String()
	resp.Usage = Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return resp
}
