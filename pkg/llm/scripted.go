package llm

import (
	"context"
	"sync"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// ScriptedClient replays canned responses in order. Tests and offline runs
// register it as a provider in place of a real one.
type ScriptedClient struct {
	mu    sync.Mutex
	steps []scriptStep
	calls []Request
}

type scriptStep struct {
	resp *Response
	err  error
}

// NewScriptedClient builds an empty script; Enqueue responses before use.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{}
}

// Enqueue appends a canned response.
func (s *ScriptedClient) Enqueue(resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptStep{resp: resp})
}

// EnqueueError appends a canned failure.
func (s *ScriptedClient) EnqueueError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptStep{err: err})
}

// Complete pops the next step. An exhausted script is a runtime error so a
// test that under-provisions its script fails loudly instead of hanging on
// a live provider.
func (s *ScriptedClient) Complete(_ context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.steps) == 0 {
		return nil, contracts.NewError(contracts.CodeRuntimeError, "scripted client has no responses left")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	out := *step.resp
	return &out, nil
}

// Calls returns every request seen so far, in order.
func (s *ScriptedClient) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// ScriptText is a convenience for the common text-only canned response.
func ScriptText(content string, promptTokens, completionTokens int) *Response {
	return &Response{
		Content: content,
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		StopReason: "end_turn",
	}
}
