package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/ledger"
	"github.com/emergence-labs/agora/pkg/llm"
	"github.com/emergence-labs/agora/pkg/rate"
)

const payer = "agent_a"

type fixture struct {
	led    *ledger.Ledger
	script *llm.ScriptedClient
	gw     *llm.Gateway
}

func newFixture(t *testing.T, budget float64, callsPerMinute float64, opts ...llm.GatewayOption) *fixture {
	t.Helper()
	led := ledger.New()
	require.NoError(t, led.CreateAccount(payer, ledger.Balances{LLMBudget: budget}))

	limits := map[contracts.Resource]rate.Limit{
		contracts.ResourceLLMTokenRate: {Window: time.Minute, Max: 1_000_000},
	}
	if callsPerMinute > 0 {
		limits[contracts.ResourceLLMCallRate] = rate.Limit{Window: time.Minute, Max: callsPerMinute}
	}
	tracker := rate.New(rate.NewMemoryStore(), limits)

	script := llm.NewScriptedClient()
	base := []llm.GatewayOption{
		llm.WithClient(llm.ProviderScripted, script),
		llm.WithDefaultProvider(llm.ProviderScripted),
		llm.WithDefaultModel("test-model"),
		llm.WithPricing(&llm.Pricing{Default: llm.ModelRate{Prompt: 10, Completion: 20}}),
	}
	gw := llm.NewGateway(led, tracker, nil, append(base, opts...)...)
	return &fixture{led: led, script: script, gw: gw}
}

func userMessage(text string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: text}}
}

func TestCallSettlesActualCost(t *testing.T) {
	f := newFixture(t, 1.0, 0)
	f.script.Enqueue(llm.ScriptText("pong", 1000, 500))

	resp, err := f.gw.Call(context.Background(), payer, llm.Request{Messages: userMessage("ping")})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Content)

	// (1000*10 + 500*20) per million dollars.
	assert.InDelta(t, 0.02, resp.Cost, 1e-9)
	bal, err := f.led.Balance(payer)
	require.NoError(t, err)
	assert.InDelta(t, 0.98, bal.LLMBudget, 1e-9)
	assert.InDelta(t, 0.02, f.gw.CumulativeCost(), 1e-9)
}

func TestRefusesBeforeProviderWhenBroke(t *testing.T) {
	f := newFixture(t, 0.001, 0)
	f.script.Enqueue(llm.ScriptText("never reached", 10, 10))

	_, err := f.gw.Call(context.Background(), payer, llm.Request{Messages: userMessage("think hard")})
	require.Error(t, err)
	ke := contracts.AsError(err)
	assert.Equal(t, contracts.CodeBudgetExhausted, ke.Code)
	assert.False(t, ke.Retriable())

	// Refused before the external call: the script saw nothing and the
	// balance is untouched.
	assert.Empty(t, f.script.Calls())
	bal, err := f.led.Balance(payer)
	require.NoError(t, err)
	assert.InDelta(t, 0.001, bal.LLMBudget, 1e-9)
}

func TestCallRateLimit(t *testing.T) {
	f := newFixture(t, 10, 2)
	f.script.Enqueue(llm.ScriptText("one", 10, 10))
	f.script.Enqueue(llm.ScriptText("two", 10, 10))

	_, err := f.gw.Call(context.Background(), payer, llm.Request{Messages: userMessage("a")})
	require.NoError(t, err)
	_, err = f.gw.Call(context.Background(), payer, llm.Request{Messages: userMessage("b")})
	require.NoError(t, err)

	before, err := f.led.Balance(payer)
	require.NoError(t, err)

	_, err = f.gw.Call(context.Background(), payer, llm.Request{Messages: userMessage("c")})
	require.Error(t, err)
	ke := contracts.AsError(err)
	assert.Equal(t, contracts.CodeQuotaExceeded, ke.Code)
	assert.True(t, ke.Retriable())

	// The reservation for the refused call was released in full.
	after, err := f.led.Balance(payer)
	require.NoError(t, err)
	assert.InDelta(t, before.LLMBudget, after.LLMBudget, 1e-9)
	assert.Len(t, f.script.Calls(), 2)
}

func TestProviderFailureReleasesReservation(t *testing.T) {
	f := newFixture(t, 1.0, 0)
	f.script.EnqueueError(errors.New("upstream exploded"))

	_, err := f.gw.Call(context.Background(), payer, llm.Request{Messages: userMessage("hi")})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeRuntimeError, contracts.AsError(err).Code)

	bal, err := f.led.Balance(payer)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, bal.LLMBudget, 1e-9)
}

func TestProviderTimeout(t *testing.T) {
	f := newFixture(t, 1.0, 0)
	f.script.EnqueueError(context.DeadlineExceeded)

	_, err := f.gw.Call(context.Background(), payer, llm.Request{Messages: userMessage("hi")})
	require.Error(t, err)
	ke := contracts.AsError(err)
	assert.Equal(t, contracts.CodeTimeout, ke.Code)
	assert.True(t, ke.Retriable())
}

func TestSettlementClampsUnderReservation(t *testing.T) {
	// MaxTokens 10 keeps the estimate tiny; usage far above it must charge
	// the extra without driving the budget negative.
	f := newFixture(t, 0.01, 0, llm.WithMaxTokens(10))
	f.script.Enqueue(llm.ScriptText("huge", 100_000, 100_000))

	resp, err := f.gw.Call(context.Background(), payer, llm.Request{Messages: userMessage("x")})
	require.NoError(t, err)

	bal, err := f.led.Balance(payer)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, bal.LLMBudget, 0.0)
	// Actual cost is 3 dollars; only the whole remaining budget could be
	// charged.
	assert.InDelta(t, 0.01, resp.Cost, 1e-9)
	assert.InDelta(t, 0.0, bal.LLMBudget, 1e-9)
}

func TestSyscallWireShape(t *testing.T) {
	f := newFixture(t, 1.0, 0)
	f.script.Enqueue(&llm.Response{
		Content:   "use the mint",
		ToolCalls: []llm.ToolCall{{Name: "transfer", Arguments: map[string]any{"to": "bob", "amount": 5}}},
		Usage:     llm.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	})

	syscall := f.gw.Syscall(payer)
	out, err := syscall(context.Background(), "test-model",
		[]map[string]any{{"role": "user", "content": "what now"}},
		[]map[string]any{{"name": "transfer", "description": "move scrip", "parameters": map[string]any{"type": "object"}}})
	require.NoError(t, err)

	assert.Equal(t, true, out["success"])
	assert.Equal(t, "use the mint", out["content"])
	usage := out["usage"].(map[string]any)
	assert.Equal(t, 150, usage["total_tokens"])
	assert.NotZero(t, out["cost"])
	calls := out["tool_calls"].([]any)
	require.Len(t, calls, 1)
	assert.Equal(t, "transfer", calls[0].(map[string]any)["name"])

	// The script received the parsed tool definition.
	reqs := f.script.Calls()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "move scrip", reqs[0].Tools[0].Description)
}

func TestParseRequestValidation(t *testing.T) {
	_, err := llm.ParseRequest("m", []map[string]any{{"content": "no role"}}, nil)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidArgument, contracts.AsError(err).Code)

	_, err = llm.ParseRequest("m", []map[string]any{{"role": "user", "content": 7}}, nil)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidArgument, contracts.AsError(err).Code)

	_, err = llm.ParseRequest("m", []map[string]any{{"role": "user", "content": "ok"}},
		[]map[string]any{{"description": "nameless"}})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidArgument, contracts.AsError(err).Code)
}

func TestRoutingByModelPrefix(t *testing.T) {
	led := ledger.New()
	require.NoError(t, led.CreateAccount(payer, ledger.Balances{LLMBudget: 1}))
	tracker := rate.New(rate.NewMemoryStore(), nil)

	claude := llm.NewScriptedClient()
	claude.Enqueue(llm.ScriptText("from claude", 1, 1))
	gw := llm.NewGateway(led, tracker, nil,
		llm.WithClient(llm.ProviderAnthropic, claude),
		llm.WithPricing(&llm.Pricing{Default: llm.ModelRate{Prompt: 1, Completion: 1}}))

	resp, err := gw.Call(context.Background(), payer, llm.Request{
		Model:    "claude-sonnet-4-5",
		Messages: userMessage("hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, "from claude", resp.Content)

	// No prefix rule and no default provider serves this model.
	_, err = gw.Call(context.Background(), payer, llm.Request{
		Model:    "mystery-model",
		Messages: userMessage("hi"),
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidArgument, contracts.AsError(err).Code)
}

func TestMissingModelAndDefault(t *testing.T) {
	led := ledger.New()
	require.NoError(t, led.CreateAccount(payer, ledger.Balances{LLMBudget: 1}))
	gw := llm.NewGateway(led, rate.New(rate.NewMemoryStore(), nil), nil,
		llm.WithClient(llm.ProviderScripted, llm.NewScriptedClient()),
		llm.WithDefaultProvider(llm.ProviderScripted))

	_, err := gw.Call(context.Background(), payer, llm.Request{Messages: userMessage("hi")})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidArgument, contracts.AsError(err).Code)
}

func TestRecorderSeesSettledCall(t *testing.T) {
	var got []llm.CallRecord
	f := newFixture(t, 1.0, 0, llm.WithRecorder(func(_ context.Context, rec llm.CallRecord) {
		got = append(got, rec)
	}))
	f.script.Enqueue(llm.ScriptText("thought", 200, 100))
	f.script.EnqueueError(errors.New("boom"))

	_, err := f.gw.Call(context.Background(), payer, llm.Request{Messages: userMessage("a")})
	require.NoError(t, err)
	_, err = f.gw.Call(context.Background(), payer, llm.Request{Messages: userMessage("b")})
	require.Error(t, err)

	// Only the settled call is recorded.
	require.Len(t, got, 1)
	assert.Equal(t, payer, got[0].CallerID)
	assert.Equal(t, "thought", got[0].Summary)
	assert.Equal(t, 300, got[0].Usage.TotalTokens)
	assert.Positive(t, got[0].Cost)
}

func TestCumulativeCostRestore(t *testing.T) {
	f := newFixture(t, 1.0, 0)
	f.gw.RestoreCumulativeCost(5.5)
	assert.InDelta(t, 5.5, f.gw.CumulativeCost(), 1e-9)
}

func TestScriptExhaustionReleasesReservation(t *testing.T) {
	f := newFixture(t, 1.0, 0)

	_, err := f.gw.Call(context.Background(), payer, llm.Request{Messages: userMessage("hi")})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeRuntimeError, contracts.AsError(err).Code)

	bal, err := f.led.Balance(payer)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, bal.LLMBudget, 1e-9)
}
