package sandbox_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/sandbox"
)

type fakeState struct {
	balances map[string]map[string]float64
	metadata map[string]map[string]string
}

func (s *fakeState) GetBalance(id string) (map[string]float64, error) {
	bal, ok := s.balances[id]
	if !ok {
		return nil, contracts.Errorf(contracts.CodeNotFound, "no account %q", id)
	}
	return bal, nil
}

func (s *fakeState) GetResource(id, resource string) (float64, error) {
	bal, err := s.GetBalance(id)
	if err != nil {
		return 0, err
	}
	return bal[resource], nil
}

func (s *fakeState) GetArtifactMetadata(id string) (map[string]string, error) {
	m, ok := s.metadata[id]
	if !ok {
		return nil, contracts.Errorf(contracts.CodeNotFound, "no artifact %q", id)
	}
	return m, nil
}

func (s *fakeState) ReadArtifact(id string) (map[string]any, error) {
	return map[string]any{"id": id, "content": "stub"}, nil
}

func (s *fakeState) ListArtifactsByOwner(owner string) ([]string, error) {
	return []string{owner + "_doc"}, nil
}

func (s *fakeState) PendingTriggers() ([]map[string]any, error) { return nil, nil }

type fakeActions struct {
	invoked   []string
	transfers []string
}

func (a *fakeActions) WriteArtifact(_ context.Context, id, content string) (map[string]any, error) {
	return map[string]any{"success": true, "artifact_id": id, "bytes": len(content)}, nil
}

func (a *fakeActions) TransferScrip(_ context.Context, to string, amount int64) (map[string]any, error) {
	a.transfers = append(a.transfers, to)
	if amount > 100 {
		return nil, contracts.NewError(contracts.CodeInsufficientFunds, "not enough scrip")
	}
	return map[string]any{"success": true}, nil
}

func (a *fakeActions) TransferResource(_ context.Context, to, resource string, amount float64) (map[string]any, error) {
	return map[string]any{"success": true, "resource": resource, "amount": amount}, nil
}

func (a *fakeActions) Invoke(_ context.Context, targetID, method string, args []any) (map[string]any, error) {
	a.invoked = append(a.invoked, targetID+"."+method)
	return map[string]any{"success": true, "echo": args}, nil
}

func newExecutor(t *testing.T, cfg sandbox.Config) *sandbox.Executor {
	t.Helper()
	e, err := sandbox.NewExecutor(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func celArtifact(code string) *contracts.Artifact {
	return &contracts.Artifact{
		ID:        "svc",
		Kind:      contracts.KindExecutable,
		Code:      code,
		CreatedBy: "alice",
		Interface: contracts.InterfaceSpec{
			Description: "test service",
			DataType:    contracts.DataTypeService,
			Methods:     []contracts.MethodSpec{{Name: "run"}},
		},
	}
}

func TestCELSingleExpression(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())

	out, err := e.Execute(context.Background(), sandbox.Env{CallerID: "alice", Depth: 1}, sandbox.Call{
		Target: celArtifact(`int(args[0]) + int(args[1])`),
		Method: "run",
		Args:   []any{2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), out)
}

func TestCELMethodTable(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())
	code := `{"greet": "\"hello \" + caller", "run": "\"fallback\""}`

	out, err := e.Execute(context.Background(), sandbox.Env{CallerID: "bob", Depth: 1}, sandbox.Call{
		Target: celArtifact(code),
		Method: "greet",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello bob", out)

	// Unknown methods fall back to run when present.
	out, err = e.Execute(context.Background(), sandbox.Env{CallerID: "bob", Depth: 1}, sandbox.Call{
		Target: celArtifact(code),
		Method: "unknown",
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)

	// Without a run entry, an unknown method is a caller mistake.
	_, err = e.Execute(context.Background(), sandbox.Env{CallerID: "bob", Depth: 1}, sandbox.Call{
		Target: celArtifact(`{"greet": "\"hi\""}`),
		Method: "unknown",
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidArgument, contracts.AsError(err).Code)
}

func TestCELMapLiteralCodeIsNotATable(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())

	out, err := e.Execute(context.Background(), sandbox.Env{CallerID: "bob", Depth: 1}, sandbox.Call{
		Target: celArtifact(`{"a": 1, "b": method}`),
		Method: "run",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1), "b": "run"}, out)
}

func TestCELStateHandle(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())
	state := &fakeState{balances: map[string]map[string]float64{
		"alice": {"scrip": 42},
	}}

	out, err := e.Execute(context.Background(), sandbox.Env{CallerID: "alice", Depth: 1, State: state}, sandbox.Call{
		Target: celArtifact(`get_balance(caller)["scrip"]`),
		Method: "run",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestCELActionsHandle(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())
	actions := &fakeActions{}

	out, err := e.Execute(context.Background(), sandbox.Env{CallerID: "alice", Depth: 1, Actions: actions}, sandbox.Call{
		Target: celArtifact(`invoke("other", "ping", [1, 2])["success"]`),
		Method: "run",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
	assert.Equal(t, []string{"other.ping"}, actions.invoked)
}

func TestCELHandleErrorKeepsCode(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())
	actions := &fakeActions{}

	_, err := e.Execute(context.Background(), sandbox.Env{CallerID: "alice", Depth: 1, Actions: actions}, sandbox.Call{
		Target: celArtifact(`transfer_scrip("bob", 1000)`),
		Method: "run",
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInsufficientFunds, contracts.AsError(err).Code)
}

func TestCELMissingHandles(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())

	_, err := e.Execute(context.Background(), sandbox.Env{CallerID: "alice", Depth: 1}, sandbox.Call{
		Target: celArtifact(`write_artifact("doc", "x")`),
		Method: "run",
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeRuntimeError, contracts.AsError(err).Code)
}

func TestSyscallLLMRequiresCapability(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())

	// No LLM handle injected: the artifact lacks can_call_llm.
	_, err := e.Execute(context.Background(), sandbox.Env{CallerID: "alice", Depth: 1}, sandbox.Call{
		Target: celArtifact(`_syscall_llm("claude-x", [{"role": "user", "content": "hi"}])`),
		Method: "run",
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeNotAuthorized, contracts.AsError(err).Code)
}

func TestSyscallLLMInjected(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())
	llm := func(_ context.Context, model string, messages []map[string]any, _ []map[string]any) (map[string]any, error) {
		return map[string]any{"success": true, "content": "pong", "model": model, "n": len(messages)}, nil
	}

	out, err := e.Execute(context.Background(), sandbox.Env{CallerID: "alice", Depth: 1, LLM: llm}, sandbox.Call{
		Target: celArtifact(`_syscall_llm("claude-x", [{"role": "user", "content": "ping"}])["content"]`),
		Method: "run",
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestSyscallLLMBudgetExhaustedPropagates(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())
	llm := func(context.Context, string, []map[string]any, []map[string]any) (map[string]any, error) {
		return nil, contracts.NewError(contracts.CodeBudgetExhausted, "llm budget is spent")
	}

	_, err := e.Execute(context.Background(), sandbox.Env{CallerID: "alice", Depth: 1, LLM: llm}, sandbox.Call{
		Target: celArtifact(`_syscall_llm("claude-x", [{"role": "user", "content": "hi"}])`),
		Method: "run",
	})
	require.Error(t, err)
	ke := contracts.AsError(err)
	assert.Equal(t, contracts.CodeBudgetExhausted, ke.Code)
	assert.False(t, ke.Retriable())
}

func TestDepthCap(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	cfg.MaxInvokeDepth = 3
	e := newExecutor(t, cfg)

	// A frame at depth cap+2 would be the cap+1'th hop.
	_, err := e.Execute(context.Background(), sandbox.Env{CallerID: "a", Depth: 5}, sandbox.Call{
		Target: celArtifact(`1`),
		Method: "run",
	})
	require.Error(t, err)
	ke := contracts.AsError(err)
	assert.Equal(t, contracts.CodeInvokeTooDeep, ke.Code)
	assert.False(t, ke.Retriable())

	// The entry frame is free, so cap hops beneath it still run.
	_, err = e.Execute(context.Background(), sandbox.Env{CallerID: "a", Depth: 4}, sandbox.Call{
		Target: celArtifact(`1`),
		Method: "run",
	})
	require.NoError(t, err)
}

func TestUnknownRuntime(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())
	a := celArtifact(`1`)
	a.Metadata = map[string]string{contracts.MetaRuntime: "python"}

	_, err := e.Execute(context.Background(), sandbox.Env{CallerID: "a", Depth: 1}, sandbox.Call{Target: a})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidType, contracts.AsError(err).Code)
}

func TestCELCompileError(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())

	_, err := e.Execute(context.Background(), sandbox.Env{CallerID: "a", Depth: 1}, sandbox.Call{
		Target: celArtifact(`caller ==`),
		Method: "run",
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeRuntimeError, contracts.AsError(err).Code)
}

func nativeArtifact(name string) *contracts.Artifact {
	a := celArtifact(name)
	a.Metadata = map[string]string{contracts.MetaRuntime: sandbox.RuntimeNative}
	return a
}

func TestNativeHandler(t *testing.T) {
	native := sandbox.NewNativeRegistry()
	require.NoError(t, native.Register("echo_shim", func(_ context.Context, env sandbox.Env, method string, args []any) (any, error) {
		return map[string]any{"caller": env.CallerID, "method": method, "args": args}, nil
	}))
	e, err := sandbox.NewExecutor(context.Background(), sandbox.DefaultConfig(), native, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	out, err := e.Execute(context.Background(), sandbox.Env{CallerID: "alice", Depth: 1}, sandbox.Call{
		Target: nativeArtifact("echo_shim"),
		Method: "ping",
		Args:   []any{"x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", out.(map[string]any)["caller"])

	// Unregistered names are runtime errors, not panics.
	_, err = e.Execute(context.Background(), sandbox.Env{CallerID: "alice", Depth: 1}, sandbox.Call{
		Target: nativeArtifact("no_such_shim"),
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeRuntimeError, contracts.AsError(err).Code)
}

func TestNativePanicIsWrapped(t *testing.T) {
	native := sandbox.NewNativeRegistry()
	require.NoError(t, native.Register("bomb", func(context.Context, sandbox.Env, string, []any) (any, error) {
		panic("boom")
	}))
	e, err := sandbox.NewExecutor(context.Background(), sandbox.DefaultConfig(), native, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	_, err = e.Execute(context.Background(), sandbox.Env{CallerID: "a", Depth: 1}, sandbox.Call{
		Target: nativeArtifact("bomb"),
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeRuntimeError, contracts.AsError(err).Code)
}

func TestTimeout(t *testing.T) {
	native := sandbox.NewNativeRegistry()
	require.NoError(t, native.Register("sleeper", func(ctx context.Context, _ sandbox.Env, _ string, _ []any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	cfg := sandbox.DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	e, err := sandbox.NewExecutor(context.Background(), cfg, native, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	_, err = e.Execute(context.Background(), sandbox.Env{CallerID: "a", Depth: 1}, sandbox.Call{
		Target: nativeArtifact("sleeper"),
	})
	require.Error(t, err)
	ke := contracts.AsError(err)
	assert.Equal(t, contracts.CodeTimeout, ke.Code)
	assert.True(t, ke.Retriable())
}

func TestDuplicateNativeRegistration(t *testing.T) {
	native := sandbox.NewNativeRegistry()
	fn := func(context.Context, sandbox.Env, string, []any) (any, error) { return nil, nil }

	require.NoError(t, native.Register("shim", fn))
	err := native.Register("shim", fn)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeIDCollision, contracts.AsError(err).Code)
}

func TestWASMContentValidation(t *testing.T) {
	e := newExecutor(t, sandbox.DefaultConfig())

	wasm := celArtifact("this is not base64!!")
	wasm.Metadata = map[string]string{contracts.MetaRuntime: sandbox.RuntimeWASM}
	wasm.Content = "this is not base64!!"
	_, err := e.Execute(context.Background(), sandbox.Env{CallerID: "a", Depth: 1}, sandbox.Call{Target: wasm})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidType, contracts.AsError(err).Code)

	// Valid base64, but not a wasm module.
	wasm.Content = base64.StdEncoding.EncodeToString([]byte("plain text"))
	_, err = e.Execute(context.Background(), sandbox.Env{CallerID: "a", Depth: 1}, sandbox.Call{Target: wasm})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidType, contracts.AsError(err).Code)
}
