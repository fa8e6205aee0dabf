// Package sandbox executes artifact code in an isolated context. Each
// invocation gets a verified caller identity, read and write handles into
// the kernel, an optional LLM syscall, a depth budget and a deadline. Three
// runtimes share that contract: CEL expressions (default), WASI modules,
// and native genesis shims.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// Runtime names accepted in the "runtime" metadata key.
const (
	RuntimeCEL    = "cel"
	RuntimeWASM   = "wasm"
	RuntimeNative = "native"
)

// KernelState is the read-only handle injected into artifact code. Every
// query is answered as of call time; implementations enforce access using
// the environment's verified caller.
type KernelState interface {
	GetBalance(principalID string) (map[string]float64, error)
	GetResource(principalID string, resource string) (float64, error)
	GetArtifactMetadata(artifactID string) (map[string]string, error)
	ReadArtifact(artifactID string) (map[string]any, error)
	ListArtifactsByOwner(owner string) ([]string, error)
	PendingTriggers() ([]map[string]any, error)
}

// KernelActions is the mutating handle. Implementations route through the
// dispatcher so metering, permissions and event logging apply to sandboxed
// code exactly as they do to loops.
type KernelActions interface {
	WriteArtifact(ctx context.Context, artifactID, content string) (map[string]any, error)
	TransferScrip(ctx context.Context, to string, amount int64) (map[string]any, error)
	TransferResource(ctx context.Context, to string, resource string, amount float64) (map[string]any, error)
	Invoke(ctx context.Context, targetID, method string, args []any) (map[string]any, error)
}

// LLMSyscall reaches the LLM gateway on behalf of the verified caller.
// Injected only when the executing artifact carries can_call_llm.
type LLMSyscall func(ctx context.Context, model string, messages []map[string]any, tools []map[string]any) (map[string]any, error)

// Env is the per-invocation environment. CallerID is the verified invoker;
// artifact code cannot spoof it. Depth counts sandbox frames on the stack,
// this one included; the first frame of an operation runs at 1, and the
// executor's depth cap bounds the invoke hops beneath it.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Env struct {
	CallerID string
	SelfID   string
	Depth    int
	State    KernelState
	Actions  KernelActions
	LLM      LLMSyscall

	// Bindings are extra variables exposed to expression runtimes beyond
	// caller/self/method/args. Access contract checks bind operation, args
	// and artifact through here.
	Bindings map[string]any
}

// Call names what to run.
type Call struct {
	Target *contracts.Artifact
	Method string
	Args   []any
}

// WASMConfig bounds WASI module execution.
type WASMConfig struct {
	MemoryPages    uint32 // 64 KiB each; 0 means the wazero default
	OutputMaxBytes int
}

// Config bounds every invocation.
type Config struct {
	MaxInvokeDepth int
	Timeout        time.Duration
	WASM           WASMConfig
}

// DefaultConfig returns the boot defaults.
func DefaultConfig() Config {
	return Config{
		MaxInvokeDepth: 5,
		Timeout:        10 * time.Second,
		WASM: WASMConfig{
			MemoryPages:    256, // 16 MiB
			OutputMaxBytes: 1 << 20,
		},
	}
}

// Executor runs artifact code.
type Executor struct {
	cfg    Config
	native *NativeRegistry
	wasm   *wasmRuntime
	logger *slog.Logger
}

// NewExecutor builds an Executor. The WASI runtime is shared across
// invocations; compiled modules are cached by content hash.
func NewExecutor(ctx context.Context, cfg Config, native *NativeRegistry, logger *slog.Logger) (*Executor, error) {
	if cfg.MaxInvokeDepth <= 0 {
		cfg.MaxInvokeDepth = DefaultConfig().MaxInvokeDepth
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.WASM.OutputMaxBytes <= 0 {
		cfg.WASM.OutputMaxBytes = DefaultConfig().WASM.OutputMaxBytes
	}
	if native == nil {
		native = NewNativeRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	wasm, err := newWASMRuntime(ctx, cfg.WASM)
	if err != nil {
		return nil, fmt.Errorf("wasm runtime: %w", err)
	}
	return &Executor{
		cfg:    cfg,
		native: native,
		wasm:   wasm,
		logger: logger.With("component", "sandbox"),
	}, nil
}

// Native exposes the registry so genesis can install its shims.
func (e *Executor) Native() *NativeRegistry { return e.native }

// MaxInvokeDepth returns the configured depth cap.
func (e *Executor) MaxInvokeDepth() int { return e.cfg.MaxInvokeDepth }

// Close releases runtime resources.
func (e *Executor) Close(ctx context.Context) error {
	return e.wasm.close(ctx)
}

// Execute runs call.Target's code under env. The returned value is the
// code's result converted to plain Go shapes; failures come back as
// taxonomy errors (invoke_too_deep, timeout, runtime_error, ...).
func (e *Executor) Execute(ctx context.Context, env Env, call Call) (out any, err error) {
	if call.Target == nil {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "no target to execute")
	}
	// The entry frame is not an invoke. The cap bounds the hops beneath
	// it, so a chain of N nested invokes runs frames at depth 1..N+1.
	if env.Depth-1 > e.cfg.MaxInvokeDepth {
		return nil, contracts.Errorf(contracts.CodeInvokeTooDeep,
			"invoke depth %d exceeds cap %d", env.Depth-1, e.cfg.MaxInvokeDepth).
			WithDetail("max_invoke_depth", e.cfg.MaxInvokeDepth)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("artifact code panicked",
				"artifact_id", call.Target.ID, "method", call.Method, "panic", r)
			out = nil
			err = contracts.Errorf(contracts.CodeRuntimeError, "artifact code panicked: %v", r)
		}
	}()

	runtime := call.Target.Meta(contracts.MetaRuntime)
	switch runtime {
	case "", RuntimeCEL:
		out, err = e.execCEL(execCtx, env, call)
	case RuntimeWASM:
		out, err = e.wasm.execute(execCtx, env, call)
	case RuntimeNative:
		out, err = e.execNative(execCtx, env, call)
	default:
		return nil, contracts.Errorf(contracts.CodeInvalidType, "unknown runtime %q", runtime)
	}
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, contracts.WrapError(contracts.CodeTimeout,
				fmt.Sprintf("execution exceeded %s", e.cfg.Timeout), err).
				WithDetail("timeout_ms", e.cfg.Timeout.Milliseconds())
		}
		return nil, contracts.AsError(err)
	}
	return out, nil
}

func (e *Executor) execNative(ctx context.Context, env Env, call Call) (any, error) {
	fn, ok := e.native.lookup(call.Target.Code)
	if !ok {
		return nil, contracts.Errorf(contracts.CodeRuntimeError,
			"native handler %q is not registered", call.Target.Code)
	}
	return fn(ctx, env, call.Method, call.Args)
}
