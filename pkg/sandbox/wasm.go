package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	wazerosys "github.com/tetratelabs/wazero/sys"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// wasmMagic opens every binary WASM module.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// invokeFrame is what a module reads from stdin. Args arrive exactly as the
// intent carried them; the module writes its JSON result to stdout.
type invokeFrame struct {
	CallerID string `json:"caller_id"`
	Method   string `json:"method"`
	Args     []any  `json:"args"`
}

// wasmRuntime runs WASI command modules: one fresh instance per invocation
// on a shared runtime, compiled modules cached by content hash. Modules are
// pure compute, with no filesystem, network or kernel handles, so the only
// channel in or out is the JSON frame.
type wasmRuntime struct {
	runtime   wazero.Runtime
	outputMax int

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

func newWASMRuntime(ctx context.Context, cfg WASMConfig) (*wasmRuntime, error) {
	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryPages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(cfg.MemoryPages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rcfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	return &wasmRuntime{
		runtime:   r,
		outputMax: cfg.OutputMaxBytes,
		compiled:  make(map[string]wazero.CompiledModule),
	}, nil
}

func (w *wasmRuntime) close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func (w *wasmRuntime) execute(ctx context.Context, env Env, call Call) (any, error) {
	module, err := moduleBytes(call.Target.Content)
	if err != nil {
		return nil, err
	}
	compiled, err := w.compile(ctx, module)
	if err != nil {
		return nil, contracts.WrapError(contracts.CodeRuntimeError, "compile wasm module", err)
	}

	frame, err := json.Marshal(invokeFrame{
		CallerID: env.CallerID,
		Method:   call.Method,
		Args:     call.Args,
	})
	if err != nil {
		return nil, contracts.WrapError(contracts.CodeInvalidArgument, "encode invocation frame", err)
	}

	stdout := newCapWriter(w.outputMax)
	stderr := newCapWriter(w.outputMax)
	mcfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(frame)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithName("") // anonymous: instances may run concurrently

	mod, err := w.runtime.InstantiateModule(ctx, compiled, mcfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		var exit *wazerosys.ExitError
		if errors.As(err, &exit) {
			if exit.ExitCode() != 0 {
				return nil, contracts.Errorf(contracts.CodeRuntimeError,
					"module exited with code %d", exit.ExitCode()).
					WithDetail("stderr", stderr.String())
			}
		} else if isMemoryLimit(err) {
			return nil, contracts.WrapError(contracts.CodeRuntimeError,
				"module exceeded its memory limit", err)
		} else {
			return nil, contracts.WrapError(contracts.CodeRuntimeError, "module execution failed", err).
				WithDetail("stderr", stderr.String())
		}
	}

	if stdout.truncated || stderr.truncated {
		return nil, contracts.Errorf(contracts.CodeRuntimeError,
			"module output exceeds %d bytes", w.outputMax).
			WithDetail("output_limit_bytes", w.outputMax)
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, contracts.WrapError(contracts.CodeRuntimeError,
			"module wrote non-JSON output", err)
	}
	return result, nil
}

func (w *wasmRuntime) compile(ctx context.Context, module []byte) (wazero.CompiledModule, error) {
	sum := sha256.Sum256(module)
	key := "sha256:" + hex.EncodeToString(sum[:])

	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.compiled[key]; ok {
		return c, nil
	}
	c, err := w.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, err
	}
	w.compiled[key] = c
	return c, nil
}

// moduleBytes recovers the binary module from artifact content: raw bytes
// when the WASM magic is present, base64 otherwise (the wire-safe form).
func moduleBytes(content string) ([]byte, error) {
	raw := []byte(content)
	if bytes.HasPrefix(raw, wasmMagic) {
		return raw, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(content))
	if err != nil {
		return nil, contracts.NewError(contracts.CodeInvalidType,
			"content is neither a raw nor base64-encoded wasm module")
	}
	if !bytes.HasPrefix(decoded, wasmMagic) {
		return nil, contracts.NewError(contracts.CodeInvalidType,
			"decoded content is not a wasm module")
	}
	return decoded, nil
}

func isMemoryLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}

// capWriter buffers up to limit bytes and silently drops the rest, so a
// runaway module can flood its own stdout without flooding the host.
type capWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCapWriter(limit int) *capWriter {
	return &capWriter{limit: limit}
}

func (c *capWriter) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room > 0 {
		if len(p) <= room {
			c.buf.Write(p)
		} else {
			c.buf.Write(p[:room])
			c.truncated = true
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *capWriter) Bytes() []byte  { return c.buf.Bytes() }
func (c *capWriter) String() string { return c.buf.String() }
