package sandbox

import (
	"context"
	"sync"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// NativeFunc is a handler registered in-process. Genesis shims (ledger API,
// store API, event-log API, built-in access contracts) are all NativeFuncs.
// They receive the same environment as sandboxed code and no extra
// privilege: depth caps, metering and permissions apply upstream.
type NativeFunc func(ctx context.Context, env Env, method string, args []any) (any, error)

// NativeRegistry maps handler names to implementations. An executable
// artifact with runtime=native carries the registered name in its code
// field.
type NativeRegistry struct {
	mu    sync.RWMutex
	funcs map[string]NativeFunc
}

// NewNativeRegistry builds an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{funcs: make(map[string]NativeFunc)}
}

// Register installs fn under name. Re-registering a name is refused so a
// genesis shim can never be silently shadowed.
func (r *NativeRegistry) Register(name string, fn NativeFunc) error {
	if name == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "native handler name is required")
	}
	if fn == nil {
		return contracts.NewError(contracts.CodeInvalidArgument, "native handler func is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return contracts.Errorf(contracts.CodeIDCollision, "native handler %q is already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Names lists registered handlers in no particular order.
func (r *NativeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		out = append(out, name)
	}
	return out
}

func (r *NativeRegistry) lookup(name string) (NativeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}
