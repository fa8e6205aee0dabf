// Package validate checks invoke arguments against the target method's
// declared input schema. The mode knob decides what a violation costs:
// nothing, a log line, or the call.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// Mode selects how schema violations are handled.
type Mode string

const (
	ModeNone   Mode = "none"   // skip validation entirely
	ModeWarn   Mode = "warn"   // log violations, let the call through
	ModeStrict Mode = "strict" // violations fail with invalid_argument
)

// ParseMode maps a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNone, ModeWarn, ModeStrict:
		return Mode(s), nil
	case "":
		return ModeWarn, nil
	}
	return "", fmt.Errorf("unknown interface_validation mode %q", s)
}

type compiled struct {
	fingerprint string
	schema      *jsonschema.Schema
	compileErr  error
}

// Validator compiles and caches method input schemas. Schemas travel inside
// mutable artifacts, so cache entries are fingerprinted on content, not
// trusted by id.
type Validator struct {
	mode   Mode
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*compiled
}

// New builds a Validator in the given mode.
func New(mode Mode, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		mode:   mode,
		logger: logger.With("component", "validate"),
		cache:  make(map[string]*compiled),
	}
}

// Mode returns the configured mode.
func (v *Validator) Mode() Mode { return v.mode }

// CheckArgs validates args, positional ([]any) or keyword (map), against
// spec.InputSchema. A nil spec or schema validates trivially. In warn mode
// every failure (bad schema included) is logged and forgiven; in strict
// mode both fail the call.
func (v *Validator) CheckArgs(targetID string, spec *contracts.MethodSpec, args any) error {
	if v.mode == ModeNone || spec == nil || len(spec.InputSchema) == 0 {
		return nil
	}

	c, err := v.compile(targetID, spec)
	if err != nil {
		if v.mode == ModeWarn {
			v.logger.Warn("input schema does not compile",
				"artifact_id", targetID, "method", spec.Name, "error", err)
			return nil
		}
		return contracts.WrapError(contracts.CodeInvalidArgument,
			fmt.Sprintf("method %q declares an uncompilable input schema", spec.Name), err)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := c.Validate(toJSONValue(args)); err != nil {
		if v.mode == ModeWarn {
			v.logger.Warn("arguments violate input schema",
				"artifact_id", targetID, "method", spec.Name, "error", err)
			return nil
		}
		return contracts.WrapError(contracts.CodeInvalidArgument,
			fmt.Sprintf("arguments violate %s.%s input schema", targetID, spec.Name), err).
			WithDetail("method", spec.Name)
	}
	return nil
}

func (v *Validator) compile(targetID string, spec *contracts.MethodSpec) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(spec.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	sum := sha256.Sum256(raw)
	fp := hex.EncodeToString(sum[:])
	key := targetID + "#" + spec.Name

	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.cache[key]; ok && c.fingerprint == fp {
		return c.schema, c.compileErr
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://agora.schemas.local/%s/%s.schema.json", targetID, spec.Name)
	c := &compiled{fingerprint: fp}
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		c.compileErr = err
	} else if schema, err := compiler.Compile(url); err != nil {
		c.compileErr = err
	} else {
		c.schema = schema
	}
	v.cache[key] = c
	return c.schema, c.compileErr
}

// toJSONValue round-trips args through encoding/json so the validator sees
// the same shapes it would on the wire (float64 numbers, no custom types).
func toJSONValue(args any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}
