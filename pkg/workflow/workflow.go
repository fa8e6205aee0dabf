// Package workflow parses and runs the step programs agents carry in their
// loop: an ordered list of code and LLM steps plus an optional state
// machine. The runner is deliberately kernel-blind; it produces intents and
// consumes an injected LLM function, so the loop manager decides what to do
// with both.
package workflow

import (
	"fmt"
	"reflect"
	"strings"
	"text/template"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"gopkg.in/yaml.v3"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// celCostLimit bounds interpreter work per expression so a hostile workflow
// cannot stall its loop's goroutine.
const celCostLimit = 1 << 18

// StepKind selects how a step produces its value.
type StepKind string

const (
	StepCode StepKind = "code"
	StepLLM  StepKind = "llm"
)

// ErrorPolicy decides what happens when a step fails.
type ErrorPolicy string

const (
	OnErrorFail  ErrorPolicy = "fail"
	OnErrorRetry ErrorPolicy = "retry"
	OnErrorSkip  ErrorPolicy = "skip"
)

// defaultRetries applies when on_error is retry and max_retries is unset.
const defaultRetries = 1

// Definition is the document shape stored as workflow artifact content.
// YAML and JSON both parse; JSON is a YAML subset.
type Definition struct {
	Name         string           `yaml:"name" json:"name"`
	InitialState string           `yaml:"initial_state,omitempty" json:"initial_state,omitempty"`
	States       map[string]State `yaml:"states,omitempty" json:"states,omitempty"`
	Steps        []Step           `yaml:"steps" json:"steps"`
}

// State names a node in the optional state machine. A state with no
// transitions is terminal.
type State struct {
	Transitions []Transition `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// Transition moves the machine to To when the CEL guard evaluates true.
type Transition struct {
	To   string `yaml:"to" json:"to"`
	When string `yaml:"when" json:"when"`
}

// Step is one unit of work in an iteration.
//
// Code steps evaluate Expr (CEL over ctx and state) and export the result.
// LLM steps render Prompt (text/template over the context map), call the
// bound LLM function and export the parsed reply. Export defaults to the
// step name. A step with Emit set treats its result as an intent; the first
// non-noop intent ends the iteration.
type Step struct {
	Name       string      `yaml:"name,omitempty" json:"name,omitempty"`
	Kind       StepKind    `yaml:"kind" json:"kind"`
	Expr       string      `yaml:"expr,omitempty" json:"expr,omitempty"`
	Prompt     string      `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Model      string      `yaml:"model,omitempty" json:"model,omitempty"`
	Export     string      `yaml:"export,omitempty" json:"export,omitempty"`
	RunIf      string      `yaml:"run_if,omitempty" json:"run_if,omitempty"`
	Emit       bool        `yaml:"emit,omitempty" json:"emit,omitempty"`
	OnError    ErrorPolicy `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	MaxRetries int         `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// Workflow is a compiled definition: every CEL expression and prompt
// template is checked once at parse time, so iteration failures are runtime
// conditions, never syntax.
type Workflow struct {
	def    Definition
	steps  []compiledStep
	states map[string][]compiledTransition
}

type compiledStep struct {
	Step
	runIf  cel.Program
	expr   cel.Program
	prompt *template.Template
}

type compiledTransition struct {
	to   string
	when cel.Program
}

// Parse unmarshals, validates and compiles a workflow definition.
func Parse(src []byte) (*Workflow, error) {
	var def Definition
	if err := yaml.Unmarshal(src, &def); err != nil {
		return nil, contracts.WrapError(contracts.CodeInvalidArgument, "parse workflow definition", err)
	}
	return Compile(def)
}

// Compile validates an in-memory definition and compiles its expressions.
func Compile(def Definition) (*Workflow, error) {
	if len(def.Steps) == 0 {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "workflow has no steps")
	}
	env, err := newEnv()
	if err != nil {
		return nil, contracts.WrapError(contracts.CodeRuntimeError, "workflow cel environment", err)
	}

	w := &Workflow{def: def}
	seen := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		cs, err := compileStep(env, def.Steps[i], i)
		if err != nil {
			return nil, err
		}
		if seen[cs.Name] {
			return nil, contracts.Errorf(contracts.CodeInvalidArgument, "duplicate step name %q", cs.Name)
		}
		seen[cs.Name] = true
		w.steps = append(w.steps, cs)
	}

	if err := w.compileStates(env); err != nil {
		return nil, err
	}
	return w, nil
}

// Name returns the definition's name.
func (w *Workflow) Name() string { return w.def.Name }

// InitialState returns the state new instances start in; empty when the
// definition has no state machine.
func (w *Workflow) InitialState() string { return w.def.InitialState }

func compileStep(env *cel.Env, s Step, idx int) (compiledStep, error) {
	cs := compiledStep{Step: s}
	if cs.Name == "" {
		cs.Name = fmt.Sprintf("step_%d", idx+1)
	}
	if cs.Export == "" {
		cs.Export = cs.Name
	}
	switch cs.OnError {
	case "":
		cs.OnError = OnErrorFail
	case OnErrorFail, OnErrorSkip:
	case OnErrorRetry:
		if cs.MaxRetries == 0 {
			cs.MaxRetries = defaultRetries
		}
	default:
		return cs, contracts.Errorf(contracts.CodeInvalidArgument,
			"step %q: unknown on_error %q", cs.Name, cs.OnError)
	}
	if cs.MaxRetries < 0 {
		return cs, contracts.Errorf(contracts.CodeInvalidArgument,
			"step %q: max_retries must not be negative", cs.Name)
	}

	var err error
	switch cs.Kind {
	case StepCode:
		if strings.TrimSpace(cs.Expr) == "" {
			return cs, contracts.Errorf(contracts.CodeInvalidArgument, "step %q: code step needs expr", cs.Name)
		}
		if cs.expr, err = compileExpr(env, cs.Expr); err != nil {
			return cs, contracts.WrapError(contracts.CodeInvalidArgument,
				fmt.Sprintf("step %q: expr", cs.Name), err)
		}
	case StepLLM:
		if strings.TrimSpace(cs.Prompt) == "" {
			return cs, contracts.Errorf(contracts.CodeInvalidArgument, "step %q: llm step needs prompt", cs.Name)
		}
		cs.prompt, err = template.New(cs.Name).Option("missingkey=error").Parse(cs.Prompt)
		if err != nil {
			return cs, contracts.WrapError(contracts.CodeInvalidArgument,
				fmt.Sprintf("step %q: prompt template", cs.Name), err)
		}
	default:
		return cs, contracts.Errorf(contracts.CodeInvalidType,
			"step %q: unknown kind %q", cs.Name, cs.Kind)
	}

	if cs.RunIf != "" {
		if cs.runIf, err = compileExpr(env, cs.RunIf); err != nil {
			return cs, contracts.WrapError(contracts.CodeInvalidArgument,
				fmt.Sprintf("step %q: run_if", cs.Name), err)
		}
	}
	return cs, nil
}

func (w *Workflow) compileStates(env *cel.Env) error {
	def := w.def
	if len(def.States) == 0 {
		if def.InitialState != "" {
			return contracts.Errorf(contracts.CodeInvalidArgument,
				"initial_state %q without states", def.InitialState)
		}
		return nil
	}
	if def.InitialState == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "states need an initial_state")
	}
	if _, ok := def.States[def.InitialState]; !ok {
		return contracts.Errorf(contracts.CodeInvalidArgument,
			"initial_state %q is not a declared state", def.InitialState)
	}

	w.states = make(map[string][]compiledTransition, len(def.States))
	for name, st := range def.States {
		var list []compiledTransition
		for i, tr := range st.Transitions {
			if _, ok := def.States[tr.To]; !ok {
				return contracts.Errorf(contracts.CodeInvalidArgument,
					"state %q transition %d: unknown target %q", name, i+1, tr.To)
			}
			when, err := compileExpr(env, tr.When)
			if err != nil {
				return contracts.WrapError(contracts.CodeInvalidArgument,
					fmt.Sprintf("state %q transition %d", name, i+1), err)
			}
			list = append(list, compiledTransition{to: tr.To, when: when})
		}
		w.states[name] = list
	}
	return nil
}

// newEnv builds the CEL environment steps and guards share: the mutable
// context map and the current state name.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("state", cel.StringType),
	)
}

func compileExpr(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return env.Program(ast,
		cel.CostLimit(celCostLimit),
		cel.InterruptCheckFrequency(100),
	)
}

func evalExpr(prg cel.Program, inst *Instance) (any, error) {
	val, _, err := prg.Eval(map[string]any{
		"ctx":   inst.Context,
		"state": inst.State,
	})
	if err != nil {
		return nil, contracts.WrapError(contracts.CodeRuntimeError, "evaluation failed", err)
	}
	return native(val)
}

func evalGuard(prg cel.Program, inst *Instance) (bool, error) {
	out, err := evalExpr(prg, inst)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, contracts.Errorf(contracts.CodeInvalidType, "guard returned %T, want bool", out)
	}
	return b, nil
}

func native(val ref.Val) (any, error) {
	switch val.(type) {
	case traits.Mapper:
		out, err := val.ConvertToNative(reflect.TypeOf(map[string]any{}))
		if err != nil {
			return nil, contracts.WrapError(contracts.CodeRuntimeError, "convert result map", err)
		}
		return out, nil
	case traits.Lister:
		out, err := val.ConvertToNative(reflect.TypeOf([]any{}))
		if err != nil {
			return nil, contracts.WrapError(contracts.CodeRuntimeError, "convert result list", err)
		}
		return out, nil
	}
	if val == types.NullValue {
		return nil, nil
	}
	return val.Value(), nil
}
