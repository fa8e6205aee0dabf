package prompt

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Scope selects which principals get injection framing.
type Scope string

const (
	ScopeNone    Scope = "none"
	ScopeGenesis Scope = "genesis"
	ScopeAll     Scope = "all"
)

// ParseScope maps the prompt_injection.scope config value.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeNone, ScopeGenesis, ScopeAll:
		return Scope(s), nil
	case "":
		return ScopeNone, nil
	}
	return "", fmt.Errorf("unknown prompt_injection scope %q", s)
}

// Injector wraps system prompts with a mandatory frame before they reach a
// model. The frame is applied at call time, never stored, so agents editing
// their prompts cannot strip it.
type Injector struct {
	Enabled bool
	Scope   Scope
	Prefix  string
	Suffix  string
}

// Frame wraps prompt for the given principal. genesis reports whether the
// principal was created by the boot loader.
func (i Injector) Frame(prompt string, genesis bool) string {
	if !i.applies(genesis) {
		return prompt
	}
	var sb strings.Builder
	if i.Prefix != "" {
		sb.WriteString(norm.NFC.String(i.Prefix))
		sb.WriteString("\n\n")
	}
	sb.WriteString(prompt)
	if i.Suffix != "" {
		sb.WriteString("\n\n")
		sb.WriteString(norm.NFC.String(i.Suffix))
	}
	return sb.String()
}

func (i Injector) applies(genesis bool) bool {
	if !i.Enabled {
		return false
	}
	switch i.Scope {
	case ScopeAll:
		return true
	case ScopeGenesis:
		return genesis
	}
	return false
}
