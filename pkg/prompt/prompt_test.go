package prompt_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/prompt"
)

func editor(maxBytes, prefixChars int) prompt.Editor {
	return prompt.Editor{MaxSizeBytes: maxBytes, ProtectedPrefixChars: prefixChars}
}

func TestAppendAndPrepend(t *testing.T) {
	e := editor(1024, 4)

	out, err := e.Apply("CORE rest", contracts.PromptAppend, "", " tail")
	require.NoError(t, err)
	assert.Equal(t, "CORE rest tail", out)

	// Prepend lands after the protected prefix, never before it.
	out, err = e.Apply("CORE rest", contracts.PromptPrepend, "", "[new] ")
	require.NoError(t, err)
	assert.Equal(t, "CORE[new]  rest", out)
	assert.True(t, strings.HasPrefix(out, "CORE"))
}

func TestResetKeepsProtectedPrefix(t *testing.T) {
	e := editor(1024, 4)

	out, err := e.Apply("CORE mutable junk", contracts.PromptReset, "", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "CORE", out)
}

func TestResetWithoutProtectedPrefixEmpties(t *testing.T) {
	e := editor(1024, 0)

	out, err := e.Apply("everything goes", contracts.PromptReset, "", "")
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestSizeCap(t *testing.T) {
	e := editor(16, 0)

	_, err := e.Apply("0123456789", contracts.PromptAppend, "", "0123456789")
	require.Error(t, err)
	ke := contracts.AsError(err)
	assert.Equal(t, contracts.CodeInvalidArgument, ke.Code)
	assert.Equal(t, contracts.CategoryValidation, ke.Category())
}

func TestReplaceSection(t *testing.T) {
	e := editor(4096, 0)
	current := "intro\n## goals\nold goal\nmore old\n## notes\nkeep me\n"

	out, err := e.Apply(current, contracts.PromptReplaceSection, "goals", "new goal")
	require.NoError(t, err)
	assert.Contains(t, out, "## goals\nnew goal\n")
	assert.NotContains(t, out, "old goal")
	assert.Contains(t, out, "## notes\nkeep me")
}

func TestReplaceSectionAppendsWhenMissing(t *testing.T) {
	e := editor(4096, 0)

	out, err := e.Apply("intro\n", contracts.PromptReplaceSection, "memory", "remember this")
	require.NoError(t, err)
	assert.Contains(t, out, "## memory\nremember this")
}

func TestReplaceSectionCannotTouchProtectedPrefix(t *testing.T) {
	// The protected prefix contains a heading with the same name; the edit
	// only sees the mutable remainder, so the protected copy survives.
	protected := "## goals\nimmutable\n"
	e := editor(4096, len([]rune(protected)))
	current := protected + "## goals\ndisposable\n"

	out, err := e.Apply(current, contracts.PromptReplaceSection, "goals", "rewritten")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, protected))
	assert.Contains(t, out, "rewritten")
	assert.NotContains(t, out, "disposable")
}

func TestNFCNormalizationBeforeAccounting(t *testing.T) {
	// U+0065 U+0301 (e + combining acute) normalizes to U+00E9; both sides
	// of the edit measure identically after NFC.
	decomposed := "café"
	composed := "café"
	e := editor(1024, 0)

	out, err := e.Apply(decomposed, contracts.PromptAppend, "", "")
	require.NoError(t, err)
	assert.Equal(t, composed, out)
}

func TestUnknownOperation(t *testing.T) {
	e := prompt.DefaultEditor()

	_, err := e.Apply("x", contracts.PromptOp("rewrite"), "", "y")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidType, contracts.AsError(err).Code)
}

func TestInjectorScopes(t *testing.T) {
	inj := prompt.Injector{Enabled: true, Scope: prompt.ScopeGenesis, Prefix: "FRAME", Suffix: "END"}

	framed := inj.Frame("body", true)
	assert.Equal(t, "FRAME\n\nbody\n\nEND", framed)

	// Non-genesis principals are outside the genesis scope.
	assert.Equal(t, "body", inj.Frame("body", false))

	inj.Scope = prompt.ScopeAll
	assert.Equal(t, "FRAME\n\nbody\n\nEND", inj.Frame("body", false))

	inj.Enabled = false
	assert.Equal(t, "body", inj.Frame("body", false))
}

func TestParseScope(t *testing.T) {
	s, err := prompt.ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, prompt.ScopeNone, s)

	_, err = prompt.ParseScope("everyone")
	require.Error(t, err)
}
