// Package prompt owns system-prompt hygiene: structured edits applied by the
// modify_system_prompt action (append, prepend, replace_section, reset) and
// the injection framing wrapped around prompts before they reach a model.
// Text is NFC-normalized before any size or prefix accounting so visually
// identical prompts always measure the same.
package prompt

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// Editor applies structured edits to a prompt under a byte-size cap and an
// immutable prefix rule. The first ProtectedPrefixChars runes of a prompt
// can never be rewritten: appends land after them, prepends land between
// them and the mutable remainder, reset truncates back to them.
type Editor struct {
	MaxSizeBytes         int
	ProtectedPrefixChars int
}

// DefaultEditor returns the boot defaults.
func DefaultEditor() Editor {
	return Editor{MaxSizeBytes: 32 * 1024, ProtectedPrefixChars: 256}
}

// Apply performs one edit and returns the new prompt text. Section is only
// meaningful for replace_section; text is ignored by reset.
func (e Editor) Apply(current string, op contracts.PromptOp, section, text string) (string, error) {
	current = norm.NFC.String(current)
	text = norm.NFC.String(text)

	protected, mutable := e.split(current)

	var next string
	switch op {
	case contracts.PromptAppend:
		next = current + text
	case contracts.PromptPrepend:
		next = protected + text + mutable
	case contracts.PromptReplaceSection:
		replaced, err := replaceSection(mutable, section, text)
		if err != nil {
			return "", err
		}
		next = protected + replaced
	case contracts.PromptReset:
		next = protected
	default:
		return "", contracts.Errorf(contracts.CodeInvalidType, "unknown prompt operation %q", op)
	}

	if e.MaxSizeBytes > 0 && len(next) > e.MaxSizeBytes {
		return "", contracts.Errorf(contracts.CodeInvalidArgument,
			"prompt would grow to %d bytes, cap is %d", len(next), e.MaxSizeBytes).
			WithDetail("size_bytes", len(next)).
			WithDetail("max_size_bytes", e.MaxSizeBytes)
	}
	return next, nil
}

// split divides the prompt at the protected boundary, counted in runes so a
// multibyte character is never cut in half.
func (e Editor) split(s string) (protected, mutable string) {
	if e.ProtectedPrefixChars <= 0 {
		return "", s
	}
	runes := []rune(s)
	if len(runes) <= e.ProtectedPrefixChars {
		return s, ""
	}
	return string(runes[:e.ProtectedPrefixChars]), string(runes[e.ProtectedPrefixChars:])
}

// sectionHeading renders the marker line that opens a named section.
func sectionHeading(section string) string {
	return "## " + section
}

// replaceSection swaps the body of a "## <section>" block, which runs from
// its heading to the next "## " heading or the end of the prompt. A missing
// section is appended as a new block rather than failing: agents editing
// their own prompts should converge, not fight the parser.
func replaceSection(s, section, text string) (string, error) {
	if strings.TrimSpace(section) == "" {
		return "", contracts.NewError(contracts.CodeInvalidArgument, "replace_section requires section")
	}
	heading := sectionHeading(section)
	lines := strings.Split(s, "\n")

	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == heading {
			start = i
			break
		}
	}
	if start == -1 {
		block := fmt.Sprintf("%s\n%s", heading, text)
		if strings.TrimSpace(s) == "" {
			return block + "\n", nil
		}
		if !strings.HasSuffix(s, "\n") {
			s += "\n"
		}
		return s + block + "\n", nil
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "## ") {
			end = i
			break
		}
	}

	rebuilt := make([]string, 0, len(lines)+2)
	rebuilt = append(rebuilt, lines[:start]...)
	rebuilt = append(rebuilt, heading, text)
	rebuilt = append(rebuilt, lines[end:]...)
	return strings.Join(rebuilt, "\n"), nil
}
