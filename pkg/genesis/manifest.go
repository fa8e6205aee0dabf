// Package genesis bootstraps the world from a YAML manifest. Everything it
// creates (access handlers, kernel API shims, the mint, the handbook)
// goes through the ordinary write pipeline as a bare "genesis" principal,
// so genesis artifacts end up indistinguishable from agent-created ones.
package genesis

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/ledger"
	"github.com/emergence-labs/agora/pkg/sandbox"
)

// Manifest is the genesis bootstrap document.
type Manifest struct {
	Artifacts []Entry `yaml:"artifacts"`
}

// Entry describes one genesis artifact. Content and code may be inline or
// referenced by path relative to the manifest file.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Entry struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`

	Content     string `yaml:"content,omitempty"`
	ContentFile string `yaml:"content_file,omitempty"`
	Code        string `yaml:"code,omitempty"`
	CodeFile    string `yaml:"code_file,omitempty"`

	// Runtime routes execution (cel, wasm, native). Stored under the
	// artifact's runtime metadata key; empty means cel.
	Runtime string `yaml:"runtime,omitempty"`

	Interface      InterfaceDoc      `yaml:"interface"`
	Capabilities   []string          `yaml:"capabilities,omitempty"`
	AccessContract string            `yaml:"access_contract,omitempty"`
	Metadata       map[string]string `yaml:"metadata,omitempty"`
	Balances       *BalanceDoc       `yaml:"balances,omitempty"`
}

// InterfaceDoc mirrors contracts.InterfaceSpec for YAML.
type InterfaceDoc struct {
	Description string      `yaml:"description"`
	DataType    string      `yaml:"data_type"`
	Methods     []MethodDoc `yaml:"methods,omitempty"`
	Examples    []string    `yaml:"examples,omitempty"`
	HasStanding bool        `yaml:"has_standing,omitempty"`
}

// MethodDoc mirrors contracts.MethodSpec for YAML.
type MethodDoc struct {
	Name         string         `yaml:"name"`
	InputSchema  map[string]any `yaml:"input_schema,omitempty"`
	OutputSchema map[string]any `yaml:"output_schema,omitempty"`
	Cost         int64          `yaml:"cost,omitempty"`
	Errors       []string       `yaml:"errors,omitempty"`
}

// BalanceDoc is an entry's starting balances, moved from the genesis
// account by ordinary transfers after the artifact is created.
type BalanceDoc struct {
	Scrip     int64   `yaml:"scrip,omitempty"`
	LLMBudget float64 `yaml:"llm_budget,omitempty"`
	DiskQuota int64   `yaml:"disk_quota,omitempty"`
}

func (b *BalanceDoc) balances() ledger.Balances {
	return ledger.Balances{Scrip: b.Scrip, LLMBudget: b.LLMBudget, DiskQuota: b.DiskQuota}
}

func (b *BalanceDoc) negative() bool {
	return b.Scrip < 0 || b.LLMBudget < 0 || b.DiskQuota < 0
}

// Load reads and validates a manifest, resolving content_file and
// code_file references relative to the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", filepath.Base(path), err)
	}
	if err := m.resolveFiles(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return m, nil
}

// Parse decodes and validates a manifest. Unknown YAML fields are rejected
// so a typo fails `agora genesis --check` instead of silently dropping
// policy. Entries using file references must go through Load.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, contracts.WrapError(contracts.CodeInvalidArgument,
			"genesis manifest does not parse", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every entry for the mistakes that would otherwise
// surface halfway through a boot.
func (m *Manifest) Validate() error {
	if len(m.Artifacts) == 0 {
		return contracts.NewError(contracts.CodeInvalidArgument, "genesis manifest has no artifacts")
	}
	seen := make(map[string]bool, len(m.Artifacts))
	for i := range m.Artifacts {
		e := &m.Artifacts[i]
		if err := e.validate(); err != nil {
			return fmt.Errorf("artifacts[%d] %q: %w", i, e.ID, err)
		}
		if seen[e.ID] {
			return contracts.Errorf(contracts.CodeIDCollision, "artifact id %q appears twice", e.ID)
		}
		seen[e.ID] = true
	}
	return nil
}

func (e *Entry) validate() error {
	if e.ID == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "id is required")
	}
	if !contracts.ValidKind(contracts.ArtifactKind(e.Kind)) {
		return contracts.Errorf(contracts.CodeInvalidType, "unknown kind %q", e.Kind)
	}
	if e.Content != "" && e.ContentFile != "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "content and content_file are exclusive")
	}
	if e.Code != "" && e.CodeFile != "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "code and code_file are exclusive")
	}
	switch e.Runtime {
	case "", sandbox.RuntimeCEL, sandbox.RuntimeWASM:
	case sandbox.RuntimeNative:
		if e.Code == "" {
			return contracts.NewError(contracts.CodeInvalidArgument,
				"native entries name their registered handler in code")
		}
	default:
		return contracts.Errorf(contracts.CodeInvalidType, "unknown runtime %q", e.Runtime)
	}
	if e.Interface.Description == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "interface.description is required")
	}
	switch contracts.DataType(e.Interface.DataType) {
	case contracts.DataTypeData, contracts.DataTypeService, contracts.DataTypeAgent, contracts.DataTypeContract:
	default:
		return contracts.Errorf(contracts.CodeInvalidType,
			"unknown interface.data_type %q", e.Interface.DataType)
	}
	if contracts.ArtifactKind(e.Kind) == contracts.KindExecutable && len(e.Interface.Methods) == 0 {
		return contracts.NewError(contracts.CodeInvalidArgument,
			"executable entries require interface.methods")
	}
	for _, c := range e.Capabilities {
		switch contracts.Capability(c) {
		case contracts.CapCallLLM, contracts.CapSpawnAgent:
		default:
			return contracts.Errorf(contracts.CodeInvalidArgument, "unknown capability %q", c)
		}
	}
	if e.Balances != nil {
		if e.Balances.negative() {
			return contracts.NewError(contracts.CodeInvalidArgument, "balances must be non-negative")
		}
		if !e.Interface.HasStanding {
			return contracts.NewError(contracts.CodeInvalidArgument,
				"balances require interface.has_standing: only principals hold accounts")
		}
	}
	for _, key := range []string{metaRuntime, metaGrantCapabilities, metaAccessContract} {
		if _, clash := e.Metadata[key]; clash {
			return contracts.Errorf(contracts.CodeInvalidArgument,
				"metadata key %q belongs to the entry's own field", key)
		}
	}
	return nil
}

// resolveFiles inlines content_file and code_file references. Absolute
// paths are refused: a manifest names only files shipped next to it.
func (m *Manifest) resolveFiles(dir string) error {
	for i := range m.Artifacts {
		e := &m.Artifacts[i]
		if e.ContentFile != "" {
			data, err := readRel(dir, e.ContentFile)
			if err != nil {
				return fmt.Errorf("artifact %q content_file: %w", e.ID, err)
			}
			e.Content, e.ContentFile = string(data), ""
		}
		if e.CodeFile != "" {
			data, err := readRel(dir, e.CodeFile)
			if err != nil {
				return fmt.Errorf("artifact %q code_file: %w", e.ID, err)
			}
			e.Code, e.CodeFile = string(data), ""
		}
	}
	return nil
}

func readRel(dir, ref string) ([]byte, error) {
	if filepath.IsAbs(ref) || strings.Contains(ref, "..") {
		return nil, contracts.Errorf(contracts.CodeInvalidArgument,
			"file reference %q must stay inside the manifest directory", ref)
	}
	return os.ReadFile(filepath.Join(dir, ref))
}

// spec lowers the YAML interface block to the contract type.
func (e *Entry) spec() *contracts.InterfaceSpec {
	s := &contracts.InterfaceSpec{
		Description: e.Interface.Description,
		DataType:    contracts.DataType(e.Interface.DataType),
		Examples:    e.Interface.Examples,
		HasStanding: e.Interface.HasStanding,
	}
	for _, md := range e.Interface.Methods {
		s.Methods = append(s.Methods, contracts.MethodSpec{
			Name:         md.Name,
			InputSchema:  md.InputSchema,
			OutputSchema: md.OutputSchema,
			Cost:         md.Cost,
			Errors:       md.Errors,
		})
	}
	return s
}

// intentMetadata folds the entry's runtime, capability grants and access
// contract into the metadata keys the write effect consumes.
func (e *Entry) intentMetadata() map[string]string {
	meta := make(map[string]string, len(e.Metadata)+3)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	if e.Runtime != "" {
		meta[metaRuntime] = e.Runtime
	}
	if len(e.Capabilities) > 0 {
		meta[metaGrantCapabilities] = strings.Join(e.Capabilities, ",")
	}
	if e.AccessContract != "" {
		meta[metaAccessContract] = e.AccessContract
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
