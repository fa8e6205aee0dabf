package contracts_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergence-labs/agora/pkg/contracts"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		code      contracts.Code
		category  contracts.Category
		retriable bool
	}{
		{contracts.CodeNotAuthorized, contracts.CategoryPermission, false},
		{contracts.CodeNotFound, contracts.CategoryResource, false},
		{contracts.CodeDeleted, contracts.CategoryResource, false},
		{contracts.CodeInsufficientFunds, contracts.CategoryResource, false},
		{contracts.CodeQuotaExceeded, contracts.CategoryResource, true},
		{contracts.CodeBudgetExhausted, contracts.CategoryResource, false},
		{contracts.CodeInvalidArgument, contracts.CategoryValidation, false},
		{contracts.CodeInvalidType, contracts.CategoryValidation, false},
		{contracts.CodeIDCollision, contracts.CategoryValidation, false},
		{contracts.CodeRuntimeError, contracts.CategoryExecution, false},
		{contracts.CodeTimeout, contracts.CategoryExecution, true},
		{contracts.CodeInvokeTooDeep, contracts.CategoryExecution, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.category, contracts.CategoryOf(tt.code))
			assert.Equal(t, tt.retriable, contracts.Retriable(tt.code))
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("disk on fire")
	err := contracts.WrapError(contracts.CodeRuntimeError, "write failed", cause)

	require.ErrorIs(t, err, cause)

	var ke *contracts.Error
	require.ErrorAs(t, fmt.Errorf("outer: %w", err), &ke)
	assert.Equal(t, contracts.CodeRuntimeError, ke.Code)
}

func TestAsErrorClassifiesUnknown(t *testing.T) {
	ke := contracts.AsError(errors.New("panic: nil map"))
	require.NotNil(t, ke)
	assert.Equal(t, contracts.CodeRuntimeError, ke.Code)
	assert.Equal(t, contracts.CategoryExecution, ke.Category())
	assert.False(t, ke.Retriable())

	assert.Nil(t, contracts.AsError(nil))
}

func TestFailPopulatesResultFields(t *testing.T) {
	err := contracts.NewError(contracts.CodeQuotaExceeded, "llm_call_rate window full").
		WithDetail("retry_after_seconds", 42)
	res := contracts.Fail(err)

	assert.False(t, res.Success)
	assert.Equal(t, contracts.CodeQuotaExceeded, res.ErrorCode)
	assert.Equal(t, contracts.CategoryResource, res.ErrorCategory)
	assert.True(t, res.Retriable)
	assert.Equal(t, 42, res.ErrorDetails["retry_after_seconds"])
	assert.NotEmpty(t, res.Message)
}

func TestIntentValidate(t *testing.T) {
	valid := []contracts.Intent{
		{Kind: contracts.IntentRead, PrincipalID: "alice", ArtifactID: "doc-1"},
		{Kind: contracts.IntentWrite, PrincipalID: "alice", ArtifactID: "doc-1", Content: "hello"},
		{Kind: contracts.IntentInvoke, PrincipalID: "alice", ArtifactID: "svc-1", Method: "run"},
		{Kind: contracts.IntentTransfer, PrincipalID: "alice", To: "bob", Amount: 40, Resource: contracts.ResourceScrip},
		{Kind: contracts.IntentTransfer, PrincipalID: "alice", To: "bob", Amount: 0.25, Resource: contracts.ResourceLLMBudget},
		{Kind: contracts.IntentDelete, PrincipalID: "alice", ArtifactID: "doc-1"},
		{Kind: contracts.IntentQuery, PrincipalID: "alice", QueryType: contracts.QueryArtifacts},
		{Kind: contracts.IntentNoop, PrincipalID: "alice"},
		{Kind: contracts.IntentUpdateMetadata, PrincipalID: "alice", ArtifactID: "doc-1", Updates: map[string]string{"tags": "x"}},
		{Kind: contracts.IntentModifySystemPrompt, PrincipalID: "alice", Operation: contracts.PromptAppend, Text: "be terse"},
	}
	for _, in := range valid {
		t.Run("ok_"+string(in.Kind), func(t *testing.T) {
			assert.NoError(t, in.Validate())
		})
	}

	invalid := []struct {
		name string
		in   contracts.Intent
		code contracts.Code
	}{
		{"missing principal", contracts.Intent{Kind: contracts.IntentNoop}, contracts.CodeInvalidArgument},
		{"read without target", contracts.Intent{Kind: contracts.IntentRead, PrincipalID: "a"}, contracts.CodeInvalidArgument},
		{"unknown kind", contracts.Intent{Kind: "explode", PrincipalID: "a"}, contracts.CodeInvalidType},
		{"transfer zero", contracts.Intent{Kind: contracts.IntentTransfer, PrincipalID: "a", To: "b", Amount: 0, Resource: contracts.ResourceScrip}, contracts.CodeInvalidArgument},
		{"transfer rate resource", contracts.Intent{Kind: contracts.IntentTransfer, PrincipalID: "a", To: "b", Amount: 1, Resource: contracts.ResourceCPURate}, contracts.CodeInvalidType},
		{"fractional scrip", contracts.Intent{Kind: contracts.IntentTransfer, PrincipalID: "a", To: "b", Amount: 1.5, Resource: contracts.ResourceScrip}, contracts.CodeInvalidArgument},
		{"bad query type", contracts.Intent{Kind: contracts.IntentQuery, PrincipalID: "a", QueryType: "everything"}, contracts.CodeInvalidType},
		{"empty metadata updates", contracts.Intent{Kind: contracts.IntentUpdateMetadata, PrincipalID: "a", ArtifactID: "x"}, contracts.CodeInvalidArgument},
		{"bad prompt op", contracts.Intent{Kind: contracts.IntentModifySystemPrompt, PrincipalID: "a", Operation: "rewrite"}, contracts.CodeInvalidType},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			require.Error(t, err)
			var ke *contracts.Error
			require.ErrorAs(t, err, &ke)
			assert.Equal(t, tt.code, ke.Code)
		})
	}
}

func TestArtifactValidate(t *testing.T) {
	base := func() contracts.Artifact {
		return contracts.Artifact{
			ID:        "svc-1",
			Kind:      contracts.KindExecutable,
			CreatedBy: "alice",
			Interface: contracts.InterfaceSpec{
				Description: "echo service",
				DataType:    contracts.DataTypeService,
				Methods:     []contracts.MethodSpec{{Name: "run"}},
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		a := base()
		assert.NoError(t, a.Validate())
	})

	t.Run("executable without methods", func(t *testing.T) {
		a := base()
		a.Interface.Methods = nil
		err := a.Validate()
		require.Error(t, err)
		assert.Equal(t, contracts.CodeInvalidArgument, contracts.AsError(err).Code)
	})

	t.Run("loop requires standing", func(t *testing.T) {
		a := base()
		a.Kind = contracts.KindAgent
		a.HasLoop = true
		a.HasStanding = false
		require.Error(t, a.Validate())
	})

	t.Run("missing description", func(t *testing.T) {
		a := base()
		a.Interface.Description = ""
		require.Error(t, a.Validate())
	})
}

func TestArtifactCloneIsDeep(t *testing.T) {
	a := &contracts.Artifact{
		ID:           "doc-1",
		Kind:         contracts.KindData,
		CreatedBy:    "alice",
		Capabilities: []contracts.Capability{contracts.CapCallLLM},
		Metadata:     map[string]string{"tags": "original"},
		Interface: contracts.InterfaceSpec{
			Description: "doc",
			DataType:    contracts.DataTypeData,
		},
	}
	b := a.Clone()
	b.Metadata["tags"] = "mutated"
	b.Capabilities[0] = contracts.CapSpawnAgent

	assert.Equal(t, "original", a.Metadata["tags"])
	assert.Equal(t, contracts.CapCallLLM, a.Capabilities[0])
	assert.True(t, a.HasCapability(contracts.CapCallLLM))
	assert.False(t, a.HasCapability(contracts.CapSpawnAgent))
}

func TestResourcesConsumedAdd(t *testing.T) {
	var rc contracts.ResourcesConsumed
	rc.Add(contracts.ResourceScrip, 3)
	rc.Add(contracts.ResourceScrip, 2)
	rc.Add(contracts.ResourceLLMBudget, 0.0015)
	rc.Add(contracts.ResourceCPURate, 0) // no-op

	assert.Equal(t, 5.0, rc[contracts.ResourceScrip])
	assert.InDelta(t, 0.0015, rc[contracts.ResourceLLMBudget], 1e-9)
	_, present := rc[contracts.ResourceCPURate]
	assert.False(t, present)
}
