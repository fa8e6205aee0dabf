package access_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergence-labs/agora/pkg/access"
	"github.com/emergence-labs/agora/pkg/contracts"
)

func target(createdBy string, meta map[string]string) *contracts.Artifact {
	return &contracts.Artifact{
		ID:        "doc",
		Kind:      contracts.KindData,
		Content:   "payload",
		CreatedBy: createdBy,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Metadata:  meta,
		Interface: contracts.InterfaceSpec{
			Description: "a document",
			DataType:    contracts.DataTypeData,
		},
	}
}

func check(t *testing.T, h access.Handler, caller, op string, a *contracts.Artifact) contracts.PermissionResult {
	t.Helper()
	res, err := h.Check(context.Background(), access.Request{
		Caller:    caller,
		Operation: op,
		Artifact:  a,
	})
	require.NoError(t, err)
	return res
}

func TestOpenAllowsEverything(t *testing.T) {
	h := access.Open()
	for _, op := range []string{"read", "write", "invoke", "delete", "update_metadata"} {
		assert.True(t, check(t, h, "anyone", op, target("alice", nil)).Allowed, op)
	}
}

func TestCreatorOnly(t *testing.T) {
	h := access.CreatorOnly()
	a := target("alice", nil)

	assert.True(t, check(t, h, "bob", "read", a).Allowed)
	assert.True(t, check(t, h, "bob", "invoke", a).Allowed)
	assert.True(t, check(t, h, "alice", "write", a).Allowed)
	assert.True(t, check(t, h, "alice", "delete", a).Allowed)
	assert.False(t, check(t, h, "bob", "write", a).Allowed)
	assert.False(t, check(t, h, "bob", "delete", a).Allowed)
	assert.False(t, check(t, h, "bob", "update_metadata", a).Allowed)
}

func TestAuthorizedWriter(t *testing.T) {
	h := access.AuthorizedWriter()

	withWriter := target("alice", map[string]string{contracts.MetaAuthorizedWriter: "carol"})
	assert.True(t, check(t, h, "carol", "write", withWriter).Allowed)
	assert.False(t, check(t, h, "alice", "write", withWriter).Allowed)
	assert.True(t, check(t, h, "bob", "read", withWriter).Allowed)

	// Unset key: the creator keeps write access.
	bare := target("alice", nil)
	assert.True(t, check(t, h, "alice", "write", bare).Allowed)
	assert.False(t, check(t, h, "carol", "write", bare).Allowed)
}

func TestDenyAll(t *testing.T) {
	h := access.DenyAll()
	a := target("alice", nil)

	for _, op := range []string{"read", "write", "invoke", "delete"} {
		assert.False(t, check(t, h, "alice", op, a).Allowed, op)
	}
}

func TestMutating(t *testing.T) {
	assert.True(t, access.Mutating("write"))
	assert.True(t, access.Mutating("delete"))
	assert.True(t, access.Mutating("update_metadata"))
	assert.True(t, access.Mutating("modify_system_prompt"))
	assert.False(t, access.Mutating("read"))
	assert.False(t, access.Mutating("invoke"))
	assert.False(t, access.Mutating("query"))
}

func TestCELBooleanExpression(t *testing.T) {
	h, err := access.NewCELHandler(`caller == artifact.created_by || operation == "read"`)
	require.NoError(t, err)
	a := target("alice", nil)

	assert.True(t, check(t, h, "alice", "write", a).Allowed)
	assert.True(t, check(t, h, "bob", "read", a).Allowed)
	assert.False(t, check(t, h, "bob", "write", a).Allowed)
}

func TestCELResultMap(t *testing.T) {
	h, err := access.NewCELHandler(`
		{"allowed": operation == "invoke",
		 "reason": "toll road",
		 "cost": 5,
		 "payer": caller,
		 "conditions": {"lane": "fast"}}
	`)
	require.NoError(t, err)
	res := check(t, h, "bob", "invoke", target("alice", nil))

	assert.True(t, res.Allowed)
	assert.Equal(t, "toll road", res.Reason)
	assert.Equal(t, int64(5), res.Cost)
	assert.Equal(t, "bob", res.Payer)
	assert.Equal(t, "fast", res.Conditions["lane"])
}

func TestCELArgsBinding(t *testing.T) {
	h, err := access.NewCELHandler(`"amount" in args && double(args["amount"]) <= 10.0`)
	require.NoError(t, err)

	res, err := h.Check(context.Background(), access.Request{
		Caller:    "bob",
		Operation: "invoke",
		Args:      map[string]any{"amount": 7},
		Artifact:  target("alice", nil),
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = h.Check(context.Background(), access.Request{
		Caller:    "bob",
		Operation: "invoke",
		Args:      map[string]any{"amount": 11},
		Artifact:  target("alice", nil),
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestCELCompileError(t *testing.T) {
	_, err := access.NewCELHandler(`caller ==`)
	require.Error(t, err)
}

func TestCELRuntimeErrorFailsClosed(t *testing.T) {
	h, err := access.NewCELHandler(`args["missing"] == "x"`)
	require.NoError(t, err)

	_, err = h.Check(context.Background(), access.Request{
		Caller:    "bob",
		Operation: "invoke",
		Artifact:  target("alice", nil),
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeRuntimeError, contracts.AsError(err).Code)
}

func TestRegistryDefaultPolicy(t *testing.T) {
	allow := access.NewRegistry(access.DefaultAllow)
	deny := access.NewRegistry(access.DefaultDeny)
	req := access.Request{Caller: "bob", Operation: "read", Artifact: target("alice", nil)}

	res, err := allow.Check(context.Background(), "", req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = deny.Check(context.Background(), "", req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Dangling contract ids also fall back to the default.
	res, err = deny.Check(context.Background(), "no_such_contract", req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestRegistryBuiltinsAndResolver(t *testing.T) {
	r := access.NewRegistry(access.DefaultDeny)
	req := access.Request{Caller: "bob", Operation: "read", Artifact: target("alice", nil)}

	res, err := r.Check(context.Background(), access.HandlerOpen, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = r.Check(context.Background(), access.HandlerDenyAll, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// The resolver serves contract ids the registry does not know.
	r.SetResolver(func(_ context.Context, contractID string) (access.Handler, bool) {
		if contractID != "custom_contract" {
			return nil, false
		}
		h, err := access.NewCELHandler(`caller == "bob"`)
		require.NoError(t, err)
		return h, true
	})
	res, err = r.Check(context.Background(), "custom_contract", req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestParseDefaultPolicy(t *testing.T) {
	p, err := access.ParseDefaultPolicy("allow")
	require.NoError(t, err)
	assert.Equal(t, access.DefaultAllow, p)

	_, err = access.ParseDefaultPolicy("")
	require.Error(t, err)
	_, err = access.ParseDefaultPolicy("maybe")
	require.Error(t, err)
}
