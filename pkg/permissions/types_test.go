package permissions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		in      string
		want    Value
		wantErr bool
	}{
		{"", Unset, false},
		{"inherit", Unset, false},
		{"null", Unset, false},
		{"allow", Allow, false},
		{"true", Allow, false},
		{"deny", Deny, false},
		{"false", Deny, false},
		{"maybe", Unset, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseValue(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValue_UnmarshalJSON(t *testing.T) {
	var cells []Value
	err := json.Unmarshal([]byte(`["allow", false, null, "inherit", true]`), &cells)
	require.NoError(t, err)
	assert.Equal(t, []Value{Allow, Deny, Unset, Unset, Allow}, cells)

	var bad Value
	assert.Error(t, json.Unmarshal([]byte(`3`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`"sometimes"`), &bad))
}

func TestValue_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Value{"a": Allow, "d": Deny, "u": Unset})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"allow","d":"deny","u":"inherit"}`, string(data))
}

func TestScopeRef_Validate(t *testing.T) {
	assert.NoError(t, ForumScope().Validate())
	assert.NoError(t, GroupScope(3).Validate())
	assert.NoError(t, RankScope(1).Validate())
	assert.NoError(t, UserScope(9).Validate())

	assert.True(t, IsValidation(ScopeRef{Kind: ScopeForum, ID: 4}.Validate()))
	assert.True(t, IsValidation(ScopeRef{Kind: ScopeGroup}.Validate()))
	assert.True(t, IsValidation(ScopeRef{Kind: "site", ID: 1}.Validate()))
}

func TestScopeRef_String(t *testing.T) {
	assert.Equal(t, "forum", ForumScope().String())
	assert.Equal(t, "group:3", GroupScope(3).String())
	assert.Equal(t, "user:12", UserScope(12).String())
}

func TestHasPermission(t *testing.T) {
	set := Set{StartThreads: true, AttachFiles: false}

	assert.True(t, HasPermission(set, StartThreads))
	assert.False(t, HasPermission(set, AttachFiles))
	assert.False(t, HasPermission(set, "fly"))
	assert.False(t, HasPermission(nil, StartThreads))
}

func TestSet_Clone(t *testing.T) {
	set := Set{ViewForum: true}
	clone := set.Clone()
	clone[ViewForum] = false

	assert.True(t, set[ViewForum])
}

func TestMatrixError(t *testing.T) {
	inner := &ValidationError{Field: "permission", Message: "unknown permission"}
	err := &MatrixError{Failures: []EditFailure{
		{Edit: EditKey{ForumID: 2, Permission: "fly"}, Err: inner},
	}}

	assert.Contains(t, err.Error(), "1 matrix edit(s) failed")
	assert.Contains(t, err.Error(), "forum 2/fly")
	assert.True(t, IsValidation(err))
	assert.False(t, IsNotFound(err))
}
