package condeval

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContext is a minimal Context for tests; identifiers resolve out of
// a plain map.
type fakeContext struct {
	hitCount int
	threadID int
	vars     map[string]Value
}

func (f *fakeContext) HitCount() int { return f.hitCount }
func (f *fakeContext) ThreadID() int { return f.threadID }
func (f *fakeContext) ResolveIdentifier(path string) (Value, error) {
	v, ok := f.vars[path]
	if !ok {
		return Value{}, fmt.Errorf("variable_unavailable: %s", path)
	}
	return v, nil
}

func TestEvalComparison(t *testing.T) {
	expr, err := Parse("x.Count > 3")
	require.NoError(t, err)

	ctx := &fakeContext{vars: map[string]Value{"x.Count": {Kind: KindNum, Num: 5}}}
	res := expr.Eval(ctx)
	assert.True(t, res.Success)
	assert.True(t, res.Pass)

	ctx2 := &fakeContext{vars: map[string]Value{"x.Count": {Kind: KindNum, Num: 1}}}
	res2 := expr.Eval(ctx2)
	assert.True(t, res2.Success)
	assert.False(t, res2.Pass)
}

func TestEvalLogicalAnd(t *testing.T) {
	expr, err := Parse("x.Count > 3 && x.Name == \"foo\"")
	require.NoError(t, err)

	ctx := &fakeContext{vars: map[string]Value{
		"x.Count": {Kind: KindNum, Num: 5},
		"x.Name":  {Kind: KindString, Str: "foo"},
	}}
	res := expr.Eval(ctx)
	require.True(t, res.Success)
	assert.True(t, res.Pass)
}

func TestEvalIntrinsics(t *testing.T) {
	expr, err := Parse("hitCount == 3")
	require.NoError(t, err)

	ctx := &fakeContext{hitCount: 3}
	res := expr.Eval(ctx)
	require.True(t, res.Success)
	assert.True(t, res.Pass)
}

func TestEvalUnresolvedIdentifierFails(t *testing.T) {
	expr, err := Parse("missing.Field > 1")
	require.NoError(t, err)

	res := expr.Eval(&fakeContext{vars: map[string]Value{}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "variable_unavailable")
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("x.Count >")
	assert.Error(t, err)
}

func TestParseRejectsTrailingTokens(t *testing.T) {
	_, err := Parse("x.Count > 3 )")
	assert.Error(t, err)
}

func TestSubstituteRendersResolvedAndFailedSegments(t *testing.T) {
	ctx := &fakeContext{vars: map[string]Value{"x.Count": {Kind: KindNum, Num: 5}}}
	out := Substitute("count is {x.Count}, bad is {missing}", ctx)
	assert.Contains(t, out, "count is 5")
	assert.Contains(t, out, "<error: variable_unavailable: missing>")
}

func TestSubstituteWithNoPlaceholdersIsUnchanged(t *testing.T) {
	ctx := &fakeContext{}
	assert.Equal(t, "plain text", Substitute("plain text", ctx))
}
