package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetSourceStartsPending(t *testing.T) {
	r := New()
	bp := r.SetSource(Breakpoint{File: "Program.cs", Line: 10}, "Program.exe")

	assert.Equal(t, Pending, bp.State)
	assert.True(t, bp.Enabled)
	assert.False(t, bp.Verified)
	assert.True(t, strings.HasPrefix(bp.ID, "bp-"))

	pending := r.PendingForModule("Program.exe")
	require.Len(t, pending, 1)
	assert.Equal(t, bp.ID, pending[0])
}

func TestSetExceptionIsImmediatelyBound(t *testing.T) {
	r := New()
	bp := r.SetException(Breakpoint{ExceptionType: "System.NullReferenceException"})

	assert.Equal(t, Bound, bp.State)
	assert.True(t, bp.Verified)
	assert.True(t, strings.HasPrefix(bp.ID, "ex-"))
}

func TestMarkBoundSetsVerified(t *testing.T) {
	r := New()
	bp := r.SetSource(Breakpoint{File: "Program.cs", Line: 10}, "Program.exe")

	r.MarkBound(bp.ID, 0x06000001, 0, "Program.exe")

	got, ok := r.Get(bp.ID)
	require.True(t, ok)
	assert.Equal(t, Bound, got.State)
	assert.True(t, got.Verified)
	assert.Equal(t, uint32(0x06000001), got.MethodToken)
}

func TestHitCountNeverDecreases(t *testing.T) {
	r := New()
	bp := r.SetSource(Breakpoint{File: "Program.cs", Line: 10}, "Program.exe")

	assert.Equal(t, 1, r.IncrementHit(bp.ID))
	assert.Equal(t, 2, r.IncrementHit(bp.ID))
	assert.Equal(t, 3, r.IncrementHit(bp.ID))
}

func TestSetEnabledIsIdempotent(t *testing.T) {
	r := New()
	bp := r.SetSource(Breakpoint{File: "Program.cs", Line: 10}, "Program.exe")
	r.MarkBound(bp.ID, 1, 0, "Program.exe")

	got, ok := r.SetEnabled(bp.ID, false)
	require.True(t, ok)
	assert.False(t, got.Enabled)
	assert.Equal(t, Pending, got.State)

	got2, ok := r.SetEnabled(bp.ID, false)
	require.True(t, ok)
	assert.Equal(t, got.State, got2.State)
	assert.Equal(t, got.Enabled, got2.Enabled)
}

func TestPendingForModuleExcludesDisabled(t *testing.T) {
	r := New()
	bp := r.SetSource(Breakpoint{File: "Program.cs", Line: 10}, "Program.exe")
	r.SetEnabled(bp.ID, false)

	assert.Empty(t, r.PendingForModule("Program.exe"))
}

func TestRemoveDeletesRecordAndIndex(t *testing.T) {
	r := New()
	bp := r.SetSource(Breakpoint{File: "Program.cs", Line: 10}, "Program.exe")

	removed, ok := r.Remove(bp.ID)
	require.True(t, ok)
	assert.Equal(t, bp.ID, removed.ID)

	_, ok = r.Get(bp.ID)
	assert.False(t, ok)
}

func TestClearAllEmptiesEveryIndex(t *testing.T) {
	r := New()
	r.SetSource(Breakpoint{File: "Program.cs", Line: 10}, "Program.exe")
	r.SetException(Breakpoint{ExceptionType: "System.Exception"})

	r.ClearAll()

	assert.Empty(t, r.List())
	assert.Empty(t, r.PendingForModule("Program.exe"))
}
