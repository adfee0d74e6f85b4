package symbols

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clrdbg/clrdbg-mcp/internal/metadata"
)

// fakeLoader returns a fixed table of sequence points, keyed by assembly
// path, the way a test double for a real portable-PDB parser would.
type fakeLoader struct {
	points map[string][]SequencePointRecord
	loads  int
}

func (f *fakeLoader) Load(assemblyPath string) ([]SequencePointRecord, error) {
	f.loads++
	return f.points[assemblyPath], nil
}

// newTestAssembly creates an empty file on disk (Resolver.index stats the
// assembly path for its cache key) and returns its path.
func newTestAssembly(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "Program.exe")
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0o644))
	return path
}

const mainToken = metadata.Token(0x06000001)

func TestFindILOffsetPicksColumnContainingSpan(t *testing.T) {
	path := newTestAssembly(t)
	loader := &fakeLoader{points: map[string][]SequencePointRecord{
		path: {
			{MethodToken: mainToken, ILOffset: 0, File: "Program.cs", Span: Span{StartLine: 10, StartCol: 1, EndLine: 10, EndCol: 10}},
			{MethodToken: mainToken, ILOffset: 5, File: "Program.cs", Span: Span{StartLine: 10, StartCol: 11, EndLine: 10, EndCol: 20}},
		},
	}}
	r, err := NewResolver(loader, 8)
	require.NoError(t, err)

	match, ok, err := r.FindILOffset(path, "Program.cs", 10, 15)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(5), match.ILOffset)
}

func TestFindILOffsetNoMatch(t *testing.T) {
	path := newTestAssembly(t)
	loader := &fakeLoader{points: map[string][]SequencePointRecord{}}
	r, err := NewResolver(loader, 8)
	require.NoError(t, err)

	_, ok, err := r.FindILOffset(path, "Program.cs", 99, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHiddenSequencePointsExcludedFromLineIndex(t *testing.T) {
	path := newTestAssembly(t)
	loader := &fakeLoader{points: map[string][]SequencePointRecord{
		path: {
			{MethodToken: mainToken, ILOffset: 0, File: "Program.cs", Span: Span{StartLine: HiddenLine, StartCol: 0}, Hidden: true},
			{MethodToken: mainToken, ILOffset: 1, File: "Program.cs", Span: Span{StartLine: 12, StartCol: 1}},
		},
	}}
	r, err := NewResolver(loader, 8)
	require.NoError(t, err)

	pts, err := r.SequencePointsOnLine(path, "Program.cs", HiddenLine)
	require.NoError(t, err)
	assert.Empty(t, pts)

	pts, err = r.SequencePointsOnLine(path, "Program.cs", 12)
	require.NoError(t, err)
	require.Len(t, pts, 1)
}

func TestMethodSequencePointsIncludesHiddenOrderedByILOffset(t *testing.T) {
	path := newTestAssembly(t)
	loader := &fakeLoader{points: map[string][]SequencePointRecord{
		path: {
			{MethodToken: mainToken, ILOffset: 5, File: "Program.cs", Span: Span{StartLine: 12}, Hidden: true},
			{MethodToken: mainToken, ILOffset: 0, File: "Program.cs", Span: Span{StartLine: 10}},
		},
	}}
	r, err := NewResolver(loader, 8)
	require.NoError(t, err)

	pts, err := r.MethodSequencePoints(path, mainToken)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, uint32(0), pts[0].ILOffset)
	assert.Equal(t, uint32(5), pts[1].ILOffset)
}

func TestLineForILOffsetFindsPrecedingPoint(t *testing.T) {
	path := newTestAssembly(t)
	loader := &fakeLoader{points: map[string][]SequencePointRecord{
		path: {
			{MethodToken: mainToken, ILOffset: 0, File: "Program.cs", Span: Span{StartLine: 10}},
			{MethodToken: mainToken, ILOffset: 10, File: "Program.cs", Span: Span{StartLine: 11}},
		},
	}}
	r, err := NewResolver(loader, 8)
	require.NoError(t, err)

	sp, ok, err := r.LineForILOffset(path, mainToken, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10, sp.Span.StartLine)
}

func TestNearestValidLinePrefersCloserThenSmaller(t *testing.T) {
	path := newTestAssembly(t)
	loader := &fakeLoader{points: map[string][]SequencePointRecord{
		path: {
			{MethodToken: mainToken, ILOffset: 0, File: "Program.cs", Span: Span{StartLine: 8}},
			{MethodToken: mainToken, ILOffset: 1, File: "Program.cs", Span: Span{StartLine: 12}},
		},
	}}
	r, err := NewResolver(loader, 8)
	require.NoError(t, err)

	line, ok, err := r.NearestValidLine(path, "Program.cs", 10, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8, line)
}

func TestIndexIsCachedPerAssembly(t *testing.T) {
	path := newTestAssembly(t)
	loader := &fakeLoader{points: map[string][]SequencePointRecord{
		path: {{MethodToken: mainToken, ILOffset: 0, File: "Program.cs", Span: Span{StartLine: 10}}},
	}}
	r, err := NewResolver(loader, 8)
	require.NoError(t, err)

	_, _, err = r.FindILOffset(path, "Program.cs", 10, 0)
	require.NoError(t, err)
	_, _, err = r.FindILOffset(path, "Program.cs", 10, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, loader.loads)
}

func TestForgetAssemblyDropsCacheEntry(t *testing.T) {
	path := newTestAssembly(t)
	loader := &fakeLoader{points: map[string][]SequencePointRecord{
		path: {{MethodToken: mainToken, ILOffset: 0, File: "Program.cs", Span: Span{StartLine: 10}}},
	}}
	r, err := NewResolver(loader, 8)
	require.NoError(t, err)

	_, _, err = r.FindILOffset(path, "Program.cs", 10, 0)
	require.NoError(t, err)
	r.ForgetAssembly(path)
	_, _, err = r.FindILOffset(path, "Program.cs", 10, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, loader.loads)
}
