package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func objectAssembly() *Assembly {
	asm := NewAssembly("mscorlib.dll")
	asm.AddType(&TypeDef{Token: 1, FullName: ObjectTypeName, Name: "Object", Kind: KindObject})
	return asm
}

func TestAddTypeIndexesByTokenAndName(t *testing.T) {
	asm := objectAssembly()
	asm.AddType(&TypeDef{
		Token:     2,
		FullName:  "Foo.Bar",
		Name:      "Bar",
		BaseToken: 1,
		Methods:   []MethodDef{{Token: 100, Name: "Run"}},
	})

	byToken, err := asm.TypeByToken(2)
	require.NoError(t, err)
	assert.Equal(t, "Foo.Bar", byToken.FullName)

	byName, err := asm.TypeByName("Foo.Bar")
	require.NoError(t, err)
	assert.Equal(t, Token(2), byName.Token)
}

func TestAddTypeSetsMethodOwnerTypeAndIndexesMethod(t *testing.T) {
	asm := objectAssembly()
	asm.AddType(&TypeDef{
		Token:   2,
		FullName: "Foo.Bar",
		Methods: []MethodDef{{Token: 100, Name: "Run"}},
	})

	m, err := asm.MethodByToken(100)
	require.NoError(t, err)
	assert.Equal(t, "Run", m.Name)
	assert.Equal(t, Token(2), m.OwnerType)
}

func TestTypeByTokenMissReturnsErrNotFound(t *testing.T) {
	asm := objectAssembly()
	_, err := asm.TypeByToken(999)
	require.Error(t, err)
	var nf ErrNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "type token", nf.Kind)
}

func TestAllTypesReturnsEveryRegisteredType(t *testing.T) {
	asm := objectAssembly()
	asm.AddType(&TypeDef{Token: 2, FullName: "Foo.Bar"})
	asm.AddType(&TypeDef{Token: 3, FullName: "Foo.Baz"})

	all := asm.AllTypes()
	assert.Len(t, all, 3)
}

func TestMethodByFullyQualifiedNameResolves(t *testing.T) {
	asm := objectAssembly()
	asm.AddType(&TypeDef{
		Token:    2,
		FullName: "Foo.Bar",
		Methods:  []MethodDef{{Token: 100, Name: "Run"}},
	})

	m, err := asm.MethodByFullyQualifiedName("Foo.Bar.Run")
	require.NoError(t, err)
	assert.Equal(t, Token(100), m.Token)
}

func TestMethodByFullyQualifiedNameMissingMethod(t *testing.T) {
	asm := objectAssembly()
	asm.AddType(&TypeDef{Token: 2, FullName: "Foo.Bar"})

	_, err := asm.MethodByFullyQualifiedName("Foo.Bar.Missing")
	assert.Error(t, err)
}

func TestMethodByFullyQualifiedNameWithoutDotFails(t *testing.T) {
	asm := objectAssembly()
	_, err := asm.MethodByFullyQualifiedName("NoDotsHere")
	assert.Error(t, err)
}

func TestFieldByNameAndPropertyByName(t *testing.T) {
	typ := &TypeDef{
		FullName: "Foo.Bar",
		Fields:   []FieldDef{{Name: "count"}},
		Properties: []PropertyDef{{Name: "Count", GetterName: "get_Count"}},
	}

	f, ok := typ.FieldByName("count")
	require.True(t, ok)
	assert.Equal(t, "count", f.Name)

	_, ok = typ.FieldByName("missing")
	assert.False(t, ok)

	p, ok := typ.PropertyByName("Count")
	require.True(t, ok)
	assert.Equal(t, "get_Count", p.GetterName)
}

func TestBackingFieldName(t *testing.T) {
	assert.Equal(t, "<Count>k__BackingField", BackingFieldName("Count"))
}

func TestBaseChainWalksToObjectAndStops(t *testing.T) {
	asm := objectAssembly()
	asm.AddType(&TypeDef{Token: 2, FullName: "Foo.Base", BaseToken: 1})
	asm.AddType(&TypeDef{Token: 3, FullName: "Foo.Derived", BaseToken: 2})

	derived, err := asm.TypeByToken(3)
	require.NoError(t, err)

	chain := BaseChain(asm, derived)
	require.Len(t, chain, 3)
	assert.Equal(t, "Foo.Derived", chain[0].FullName)
	assert.Equal(t, "Foo.Base", chain[1].FullName)
	assert.Equal(t, ObjectTypeName, chain[2].FullName)
}

func TestBaseChainHandlesMissingBaseTokenGracefully(t *testing.T) {
	asm := objectAssembly()
	orphan := &TypeDef{Token: 5, FullName: "Foo.Orphan", BaseToken: 42}

	chain := BaseChain(asm, orphan)
	require.Len(t, chain, 1)
	assert.Equal(t, "Foo.Orphan", chain[0].FullName)
}

func TestTypeDefFlagsAreDistinctBits(t *testing.T) {
	seen := map[TypeDefFlags]bool{}
	for _, f := range []TypeDefFlags{FlagAbstract, FlagSealed, FlagInterface, FlagValueType} {
		assert.False(t, seen[f], "flag %d reused", f)
		seen[f] = true
	}
}
