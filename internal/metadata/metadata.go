// Package metadata reads assembly-level type and method metadata: type
// tokens, method tokens, field tables, property accessor pairs, generic
// parameters, and the base-type chain (spec §4.C). It is grounded on the
// teacher's DWARF entry walking (golang-debug/debug/dwarf/symbol.go,
// LookupFunction/EntryForPC: a linear Reader walk matching one attribute at
// a time) and the Kind/Field shape of golang-debug/internal/gocore/type.go,
// generalised from Go's runtime type model to metadata tokens, flags, and
// member tables for a CLR-class assembly.
package metadata

import (
	"fmt"
	"sync"
)

// Token is an opaque metadata token, unique within one assembly.
type Token uint32

// TypeKind mirrors the handful of classifications the engine needs to
// decide how to materialise a value (spec §4.D.5 step 2).
type TypeKind uint8

const (
	KindUnknown TypeKind = iota
	KindPrimitive
	KindString
	KindArray
	KindObject
	KindStruct // CLR value type
)

func (k TypeKind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindStruct:
		return "struct"
	default:
		return "unknown"
	}
}

// TypeDefFlags are the handful of type-def flags the engine consults.
type TypeDefFlags uint32

const (
	FlagNone TypeDefFlags = 0
	FlagAbstract TypeDefFlags = 1 << iota
	FlagSealed
	FlagInterface
	FlagValueType
)

// TypeDef is one row of the type-def table.
type TypeDef struct {
	Token      Token
	FullName   string
	Namespace  string
	Name       string
	BaseToken  Token // 0 == no base (this is System.Object, or an interface)
	Flags      TypeDefFlags
	Kind       TypeKind
	Size       int64 // instance size, excluding object header, 0 if unknown
	Fields     []FieldDef
	Methods    []MethodDef
	Properties []PropertyDef
	Generics   []GenericParam
	NestedIn   Token // 0 if not nested
}

// FieldDef is one row of the field table.
type FieldDef struct {
	Token    Token
	Name     string
	TypeName string
	Offset   int64 // -1 if unknown / static
	Static   bool
}

// MethodFlags are the handful of method flags the engine consults.
type MethodFlags uint32

const (
	MethodNone     MethodFlags = 0
	MethodStatic   MethodFlags = 1 << iota
	MethodVirtual
	MethodSpecialName // getters/setters/constructors
)

// MethodDef is one row of the method table.
type MethodDef struct {
	Token     Token
	Name      string
	Signature string
	Flags     MethodFlags
	OwnerType Token
}

// PropertyDef pairs a property with its semi-mangled getter/setter method
// table entries (spec §4.C "the get_X/set_X semi-mangled method table
// entries").
type PropertyDef struct {
	Name       string
	TypeName   string
	GetterName string // "get_Name", empty if no getter
	SetterName string // "set_Name", empty if no setter
}

// GenericParam is one generic parameter slot on a type or method.
type GenericParam struct {
	Index int
	Name  string
}

// ErrNotFound is returned by lookups that miss.
type ErrNotFound struct {
	Kind string
	Key  string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("metadata: %s %q not found", e.Kind, e.Key)
}

// ObjectTypeName is the name terminating every base-type chain (spec
// §4.C "Base-type traversal terminates at the root Object token").
const ObjectTypeName = "System.Object"

// Assembly is one loaded assembly's metadata, indexed for the lookups the
// engine and resolver need. It is safe for concurrent read access once
// built; construction happens once per assembly load and is itself
// single-threaded (done on the engine's event loop).
type Assembly struct {
	Path string

	mu        sync.RWMutex
	byToken   map[Token]*TypeDef
	byName    map[string]*TypeDef
	methodsBy map[Token]*MethodDef
}

// NewAssembly builds an empty, lookup-ready Assembly. Real type-def rows are
// added with AddType as the image's metadata tables are parsed.
func NewAssembly(path string) *Assembly {
	return &Assembly{
		Path:      path,
		byToken:   make(map[Token]*TypeDef),
		byName:    make(map[string]*TypeDef),
		methodsBy: make(map[Token]*MethodDef),
	}
}

// AddType registers a parsed type-def row, indexing its methods too.
func (a *Assembly) AddType(t *TypeDef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byToken[t.Token] = t
	a.byName[t.FullName] = t
	for i := range t.Methods {
		m := &t.Methods[i]
		m.OwnerType = t.Token
		a.methodsBy[m.Token] = m
	}
}

// TypeByToken resolves a type token to its definition.
func (a *Assembly) TypeByToken(tok Token) (*TypeDef, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.byToken[tok]
	if !ok {
		return nil, ErrNotFound{"type token", fmt.Sprintf("%#x", uint32(tok))}
	}
	return t, nil
}

// TypeByName resolves a fully qualified type name to its definition.
func (a *Assembly) TypeByName(fullName string) (*TypeDef, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.byName[fullName]
	if !ok {
		return nil, ErrNotFound{"type", fullName}
	}
	return t, nil
}

// MethodByToken resolves a method token.
func (a *Assembly) MethodByToken(tok Token) (*MethodDef, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.methodsBy[tok]
	if !ok {
		return nil, ErrNotFound{"method token", fmt.Sprintf("%#x", uint32(tok))}
	}
	return m, nil
}

// AllTypes returns every registered type-def row, in no particular order,
// for modules_get_types / modules_search to filter and scan.
func (a *Assembly) AllTypes() []*TypeDef {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*TypeDef, 0, len(a.byToken))
	for _, t := range a.byToken {
		out = append(out, t)
	}
	return out
}

// MethodByFullyQualifiedName resolves "Namespace.Type.Method" to a method
// token, used for function breakpoints (spec §4.D.2).
func (a *Assembly) MethodByFullyQualifiedName(fqn string) (*MethodDef, error) {
	typeName, methodName, ok := splitLast(fqn, '.')
	if !ok {
		return nil, ErrNotFound{"function", fqn}
	}
	t, err := a.TypeByName(typeName)
	if err != nil {
		return nil, ErrNotFound{"function", fqn}
	}
	for i := range t.Methods {
		if t.Methods[i].Name == methodName {
			return &t.Methods[i], nil
		}
	}
	return nil, ErrNotFound{"function", fqn}
}

func splitLast(s string, sep byte) (before, after string, ok bool) {
	i := len(s) - 1
	for i >= 0 && s[i] != sep {
		i--
	}
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// MethodsList enumerates the methods declared directly on t (not inherited).
func (t *TypeDef) MethodsList() []MethodDef {
	return t.Methods
}

// FieldByName finds a field declared directly on t.
func (t *TypeDef) FieldByName(name string) (*FieldDef, bool) {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i], true
		}
	}
	return nil, false
}

// PropertyByName finds a property declared directly on t.
func (t *TypeDef) PropertyByName(name string) (*PropertyDef, bool) {
	for i := range t.Properties {
		if t.Properties[i].Name == name {
			return &t.Properties[i], true
		}
	}
	return nil, false
}

// BackingFieldName is the compiler-synthesised storage name for an
// auto-property (GLOSSARY "Backing field").
func BackingFieldName(propertyName string) string {
	return "<" + propertyName + ">k__BackingField"
}

// Reader is the interface the engine and resolver use to reach metadata
// without depending on how assemblies got loaded (test doubles substitute a
// Reader backed entirely by in-memory Assembly values).
type Reader interface {
	// Assembly returns the metadata for a loaded assembly by path,
	// parsing and caching it on first use.
	Assembly(path string) (*Assembly, error)
	// Forget drops any cached metadata for path (module unload).
	Forget(path string)
}

// BaseChain walks from t up to (and including) System.Object, following
// BaseToken through asm. It terminates on a zero BaseToken or when the
// current type's name is System.Object (spec §4.C).
func BaseChain(asm *Assembly, t *TypeDef) []*TypeDef {
	var chain []*TypeDef
	seen := map[Token]bool{}
	cur := t
	for cur != nil {
		chain = append(chain, cur)
		if cur.FullName == ObjectTypeName || cur.BaseToken == 0 || seen[cur.Token] {
			break
		}
		seen[cur.Token] = true
		next, err := asm.TypeByToken(cur.BaseToken)
		if err != nil {
			break
		}
		cur = next
	}
	return chain
}
