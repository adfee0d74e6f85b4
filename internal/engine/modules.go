package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/clrdbg/clrdbg-mcp/internal/metadata"
	"github.com/clrdbg/clrdbg-mcp/internal/session"
)

// TypeSummary is one row of modules_get_types.
type TypeSummary struct {
	FullName  string
	Namespace string
	Kind      metadata.TypeKind
	IsAbstract bool
}

// GetTypes implements modules_get_types: every type declared in the named
// module, optionally filtered to one namespace.
func (e *Engine) GetTypes(moduleName, namespace string) ([]TypeSummary, *Error) {
	m, ok := e.ModuleByBasename(moduleName)
	if !ok {
		return nil, newErr(CodeInvalidFrame, "module %q not loaded", moduleName)
	}
	asm, err := e.metaRd.Assembly(m.Path)
	if err != nil {
		return nil, newErr(CodeInvalidFrame, "module %q has no readable metadata: %v", moduleName, err)
	}

	var out []TypeSummary
	for _, t := range asm.AllTypes() {
		if namespace != "" && t.Namespace != namespace {
			continue
		}
		out = append(out, TypeSummary{
			FullName:   t.FullName,
			Namespace:  t.Namespace,
			Kind:       t.Kind,
			IsAbstract: t.Flags&metadata.FlagAbstract != 0,
		})
	}
	return out, nil
}

// MemberSummary is one row of modules_get_members.
type MemberSummary struct {
	Name string
	Kind string // "field", "property", "method"
	Type string
}

// GetMembers implements modules_get_members, optionally filtered to the
// member_kinds list the caller asked for ("field", "property", "method").
func (e *Engine) GetMembers(typeName string, memberKinds []string) ([]MemberSummary, *Error) {
	_, t, err := e.findType(typeName)
	if err != nil {
		return nil, newErr(CodeInvalidFrame, "type %q not found", typeName)
	}

	want := func(kind string) bool {
		if len(memberKinds) == 0 {
			return true
		}
		for _, k := range memberKinds {
			if k == kind {
				return true
			}
		}
		return false
	}

	var out []MemberSummary
	if want("field") {
		for _, f := range t.Fields {
			out = append(out, MemberSummary{Name: f.Name, Kind: "field", Type: f.TypeName})
		}
	}
	if want("property") {
		for _, p := range t.Properties {
			out = append(out, MemberSummary{Name: p.Name, Kind: "property", Type: p.TypeName})
		}
	}
	if want("method") {
		for _, mth := range t.Methods {
			if mth.Flags&metadata.MethodSpecialName != 0 {
				continue // property accessors are covered by "property"; constructors are not listed
			}
			out = append(out, MemberSummary{Name: mth.Name, Kind: "method", Type: mth.Signature})
		}
	}
	return out, nil
}

// SearchResult is one row of modules_search.
type SearchResult struct {
	Kind string // "type" or "method"
	Name string
}

// Search implements modules_search's prefix-dispatch matching (spec
// expansion: exact / prefix / regex), scanning every loaded module's
// metadata.
func (e *Engine) Search(pattern, searchType string) ([]SearchResult, *Error) {
	var match func(candidate string) bool
	switch searchType {
	case "exact":
		match = func(candidate string) bool { return candidate == pattern }
	case "prefix":
		match = func(candidate string) bool { return strings.HasPrefix(candidate, pattern) }
	case "regex":
		re, rerr := regexp.Compile(pattern)
		if rerr != nil {
			return nil, newErr(CodeInvalidFrame, "invalid regex %q: %v", pattern, rerr)
		}
		match = re.MatchString
	default:
		return nil, newErr(CodeInvalidFrame, "unknown search_type %q (want exact, prefix, or regex)", searchType)
	}

	e.mu.Lock()
	modules := make([]*session.Module, 0, len(e.modules))
	for _, m := range e.modules {
		modules = append(modules, m)
	}
	e.mu.Unlock()

	var out []SearchResult
	for _, m := range modules {
		asm, err := e.metaRd.Assembly(m.Path)
		if err != nil {
			continue
		}
		for _, t := range asm.AllTypes() {
			if match(t.FullName) {
				out = append(out, SearchResult{Kind: "type", Name: t.FullName})
			}
			for _, meth := range t.Methods {
				fqn := fmt.Sprintf("%s.%s", t.FullName, meth.Name)
				if match(fqn) {
					out = append(out, SearchResult{Kind: "method", Name: fqn})
				}
			}
		}
	}
	return out, nil
}
