package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clrdbg/clrdbg-mcp/internal/metadata"
	"github.com/clrdbg/clrdbg-mcp/internal/session"
)

// Frames returns stacktrace_get's result for one thread. Real unwinding
// against the native binding is out of scope for this repository (spec §1);
// Heap.FrameInfo is asked, frame by frame, until it returns an error for a
// frame index past the top, mirroring how golang-debug's own stack walk
// (program/server/server.go Frames()) stops once unwind runs off the top.
func (e *Engine) Frames(threadID, startFrame, maxFrames int) ([]session.Frame, *Error) {
	e.mu.Lock()
	err := e.requireStopped()
	gen := e.sess.Generation
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if maxFrames <= 0 {
		maxFrames = 64
	}

	var frames []session.Frame
	for i := startFrame; i < startFrame+maxFrames; i++ {
		modulePath, methodToken, ilOffset, funcName, ferr := e.heap.FrameInfo(threadID, i)
		if ferr != nil {
			if i == startFrame {
				return nil, newErr(CodeInvalidThread, "thread %d: %v", threadID, ferr)
			}
			break
		}
		_, args, _, lerr := e.heap.FrameLocals(threadID, i)
		if lerr != nil {
			break
		}

		f := session.Frame{
			Index:      i,
			Function:   funcName,
			Module:     modulePathBasename(modulePath),
			Generation: gen,
			IsExternal: modulePath == "",
		}
		if sp, ok, serr := e.resolver.LineForILOffset(modulePath, metadata.Token(methodToken), ilOffset); serr == nil && ok {
			f.Location = &session.Location{
				File: sp.File, Line: sp.Span.StartLine, Column: sp.Span.StartCol,
				MethodToken: methodToken, ILOffset: ilOffset, FunctionFQN: funcName,
			}
		}
		for _, a := range args {
			f.Arguments = append(f.Arguments, namedValueToVariable(a, session.ScopeArgument))
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func modulePathBasename(path string) string {
	m := session.Module{Path: path}
	return m.BaseName()
}

// Variables implements variables_get for one frame and scope filter.
func (e *Engine) Variables(threadID, frameIndex int, scope session.Scope) ([]session.Variable, *Error) {
	e.mu.Lock()
	err := e.requireStopped()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	this, args, locals, herr := e.heap.FrameLocals(threadID, frameIndex)
	if herr != nil {
		return nil, newErr(CodeInvalidFrame, "frame %d on thread %d: %v", frameIndex, threadID, herr)
	}

	var out []session.Variable
	add := func(nv NamedValue, s session.Scope) {
		if scope != "" && scope != s {
			return
		}
		out = append(out, namedValueToVariable(nv, s))
	}
	if this != nil {
		add(*this, session.ScopeThis)
	}
	for _, a := range args {
		add(a, session.ScopeArgument)
	}
	for _, l := range locals {
		add(l, session.ScopeLocal)
	}
	return out, nil
}

func namedValueToVariable(nv NamedValue, scope session.Scope) session.Variable {
	return session.Variable{
		Name:         nv.Name,
		TypeFullName: nv.V.TypeName,
		Display:      nv.V.Display,
		Scope:        scope,
		HasChildren:  nv.V.HasFields,
	}
}

// --- resolve_member (spec §4.D.5 step 3) -----------------------------------

// memberResult is an intermediate resolution: either a value in hand, or an
// address plus the declared type it should be expanded against.
type memberResult struct {
	value HeapValue
}

// resolveExpression implements variables_get(expand=path)'s segment walk and
// evaluate's expression resolution: start from a frame (or "this" when
// rootExpr begins with "this"), then apply resolveMember segment by segment.
//
// Only a restricted expression grammar is supported here: a leading
// identifier (a local, argument, or "this"), followed by zero or more
// ".member" segments — exactly the subset spec §9's "expression evaluation
// without a full language parser" calls for.
func (e *Engine) resolveExpression(ctx context.Context, threadID, frameIndex int, expr string) (HeapValue, error) {
	segments := strings.Split(expr, ".")
	if len(segments) == 0 || segments[0] == "" {
		return HeapValue{}, fmt.Errorf("empty expression")
	}

	root, rest := segments[0], segments[1:]
	cur, err := e.resolveRoot(threadID, frameIndex, root)
	if err != nil {
		return HeapValue{}, err
	}

	for _, seg := range rest {
		if cur.IsNull {
			return HeapValue{}, fmt.Errorf("null_reference: %q is null", root)
		}
		cur, err = e.resolveMember(ctx, threadID, cur, seg)
		if err != nil {
			return HeapValue{}, err
		}
		root = root + "." + seg
	}
	return cur, nil
}

func (e *Engine) resolveRoot(threadID, frameIndex int, name string) (HeapValue, error) {
	this, args, locals, err := e.heap.FrameLocals(threadID, frameIndex)
	if err != nil {
		return HeapValue{}, err
	}
	if name == "this" {
		if this == nil {
			return HeapValue{}, fmt.Errorf("static method has no 'this'")
		}
		return this.V, nil
	}
	for _, a := range args {
		if a.Name == name {
			return a.V, nil
		}
	}
	for _, l := range locals {
		if l.Name == name {
			return l.V, nil
		}
	}
	return HeapValue{}, fmt.Errorf("variable_unavailable: %q not found in current frame", name)
}

// resolveMember applies the field -> backing field -> property getter ->
// base-type traversal order from spec §4.D.5 step 3.
func (e *Engine) resolveMember(ctx context.Context, threadID int, owner HeapValue, member string) (HeapValue, error) {
	if owner.Address == 0 {
		return HeapValue{}, fmt.Errorf("%q has no members (not an object)", member)
	}
	typeName, terr := e.heap.TypeNameOf(owner.Address)
	if terr != nil {
		typeName = owner.TypeName
	}
	asm, t, err := e.findType(typeName)
	if err != nil {
		return HeapValue{}, err
	}

	for _, cand := range metadata.BaseChain(asm, t) {
		if _, ok := cand.FieldByName(member); ok {
			return e.heap.ReadField(owner.Address, member)
		}
		backing := metadata.BackingFieldName(member)
		if _, ok := cand.FieldByName(backing); ok {
			return e.heap.ReadField(owner.Address, backing)
		}
		if prop, ok := cand.PropertyByName(member); ok && prop.GetterName != "" {
			getter, gerr := findMethod(cand, prop.GetterName)
			if gerr != nil {
				continue
			}
			return e.heap.InvokeGetter(ctx, owner.Address, *getter, threadID)
		}
	}
	return HeapValue{}, fmt.Errorf("variable_unavailable: no member %q on %s", member, typeName)
}

func findMethod(t *metadata.TypeDef, name string) (*metadata.MethodDef, error) {
	for i := range t.Methods {
		if t.Methods[i].Name == name {
			return &t.Methods[i], nil
		}
	}
	return nil, metadata.ErrNotFound{Kind: "method", Key: name}
}

func (e *Engine) findType(fullName string) (*metadata.Assembly, *metadata.TypeDef, error) {
	e.mu.Lock()
	modules := make([]*session.Module, 0, len(e.modules))
	for _, m := range e.modules {
		modules = append(modules, m)
	}
	e.mu.Unlock()

	for _, m := range modules {
		asm, err := e.metaRd.Assembly(m.Path)
		if err != nil {
			continue
		}
		if t, err := asm.TypeByName(fullName); err == nil {
			return asm, t, nil
		}
	}
	return nil, nil, metadata.ErrNotFound{Kind: "type", Key: fullName}
}

// --- evaluate ----------------------------------------------------------

// EvaluateResult mirrors spec §6's evaluate response shape.
type EvaluateResult struct {
	Result      string
	TypeName    string
	HasChildren bool
}

func (e *Engine) Evaluate(ctx context.Context, threadID, frameIndex int, expr string, timeoutMs int) (EvaluateResult, *Error) {
	e.mu.Lock()
	err := e.requireStopped()
	e.mu.Unlock()
	if err != nil {
		return EvaluateResult{}, err
	}

	evalCtx, cancel := withEvalTimeout(ctx, e.evalTimeout, timeoutMs)
	defer cancel()

	v, rerr := e.resolveExpression(evalCtx, threadID, frameIndex, expr)
	if rerr != nil {
		return EvaluateResult{}, classifyExpressionErr(rerr)
	}
	return EvaluateResult{Result: v.Display, TypeName: v.TypeName, HasChildren: v.HasFields}, nil
}

func withEvalTimeout(ctx context.Context, def time.Duration, overrideMs int) (context.Context, context.CancelFunc) {
	d := def
	if overrideMs > 0 {
		d = time.Duration(overrideMs) * time.Millisecond
	}
	return context.WithTimeout(ctx, d)
}

func classifyExpressionErr(err error) *Error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "null_reference"):
		return &Error{Code: CodeEvaluationFailed, Sub: SubVariableUnavailable, Message: msg}
	case strings.HasPrefix(msg, "variable_unavailable"):
		return evalErr(SubVariableUnavailable, "%s", msg)
	default:
		var evalExc *EvalException
		var evalTO *EvalTimeoutErr
		switch {
		case asEvalException(err, &evalExc):
			return evalErr(SubEvalException, "%s: %s", evalExc.ExceptionType, evalExc.Message)
		case asEvalTimeout(err, &evalTO):
			return evalErr(SubEvalTimeout, "funceval timed out")
		}
		return evalErr(SubSyntaxError, "%s", msg)
	}
}

func asEvalException(err error, out **EvalException) bool {
	if ee, ok := err.(*EvalException); ok {
		*out = ee
		return true
	}
	return false
}

func asEvalTimeout(err error, out **EvalTimeoutErr) bool {
	if et, ok := err.(*EvalTimeoutErr); ok {
		*out = et
		return true
	}
	return false
}

// --- object_inspect (spec §4.D.6) ------------------------------------------

func (e *Engine) ObjectInspect(ctx context.Context, threadID, frameIndex int, expr string, depth, maxFields int) (session.ObjectInspection, *Error) {
	e.mu.Lock()
	err := e.requireStopped()
	e.mu.Unlock()
	if err != nil {
		return session.ObjectInspection{}, err
	}
	if maxFields <= 0 {
		maxFields = 100
	}

	v, rerr := e.resolveExpression(ctx, threadID, frameIndex, expr)
	if rerr != nil {
		return session.ObjectInspection{}, classifyExpressionErr(rerr)
	}
	if v.IsNull {
		return session.ObjectInspection{IsNull: true, TypeName: v.TypeName}, nil
	}

	visited := map[uint64]bool{}
	insp := e.inspect(v, depth, maxFields, visited)
	return insp, nil
}

func (e *Engine) inspect(v HeapValue, depth, maxFields int, visited map[uint64]bool) session.ObjectInspection {
	insp := session.ObjectInspection{
		Address:  e.formatAddr(v.Address),
		TypeName: v.TypeName,
	}
	if v.Address != 0 {
		if visited[v.Address] {
			insp.HasCircularRef = true
			return insp
		}
		visited[v.Address] = true
	}

	fields, err := e.heap.Fields(v.Address)
	if err != nil {
		return insp
	}
	for i, f := range fields {
		if i >= maxFields {
			insp.Truncated = true
			break
		}
		variable := namedValueToVariable(f, session.ScopeField)
		if depth > 0 && f.V.HasFields && !f.V.IsNull {
			child := e.inspect(f.V, depth-1, maxFields, visited)
			if child.HasCircularRef {
				insp.HasCircularRef = true
			}
			variable.ChildCount = len(child.Fields)
			variable.HasChildCount = true
		}
		insp.Fields = append(insp.Fields, variable)
	}
	return insp
}

func (e *Engine) formatAddr(addr uint64) string {
	if addr == 0 {
		return ""
	}
	return e.bitness.FormatAddress(addr)
}

// --- memory_read (spec §4.D.6) ---------------------------------------------

func (e *Engine) MemoryRead(address uint64, size int) (session.MemoryRegion, *Error) {
	e.mu.Lock()
	err := e.requireStopped()
	e.mu.Unlock()
	if err != nil {
		return session.MemoryRegion{}, err
	}

	data, actual, partialErr, rerr := e.heap.ReadMemory(address, size)
	if rerr != nil {
		return session.MemoryRegion{}, wrapNative("memory_read", rerr)
	}
	return session.MemoryRegion{
		Start:         e.formatAddr(address),
		RequestedSize: size,
		ActualSize:    actual,
		Bytes:         data,
		ASCII:         renderASCII(data),
		PartialError:  partialErr,
	}, nil
}

func renderASCII(data []byte) string {
	var b strings.Builder
	for _, c := range data {
		if c >= 0x20 && c < 0x7f {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

// --- type_layout (spec §4.D.6) ---------------------------------------------

func (e *Engine) TypeLayout(typeName string, includeInherited bool) (session.TypeLayout, *Error) {
	asm, t, err := e.findType(typeName)
	if err != nil {
		return session.TypeLayout{}, newErr(CodeInvalidFrame, "type %q not found", typeName)
	}

	var chain []*metadata.TypeDef
	if includeInherited {
		chain = metadata.BaseChain(asm, t)
	} else {
		chain = []*metadata.TypeDef{t}
	}

	layout := session.TypeLayout{
		TypeName:  t.FullName,
		TotalSize: t.Size,
		IsValue:   t.Flags&metadata.FlagValueType != 0,
	}
	if t.BaseToken != 0 {
		if base, berr := asm.TypeByToken(t.BaseToken); berr == nil {
			layout.BaseType = base.FullName
		}
	}

	var allFields []metadata.FieldDef
	for i := len(chain) - 1; i >= 0; i-- {
		for _, f := range chain[i].Fields {
			if !f.Static {
				allFields = append(allFields, f)
			}
		}
	}

	var cursor int64
	if !layout.IsValue {
		cursor = int64(e.bitness.PointerSize) // object header (method table pointer), spec §4.D.6 "header size"
		layout.HeaderSize = cursor
	}
	for _, f := range allFields {
		offset := f.Offset
		if offset < 0 {
			offset = cursor
		}
		if offset > cursor {
			layout.Padding = append(layout.Padding, session.PaddingRegion{Offset: cursor, Size: offset - cursor})
		}
		size := e.fieldSize(f)
		layout.Fields = append(layout.Fields, session.FieldLayout{Name: f.Name, Offset: offset, Size: size})
		cursor = offset + size
	}
	layout.DataSize = cursor - layout.HeaderSize
	if t.Size != 0 {
		// metadata.TypeDef.Size excludes the object header.
		layout.TotalSize = t.Size + layout.HeaderSize
	} else {
		layout.TotalSize = cursor
	}
	return layout, nil
}

// fieldSize is a best-effort size for common CLR primitive field types when
// metadata didn't record an explicit size; unknown types (object references,
// unrecognised value types) default to e.bitness's pointer width.
func (e *Engine) fieldSize(f metadata.FieldDef) int64 {
	switch f.TypeName {
	case "System.Byte", "System.SByte", "System.Boolean":
		return 1
	case "System.Int16", "System.UInt16", "System.Char":
		return 2
	case "System.Int32", "System.UInt32", "System.Single":
		return 4
	case "System.Int64", "System.UInt64", "System.Double":
		return 8
	default:
		return int64(e.bitness.PointerSize)
	}
}

// --- references_get (spec §4.D.6) ------------------------------------------

// ReferencesResult mirrors spec §6's references_get response.
type ReferencesResult struct {
	Direction string
	Refs      []NamedValue
	Truncated bool
}

func (e *Engine) ReferencesGet(ctx context.Context, threadID, frameIndex int, expr, direction string, max int) (ReferencesResult, *Error) {
	if direction == "inbound" {
		// An inbound reference scan requires a full heap walk, which this
		// binding surface does not expose; report an empty, truncated
		// result rather than fabricating data (spec §4.D.6 "may report
		// truncated=true if sample-based").
		return ReferencesResult{Direction: direction, Truncated: true}, nil
	}

	v, rerr := e.resolveExpression(ctx, threadID, frameIndex, expr)
	if rerr != nil {
		return ReferencesResult{}, classifyExpressionErr(rerr)
	}
	fields, ferr := e.heap.Fields(v.Address)
	if ferr != nil {
		return ReferencesResult{Direction: direction}, nil
	}

	out := ReferencesResult{Direction: direction}
	for i, f := range fields {
		if max > 0 && i >= max {
			out.Truncated = true
			break
		}
		if f.V.Address != 0 || f.V.HasFields {
			out.Refs = append(out.Refs, f)
		}
	}
	return out, nil
}
