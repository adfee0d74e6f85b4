package engine

import (
	"context"

	"github.com/clrdbg/clrdbg-mcp/internal/metadata"
)

// HeapValue is a materialised value read from (or computed on) the target.
// It is the engine-internal counterpart to session.Variable before a name
// and scope are attached.
type HeapValue struct {
	TypeName  string
	Kind      metadata.TypeKind
	Display   string
	IsNull    bool
	Address   uint64 // 0 when not a heap reference
	HasFields bool   // object/struct with fields worth expanding
}

// NamedValue pairs a HeapValue with the name it's bound to in a frame or
// object (a local, an argument, or a field).
type NamedValue struct {
	Name string
	V    HeapValue
}

// Heap is the pluggable backend for everything in spec §4.D.5/4.D.6 that
// touches live target state: frame locals, field reads, funceval, raw
// memory. Binding it behind an interface keeps internal/engine free of any
// dependency on how the native debugging API is actually reached, matching
// spec §1 ("the engine runs in-process with the target on one host") while
// letting tests substitute an in-memory object graph.
type Heap interface {
	// FrameInfo identifies which method/module a frame belongs to, so the
	// engine can resolve a source Location for it via the symbol resolver.
	// Returning an error for a frameIndex past the top of the stack is how
	// the engine detects the end of the walk in stacktrace_get.
	FrameInfo(threadID, frameIndex int) (modulePath string, methodToken uint32, ilOffset uint32, functionName string, err error)

	// FrameLocals returns the "this" value (nil for a static method), the
	// argument list, and the local list for one frame.
	FrameLocals(threadID, frameIndex int) (this *NamedValue, args, locals []NamedValue, err error)

	// ReadField reads a field directly off an object without a funceval,
	// used by resolve_member's direct-field and backing-field steps.
	ReadField(addr uint64, fieldName string) (HeapValue, error)

	// InvokeGetter performs the funceval for a property getter
	// (resolve_member's third step), bounded by the caller's context
	// deadline (spec §4.D.5 eval_timeout_ms).
	InvokeGetter(ctx context.Context, addr uint64, getter metadata.MethodDef, threadID int) (HeapValue, error)

	// TypeNameOf returns the runtime type full name of the object at addr,
	// which can differ from a field's declared type (polymorphism).
	TypeNameOf(addr uint64) (string, error)

	// Fields enumerates every field currently populated on the object at
	// addr, for object_inspect.
	Fields(addr uint64) ([]NamedValue, error)

	// ReadMemory reads raw target memory; actualSize can be less than
	// requested on a partial read (spec §4.D.6).
	ReadMemory(addr uint64, size int) (data []byte, actualSize int, partialErr string, err error)
}

// EvalException and EvalTimeoutErr are the error types InvokeGetter
// implementations return to get SubEvalException/SubEvalTimeout
// classification; see classifyExpressionErr in variables.go.
type EvalException struct {
	ExceptionType string
	Message       string
}

func (e *EvalException) Error() string { return e.ExceptionType + ": " + e.Message }

type EvalTimeoutErr struct{}

func (e *EvalTimeoutErr) Error() string { return "funceval timed out" }
