// Package nativebind is the Native Debug Binding (spec §4.A): a thin,
// safe wrapper over the runtime's native debugging interface (the
// ICorDebug-family COM interfaces in the spec's target runtime). It owns
// process enumeration, attach/launch, continue/stop, and the callback
// sink through which the runtime reports module loads, breakpoint hits,
// steps, exceptions, and thread/process lifecycle.
//
// The serialization discipline is grounded directly on
// golang-debug/program/server/server.go: that server owns a single
// goroutine (ptraceRun) that is the only one allowed to touch the traced
// process, and every other goroutine submits work through an
// `fc chan func() error` / `ec chan error` pair. clrdbg-mcp needs the
// identical discipline for a different reason — spec §5 requires that
// "the runtime's callbacks are delivered serially and must be matched
// with serialised resume decisions" — so the same channel-pair pattern is
// reused, generalised from raw ptrace calls to calls against a pluggable
// Target implementing the native debugging API.
package nativebind

import (
	"context"
	"errors"
	"fmt"

	"github.com/clrdbg/clrdbg-mcp/internal/logging"
)

var log = logging.For("nativebind")

// AttachError classifies why attach failed (spec §4.A).
type AttachError string

const (
	ErrProcessNotFound  AttachError = "process-not-found"
	ErrNotManaged       AttachError = "not-managed"
	ErrAlreadyAttached  AttachError = "already-attached"
)

func (e AttachError) Error() string { return string(e) }

// ProcessInfo is one row from enumerate_processes.
type ProcessInfo struct {
	PID  int
	Name string
}

// LaunchSpec parameterises create_process_for_launch.
type LaunchSpec struct {
	Path        string
	Args        []string
	Env         []string
	Cwd         string
	StopAtEntry bool
}

// EventKind enumerates the native callback surface (spec §4.A).
type EventKind int

const (
	EventModuleLoad EventKind = iota
	EventModuleUnload
	EventBreakpoint
	EventStepComplete
	EventException
	EventExitProcess
	EventCreateThread
	EventExitThread
	EventNameChange
)

// Event is what the target delivers on its callback thread. Which of the
// optional fields are populated depends on Kind, as noted per field.
type Event struct {
	Kind EventKind

	ModulePath    string // ModuleLoad/ModuleUnload
	ThreadID      int    // most event kinds
	PC            uint64 // Breakpoint/StepComplete: opaque location marker the engine matches against bound breakpoints
	MethodToken   uint32 // Breakpoint/StepComplete/Exception: method the thread is stopped in
	ILOffset      uint32 // Breakpoint/StepComplete/Exception: IL offset within MethodToken
	ExceptionType string // Exception
	FirstChance   bool   // Exception
	ExitCode      int    // ExitProcess
	NewName       string // NameChange
}

// Target is the pluggable backend Binding drives. Production wires this to
// the real native debugging API (out of scope for this repository, per
// spec §1: the engine runs in-process with the target); tests substitute a
// Target that behaves like a small scripted managed process.
type Target interface {
	EnumerateProcesses(ctx context.Context) ([]ProcessInfo, error)
	Launch(ctx context.Context, spec LaunchSpec) error
	Attach(ctx context.Context, pid int) error
	Detach(ctx context.Context, terminate bool) error
	// Continue resumes the target. It must return only once the target
	// has stopped again (a breakpoint, step, exception, or exit) or ctx
	// is cancelled; every resume decision is paired with exactly one
	// Continue call (spec §4.A).
	Continue(ctx context.Context) (Event, error)
	// Stop injects a thread-synchronisation break (debug_pause).
	Stop(ctx context.Context) error
	// Terminate kills the target process outright.
	Terminate(ctx context.Context) error
	// SetBreakpoint arms a trap at pc so a later Continue reports
	// EventBreakpoint for it.
	SetBreakpoint(ctx context.Context, pc uint64) error
	// RemoveBreakpoint disarms a previously armed trap.
	RemoveBreakpoint(ctx context.Context, pc uint64) error
}

// Binding serialises every call against Target through a single owning
// goroutine, exactly like golang-debug's ptraceRun loop.
type Binding struct {
	target Target

	fc chan func() (Event, error)
	ec chan result
	done chan struct{}
}

type result struct {
	ev  Event
	err error
}

// New starts the owning goroutine and returns a ready Binding.
func New(target Target) *Binding {
	b := &Binding{
		target: target,
		fc:     make(chan func() (Event, error)),
		ec:     make(chan result),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Binding) run() {
	for {
		select {
		case fn := <-b.fc:
			ev, err := fn()
			b.ec <- result{ev: ev, err: err}
		case <-b.done:
			return
		}
	}
}

// submit runs fn on the owning goroutine and waits for its result. This is
// the only path by which any caller touches the target, which is what
// keeps every state transition serialised (spec §5).
func (b *Binding) submit(fn func() (Event, error)) (Event, error) {
	select {
	case b.fc <- fn:
	case <-b.done:
		return Event{}, errors.New("nativebind: binding closed")
	}
	r := <-b.ec
	return r.ev, r.err
}

// Close stops the owning goroutine. Safe to call once.
func (b *Binding) Close() {
	close(b.done)
}

// EnumerateProcesses lists debuggable processes.
func (b *Binding) EnumerateProcesses(ctx context.Context) ([]ProcessInfo, error) {
	type out struct {
		procs []ProcessInfo
		err   error
	}
	ch := make(chan out, 1)
	_, err := b.submit(func() (Event, error) {
		procs, err := b.target.EnumerateProcesses(ctx)
		ch <- out{procs, err}
		return Event{}, err
	})
	o := <-ch
	if err != nil {
		return nil, err
	}
	return o.procs, o.err
}

// Launch starts a new target process for debugging.
func (b *Binding) Launch(ctx context.Context, spec LaunchSpec) error {
	_, err := b.submit(func() (Event, error) {
		return Event{}, b.target.Launch(ctx, spec)
	})
	return err
}

// Attach connects to an already-running process.
func (b *Binding) Attach(ctx context.Context, pid int) error {
	_, err := b.submit(func() (Event, error) {
		return Event{}, b.target.Attach(ctx, pid)
	})
	return err
}

// Detach releases native resources. It always nulls out any cached handle
// state in Target as a side effect of Detach itself succeeding — the bug
// spec §9 calls out ("the failure to terminate and null the native
// binding on detach") is structurally avoided here because Binding never
// caches a handle of its own; Target.Detach is solely responsible and is
// the only thing that must get this right.
func (b *Binding) Detach(ctx context.Context, terminate bool) error {
	_, err := b.submit(func() (Event, error) {
		return Event{}, b.target.Detach(ctx, terminate)
	})
	return err
}

// Continue resumes and blocks until the next stop event. Every call here
// must be paired with exactly one prior suspension (spec §4.A); the engine
// enforces that pairing, not Binding.
func (b *Binding) Continue(ctx context.Context) (Event, error) {
	return b.submit(func() (Event, error) {
		return b.target.Continue(ctx)
	})
}

// Stop injects a synchronous pause.
func (b *Binding) Stop(ctx context.Context) error {
	_, err := b.submit(func() (Event, error) {
		return Event{}, b.target.Stop(ctx)
	})
	return err
}

// Terminate kills the process outright (used by disconnect{terminate:true}).
func (b *Binding) Terminate(ctx context.Context) error {
	_, err := b.submit(func() (Event, error) {
		return Event{}, b.target.Terminate(ctx)
	})
	return err
}

// SetBreakpoint arms a native trap, serialised through the owning goroutine
// like every other Target call (spec §4.D.2 binding).
func (b *Binding) SetBreakpoint(ctx context.Context, pc uint64) error {
	_, err := b.submit(func() (Event, error) {
		return Event{}, b.target.SetBreakpoint(ctx, pc)
	})
	return err
}

// RemoveBreakpoint disarms a native trap previously armed with SetBreakpoint.
func (b *Binding) RemoveBreakpoint(ctx context.Context, pc uint64) error {
	_, err := b.submit(func() (Event, error) {
		return Event{}, b.target.RemoveBreakpoint(ctx, pc)
	})
	return err
}

// WrapRuntimeError preserves the original native error code while
// attaching a human message, per spec §4.D.7 ("Runtime errors from the
// native binding are wrapped, the original code preserved").
type RuntimeError struct {
	Op       string
	HRESULT  int32
	Message  string
	Original error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s (hresult=%#x)", e.Op, e.Message, uint32(e.HRESULT))
}

func (e *RuntimeError) Unwrap() error { return e.Original }

// WrapRuntimeError builds a RuntimeError, logging at warn level so a
// swallowed shutdown-order error (spec §9 open question a) is still
// visible.
func WrapRuntimeError(op string, hresult int32, err error) *RuntimeError {
	re := &RuntimeError{Op: op, HRESULT: hresult, Message: err.Error(), Original: err}
	log.WithError(err).WithField("op", op).Warn("native runtime error")
	return re
}
