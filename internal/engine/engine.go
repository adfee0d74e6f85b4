// Package engine implements the Debug Engine (spec §4.D), the hardest
// subsystem in the system: the single-threaded state machine that owns
// the target session, routes native-binding callbacks, binds breakpoints,
// drives stepping, and performs funceval and variable materialisation.
//
// The resume/suspend discipline follows golang-debug/program/server/server.go
// almost exactly: that server's Resume() drives ptrace continue/wait in a
// loop until something worth stopping for happens, lifting and
// re-planting breakpoint trap bytes around the loop. clrdbg-mcp generalises
// the same "drive until a real stop, swallow everything else" loop to
// module loads, conditions, hit counts, and logpoints (spec §4.D.2–§4.D.3),
// and adds the FIFO resume queue spec §5 requires for concurrent
// continue/step callers.
package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/clrdbg/clrdbg-mcp/internal/arch"
	"github.com/clrdbg/clrdbg-mcp/internal/condeval"
	"github.com/clrdbg/clrdbg-mcp/internal/logging"
	"github.com/clrdbg/clrdbg-mcp/internal/metadata"
	"github.com/clrdbg/clrdbg-mcp/internal/nativebind"
	"github.com/clrdbg/clrdbg-mcp/internal/registry"
	"github.com/clrdbg/clrdbg-mcp/internal/session"
	"github.com/clrdbg/clrdbg-mcp/internal/symbols"
)

var log = logging.For("engine")

type runMode int

const (
	modeNone runMode = iota
	modeStepOver
	modeStepInto
	modeStepOut
)

// StopEvent is what a resume cycle produces once the target reaches a
// state worth reporting. It is the payload delivered to breakpoint_wait
// callers and used to populate Session's Paused fields.
type StopEvent struct {
	Reason          session.PauseReason
	ThreadID        int
	BreakpointID    string
	HitCount        int
	Location        session.Location
	EvalError       string
	ExceptionType   string
	ExceptionFirstChance bool
	Exited          bool
	ExitCode        int
}

type resumeRequest struct {
	mode     runMode
	threadID int
}

type exceptionFilter struct {
	exceptionType       string
	breakOnFirstChance  bool
	breakOnSecondChance bool
	includeSubtypes     bool
}

type waiter struct {
	breakpointID string
	ch           chan StopEvent
	done         chan struct{} // closed once delivered or abandoned
}

// Engine owns one Session end to end.
type Engine struct {
	mu sync.Mutex

	sess     *session.Session
	binding  *nativebind.Binding
	registry *registry.Registry
	resolver *symbols.Resolver
	metaRd   metadata.Reader
	heap     Heap
	bitness  arch.Bitness

	evalTimeout time.Duration

	modules      map[string]*session.Module // keyed by basename
	boundByPC    map[uint64]string          // native location -> breakpoint id
	threads      map[int]*session.Thread
	exceptions   []exceptionFilter

	awaitingEntryModule string // set by Launch when stop_at_entry, cleared on first module load

	resumeQueue chan resumeRequest
	waitersMu   sync.Mutex
	waiters     []*waiter
}

// New builds an Engine around the given collaborators. binding and heap
// are expected to be wired to the same underlying target.
func New(binding *nativebind.Binding, reg *registry.Registry, resolver *symbols.Resolver, metaRd metadata.Reader, heap Heap, evalTimeout time.Duration) *Engine {
	e := &Engine{
		sess:        &session.Session{State: session.Disconnected},
		binding:     binding,
		registry:    reg,
		resolver:    resolver,
		metaRd:      metaRd,
		heap:        heap,
		bitness:     arch.AMD64,
		evalTimeout: evalTimeout,
		modules:     make(map[string]*session.Module),
		boundByPC:   make(map[uint64]string),
		threads:     make(map[int]*session.Thread),
		resumeQueue: make(chan resumeRequest, 16),
	}
	go e.driverLoop()
	return e
}

func (e *Engine) driverLoop() {
	for req := range e.resumeQueue {
		e.executeResume(req)
	}
}

// --- state snapshot -------------------------------------------------------

// StateSnapshot is what debug_state returns.
type StateSnapshot struct {
	State           session.State
	Reason          session.PauseReason
	ThreadID        int
	BreakpointID    string
	Location        *session.Location
}

func (e *Engine) State() StateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := StateSnapshot{State: e.sess.State}
	if e.sess.State == session.Paused {
		snap.Reason = e.sess.PauseReason
		snap.ThreadID = e.sess.ActiveThreadID
		snap.BreakpointID = e.sess.HitBreakpointID
		loc := e.sess.Location
		snap.Location = &loc
	}
	return snap
}

func (e *Engine) requireAttached() *Error {
	if e.sess.State == session.Disconnected {
		return newErr(CodeNotAttached, "no active debug session")
	}
	return nil
}

func (e *Engine) requireStopped() *Error {
	if err := e.requireAttached(); err != nil {
		return err
	}
	if e.sess.State != session.Paused {
		return newErr(CodeNotStopped, "session is %s, not paused", e.sess.State)
	}
	return nil
}

// --- attach / launch / disconnect ----------------------------------------

func (e *Engine) Launch(ctx context.Context, spec nativebind.LaunchSpec) (pid int, state session.State, err *Error) {
	e.mu.Lock()
	if e.sess.State != session.Disconnected {
		e.mu.Unlock()
		return 0, 0, newErr(CodeAlreadyAttached, "a session is already active")
	}
	e.mu.Unlock()

	if rtErr := e.binding.Launch(ctx, spec); rtErr != nil {
		return 0, 0, wrapNative("launch", rtErr)
	}

	e.mu.Lock()
	e.sess = &session.Session{
		State:          session.Running,
		LaunchMode:     session.Launch,
		CommandLine:    append([]string{spec.Path}, spec.Args...),
		Cwd:            spec.Cwd,
		Env:            spec.Env,
		AttachedAt:     time.Now(),
		ExecutablePath: spec.Path,
	}
	if spec.StopAtEntry {
		e.awaitingEntryModule = spec.Path
	}
	e.mu.Unlock()

	e.enqueueResume(resumeRequest{mode: modeNone})
	return 0, session.Running, nil
}

func (e *Engine) Attach(ctx context.Context, pid int) (state session.State, err *Error) {
	e.mu.Lock()
	if e.sess.State != session.Disconnected {
		e.mu.Unlock()
		return 0, newErr(CodeAlreadyAttached, "a session is already active")
	}
	e.mu.Unlock()

	if rtErr := e.binding.Attach(ctx, pid); rtErr != nil {
		switch rtErr {
		case nativebind.ErrProcessNotFound:
			return 0, newErr(CodeProcessNotFound, "process %d not found", pid)
		case nativebind.ErrNotManaged:
			return 0, newErr(CodeNotManaged, "process %d has no managed runtime", pid)
		default:
			return 0, wrapNative("attach", rtErr)
		}
	}

	e.mu.Lock()
	e.sess = &session.Session{
		State:      session.Running,
		ProcessID:  pid,
		LaunchMode: session.Attach,
		AttachedAt: time.Now(),
	}
	e.mu.Unlock()

	e.enqueueResume(resumeRequest{mode: modeNone})
	return session.Running, nil
}

func (e *Engine) Disconnect(ctx context.Context, terminate bool) *Error {
	e.mu.Lock()
	if e.sess.State == session.Disconnected {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	var rtErr error
	if terminate {
		rtErr = e.binding.Terminate(ctx)
	} else {
		rtErr = e.binding.Detach(ctx, false)
	}

	// Per spec §9 "stale-handle bug": always drop every piece of session
	// state on the way out, even if detach itself reported an error, so
	// the next attach starts clean.
	e.mu.Lock()
	e.sess = &session.Session{State: session.Disconnected}
	e.modules = make(map[string]*session.Module)
	e.boundByPC = make(map[uint64]string)
	e.threads = make(map[int]*session.Thread)
	e.exceptions = nil
	e.awaitingEntryModule = ""
	e.mu.Unlock()
	e.registry.ClearAll()

	if rtErr != nil {
		log.WithError(rtErr).Warn("detach reported an error; session state was reset anyway")
		return wrapNative("disconnect", rtErr)
	}
	return nil
}

func wrapNative(op string, err error) *Error {
	rtErr := nativebind.WrapRuntimeError(op, 0, err)
	return &Error{Code: CodeTargetRuntime, Message: rtErr.Error(), HRESULT: rtErr.HRESULT}
}

// --- resume queue ----------------------------------------------------------

func (e *Engine) enqueueResume(req resumeRequest) {
	e.resumeQueue <- req
}

func (e *Engine) executeResume(req resumeRequest) {
	e.mu.Lock()
	e.sess.State = session.Running
	e.sess.Generation++
	e.mu.Unlock()

	ctx := context.Background()
	for {
		ev, err := e.binding.Continue(ctx)
		if err != nil {
			e.mu.Lock()
			e.sess.State = session.Disconnected
			e.mu.Unlock()
			log.WithError(err).Error("native continue failed; session disconnected")
			return
		}

		stop, handled := e.processEvent(req, ev)
		if !handled {
			continue
		}

		e.mu.Lock()
		if stop.Exited {
			e.sess.State = session.Exited
		} else {
			e.sess.State = session.Paused
			e.sess.PauseReason = stop.Reason
			e.sess.ActiveThreadID = stop.ThreadID
			e.sess.Location = stop.Location
			e.sess.HitBreakpointID = stop.BreakpointID
		}
		e.mu.Unlock()

		e.notifyStop(stop)
		return
	}
}

// processEvent applies spec §4.D.2/§4.D.3's binding+policy logic to one
// native event, returning (stop, true) if the engine should pause, or
// (zero, false) if the resume loop should keep going.
func (e *Engine) processEvent(req resumeRequest, ev nativebind.Event) (StopEvent, bool) {
	switch ev.Kind {
	case nativebind.EventModuleLoad:
		e.onModuleLoad(ev.ModulePath)
		if e.awaitingEntryModule != "" && ev.ModulePath == e.awaitingEntryModule {
			e.awaitingEntryModule = ""
			return StopEvent{Reason: session.ReasonEntry, ThreadID: ev.ThreadID}, true
		}
		return StopEvent{}, false

	case nativebind.EventBreakpoint:
		return e.handleBreakpointHit(ev)

	case nativebind.EventStepComplete:
		if req.mode != modeNone {
			loc := e.locationFor(ev)
			return StopEvent{Reason: session.ReasonStep, ThreadID: ev.ThreadID, Location: loc}, true
		}
		return StopEvent{}, false

	case nativebind.EventException:
		if e.matchExceptionFilter(ev.ExceptionType, ev.FirstChance) {
			loc := e.locationFor(ev)
			return StopEvent{
				Reason:               session.ReasonException,
				ThreadID:             ev.ThreadID,
				Location:             loc,
				ExceptionType:        ev.ExceptionType,
				ExceptionFirstChance: ev.FirstChance,
			}, true
		}
		return StopEvent{}, false

	case nativebind.EventExitProcess:
		return StopEvent{Exited: true, ExitCode: ev.ExitCode}, true

	case nativebind.EventModuleUnload:
		e.onModuleUnload(ev.ModulePath)
		return StopEvent{}, false

	case nativebind.EventCreateThread:
		e.onThreadCreate(ev.ThreadID)
		return StopEvent{}, false

	case nativebind.EventExitThread:
		e.onThreadExit(ev.ThreadID)
		return StopEvent{}, false

	case nativebind.EventNameChange:
		e.onNameChange(ev.ThreadID, ev.NewName)
		return StopEvent{}, false

	default:
		return StopEvent{}, false
	}
}

func (e *Engine) locationFor(ev nativebind.Event) session.Location {
	loc := session.Location{MethodToken: ev.MethodToken, ILOffset: ev.ILOffset}
	if e.resolver == nil || ev.ModulePath == "" {
		return loc
	}
	sp, ok, err := e.resolver.LineForILOffset(ev.ModulePath, metadata.Token(ev.MethodToken), ev.ILOffset)
	if err == nil && ok {
		loc.File = sp.File
		loc.Line = sp.Span.StartLine
		loc.Column = sp.Span.StartCol
	}
	return loc
}

// --- breakpoint_wait -------------------------------------------------------

// Wait blocks until a stop arrives, ctx is cancelled, or the timeout
// elapses. With a non-empty breakpointID, breakpoint stops at other
// breakpoints are skipped; any non-breakpoint stop (entry, step,
// exception, exit) still ends the wait.
func (e *Engine) Wait(ctx context.Context, breakpointID string, timeout time.Duration) (StopEvent, string) {
	w := &waiter{breakpointID: breakpointID, ch: make(chan StopEvent, 1), done: make(chan struct{})}
	e.waitersMu.Lock()
	e.waiters = append(e.waiters, w)
	e.waitersMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case stop := <-w.ch:
		return stop, ""
	case <-ctx.Done():
		e.abandon(w)
		return StopEvent{}, "cancelled"
	case <-timer.C:
		e.abandon(w)
		return StopEvent{}, "timeout"
	}
}

func (e *Engine) abandon(w *waiter) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for i, cand := range e.waiters {
		if cand == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
}

// notifyStop delivers a stop to matching waiters; for a waiter whose
// breakpoint_id filter doesn't match a breakpoint stop, the stop is dropped
// for that waiter (with a log line) and the waiter keeps waiting — spec §9 open
// question (b): "breakpoint_wait with a specific breakpoint_id must drain
// hits belonging to other breakpoints ... specify drop-and-log".
func (e *Engine) notifyStop(stop StopEvent) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	remaining := e.waiters[:0]
	for _, w := range e.waiters {
		matches := w.breakpointID == "" || stop.Reason != session.ReasonBreakpoint || w.breakpointID == stop.BreakpointID
		if matches {
			w.ch <- stop
			continue
		}
		log.WithFields(map[string]interface{}{
			"waiting_for": w.breakpointID,
			"hit":         stop.BreakpointID,
		}).Debug("dropping stop for unrelated breakpoint_wait filter")
		remaining = append(remaining, w)
	}
	e.waiters = remaining
}

// --- continue / pause / step ----------------------------------------------

func (e *Engine) Continue(threadID int) *Error {
	e.mu.Lock()
	err := e.requireStopped()
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.enqueueResume(resumeRequest{mode: modeNone, threadID: threadID})
	return nil
}

func (e *Engine) Pause(ctx context.Context) *Error {
	e.mu.Lock()
	state := e.sess.State
	e.mu.Unlock()
	if state != session.Running {
		return newErr(CodeNotStopped, "session is %s, not running", state)
	}
	if rtErr := e.binding.Stop(ctx); rtErr != nil {
		return wrapNative("pause", rtErr)
	}
	return nil
}

func (e *Engine) Step(mode string, threadID int) *Error {
	e.mu.Lock()
	err := e.requireStopped()
	if err == nil && threadID == 0 {
		threadID = e.sess.ActiveThreadID
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	var rm runMode
	switch mode {
	case "over":
		rm = modeStepOver
	case "into":
		rm = modeStepInto
	case "out":
		rm = modeStepOut
	default:
		return newErr(CodeInvalidThread, "unknown step mode %q", mode)
	}
	e.enqueueResume(resumeRequest{mode: rm, threadID: threadID})
	return nil
}

// --- module load / breakpoint binding (spec §4.D.2) -----------------------

// SetBreakpoint registers bp with the registry and, if a module matching
// its file/function is already loaded, binds it immediately instead of
// waiting for the next module load (spec §4.D.2: binding happens either
// at set time against an already-loaded module, or later at
// on_module_load).
func (e *Engine) SetBreakpoint(bp registry.Breakpoint) *registry.Breakpoint {
	e.mu.Lock()
	modules := make([]*session.Module, 0, len(e.modules))
	for _, m := range e.modules {
		modules = append(modules, m)
	}
	e.mu.Unlock()

	stored := e.registry.SetSource(bp, "")
	for _, m := range modules {
		if stored.State != registry.Pending {
			break
		}
		e.tryBind(stored, m.Path, m.BaseName())
	}
	return stored
}

func (e *Engine) onModuleLoad(path string) {
	e.mu.Lock()
	m := &session.Module{Name: path, FullName: path, Path: path, Managed: true, HasSymbols: true}
	basename := m.BaseName()
	e.modules[basename] = m
	e.mu.Unlock()

	for _, id := range e.registry.PendingForModule(basename) {
		bp, ok := e.registry.Get(id)
		if !ok || !bp.Enabled {
			continue
		}
		e.tryBind(bp, path, basename)
	}
	// SetBreakpoint registers without a module key, so such breakpoints are
	// not in PendingForModule's index: try every enabled, still-Pending one.
	for _, bp := range e.registry.List() {
		if bp.Kind != registry.KindSource || bp.State != registry.Pending || !bp.Enabled {
			continue
		}
		e.tryBind(bp, path, basename)
	}
}

// onModuleUnload tears down a module's engine-side state on the runtime's
// ModuleUnload callback (spec §3 Module invariant: "destroyed on runtime
// ModuleUnload callback"). Cached metadata and symbol lookups for the module
// are dropped along with it so a later reload starts clean.
func (e *Engine) onModuleUnload(path string) {
	e.mu.Lock()
	basename := modulePathBasename(path)
	delete(e.modules, basename)
	e.mu.Unlock()

	if e.resolver != nil {
		e.resolver.ForgetAssembly(path)
	}
	if e.metaRd != nil {
		e.metaRd.Forget(path)
	}
}

// tryBind resolves a pending source/function breakpoint against a loaded
// module and, on success, records the PC -> id mapping the resume loop
// matches breakpoint hits against.
func (e *Engine) tryBind(bp *registry.Breakpoint, modulePath, basename string) {
	var token metadata.Token
	var ilOffset uint32

	if bp.FunctionFQN != "" {
		asm, err := e.metaRd.Assembly(modulePath)
		if err != nil {
			return
		}
		m, err := asm.MethodByFullyQualifiedName(bp.FunctionFQN)
		if err != nil {
			return
		}
		token, ilOffset = m.Token, 0
	} else {
		match, ok, err := e.resolver.FindILOffset(modulePath, bp.File, bp.Line, bp.Column)
		if err != nil || !ok {
			return
		}
		token, ilOffset = match.MethodToken, match.ILOffset
	}

	pc := syntheticPC(token, ilOffset)
	if err := e.binding.SetBreakpoint(context.Background(), pc); err != nil {
		log.WithError(err).WithField("id", bp.ID).Warn("native breakpoint arm failed")
		return
	}
	e.mu.Lock()
	e.boundByPC[pc] = bp.ID
	e.mu.Unlock()
	e.registry.MarkBound(bp.ID, uint32(token), ilOffset, basename)
	log.WithFields(map[string]interface{}{"id": bp.ID, "module": basename, "token": token, "il": ilOffset}).
		Info("breakpoint bound")
}

// syntheticPC gives every (method token, IL offset) pair a process-unique
// location marker to match against nativebind.Event.PC. A real native
// binding would hand back an actual breakpoint handle; the marker here
// plays the same disambiguating role.
func syntheticPC(token metadata.Token, ilOffset uint32) uint64 {
	return uint64(token)<<32 | uint64(ilOffset)
}

func (e *Engine) handleBreakpointHit(ev nativebind.Event) (StopEvent, bool) {
	e.mu.Lock()
	id, ok := e.boundByPC[ev.PC]
	e.mu.Unlock()
	if !ok {
		return StopEvent{}, false
	}
	bp, ok := e.registry.Get(id)
	if !ok || !bp.Enabled {
		return StopEvent{}, false
	}

	hitCount := e.registry.IncrementHit(id)
	if bp.HitCountReq > 0 && hitCount < bp.HitCountReq {
		return StopEvent{}, false
	}

	ctx := e.conditionContext(hitCount, ev.ThreadID)

	if bp.Condition != "" {
		expr, err := condeval.Parse(bp.Condition)
		if err != nil {
			return StopEvent{Reason: session.ReasonBreakpoint, ThreadID: ev.ThreadID, BreakpointID: id,
				HitCount: hitCount, Location: e.locationFor(ev), EvalError: err.Error()}, true
		}
		result := expr.Eval(ctx)
		if !result.Success {
			return StopEvent{Reason: session.ReasonBreakpoint, ThreadID: ev.ThreadID, BreakpointID: id,
				HitCount: hitCount, Location: e.locationFor(ev), EvalError: result.Message}, true
		}
		if !result.Pass {
			return StopEvent{}, false
		}
	}

	if bp.LogMessage != "" {
		msg := condeval.Substitute(bp.LogMessage, ctx)
		log.WithField("breakpoint", id).Infof("logpoint: %s", msg)
		return StopEvent{}, false
	}

	return StopEvent{Reason: session.ReasonBreakpoint, ThreadID: ev.ThreadID, BreakpointID: id,
		HitCount: hitCount, Location: e.locationFor(ev)}, true
}

// conditionContext adapts the engine's frame-0 variable resolver to
// condeval.Context (spec §4.F).
func (e *Engine) conditionContext(hitCount, threadID int) condeval.Context {
	return &frameCondContext{e: e, hitCount: hitCount, threadID: threadID}
}

type frameCondContext struct {
	e        *Engine
	hitCount int
	threadID int
}

func (c *frameCondContext) HitCount() int { return c.hitCount }
func (c *frameCondContext) ThreadID() int { return c.threadID }
func (c *frameCondContext) ResolveIdentifier(path string) (condeval.Value, error) {
	v, err := c.e.resolveExpression(context.Background(), c.threadID, 0, path)
	if err != nil {
		return condeval.Value{}, err
	}
	return heapValueToCondeval(v), nil
}

// heapValueToCondeval adapts a materialised field/local to condeval's
// dynamically-typed Value so conditions like "count > 3" work against
// numeric primitives, not just string equality.
func heapValueToCondeval(v HeapValue) condeval.Value {
	if v.IsNull {
		return condeval.Value{Kind: condeval.KindNull}
	}
	if v.Kind == metadata.KindPrimitive {
		if n, err := strconv.ParseFloat(v.Display, 64); err == nil {
			return condeval.Value{Kind: condeval.KindNum, Num: n}
		}
		if b, err := strconv.ParseBool(v.Display); err == nil {
			return condeval.Value{Kind: condeval.KindBool, Bool: b}
		}
	}
	return condeval.Value{Kind: condeval.KindString, Str: v.Display}
}

// RemoveBreakpoint disarms bp's native binding, if it is currently bound to
// one, and deletes its registry record entirely (spec §4.E breakpoint_remove).
func (e *Engine) RemoveBreakpoint(id string) bool {
	bp, ok := e.registry.Get(id)
	if !ok {
		return false
	}
	if bp.Kind == registry.KindSource && bp.State == registry.Bound {
		e.disarm(id, bp.MethodToken, bp.ILOffset)
	}
	_, ok = e.registry.Remove(id)
	return ok
}

// SetBreakpointEnabled toggles a breakpoint's enabled flag, disarming its
// native binding on disable and attempting to re-bind it on enable if its
// module is still loaded (spec §4.E enable/disable, §8 idempotence).
func (e *Engine) SetBreakpointEnabled(id string, enabled bool) (*registry.Breakpoint, bool) {
	before, ok := e.registry.Get(id)
	if !ok {
		return nil, false
	}
	wasBound := before.Kind == registry.KindSource && before.State == registry.Bound
	module, token, ilOffset := before.Module, before.MethodToken, before.ILOffset

	bp, ok := e.registry.SetEnabled(id, enabled)
	if !ok {
		return nil, false
	}

	if !enabled && wasBound {
		e.disarm(id, token, ilOffset)
		return bp, true
	}
	if enabled && bp.State == registry.Pending && module != "" {
		e.mu.Lock()
		m, hasModule := e.modules[module]
		e.mu.Unlock()
		if hasModule {
			e.tryBind(bp, m.Path, module)
		}
	}
	return bp, true
}

// disarm removes a bound breakpoint's native trap and PC mapping.
func (e *Engine) disarm(id string, methodToken, ilOffset uint32) {
	pc := syntheticPC(metadata.Token(methodToken), ilOffset)
	if err := e.binding.RemoveBreakpoint(context.Background(), pc); err != nil {
		log.WithError(err).WithField("id", id).Warn("native breakpoint disarm failed")
	}
	e.mu.Lock()
	delete(e.boundByPC, pc)
	e.mu.Unlock()
}

// --- exception breakpoints (spec §4.D.2) -----------------------------------

func (e *Engine) SetExceptionBreakpoint(exceptionType string, firstChance, secondChance, includeSubtypes bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exceptions = append(e.exceptions, exceptionFilter{
		exceptionType:       exceptionType,
		breakOnFirstChance:  firstChance,
		breakOnSecondChance: secondChance,
		includeSubtypes:     includeSubtypes,
	})
}

func (e *Engine) RemoveExceptionBreakpoint(exceptionType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.exceptions[:0]
	for _, f := range e.exceptions {
		if f.exceptionType != exceptionType {
			out = append(out, f)
		}
	}
	e.exceptions = out
}

// matchExceptionFilter implements exact type-name match when includeSubtypes is
// false (spec §9 open question c) and a base-chain walk otherwise.
func (e *Engine) matchExceptionFilter(exceptionType string, firstChance bool) bool {
	e.mu.Lock()
	filters := append([]exceptionFilter(nil), e.exceptions...)
	e.mu.Unlock()

	for _, f := range filters {
		if firstChance && !f.breakOnFirstChance {
			continue
		}
		if !firstChance && !f.breakOnSecondChance {
			continue
		}
		if f.exceptionType == exceptionType {
			return true
		}
		if f.includeSubtypes && e.isSubtype(exceptionType, f.exceptionType) {
			return true
		}
	}
	return false
}

func (e *Engine) isSubtype(candidate, ancestor string) bool {
	if e.metaRd == nil {
		return false
	}
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
		t, err := asm.TypeByName(candidate)
		if err != nil {
			continue
		}
		for _, base := range metadata.BaseChain(asm, t) {
			if base.FullName == ancestor {
				return true
			}
		}
	}
	return false
}

// --- threads / modules lookups used by the tool surface --------------------

func (e *Engine) SetThread(t session.Thread) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threads[t.ID] = &t
}

// onThreadCreate records a new thread on the runtime's CreateThread callback
// (spec §3 "Thread").
func (e *Engine) onThreadCreate(threadID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threads[threadID] = &session.Thread{ID: threadID, State: session.ThreadRunning}
}

// onThreadExit drops a thread on the runtime's ExitThread callback.
func (e *Engine) onThreadExit(threadID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.threads, threadID)
}

// onNameChange updates a thread's display name on the runtime's NameChange
// callback. Unknown threads are ignored: the name arrived before the
// corresponding CreateThread, or for a thread this engine never tracked.
func (e *Engine) onNameChange(threadID int, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.threads[threadID]; ok {
		t.Name = name
	}
}

func (e *Engine) Threads() ([]session.Thread, *Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAttached(); err != nil {
		return nil, err
	}
	out := make([]session.Thread, 0, len(e.threads))
	for _, t := range e.threads {
		tc := *t
		tc.IsCurrent = t.ID == e.sess.ActiveThreadID
		out = append(out, tc)
	}
	return out, nil
}

func (e *Engine) Modules(includeSystem bool) []session.Module {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]session.Module, 0, len(e.modules))
	for _, m := range e.modules {
		if !includeSystem && isSystemAssembly(m.Name) {
			continue
		}
		out = append(out, *m)
	}
	return out
}

func isSystemAssembly(name string) bool {
	return len(name) >= 6 && (name[:6] == "System" || name[:4] == "Micr")
}

func (e *Engine) ModuleByBasename(basename string) (*session.Module, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.modules[basename]
	return m, ok
}

func (e *Engine) MetadataReader() metadata.Reader { return e.metaRd }
func (e *Engine) Resolver() *symbols.Resolver     { return e.resolver }
func (e *Engine) Registry() *registry.Registry    { return e.registry }

// LaunchInfo returns the fields debug_state reports about how the current
// session came to exist.
func (e *Engine) LaunchInfo() (mode session.LaunchMode, commandLine []string, cwd string, pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.LaunchMode, e.sess.CommandLine, e.sess.Cwd, e.sess.ProcessID
}
