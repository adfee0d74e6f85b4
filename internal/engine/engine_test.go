package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clrdbg/clrdbg-mcp/internal/metadata"
	"github.com/clrdbg/clrdbg-mcp/internal/nativebind"
	"github.com/clrdbg/clrdbg-mcp/internal/nativebind/simtarget"
	"github.com/clrdbg/clrdbg-mcp/internal/registry"
	"github.com/clrdbg/clrdbg-mcp/internal/session"
	"github.com/clrdbg/clrdbg-mcp/internal/simruntime"
	"github.com/clrdbg/clrdbg-mcp/internal/symbols"
)

const (
	testModule  = "Program.exe"
	testFile    = "Program.cs"
	testMainTok = metadata.Token(0x06000001)
)

func mustWait(t *testing.T, e *Engine, id string, timeout time.Duration) StopEvent {
	t.Helper()
	stop, reason := e.Wait(context.Background(), id, timeout)
	require.Equal(t, "", reason, "wait failed: %s", reason)
	return stop
}

// newBoundFixture launches a simtarget-backed engine and stops at entry;
// the caller supplies the simtarget's breakpointable PCs so breakpoint
// hits are observable.
func newBoundFixture(t *testing.T, breakpointable map[uint64]bool) *Engine {
	t.Helper()
	reg := registry.New()

	loader := simruntime.NewLoader()
	loader.AddPoint(testModule, symbols.SequencePointRecord{
		MethodToken: testMainTok, ILOffset: 0, File: testFile,
		Span: symbols.Span{StartLine: 10, StartCol: 1, EndLine: 10, EndCol: 20},
	})
	resolver, err := symbols.NewResolver(loader, 8)
	require.NoError(t, err)

	metaRd := simruntime.NewMetadataReader()
	asm := metadata.NewAssembly(testModule)
	asm.AddType(&metadata.TypeDef{
		Token: 2, FullName: "Program", Kind: metadata.KindObject,
		Methods: []metadata.MethodDef{{Token: testMainTok, Name: "Main", Signature: "void Main()"}},
	})
	metaRd.Add(testModule, asm)

	heap := simruntime.NewHeap()

	target := simtarget.New(simtarget.Script{
		Modules:        []simtarget.Module{{Path: testModule, LoadAfterResumes: 0}},
		Breakpointable: breakpointable,
	})
	binding := nativebind.New(target)
	e := New(binding, reg, resolver, metaRd, heap, time.Second)

	_, _, lerr := e.Launch(context.Background(), nativebind.LaunchSpec{Path: testModule, StopAtEntry: true})
	require.Nil(t, lerr)
	entry := mustWait(t, e, "", 2*time.Second)
	require.Equal(t, session.ReasonEntry, entry.Reason)
	return e
}

func TestSetBreakpointBindsImmediatelyAgainstLoadedModule(t *testing.T) {
	pc := syntheticPC(testMainTok, 0)
	e := newBoundFixture(t, map[uint64]bool{pc: true})

	bp := e.SetBreakpoint(registry.Breakpoint{File: testFile, Line: 10})
	assert.Equal(t, registry.Bound, bp.State)
	assert.True(t, bp.Verified)
}

func TestBreakpointHitDeliversStopEvent(t *testing.T) {
	pc := syntheticPC(testMainTok, 0)
	e := newBoundFixture(t, map[uint64]bool{pc: true})
	bp := e.SetBreakpoint(registry.Breakpoint{File: testFile, Line: 10})

	require.Nil(t, e.Continue(0))
	stop := mustWait(t, e, bp.ID, 2*time.Second)
	assert.Equal(t, session.ReasonBreakpoint, stop.Reason)
	assert.Equal(t, bp.ID, stop.BreakpointID)
	assert.Equal(t, 1, stop.HitCount)
}

func TestRemoveBreakpointDisarmsAndForgets(t *testing.T) {
	pc := syntheticPC(testMainTok, 0)
	e := newBoundFixture(t, map[uint64]bool{pc: true})
	bp := e.SetBreakpoint(registry.Breakpoint{File: testFile, Line: 10})

	assert.True(t, e.RemoveBreakpoint(bp.ID))
	_, ok := e.registry.Get(bp.ID)
	assert.False(t, ok)
	assert.False(t, e.RemoveBreakpoint(bp.ID))
}

func TestSetBreakpointEnabledDisarmsThenRebinds(t *testing.T) {
	pc := syntheticPC(testMainTok, 0)
	e := newBoundFixture(t, map[uint64]bool{pc: true})
	bp := e.SetBreakpoint(registry.Breakpoint{File: testFile, Line: 10})

	disabled, ok := e.SetBreakpointEnabled(bp.ID, false)
	require.True(t, ok)
	assert.False(t, disabled.Enabled)
	assert.Equal(t, registry.Pending, disabled.State)

	reenabled, ok := e.SetBreakpointEnabled(bp.ID, true)
	require.True(t, ok)
	assert.True(t, reenabled.Enabled)
	assert.Equal(t, registry.Bound, reenabled.State)
}

// --- scripted-target tests (condition/logpoint/exception) -----------------

// scriptedTarget replays a fixed, finite event list; once exhausted it
// always reports process exit, so a test driving it can never spin the
// engine's resume loop forever even if a condition or logpoint swallows
// every scripted hit.
type scriptedTarget struct {
	mu     sync.Mutex
	events []nativebind.Event
	idx    int
}

var _ nativebind.Target = (*scriptedTarget)(nil)

func (s *scriptedTarget) EnumerateProcesses(context.Context) ([]nativebind.ProcessInfo, error) {
	return nil, nil
}
func (s *scriptedTarget) Launch(context.Context, nativebind.LaunchSpec) error { return nil }
func (s *scriptedTarget) Attach(context.Context, int) error                  { return nil }
func (s *scriptedTarget) Detach(context.Context, bool) error                 { return nil }
func (s *scriptedTarget) Terminate(context.Context) error                    { return nil }
func (s *scriptedTarget) Stop(context.Context) error                         { return nil }
func (s *scriptedTarget) SetBreakpoint(context.Context, uint64) error        { return nil }
func (s *scriptedTarget) RemoveBreakpoint(context.Context, uint64) error     { return nil }

func (s *scriptedTarget) Continue(context.Context) (nativebind.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.events) {
		return nativebind.Event{Kind: nativebind.EventExitProcess}, nil
	}
	ev := s.events[s.idx]
	s.idx++
	return ev, nil
}

func newScriptedEngine(events []nativebind.Event) (*Engine, *registry.Registry, *simruntime.MetadataReader) {
	reg := registry.New()
	loader := simruntime.NewLoader()
	loader.AddPoint(testModule, symbols.SequencePointRecord{
		MethodToken: testMainTok, ILOffset: 0, File: testFile,
		Span: symbols.Span{StartLine: 10, StartCol: 1},
	})
	resolver, _ := symbols.NewResolver(loader, 8)
	metaRd := simruntime.NewMetadataReader()
	heap := simruntime.NewHeap()
	binding := nativebind.New(&scriptedTarget{events: events})
	return New(binding, reg, resolver, metaRd, heap, time.Second), reg, metaRd
}

func TestConditionGatesOnHitCountIntrinsic(t *testing.T) {
	pc := syntheticPC(testMainTok, 0)
	e, reg, _ := newScriptedEngine([]nativebind.Event{
		{Kind: nativebind.EventModuleLoad, ModulePath: testModule},
		{Kind: nativebind.EventBreakpoint, PC: pc, ThreadID: 1},
		{Kind: nativebind.EventBreakpoint, PC: pc, ThreadID: 1},
	})
	_, _, lerr := e.Launch(context.Background(), nativebind.LaunchSpec{Path: testModule, StopAtEntry: true})
	require.Nil(t, lerr)
	mustWait(t, e, "", 2*time.Second)

	stored := reg.SetSource(registry.Breakpoint{File: testFile, Line: 10, Condition: "hitCount == 2"}, "")
	e.tryBind(stored, testModule, testModule)

	require.Nil(t, e.Continue(0))
	stop := mustWait(t, e, stored.ID, 2*time.Second)
	assert.Equal(t, session.ReasonBreakpoint, stop.Reason)
	assert.Equal(t, 2, stop.HitCount)
}

func TestLogpointNeverStopsButRecordsHits(t *testing.T) {
	pc := syntheticPC(testMainTok, 0)
	e, reg, _ := newScriptedEngine([]nativebind.Event{
		{Kind: nativebind.EventModuleLoad, ModulePath: testModule},
		{Kind: nativebind.EventBreakpoint, PC: pc, ThreadID: 1},
		{Kind: nativebind.EventBreakpoint, PC: pc, ThreadID: 1},
	})
	_, _, lerr := e.Launch(context.Background(), nativebind.LaunchSpec{Path: testModule, StopAtEntry: true})
	require.Nil(t, lerr)
	mustWait(t, e, "", 2*time.Second)

	stored := reg.SetSource(registry.Breakpoint{File: testFile, Line: 10, LogMessage: "hit"}, "")
	e.tryBind(stored, testModule, testModule)

	require.Nil(t, e.Continue(0))
	stop := mustWait(t, e, "", 2*time.Second)
	assert.True(t, stop.Exited)

	bp, ok := reg.Get(stored.ID)
	require.True(t, ok)
	assert.Equal(t, 2, bp.HitCount)
}

func exceptionAssembly() *metadata.Assembly {
	asm := metadata.NewAssembly("App.exe")
	asm.AddType(&metadata.TypeDef{Token: 1, FullName: "Foo.BaseException"})
	asm.AddType(&metadata.TypeDef{Token: 2, FullName: "Foo.DerivedException", BaseToken: 1})
	return asm
}

func TestExceptionFilterMatchesBaseChainWhenIncludeSubtypes(t *testing.T) {
	e, _, metaRd := newScriptedEngine([]nativebind.Event{
		{Kind: nativebind.EventModuleLoad, ModulePath: "App.exe"},
		{Kind: nativebind.EventException, ExceptionType: "Foo.DerivedException", FirstChance: true},
	})
	metaRd.Add("App.exe", exceptionAssembly())
	e.SetExceptionBreakpoint("Foo.BaseException", true, false, true)

	_, _, lerr := e.Launch(context.Background(), nativebind.LaunchSpec{Path: "App.exe"})
	require.Nil(t, lerr)

	stop := mustWait(t, e, "", 2*time.Second)
	assert.Equal(t, session.ReasonException, stop.Reason)
	assert.Equal(t, "Foo.DerivedException", stop.ExceptionType)
}

func TestExceptionFilterRequiresExactMatchWithoutIncludeSubtypes(t *testing.T) {
	e, _, metaRd := newScriptedEngine([]nativebind.Event{
		{Kind: nativebind.EventModuleLoad, ModulePath: "App.exe"},
		{Kind: nativebind.EventException, ExceptionType: "Foo.DerivedException", FirstChance: true},
	})
	metaRd.Add("App.exe", exceptionAssembly())
	e.SetExceptionBreakpoint("Foo.BaseException", true, false, false)

	_, _, lerr := e.Launch(context.Background(), nativebind.LaunchSpec{Path: "App.exe"})
	require.Nil(t, lerr)

	stop := mustWait(t, e, "", 2*time.Second)
	assert.True(t, stop.Exited, "non-matching filter must not stop the session")
}

// --- module unload / thread lifecycle ---------------------------------------

func TestModuleUnloadPrunesModuleAndForgetsMetadata(t *testing.T) {
	e, _, metaRd := newScriptedEngine([]nativebind.Event{
		{Kind: nativebind.EventModuleLoad, ModulePath: testModule},
		{Kind: nativebind.EventModuleUnload, ModulePath: testModule},
	})
	metaRd.Add(testModule, metadata.NewAssembly(testModule))

	_, _, lerr := e.Launch(context.Background(), nativebind.LaunchSpec{Path: testModule})
	require.Nil(t, lerr)

	stop := mustWait(t, e, "", 2*time.Second)
	assert.True(t, stop.Exited, "unload must not pause the session")

	_, ok := e.ModuleByBasename(testModule)
	assert.False(t, ok, "module must be pruned from the engine on unload")

	_, merr := metaRd.Assembly(testModule)
	assert.Error(t, merr, "cached metadata must be forgotten on unload")
}

func TestThreadCreateAndExitUpdateThreadList(t *testing.T) {
	e, _, _ := newScriptedEngine([]nativebind.Event{
		{Kind: nativebind.EventModuleLoad, ModulePath: testModule},
		{Kind: nativebind.EventCreateThread, ThreadID: 7},
		{Kind: nativebind.EventCreateThread, ThreadID: 9},
		{Kind: nativebind.EventExitThread, ThreadID: 7},
	})

	_, _, lerr := e.Launch(context.Background(), nativebind.LaunchSpec{Path: testModule})
	require.Nil(t, lerr)
	stop := mustWait(t, e, "", 2*time.Second)
	require.True(t, stop.Exited)

	threads, err := e.Threads()
	require.Nil(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, 9, threads[0].ID)
}

func TestNameChangeUpdatesTrackedThread(t *testing.T) {
	e, _, _ := newScriptedEngine([]nativebind.Event{
		{Kind: nativebind.EventModuleLoad, ModulePath: testModule},
		{Kind: nativebind.EventCreateThread, ThreadID: 3},
		{Kind: nativebind.EventNameChange, ThreadID: 3, NewName: "Worker"},
	})

	_, _, lerr := e.Launch(context.Background(), nativebind.LaunchSpec{Path: testModule})
	require.Nil(t, lerr)
	stop := mustWait(t, e, "", 2*time.Second)
	require.True(t, stop.Exited)

	threads, err := e.Threads()
	require.Nil(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "Worker", threads[0].Name)
}

// --- state-requirement guards -----------------------------------------------

func TestContinueRequiresAttachedSession(t *testing.T) {
	e, _, _ := newScriptedEngine(nil)
	err := e.Continue(0)
	require.NotNil(t, err)
	assert.Equal(t, CodeNotAttached, err.Code)
}

func TestPauseRequiresRunningSession(t *testing.T) {
	e, _, _ := newScriptedEngine(nil)
	err := e.Pause(context.Background())
	require.NotNil(t, err)
	assert.Equal(t, CodeNotStopped, err.Code)
}

func TestWaitTimesOutWithNoPendingStop(t *testing.T) {
	e, _, _ := newScriptedEngine(nil)
	stop, reason := e.Wait(context.Background(), "", 30*time.Millisecond)
	assert.Equal(t, "timeout", reason)
	assert.Equal(t, StopEvent{}, stop)
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	e, _, _ := newScriptedEngine(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, reason := e.Wait(ctx, "", time.Second)
	assert.Equal(t, "cancelled", reason)
}

func TestDisconnectResetsSessionStateAndRegistry(t *testing.T) {
	e, reg, _ := newScriptedEngine([]nativebind.Event{{Kind: nativebind.EventModuleLoad, ModulePath: testModule}})
	_, _, lerr := e.Launch(context.Background(), nativebind.LaunchSpec{Path: testModule, StopAtEntry: true})
	require.Nil(t, lerr)
	mustWait(t, e, "", 2*time.Second)
	reg.SetSource(registry.Breakpoint{File: testFile, Line: 10}, "")

	derr := e.Disconnect(context.Background(), false)
	assert.Nil(t, derr)
	assert.Equal(t, session.Disconnected, e.State().State)
	assert.Empty(t, reg.List())
}

// --- inspection (variables / evaluate / object_inspect / memory / layout) -

type inspectionFixture struct {
	e *Engine
}

func newInspectionFixture(t *testing.T) *inspectionFixture {
	t.Helper()
	reg := registry.New()
	loader := simruntime.NewLoader()
	resolver, err := symbols.NewResolver(loader, 8)
	require.NoError(t, err)

	metaRd := simruntime.NewMetadataReader()
	asm := metadata.NewAssembly(testModule)
	asm.AddType(&metadata.TypeDef{
		Token: 2, FullName: "Program", Kind: metadata.KindObject,
		Methods: []metadata.MethodDef{{Token: testMainTok, Name: "Main"}},
	})
	asm.AddType(&metadata.TypeDef{
		Token: 3, FullName: "Foo.Widget", Kind: metadata.KindObject,
		Fields: []metadata.FieldDef{
			{Name: "Name", TypeName: "System.String", Offset: -1},
			{Name: "Count", TypeName: "System.Int32", Offset: -1},
			{Name: "<Label>k__BackingField", TypeName: "System.String", Offset: -1},
		},
		Properties: []metadata.PropertyDef{
			{Name: "Label", TypeName: "System.String", GetterName: "get_Label"},
			{Name: "Computed", TypeName: "System.Int32", GetterName: "get_Computed"},
		},
		Methods: []metadata.MethodDef{
			{Token: 10, Name: "get_Label", Flags: metadata.MethodSpecialName},
			{Token: 11, Name: "get_Computed", Flags: metadata.MethodSpecialName},
		},
	})
	metaRd.Add(testModule, asm)

	const widgetAddr = 0x1000
	heap := simruntime.NewHeap()
	heap.AddObject(&simruntime.Object{
		Addr: widgetAddr, TypeName: "Foo.Widget", Kind: metadata.KindObject,
		Fields: map[string]HeapValue{
			"Name":                    {Kind: metadata.KindString, Display: "widget-1"},
			"<Label>k__BackingField":  {Kind: metadata.KindString, Display: "Label-A"},
			"Computed":                {Kind: metadata.KindPrimitive, Display: "42"},
		},
	})
	heap.SetFrames(1, []simruntime.FrameStack{{
		ModulePath: testModule, MethodToken: uint32(testMainTok), FunctionName: "Program.Main",
		Locals: []NamedValue{
			{Name: "count", V: HeapValue{Kind: metadata.KindPrimitive, Display: "5"}},
			{Name: "widget", V: HeapValue{Kind: metadata.KindObject, TypeName: "Foo.Widget", Address: widgetAddr, HasFields: true}},
		},
	}})
	heap.SetMemory(0x2000, []byte("hello world"))

	target := &scriptedTarget{events: []nativebind.Event{{Kind: nativebind.EventModuleLoad, ModulePath: testModule}}}
	binding := nativebind.New(target)
	e := New(binding, reg, resolver, metaRd, heap, time.Second)

	_, _, lerr := e.Launch(context.Background(), nativebind.LaunchSpec{Path: testModule, StopAtEntry: true})
	require.Nil(t, lerr)
	mustWait(t, e, "", 2*time.Second)
	e.SetThread(session.Thread{ID: 1, State: session.ThreadStopped})

	return &inspectionFixture{e: e}
}

func TestVariablesGetReturnsLocalsForFrame(t *testing.T) {
	f := newInspectionFixture(t)
	vars, err := f.e.Variables(1, 0, "")
	require.Nil(t, err)
	names := map[string]bool{}
	for _, v := range vars {
		names[v.Name] = true
	}
	assert.True(t, names["count"])
	assert.True(t, names["widget"])
}

func TestEvaluateResolvesDirectField(t *testing.T) {
	f := newInspectionFixture(t)
	res, err := f.e.Evaluate(context.Background(), 1, 0, "widget.Name", 0)
	require.Nil(t, err)
	assert.Equal(t, "widget-1", res.Result)
}

func TestEvaluateResolvesAutoPropertyBackingField(t *testing.T) {
	f := newInspectionFixture(t)
	res, err := f.e.Evaluate(context.Background(), 1, 0, "widget.Label", 0)
	require.Nil(t, err)
	assert.Equal(t, "Label-A", res.Result)
}

func TestEvaluateInvokesPropertyGetterViaFuncEval(t *testing.T) {
	f := newInspectionFixture(t)
	res, err := f.e.Evaluate(context.Background(), 1, 0, "widget.Computed", 0)
	require.Nil(t, err)
	assert.Equal(t, "42", res.Result)
}

func TestEvaluateUnresolvedIdentifierReportsVariableUnavailable(t *testing.T) {
	f := newInspectionFixture(t)
	_, err := f.e.Evaluate(context.Background(), 1, 0, "missing", 0)
	require.NotNil(t, err)
	assert.Equal(t, SubVariableUnavailable, err.Sub)
}

func TestObjectInspectExpandsFields(t *testing.T) {
	f := newInspectionFixture(t)
	insp, err := f.e.ObjectInspect(context.Background(), 1, 0, "widget", 1, 100)
	require.Nil(t, err)
	assert.False(t, insp.IsNull)
	assert.Len(t, insp.Fields, 3)
}

func TestMemoryReadReturnsRequestedSlice(t *testing.T) {
	f := newInspectionFixture(t)
	region, err := f.e.MemoryRead(0x2000, 5)
	require.Nil(t, err)
	assert.Equal(t, "hello", string(region.Bytes))
	assert.Equal(t, "hello", region.ASCII)
	assert.Empty(t, region.PartialError)
}

func TestMemoryReadReportsPartialRead(t *testing.T) {
	f := newInspectionFixture(t)
	region, err := f.e.MemoryRead(0x2000, 1000)
	require.Nil(t, err)
	assert.Equal(t, 11, region.ActualSize)
	assert.NotEmpty(t, region.PartialError)
}

func TestTypeLayoutComputesFieldOffsets(t *testing.T) {
	f := newInspectionFixture(t)
	layout, err := f.e.TypeLayout("Foo.Widget", false)
	require.Nil(t, err)
	assert.Equal(t, "Foo.Widget", layout.TypeName)
	assert.Equal(t, int64(8), layout.HeaderSize)
	assert.Len(t, layout.Fields, 3)
}

func TestGetTypesListsRegisteredTypes(t *testing.T) {
	f := newInspectionFixture(t)
	types, err := f.e.GetTypes(testModule, "")
	require.Nil(t, err)
	names := map[string]bool{}
	for _, ty := range types {
		names[ty.FullName] = true
	}
	assert.True(t, names["Program"])
	assert.True(t, names["Foo.Widget"])
}

func TestGetMembersSplitsFieldsPropertiesAndMethods(t *testing.T) {
	f := newInspectionFixture(t)
	members, err := f.e.GetMembers("Foo.Widget", nil)
	require.Nil(t, err)
	var fields, props int
	for _, m := range members {
		switch m.Kind {
		case "field":
			fields++
		case "property":
			props++
		}
	}
	assert.Equal(t, 3, fields)
	assert.Equal(t, 2, props)
}

func TestSearchExactMatchFindsType(t *testing.T) {
	f := newInspectionFixture(t)
	results, err := f.e.Search("Foo.Widget", "exact")
	require.Nil(t, err)
	found := false
	for _, r := range results {
		if r.Kind == "type" && r.Name == "Foo.Widget" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSearchRejectsUnknownSearchType(t *testing.T) {
	f := newInspectionFixture(t)
	_, err := f.e.Search("x", "fuzzy")
	require.NotNil(t, err)
}
