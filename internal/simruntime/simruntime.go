// Package simruntime is the simulated counterpart to nativebind/simtarget
// for the two collaborators a real ICorDebug-class binding would otherwise
// supply: parsed PDB sequence points (symbols.Loader) and live heap access
// (engine.Heap). No Go library in the retrieval pack talks to a real
// portable-PDB reader or a live CLR debugging interface, so cmd/clrdbg-mcp
// wires this package by default — the same posture golang-debug itself
// takes in gocore_test.go, which drives a recorded core dump rather than a
// live ptraced process.
//
// A real deployment replaces this package's three types with one backed
// by an actual portable-PDB parser and funceval-capable ICorDebug client;
// nothing in internal/engine, internal/symbols, or internal/metadata
// depends on simruntime, only cmd/clrdbg-mcp's default wiring does.
package simruntime

import (
	"context"
	"fmt"
	"sync"

	"github.com/clrdbg/clrdbg-mcp/internal/engine"
	"github.com/clrdbg/clrdbg-mcp/internal/metadata"
	"github.com/clrdbg/clrdbg-mcp/internal/symbols"
)

// Loader is a symbols.Loader backed by a fixed, in-memory table of
// sequence points keyed by assembly path.
type Loader struct {
	Points map[string][]symbols.SequencePointRecord
}

// NewLoader builds an empty Loader; callers populate Points directly or via
// AddPoint before the first FindILOffset/LineForILOffset call.
func NewLoader() *Loader {
	return &Loader{Points: make(map[string][]symbols.SequencePointRecord)}
}

// AddPoint registers one sequence point for assemblyPath.
func (l *Loader) AddPoint(assemblyPath string, p symbols.SequencePointRecord) {
	l.Points[assemblyPath] = append(l.Points[assemblyPath], p)
}

// Load implements symbols.Loader.
func (l *Loader) Load(assemblyPath string) ([]symbols.SequencePointRecord, error) {
	return l.Points[assemblyPath], nil
}

// MetadataReader is a metadata.Reader backed by a fixed, in-memory table of
// already-built assemblies keyed by path.
type MetadataReader struct {
	mu         sync.RWMutex
	assemblies map[string]*metadata.Assembly
}

// NewMetadataReader builds an empty MetadataReader; callers register
// assemblies with Add before the engine attaches.
func NewMetadataReader() *MetadataReader {
	return &MetadataReader{assemblies: make(map[string]*metadata.Assembly)}
}

// Add registers a pre-built assembly under path, the same path the
// simulated nativebind.Target reports in its module-load events.
func (r *MetadataReader) Add(path string, asm *metadata.Assembly) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assemblies[path] = asm
}

// Assembly implements metadata.Reader.
func (r *MetadataReader) Assembly(path string) (*metadata.Assembly, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	asm, ok := r.assemblies[path]
	if !ok {
		return nil, metadata.ErrNotFound{Kind: "assembly", Key: path}
	}
	return asm, nil
}

// Forget implements metadata.Reader.
func (r *MetadataReader) Forget(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assemblies, path)
}

// Object is one simulated heap object: an address, its runtime type, and
// its current field values.
type Object struct {
	Addr     uint64
	TypeName string
	Kind     metadata.TypeKind
	Fields   map[string]engine.HeapValue
}

// FrameStack is the simulated call stack for one thread: frame 0 is the
// top (innermost) frame.
type FrameStack struct {
	ModulePath   string
	MethodToken  uint32
	ILOffset     uint32
	FunctionName string
	This         *engine.NamedValue
	Args         []engine.NamedValue
	Locals       []engine.NamedValue
}

// Heap is an engine.Heap backed by a fixed object graph and per-thread
// frame stacks, set up once before the simulated session starts.
type Heap struct {
	mu      sync.RWMutex
	objects map[uint64]*Object
	frames  map[int][]FrameStack // threadID -> stack, frame 0 topmost
	memory  []byte               // a single flat simulated address space, addr == index
	memBase uint64
}

// NewHeap builds an empty Heap.
func NewHeap() *Heap {
	return &Heap{
		objects: make(map[uint64]*Object),
		frames:  make(map[int][]FrameStack),
	}
}

// AddObject registers obj for ReadField/Fields/TypeNameOf/InvokeGetter.
func (h *Heap) AddObject(obj *Object) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.objects[obj.Addr] = obj
}

// SetFrames installs the full call stack for a thread.
func (h *Heap) SetFrames(threadID int, stack []FrameStack) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames[threadID] = stack
}

// SetMemory installs the flat simulated address space starting at base.
func (h *Heap) SetMemory(base uint64, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.memBase = base
	h.memory = data
}

func (h *Heap) FrameInfo(threadID, frameIndex int) (string, uint32, uint32, string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stack, ok := h.frames[threadID]
	if !ok || frameIndex < 0 || frameIndex >= len(stack) {
		return "", 0, 0, "", fmt.Errorf("no frame %d on thread %d", frameIndex, threadID)
	}
	f := stack[frameIndex]
	return f.ModulePath, f.MethodToken, f.ILOffset, f.FunctionName, nil
}

func (h *Heap) FrameLocals(threadID, frameIndex int) (*engine.NamedValue, []engine.NamedValue, []engine.NamedValue, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stack, ok := h.frames[threadID]
	if !ok || frameIndex < 0 || frameIndex >= len(stack) {
		return nil, nil, nil, fmt.Errorf("no frame %d on thread %d", frameIndex, threadID)
	}
	f := stack[frameIndex]
	return f.This, f.Args, f.Locals, nil
}

func (h *Heap) ReadField(addr uint64, fieldName string) (engine.HeapValue, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	obj, ok := h.objects[addr]
	if !ok {
		return engine.HeapValue{}, fmt.Errorf("no object at 0x%X", addr)
	}
	v, ok := obj.Fields[fieldName]
	if !ok {
		return engine.HeapValue{}, fmt.Errorf("object 0x%X has no field %q", addr, fieldName)
	}
	return v, nil
}

// InvokeGetter evaluates a property getter. The simulation treats every
// getter as already-materialised: it looks up a field named the same as
// the getter with its "get_" prefix stripped, matching the common
// auto-property case (spec §4.D.5 step 3's second-to-last fallback).
func (h *Heap) InvokeGetter(ctx context.Context, addr uint64, getter metadata.MethodDef, threadID int) (engine.HeapValue, error) {
	select {
	case <-ctx.Done():
		return engine.HeapValue{}, &engine.EvalTimeoutErr{}
	default:
	}
	propName := getter.Name
	if len(propName) > 4 && propName[:4] == "get_" {
		propName = propName[4:]
	}
	return h.ReadField(addr, propName)
}

func (h *Heap) TypeNameOf(addr uint64) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	obj, ok := h.objects[addr]
	if !ok {
		return "", fmt.Errorf("no object at 0x%X", addr)
	}
	return obj.TypeName, nil
}

func (h *Heap) Fields(addr uint64) ([]engine.NamedValue, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	obj, ok := h.objects[addr]
	if !ok {
		return nil, fmt.Errorf("no object at 0x%X", addr)
	}
	out := make([]engine.NamedValue, 0, len(obj.Fields))
	for name, v := range obj.Fields {
		out = append(out, engine.NamedValue{Name: name, V: v})
	}
	return out, nil
}

func (h *Heap) ReadMemory(addr uint64, size int) ([]byte, int, string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if addr < h.memBase || int(addr-h.memBase) >= len(h.memory) {
		return nil, 0, "", fmt.Errorf("address 0x%X out of simulated range", addr)
	}
	start := int(addr - h.memBase)
	end := start + size
	partial := ""
	if end > len(h.memory) {
		end = len(h.memory)
		partial = "read past end of simulated address space"
	}
	data := make([]byte, end-start)
	copy(data, h.memory[start:end])
	return data, len(data), partial, nil
}

var _ engine.Heap = (*Heap)(nil)
