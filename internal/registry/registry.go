// Package registry is the Breakpoint Registry (spec §4.E): the canonical,
// in-memory store of user breakpoints, independent of whether the engine
// has actually bound each one to the target yet. It keeps secondary
// indexes by (file, line) and by assembly basename so that on_module_load
// reconciliation (spec §4.D.2) doesn't require a full scan.
//
// The breakpoint shape itself (id, enabled/verified flags, hit count,
// optional condition) is grounded on arturoeanton-goja/debugger.go's
// Breakpoint struct (id, SourcePos, pc, enabled, hit), generalised from a
// single in-process VM's program-counter breakpoints to the source/
// function/exception breakpoint kinds spec §3 requires, and to a registry
// that is deliberately a pure store with no knowledge of engine binding —
// the engine holds only an id back into it (spec §3 "Ownership").
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Kind distinguishes the two breakpoint shapes in spec §3.
type Kind int

const (
	KindSource Kind = iota
	KindException
)

// BindState is Pending, Bound, or Disabled (spec §3 invariant ii).
type BindState string

const (
	Pending  BindState = "Pending"
	Bound    BindState = "Bound"
	Disabled BindState = "Disabled"
)

// Breakpoint is a user-intent record. Source and exception breakpoints
// share the struct; only the fields relevant to their Kind are populated.
type Breakpoint struct {
	ID    string
	Kind  Kind
	State BindState

	// Source/function fields.
	File         string
	Line         int
	Column       int
	FunctionFQN  string // set instead of File/Line for a function breakpoint
	Enabled      bool
	Verified     bool
	HitCount     int
	Condition    string
	LogMessage   string
	BindMessage  string
	HitCountReq  int // spec §4.D.3 "hit_count_required"; 0 == no requirement

	// Exception fields.
	ExceptionType       string
	BreakOnFirstChance  bool
	BreakOnSecondChance bool
	IncludeSubtypes     bool

	// Engine binding info, opaque to the registry but retained so
	// disable/enable can re-create or tear down the native bind without
	// re-resolving symbols.
	MethodToken uint32
	ILOffset    uint32
	Module      string // basename the breakpoint last bound against
}

// pendingKey reconciles pending source breakpoints against newly loaded
// modules (spec §4.D.2 "resolver-computed key (assembly_file_basename,
// file, line)").
type pendingKey struct {
	assemblyBasename string
	file             string
	line             int
}

// Registry is the process-wide breakpoint store. All methods lock; callers
// are expected to be the engine's single event loop, so contention is not
// a concern, but the lock keeps the type safe to use from tests directly.
type Registry struct {
	mu sync.Mutex

	byID        map[string]*Breakpoint
	byFileLine  map[string][]string // "file\x00line" -> ids, source breakpoints only
	pendingByModule map[string][]string // assembly basename -> ids awaiting that module
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:            make(map[string]*Breakpoint),
		byFileLine:      make(map[string][]string),
		pendingByModule: make(map[string][]string),
	}
}

func fileLineKey(file string, line int) string {
	return fmt.Sprintf("%s\x00%d", file, line)
}

func idPrefix(k Kind) string {
	if k == KindException {
		return "ex-"
	}
	return "bp-"
}

// SetSource registers a new source or function breakpoint as Pending; the
// engine binds it (or leaves it Pending) and calls MarkBound/MarkPending
// accordingly. assemblyBasename may be empty if the caller doesn't know
// which module will satisfy it yet — in that case the breakpoint is not
// indexed by module and PendingForModule never returns it; a caller that
// wants it retried on module load has to find it through List.
func (r *Registry) SetSource(bp Breakpoint, assemblyBasename string) *Breakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	bp.ID = idPrefix(KindSource) + uuid.NewString()
	bp.Kind = KindSource
	bp.State = Pending
	bp.Enabled = true
	bp.Verified = false
	stored := bp
	r.byID[stored.ID] = &stored

	if stored.File != "" {
		k := fileLineKey(stored.File, stored.Line)
		r.byFileLine[k] = append(r.byFileLine[k], stored.ID)
	}
	if assemblyBasename != "" {
		r.pendingByModule[assemblyBasename] = append(r.pendingByModule[assemblyBasename], stored.ID)
	}
	return r.byID[stored.ID]
}

// SetException registers a new exception breakpoint, always Bound
// immediately (filters are engine-side state, not target binds).
func (r *Registry) SetException(bp Breakpoint) *Breakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	bp.ID = idPrefix(KindException) + uuid.NewString()
	bp.Kind = KindException
	bp.State = Bound
	bp.Enabled = true
	bp.Verified = true
	stored := bp
	r.byID[stored.ID] = &stored
	return r.byID[stored.ID]
}

// Get returns a breakpoint by id.
func (r *Registry) Get(id string) (*Breakpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bp, ok := r.byID[id]
	return bp, ok
}

// List returns every breakpoint, source and exception alike, in a stable
// order (by id) for deterministic breakpoint_list responses.
func (r *Registry) List() []*Breakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Breakpoint, 0, len(r.byID))
	for _, bp := range r.byID {
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingForModule returns ids of Pending, enabled source breakpoints whose
// assembly-basename key matches basename (spec §4.D.2 "on each
// on_module_load(module): for every Pending breakpoint whose key matches").
func (r *Registry) PendingForModule(basename string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.pendingByModule[basename]
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if bp, ok := r.byID[id]; ok && bp.State == Pending && bp.Enabled {
			out = append(out, id)
		}
	}
	return out
}

// MarkBound records a successful bind: Bound, verified=true (invariant i).
func (r *Registry) MarkBound(id string, methodToken, ilOffset uint32, module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bp, ok := r.byID[id]
	if !ok {
		return
	}
	bp.State = Bound
	bp.Verified = true
	bp.MethodToken = methodToken
	bp.ILOffset = ilOffset
	bp.Module = module
}

// MarkPending reverts a breakpoint to Pending and unverified (SetEnabled
// applies the same reset itself when disabling).
func (r *Registry) MarkPending(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bp, ok := r.byID[id]; ok {
		bp.State = Pending
		bp.Verified = false
	}
}

// IncrementHit bumps the hit count; hit count never decreases within a
// session (spec §3 invariant iii), so this is the only mutator for it.
func (r *Registry) IncrementHit(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	bp, ok := r.byID[id]
	if !ok {
		return 0
	}
	bp.HitCount++
	return bp.HitCount
}

// Remove deletes a breakpoint record entirely.
func (r *Registry) Remove(id string) (*Breakpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bp, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	if bp.File != "" {
		k := fileLineKey(bp.File, bp.Line)
		r.byFileLine[k] = removeID(r.byFileLine[k], id)
	}
	return bp, true
}

// SetEnabled toggles the enabled flag. It is idempotent: calling it twice
// with the same value has the same effect as once (spec §8).
func (r *Registry) SetEnabled(id string, enabled bool) (*Breakpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bp, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	if bp.Enabled == enabled {
		return bp, true
	}
	bp.Enabled = enabled
	if !enabled {
		// Disable removes the native binding but retains the record
		// (spec §4.E): drop to Pending/unverified without losing
		// MethodToken/ILOffset so a future Enable can re-bind cheaply.
		bp.State = Pending
		bp.Verified = false
	}
	return bp, true
}

// ClearAll empties the registry (session teardown, spec §4.E).
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*Breakpoint)
	r.byFileLine = make(map[string][]string)
	r.pendingByModule = make(map[string][]string)
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
