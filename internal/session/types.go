// Package session holds the data model shared by the rest of clrdbg-mcp:
// the debug Session itself plus the Module, Thread, Frame, Variable, and
// inspection value types described in spec §3. It intentionally holds no
// behaviour beyond small invariants on the types themselves — the state
// machine transitions live in internal/engine, which is the sole writer of
// a Session.
package session

import "time"

// State is one of the four session states from spec §4.D.1.
type State int

const (
	Disconnected State = iota
	Running
	Paused
	Exited
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// LaunchMode records whether the session came from debug_launch or
// debug_attach.
type LaunchMode int

const (
	Attach LaunchMode = iota
	Launch
)

func (m LaunchMode) String() string {
	if m == Launch {
		return "launch"
	}
	return "attach"
}

// PauseReason explains why a Paused session stopped.
type PauseReason string

const (
	ReasonEntry      PauseReason = "entry"
	ReasonBreakpoint PauseReason = "breakpoint"
	ReasonStep       PauseReason = "step"
	ReasonException  PauseReason = "exception"
	ReasonPauseUser  PauseReason = "pause"
)

// Location identifies a stopped position in both source and IL terms.
type Location struct {
	File        string
	Line        int
	Column      int
	MethodToken uint32
	ILOffset    uint32
	FunctionFQN string
}

// Session is the process-wide singleton session (spec §3 "Session").
// Exactly one is live per engine instance.
type Session struct {
	State State

	ProcessID      int
	ExecutablePath string
	RuntimeVersion string
	LaunchMode     LaunchMode
	AttachedAt     time.Time

	// Valid only while State == Paused.
	PauseReason     PauseReason
	Location        Location
	ActiveThreadID  int
	HitBreakpointID string

	// Generation bumps on every resume; handles (frames, values) captured
	// before a resume are invalid once Generation has moved on (spec §9
	// "Native handle lifetime").
	Generation uint64

	// Only set when LaunchMode == Launch.
	CommandLine []string
	Cwd         string
	Env         []string
}

// IsStopped reports whether engine operations that require Paused are
// currently legal.
func (s *Session) IsStopped() bool {
	return s.State == Paused
}

// Module is a loaded assembly (spec §3 "Module").
type Module struct {
	ID          string
	Name        string
	FullName    string
	Path        string // empty for dynamic modules
	Version     string
	Managed     bool
	Dynamic     bool
	HasSymbols  bool
	BaseAddress uint64
	Size        uint64
}

// BaseName returns the file name component of Path, or Name for dynamic
// modules that have no backing file.
func (m Module) BaseName() string {
	if m.Path == "" {
		return m.Name
	}
	i := len(m.Path) - 1
	for i >= 0 && m.Path[i] != '/' && m.Path[i] != '\\' {
		i--
	}
	return m.Path[i+1:]
}

// ThreadState is the coarse run state of a target thread.
type ThreadState string

const (
	ThreadRunning ThreadState = "running"
	ThreadStopped ThreadState = "stopped"
	ThreadWaiting ThreadState = "waiting"
)

// Thread describes one thread in the target (spec §3 "Thread").
type Thread struct {
	ID        int
	Name      string
	State     ThreadState
	IsCurrent bool
}

// Frame is one stack frame (spec §3 "Frame"). Frames are only valid for
// the Session.Generation they were produced under.
type Frame struct {
	Index      int // 0 == top
	Function   string
	Module     string
	Location   *Location // nil when there is no source mapping
	IsExternal bool      // true when the frame has no symbols (not "my code")
	Arguments  []Variable
	Generation uint64
}

// Scope classifies where a Variable came from.
type Scope string

const (
	ScopeLocal    Scope = "Local"
	ScopeArgument Scope = "Argument"
	ScopeThis     Scope = "This"
	ScopeField    Scope = "Field"
	ScopeProperty Scope = "Property"
	ScopeElement  Scope = "Element"
)

// Variable is a materialised value (spec §3 "Variable / Value").
type Variable struct {
	Name          string
	TypeFullName  string
	Display       string
	Scope         Scope
	HasChildren   bool
	ChildCount    int
	HasChildCount bool
	ExpansionPath string
}

// ObjectInspection is the result of object_inspect (spec §4.D.6).
type ObjectInspection struct {
	Address         string
	TypeName        string
	Size            int64
	Fields          []Variable
	IsNull          bool
	HasCircularRef  bool
	Truncated       bool
}

// MemoryRegion is the result of memory_read (spec §4.D.6).
type MemoryRegion struct {
	Start         string
	RequestedSize int
	ActualSize    int
	Bytes         []byte
	ASCII         string
	PartialError  string
}

// FieldLayout is one field within a TypeLayout.
type FieldLayout struct {
	Name   string
	Offset int64
	Size   int64
}

// PaddingRegion marks a gap between two field layouts.
type PaddingRegion struct {
	Offset int64
	Size   int64
}

// TypeLayout is the result of type_layout (spec §4.D.6).
type TypeLayout struct {
	TypeName   string
	TotalSize  int64
	HeaderSize int64
	DataSize   int64
	Fields     []FieldLayout
	Padding    []PaddingRegion
	IsValue    bool
	BaseType   string
}
