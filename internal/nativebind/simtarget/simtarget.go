// Package simtarget is a deterministic, in-memory nativebind.Target used
// by engine tests and as a reference implementation of the Target
// contract. It plays back a scripted timeline of modules, breakpointable
// PCs, and process exit (it never reports exceptions) instead of driving
// a real ICorDebug session —
// exactly the kind of fake golang-debug itself stands in for a live
// ptrace session in its own tests (golang-debug/internal/gocore/gocore_test.go
// drives a recorded core dump rather than a live process).
package simtarget

import (
	"context"
	"fmt"
	"sort"

	"github.com/clrdbg/clrdbg-mcp/internal/nativebind"
)

// Module describes one assembly the simulated process "loads" and when it
// loads; breakpointable addresses are listed in Script.Breakpointable.
type Module struct {
	Path string
	// LoadAfterResumes: the module becomes visible after this many
	// Continue calls have returned (0 == loaded before the first resume,
	// i.e. present at entry).
	LoadAfterResumes int
}

// Script is the fixed timeline the simulated target plays back.
type Script struct {
	Modules []Module
	// Breakpointable is every PC value a real method body would stop at,
	// used to decide whether Continue should report EventBreakpoint.
	Breakpointable map[uint64]bool
	// ExitAfterResumes: Continue reports EventExitProcess after this many
	// resumes with no other stop reason found. 0 disables auto-exit.
	ExitAfterResumes int
}

// Target implements nativebind.Target against a Script.
type Target struct {
	script      Script
	breakpoints map[uint64]bool
	resumes     int
	attachedPID int
	launched    bool
	loadedIdx   int // how many Modules have already been reported loaded
}

var _ nativebind.Target = (*Target)(nil)

// New builds a Target that will play back script.
func New(script Script) *Target {
	sort.Slice(script.Modules, func(i, j int) bool {
		return script.Modules[i].LoadAfterResumes < script.Modules[j].LoadAfterResumes
	})
	return &Target{script: script, breakpoints: map[uint64]bool{}}
}

func (t *Target) EnumerateProcesses(context.Context) ([]nativebind.ProcessInfo, error) {
	return []nativebind.ProcessInfo{{PID: 4242, Name: "simulated.exe"}}, nil
}

func (t *Target) Launch(_ context.Context, spec nativebind.LaunchSpec) error {
	t.launched = true
	t.attachedPID = 4242
	return nil
}

func (t *Target) Attach(_ context.Context, pid int) error {
	if pid <= 0 {
		return nativebind.ErrProcessNotFound
	}
	t.attachedPID = pid
	return nil
}

func (t *Target) Detach(context.Context, bool) error {
	t.attachedPID = 0
	t.launched = false
	t.loadedIdx = 0
	t.resumes = 0
	return nil
}

func (t *Target) Terminate(context.Context) error {
	return t.Detach(context.Background(), true)
}

func (t *Target) Stop(context.Context) error {
	return nil
}

// SetBreakpoint marks pc as a location the simulated target will report a
// hit for. Mirrors how a real binding would be told about an engine-side
// bind.
func (t *Target) SetBreakpoint(_ context.Context, pc uint64) error {
	t.breakpoints[pc] = true
	return nil
}

func (t *Target) RemoveBreakpoint(_ context.Context, pc uint64) error {
	delete(t.breakpoints, pc)
	return nil
}

// Continue advances the script by one resume and reports the next event.
// Module loads are always reported before any other stop that would occur
// in the same "instant" (spec §5 ordering guarantee iii).
func (t *Target) Continue(context.Context) (nativebind.Event, error) {
	if t.attachedPID == 0 {
		return nativebind.Event{}, fmt.Errorf("simtarget: not attached")
	}
	t.resumes++

	for t.loadedIdx < len(t.script.Modules) && t.script.Modules[t.loadedIdx].LoadAfterResumes < t.resumes {
		m := t.script.Modules[t.loadedIdx]
		t.loadedIdx++
		return nativebind.Event{Kind: nativebind.EventModuleLoad, ModulePath: m.Path}, nil
	}

	for pc := range t.breakpoints {
		if t.script.Breakpointable[pc] {
			return nativebind.Event{Kind: nativebind.EventBreakpoint, ThreadID: 1, PC: pc}, nil
		}
	}

	if t.script.ExitAfterResumes > 0 && t.resumes >= t.script.ExitAfterResumes {
		return nativebind.Event{Kind: nativebind.EventExitProcess, ExitCode: 0}, nil
	}

	return nativebind.Event{Kind: nativebind.EventStepComplete, ThreadID: 1}, nil
}
