package toolsurface

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/clrdbg/clrdbg-mcp/internal/nativebind"
	"github.com/clrdbg/clrdbg-mcp/internal/registry"
	"github.com/clrdbg/clrdbg-mcp/internal/session"
)

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// --- session management ------------------------------------------------

func (sf *Surface) debugLaunch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "debug_launch", req, func(ctx context.Context) (any, error) {
		spec := nativebind.LaunchSpec{
			Path:        argString(req, "program", ""),
			Args:        argStringSlice(req, "args"),
			Cwd:         argString(req, "cwd", ""),
			StopAtEntry: argBool(req, "stop_at_entry", false),
		}
		pid, state, err := sf.eng.Launch(ctx, spec)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pid": pid, "state": state.String()}, nil
	})
}

func (sf *Surface) debugAttach(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "debug_attach", req, func(ctx context.Context) (any, error) {
		pid := argInt(req, "pid", 0)
		state, err := sf.eng.Attach(ctx, pid)
		if err != nil {
			return nil, err
		}
		return map[string]any{"state": state.String()}, nil
	})
}

func (sf *Surface) debugDisconnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "debug_disconnect", req, func(ctx context.Context) (any, error) {
		terminate := argBool(req, "terminate", false)
		if err := sf.eng.Disconnect(ctx, terminate); err != nil {
			return nil, err
		}
		return map[string]any{"state": session.Disconnected.String()}, nil
	})
}

func (sf *Surface) debugState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "debug_state", req, func(ctx context.Context) (any, error) {
		snap := sf.eng.State()
		out := map[string]any{"state": snap.State.String()}
		if snap.State == session.Paused {
			out["reason"] = string(snap.Reason)
			out["thread_id"] = snap.ThreadID
			out["breakpoint_id"] = snap.BreakpointID
			out["location"] = snap.Location
		}
		return out, nil
	})
}

// --- execution control ---------------------------------------------------

func (sf *Surface) debugContinue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "debug_continue", req, func(ctx context.Context) (any, error) {
		threadID := argInt(req, "thread_id", 0)
		if err := sf.eng.Continue(threadID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}

func (sf *Surface) debugPause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "debug_pause", req, func(ctx context.Context) (any, error) {
		if err := sf.eng.Pause(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}

// stepTool returns a handler bound to one of "over", "into", "out" — the
// three debug_step_* tools differ only in the mode string passed to
// Engine.Step.
func (sf *Surface) stepTool(mode string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return sf.invoke(ctx, "debug_step_"+mode, req, func(ctx context.Context) (any, error) {
			threadID := argInt(req, "thread_id", 0)
			if err := sf.eng.Step(mode, threadID); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil
		})
	}
}

// --- breakpoints -----------------------------------------------------------

func (sf *Surface) breakpointSet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "breakpoint_set", req, func(ctx context.Context) (any, error) {
		bp := registry.Breakpoint{
			File:        argString(req, "file", ""),
			Line:        argInt(req, "line", 0),
			Column:      argInt(req, "column", 0),
			FunctionFQN: argString(req, "function", ""),
			Condition:   argString(req, "condition", ""),
			HitCountReq: argInt(req, "hit_count", 0),
			LogMessage:  argString(req, "log_message", ""),
		}
		stored := sf.eng.SetBreakpoint(bp)
		return breakpointView(stored), nil
	})
}

func (sf *Surface) breakpointRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "breakpoint_remove", req, func(ctx context.Context) (any, error) {
		id := argString(req, "id", "")
		if !sf.eng.RemoveBreakpoint(id) {
			return nil, &notFoundErr{id: id}
		}
		return map[string]any{"ok": true}, nil
	})
}

func (sf *Surface) breakpointList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "breakpoint_list", req, func(ctx context.Context) (any, error) {
		list := sf.eng.Registry().List()
		out := make([]any, 0, len(list))
		for _, bp := range list {
			out = append(out, breakpointView(bp))
		}
		return out, nil
	})
}

func (sf *Surface) breakpointEnable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "breakpoint_enable", req, func(ctx context.Context) (any, error) {
		id := argString(req, "id", "")
		enabled := argBool(req, "enabled", true)
		bp, ok := sf.eng.SetBreakpointEnabled(id, enabled)
		if !ok {
			return nil, &notFoundErr{id: id}
		}
		return breakpointView(bp), nil
	})
}

func (sf *Surface) breakpointSetException(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "breakpoint_set_exception", req, func(ctx context.Context) (any, error) {
		exType := argString(req, "exception_type", "")
		firstChance := argBool(req, "break_on_first_chance", true)
		secondChance := argBool(req, "break_on_second_chance", false)
		includeSubtypes := argBool(req, "include_subtypes", false)

		bp := sf.eng.Registry().SetException(registry.Breakpoint{
			ExceptionType:       exType,
			BreakOnFirstChance:  firstChance,
			BreakOnSecondChance: secondChance,
			IncludeSubtypes:     includeSubtypes,
		})
		sf.eng.SetExceptionBreakpoint(exType, firstChance, secondChance, includeSubtypes)
		return breakpointView(bp), nil
	})
}

func (sf *Surface) breakpointWait(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "breakpoint_wait", req, func(ctx context.Context) (any, error) {
		breakpointID := argString(req, "breakpoint_id", "")
		timeout := sf.cfg.DefaultToolTimeout
		if ms := argInt(req, "timeout_ms", 0); ms > 0 {
			timeout = msToDuration(ms)
		}
		stop, failReason := sf.eng.Wait(ctx, breakpointID, timeout)
		if failReason != "" {
			return map[string]any{"stopped": false, "reason": failReason}, nil
		}
		return map[string]any{
			"stopped":       true,
			"reason":        string(stop.Reason),
			"thread_id":     stop.ThreadID,
			"breakpoint_id": stop.BreakpointID,
			"hit_count":     stop.HitCount,
			"location":      stop.Location,
			"exited":        stop.Exited,
			"exit_code":     stop.ExitCode,
		}, nil
	})
}

// --- inspection ------------------------------------------------------------

func (sf *Surface) threadsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "threads_list", req, func(ctx context.Context) (any, error) {
		threads, err := sf.eng.Threads()
		if err != nil {
			return nil, err
		}
		return threads, nil
	})
}

func (sf *Surface) stacktraceGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "stacktrace_get", req, func(ctx context.Context) (any, error) {
		threadID := argInt(req, "thread_id", 0)
		startFrame := argInt(req, "start_frame", 0)
		maxFrames := argInt(req, "max_frames", 64)
		frames, err := sf.eng.Frames(threadID, startFrame, maxFrames)
		if err != nil {
			return nil, err
		}
		return frames, nil
	})
}

func (sf *Surface) variablesGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "variables_get", req, func(ctx context.Context) (any, error) {
		threadID := argInt(req, "thread_id", 0)
		frameIndex := argInt(req, "frame_index", 0)
		scope := session.Scope(argString(req, "scope", ""))
		vars, err := sf.eng.Variables(threadID, frameIndex, scope)
		if err != nil {
			return nil, err
		}
		return vars, nil
	})
}

func (sf *Surface) evaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "evaluate", req, func(ctx context.Context) (any, error) {
		threadID := argInt(req, "thread_id", 0)
		frameIndex := argInt(req, "frame_index", 0)
		expr := argString(req, "expression", "")
		timeoutMs := argInt(req, "timeout_ms", 0)
		result, err := sf.eng.Evaluate(ctx, threadID, frameIndex, expr, timeoutMs)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

func (sf *Surface) objectInspect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "object_inspect", req, func(ctx context.Context) (any, error) {
		threadID := argInt(req, "thread_id", 0)
		frameIndex := argInt(req, "frame_index", 0)
		expr := argString(req, "object_ref", "")
		depth := argInt(req, "depth", 0)
		maxFields := argInt(req, "max_fields", 100)
		result, err := sf.eng.ObjectInspect(ctx, threadID, frameIndex, expr, depth, maxFields)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

func (sf *Surface) memoryRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "memory_read", req, func(ctx context.Context) (any, error) {
		addr, perr := parseHexAddr(argString(req, "address", ""))
		if perr != nil {
			return nil, newToolErr("invalid_frame", "invalid address: %v", perr)
		}
		size := argInt(req, "size", 0)
		region, err := sf.eng.MemoryRead(addr, size)
		if err != nil {
			return nil, err
		}
		return region, nil
	})
}

func (sf *Surface) typeLayout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "type_layout", req, func(ctx context.Context) (any, error) {
		typeName := argString(req, "type_name", "")
		includeInherited := argBool(req, "include_inherited", false)
		layout, err := sf.eng.TypeLayout(typeName, includeInherited)
		if err != nil {
			return nil, err
		}
		return layout, nil
	})
}

func (sf *Surface) referencesGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "references_get", req, func(ctx context.Context) (any, error) {
		threadID := argInt(req, "thread_id", 0)
		frameIndex := argInt(req, "frame_index", 0)
		expr := argString(req, "object_ref", "")
		direction := argString(req, "direction", "outbound")
		max := argInt(req, "max", 0)
		result, err := sf.eng.ReferencesGet(ctx, threadID, frameIndex, expr, direction, max)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

// --- modules -----------------------------------------------------------

func (sf *Surface) modulesList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "modules_list", req, func(ctx context.Context) (any, error) {
		includeSystem := argBool(req, "include_system", false)
		return sf.eng.Modules(includeSystem), nil
	})
}

func (sf *Surface) modulesGetTypes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "modules_get_types", req, func(ctx context.Context) (any, error) {
		moduleName := argString(req, "module_name", "")
		namespace := argString(req, "namespace", "")
		types, err := sf.eng.GetTypes(moduleName, namespace)
		if err != nil {
			return nil, err
		}
		return types, nil
	})
}

func (sf *Surface) modulesGetMembers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "modules_get_members", req, func(ctx context.Context) (any, error) {
		typeName := argString(req, "type_name", "")
		kinds := argStringSlice(req, "member_kinds")
		members, err := sf.eng.GetMembers(typeName, kinds)
		if err != nil {
			return nil, err
		}
		return members, nil
	})
}

func (sf *Surface) modulesSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return sf.invoke(ctx, "modules_search", req, func(ctx context.Context) (any, error) {
		pattern := argString(req, "pattern", "")
		searchType := argString(req, "search_type", "")
		results, err := sf.eng.Search(pattern, searchType)
		if err != nil {
			return nil, err
		}
		return results, nil
	})
}

// --- small shared helpers ---------------------------------------------------

// breakpointView is the wire shape of one breakpoint_list / breakpoint_set
// row: registry.Breakpoint carries engine-internal bind bookkeeping
// (MethodToken, ILOffset) that has no business on the wire.
func breakpointView(bp *registry.Breakpoint) map[string]any {
	v := map[string]any{
		"id":            bp.ID,
		"state":         string(bp.State),
		"enabled":       bp.Enabled,
		"verified":      bp.Verified,
		"hit_count":     bp.HitCount,
		"bind_message":  bp.BindMessage,
	}
	if bp.Kind == registry.KindException {
		v["exception_type"] = bp.ExceptionType
		v["break_on_first_chance"] = bp.BreakOnFirstChance
		v["break_on_second_chance"] = bp.BreakOnSecondChance
		v["include_subtypes"] = bp.IncludeSubtypes
		return v
	}
	v["file"] = bp.File
	v["line"] = bp.Line
	v["column"] = bp.Column
	v["function"] = bp.FunctionFQN
	v["condition"] = bp.Condition
	v["log_message"] = bp.LogMessage
	v["hit_count_required"] = bp.HitCountReq
	return v
}

type notFoundErr struct{ id string }

func (e *notFoundErr) Error() string { return "breakpoint " + e.id + " not found" }

// toolErr is a lightweight *Error look-alike for validation failures the
// engine itself never produces (e.g. an unparseable memory_read address).
type toolErr struct {
	code, message string
}

func (e *toolErr) Error() string { return e.code + ": " + e.message }

func newToolErr(code, format string, args ...any) error {
	return &toolErr{code: code, message: fmt.Sprintf(format, args...)}
}
