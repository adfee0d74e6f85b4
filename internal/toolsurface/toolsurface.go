// Package toolsurface is the Tool Surface (spec §4.G): it maps the MCP
// tool catalogue in spec §6 onto Engine calls, one mcp-go tool per
// noun_verb operation, honouring each call's optional timeout_ms and
// logging name/parameters/duration/outcome.
//
// Tool registration is grouped the way the DAP-bridge reference server
// groups its own catalogue (session management, breakpoints, execution
// control, inspection, modules) — see
// other_examples/15e853b3_go-delve-mcp-dap-server__tools.go.go's
// registerTools — adapted from that server's modelcontextprotocol/go-sdk
// struct-schema style to mark3labs/mcp-go's WithString/WithNumber/
// WithBoolean schema builders, the MCP library this module's go.mod
// actually carries (github.com/mark3labs/mcp-go, the same dependency
// ternarybob-iter and GoCodeAlone-workflow pull in).
package toolsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/clrdbg/clrdbg-mcp/internal/config"
	"github.com/clrdbg/clrdbg-mcp/internal/engine"
	"github.com/clrdbg/clrdbg-mcp/internal/logging"
)

var log = logging.For("toolsurface")

// Surface owns every tool handler's shared dependency: the one Engine
// instance for the process.
type Surface struct {
	eng *engine.Engine
	cfg config.Config
}

// Register builds a Surface and adds every spec §6 tool to server.
func Register(s *server.MCPServer, eng *engine.Engine, cfg config.Config) {
	sf := &Surface{eng: eng, cfg: cfg}

	// Session management
	s.AddTool(mcp.NewTool("debug_launch",
		mcp.WithDescription("Launch a managed process under the debugger."),
		mcp.WithString("program", mcp.Required(), mcp.Description("path to the executable or managed entry assembly")),
		mcp.WithArray("args", mcp.Description("command line arguments")),
		mcp.WithString("cwd", mcp.Description("working directory")),
		mcp.WithBoolean("stop_at_entry", mcp.Description("pause before any user code runs")),
	), sf.debugLaunch)
	s.AddTool(mcp.NewTool("debug_attach",
		mcp.WithDescription("Attach to an already-running managed process."),
		mcp.WithNumber("pid", mcp.Required(), mcp.Description("operating system process id")),
	), sf.debugAttach)
	s.AddTool(mcp.NewTool("debug_disconnect",
		mcp.WithDescription("End the debug session, optionally terminating the target."),
		mcp.WithBoolean("terminate", mcp.Description("kill the target process instead of detaching (default false)")),
	), sf.debugDisconnect)
	s.AddTool(mcp.NewTool("debug_state",
		mcp.WithDescription("Report the current session state and, if paused, why and where."),
	), sf.debugState)

	// Execution control
	s.AddTool(mcp.NewTool("debug_continue",
		mcp.WithDescription("Resume a paused session."),
		mcp.WithNumber("thread_id", mcp.Description("thread to resume (default: active thread)")),
	), sf.debugContinue)
	s.AddTool(mcp.NewTool("debug_pause",
		mcp.WithDescription("Suspend a running session."),
	), sf.debugPause)
	s.AddTool(mcp.NewTool("debug_step_over", mcp.WithDescription("Step over the current line."),
		mcp.WithNumber("thread_id", mcp.Description("thread to step (default: active thread)"))), sf.stepTool("over"))
	s.AddTool(mcp.NewTool("debug_step_into", mcp.WithDescription("Step into a call on the current line."),
		mcp.WithNumber("thread_id", mcp.Description("thread to step (default: active thread)"))), sf.stepTool("into"))
	s.AddTool(mcp.NewTool("debug_step_out", mcp.WithDescription("Step out of the current method."),
		mcp.WithNumber("thread_id", mcp.Description("thread to step (default: active thread)"))), sf.stepTool("out"))

	// Breakpoints
	s.AddTool(mcp.NewTool("breakpoint_set",
		mcp.WithDescription("Set a source or function breakpoint."),
		mcp.WithString("file", mcp.Description("source file (mutually exclusive with function)")),
		mcp.WithNumber("line", mcp.Description("1-based source line")),
		mcp.WithNumber("column", mcp.Description("optional column, used to disambiguate multiple sequence points on a line")),
		mcp.WithString("function", mcp.Description("fully qualified method name (mutually exclusive with file/line)")),
		mcp.WithString("condition", mcp.Description("boolean expression; the breakpoint only fires when it evaluates true")),
		mcp.WithNumber("hit_count", mcp.Description("required hit count before the breakpoint fires")),
		mcp.WithString("log_message", mcp.Description("logpoint template; when set the breakpoint logs and resumes instead of pausing")),
	), sf.breakpointSet)
	s.AddTool(mcp.NewTool("breakpoint_remove",
		mcp.WithDescription("Remove a breakpoint."),
		mcp.WithString("id", mcp.Required(), mcp.Description("breakpoint id returned by breakpoint_set")),
	), sf.breakpointRemove)
	s.AddTool(mcp.NewTool("breakpoint_list",
		mcp.WithDescription("List every registered breakpoint."),
	), sf.breakpointList)
	s.AddTool(mcp.NewTool("breakpoint_enable",
		mcp.WithDescription("Enable or disable a breakpoint without losing its record."),
		mcp.WithString("id", mcp.Required(), mcp.Description("breakpoint id")),
		mcp.WithBoolean("enabled", mcp.Description("true to enable, false to disable (default true)")),
	), sf.breakpointEnable)
	s.AddTool(mcp.NewTool("breakpoint_set_exception",
		mcp.WithDescription("Break when an exception of the given type is thrown."),
		mcp.WithString("exception_type", mcp.Required(), mcp.Description("fully qualified exception type name")),
		mcp.WithBoolean("break_on_first_chance", mcp.Description("break before any handler runs (default true)")),
		mcp.WithBoolean("break_on_second_chance", mcp.Description("break only if the exception goes unhandled")),
		mcp.WithBoolean("include_subtypes", mcp.Description("also break on derived exception types")),
	), sf.breakpointSetException)
	s.AddTool(mcp.NewTool("breakpoint_wait",
		mcp.WithDescription("Block until a breakpoint (or any stop) is hit."),
		mcp.WithNumber("timeout_ms", mcp.Description("how long to wait before giving up (default from tool timeout)")),
		mcp.WithString("breakpoint_id", mcp.Description("wait only for this breakpoint; other hits are dropped and logged")),
	), sf.breakpointWait)

	// Inspection
	s.AddTool(mcp.NewTool("threads_list", mcp.WithDescription("List every thread in the target.")), sf.threadsList)
	s.AddTool(mcp.NewTool("stacktrace_get",
		mcp.WithDescription("Get a thread's call stack."),
		mcp.WithNumber("thread_id", mcp.Description("thread to unwind (omitted means thread 0; the active thread is not substituted)")),
		mcp.WithNumber("start_frame", mcp.Description("first frame index to return (default 0)")),
		mcp.WithNumber("max_frames", mcp.Description("maximum frames to return (default 64)")),
	), sf.stacktraceGet)
	s.AddTool(mcp.NewTool("variables_get",
		mcp.WithDescription("List locals, arguments, and 'this' for a frame."),
		mcp.WithNumber("thread_id", mcp.Description("thread to inspect (omitted means thread 0; the active thread is not substituted)")),
		mcp.WithNumber("frame_index", mcp.Description("frame index (default 0, the top frame)")),
		mcp.WithString("scope", mcp.Description("filter to one of Local, Argument, This")),
	), sf.variablesGet)
	s.AddTool(mcp.NewTool("evaluate",
		mcp.WithDescription("Evaluate a dotted member-access expression against the current frame."),
		mcp.WithString("expression", mcp.Required(), mcp.Description("e.g. 'this._currentUser.HomeAddress.City'")),
		mcp.WithNumber("thread_id", mcp.Description("thread to evaluate against (omitted means thread 0; the active thread is not substituted)")),
		mcp.WithNumber("frame_index", mcp.Description("frame index (default 0)")),
		mcp.WithNumber("timeout_ms", mcp.Description("funceval timeout override")),
	), sf.evaluate)
	s.AddTool(mcp.NewTool("object_inspect",
		mcp.WithDescription("Resolve an expression to an object and read its fields."),
		mcp.WithString("object_ref", mcp.Required(), mcp.Description("expression identifying the object")),
		mcp.WithNumber("depth", mcp.Description("recursion depth for nested objects (default 0)")),
		mcp.WithNumber("max_fields", mcp.Description("truncate the field list at this count (default 100)")),
		mcp.WithNumber("thread_id", mcp.Description("thread to evaluate against (omitted means thread 0; the active thread is not substituted)")),
		mcp.WithNumber("frame_index", mcp.Description("frame index (default 0)")),
	), sf.objectInspect)
	s.AddTool(mcp.NewTool("memory_read",
		mcp.WithDescription("Read raw bytes from target memory."),
		mcp.WithString("address", mcp.Required(), mcp.Description("hex address, e.g. 0x00007FF8A1234560")),
		mcp.WithNumber("size", mcp.Required(), mcp.Description("number of bytes to read")),
	), sf.memoryRead)
	s.AddTool(mcp.NewTool("type_layout",
		mcp.WithDescription("Compute a type's field offsets, sizes, and padding."),
		mcp.WithString("type_name", mcp.Required(), mcp.Description("fully qualified type name")),
		mcp.WithBoolean("include_inherited", mcp.Description("include fields from base types")),
	), sf.typeLayout)
	s.AddTool(mcp.NewTool("references_get",
		mcp.WithDescription("Walk outbound (or, best-effort, inbound) object references."),
		mcp.WithString("object_ref", mcp.Required(), mcp.Description("expression identifying the object")),
		mcp.WithString("direction", mcp.Description("'outbound' or 'inbound' (default outbound)")),
		mcp.WithNumber("max", mcp.Description("truncate the reference list at this count")),
		mcp.WithNumber("thread_id", mcp.Description("thread to evaluate against (omitted means thread 0; the active thread is not substituted)")),
		mcp.WithNumber("frame_index", mcp.Description("frame index (default 0)")),
	), sf.referencesGet)

	// Modules
	s.AddTool(mcp.NewTool("modules_list",
		mcp.WithDescription("List loaded modules."),
		mcp.WithBoolean("include_system", mcp.Description("include framework/system assemblies")),
	), sf.modulesList)
	s.AddTool(mcp.NewTool("modules_get_types",
		mcp.WithDescription("List the types declared in a module."),
		mcp.WithString("module_name", mcp.Required(), mcp.Description("assembly file name, e.g. MyApp.dll")),
		mcp.WithString("namespace", mcp.Description("filter to one namespace")),
	), sf.modulesGetTypes)
	s.AddTool(mcp.NewTool("modules_get_members",
		mcp.WithDescription("List the fields, properties, and methods declared on a type."),
		mcp.WithString("type_name", mcp.Required(), mcp.Description("fully qualified type name")),
		mcp.WithArray("member_kinds", mcp.Description("filter to any of field, property, method")),
	), sf.modulesGetMembers)
	s.AddTool(mcp.NewTool("modules_search",
		mcp.WithDescription("Search loaded metadata for types and methods by name."),
		mcp.WithString("pattern", mcp.Required(), mcp.Description("text to match")),
		mcp.WithString("search_type", mcp.Required(), mcp.Description("'exact', 'prefix', or 'regex'")),
	), sf.modulesSearch)
}

// --- request/response plumbing ---------------------------------------------

// invoke wraps one tool call with the logging and timeout discipline spec
// §4.G requires: tool name, parameters, duration, and outcome (success/error)
// are logged at info level, with string parameters over 256 bytes elided.
func (sf *Surface) invoke(ctx context.Context, name string, req mcp.CallToolRequest, fn func(context.Context) (any, error)) (*mcp.CallToolResult, error) {
	start := time.Now()
	timeout := sf.cfg.DefaultToolTimeout
	if ms := argInt(req, "timeout_ms", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := make(map[string]any, len(req.Params.Arguments))
	for k, v := range req.Params.Arguments {
		if s, ok := v.(string); ok && len(s) > 256 {
			v = fmt.Sprintf("<%d bytes elided>", len(s))
		}
		params[k] = v
	}
	entry := log.WithField("tool", name).WithField("params", params)
	result, err := fn(callCtx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	entry.WithField("duration_ms", time.Since(start).Milliseconds()).WithField("outcome", outcome).Info("tool call")

	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(result)
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errEnvelope is the {error:true, code, message, details?} shape spec §7
// requires for every engine failure.
type errEnvelope struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func toolError(err error) *mcp.CallToolResult {
	switch e := err.(type) {
	case *engine.Error:
		env := errEnvelope{Error: true, Code: string(e.Code), Message: e.Message}
		if e.Sub != "" {
			env.Details = string(e.Sub)
		}
		data, _ := json.Marshal(env)
		return mcp.NewToolResultText(string(data))
	case *toolErr:
		data, _ := json.Marshal(errEnvelope{Error: true, Code: e.code, Message: e.message})
		return mcp.NewToolResultText(string(data))
	case *notFoundErr:
		data, _ := json.Marshal(errEnvelope{Error: true, Code: "invalid_breakpoint", Message: e.Error()})
		return mcp.NewToolResultText(string(data))
	default:
		data, _ := json.Marshal(errEnvelope{Error: true, Code: "internal_error", Message: err.Error()})
		return mcp.NewToolResultText(string(data))
	}
}

func argString(req mcp.CallToolRequest, key, def string) string {
	if v, ok := req.Params.Arguments[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func argInt(req mcp.CallToolRequest, key string, def int) int {
	if v, ok := req.Params.Arguments[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

func argBool(req mcp.CallToolRequest, key string, def bool) bool {
	if v, ok := req.Params.Arguments[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func argStringSlice(req mcp.CallToolRequest, key string) []string {
	v, ok := req.Params.Arguments[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func parseHexAddr(s string) (uint64, error) {
	var addr uint64
	_, err := fmt.Sscanf(s, "0x%X", &addr)
	if err != nil {
		_, err = fmt.Sscanf(s, "%d", &addr)
	}
	return addr, err
}
