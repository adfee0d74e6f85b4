package main

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/clrdbg/clrdbg-mcp/internal/config"
	"github.com/clrdbg/clrdbg-mcp/internal/engine"
	"github.com/clrdbg/clrdbg-mcp/internal/logging"
	"github.com/clrdbg/clrdbg-mcp/internal/metadata"
	"github.com/clrdbg/clrdbg-mcp/internal/nativebind"
	"github.com/clrdbg/clrdbg-mcp/internal/nativebind/simtarget"
	"github.com/clrdbg/clrdbg-mcp/internal/registry"
	"github.com/clrdbg/clrdbg-mcp/internal/simruntime"
	"github.com/clrdbg/clrdbg-mcp/internal/symbols"
	"github.com/clrdbg/clrdbg-mcp/internal/toolsurface"
)

const (
	serverName    = "clrdbg-mcp"
	serverVersion = "0.1.0"

	demoModulePath = "Program.exe"
	demoFile       = "Program.cs"
)

var log = logging.For("main")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Tool Surface as a stdio MCP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe wires every Component (A-G) and starts the stdio MCP server.
// No real ICorDebug-class binding exists in this module — see
// internal/simruntime's package doc — so the default wiring runs against
// the simulated Target/Heap/Loader trio, the same posture golang-debug
// itself takes by driving a recorded core dump in gocore_test.go rather
// than a live process.
func runServe() error {
	cfg := config.Default()

	reg := registry.New()

	loader := simruntime.NewLoader()
	mainToken := metadata.Token(0x06000001)
	loader.AddPoint(demoModulePath, symbols.SequencePointRecord{
		MethodToken: mainToken,
		ILOffset:    0,
		File:        demoFile,
		Span:        symbols.Span{StartLine: 10, StartCol: 9, EndLine: 10, EndCol: 32},
	})
	resolver, err := symbols.NewResolver(loader, 64)
	if err != nil {
		return err
	}

	metaRd := simruntime.NewMetadataReader()
	asm := metadata.NewAssembly(demoModulePath)
	asm.AddType(&metadata.TypeDef{
		Token:     0x02000002,
		FullName:  "Program",
		Namespace: "",
		Name:      "Program",
		Kind:      metadata.KindObject,
		Methods: []metadata.MethodDef{
			{Token: mainToken, Name: "Main", Signature: "void Main(string[])", Flags: metadata.MethodStatic},
		},
	})
	metaRd.Add(demoModulePath, asm)

	heap := simruntime.NewHeap()
	heap.SetFrames(1, []simruntime.FrameStack{{
		ModulePath:   demoModulePath,
		MethodToken:  uint32(mainToken),
		ILOffset:     0,
		FunctionName: "Program.Main",
	}})

	target := simtarget.New(simtarget.Script{
		Modules:        []simtarget.Module{{Path: demoModulePath, LoadAfterResumes: 0}},
		Breakpointable: map[uint64]bool{},
	})
	binding := nativebind.New(target)

	eng := engine.New(binding, reg, resolver, metaRd, heap, cfg.EvalTimeout)

	s := server.NewMCPServer(serverName, serverVersion)
	toolsurface.Register(s, eng, cfg)

	log.WithField("version", serverVersion).Info("clrdbg-mcp serving over stdio")
	return server.ServeStdio(s)
}
