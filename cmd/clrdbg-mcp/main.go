// Command clrdbg-mcp runs the Tool Surface as a stdio MCP server in front
// of a Debug Engine (spec §1, §6). Unlike the teacher's own cobra usage —
// cmd/viewcore/objref.go defines a cobra command that is never
// constructed or registered, viewcore's real entrypoint is stdlib flag —
// this is an actually wired root command, in the cobra style
// other_examples/aed9ffd8_ocricci-dontbug__cmd-replay.go.go uses for its
// own subcommand (a package-level *cobra.Command var with Use/Short/Run).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "clrdbg-mcp",
	Short: "Managed-runtime debugger exposed as an MCP stdio service",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
