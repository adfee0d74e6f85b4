// Package logging provides the per-subsystem loggers used throughout
// clrdbg-mcp. Every logger writes to stderr so stdout stays reserved for
// MCP protocol traffic (spec §6).
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu      sync.Mutex
	root    = newRoot()
	entries = map[string]*logrus.Entry{}
)

func newRoot() *logrus.Logger {
	lg := logrus.New()
	lg.Out = os.Stderr
	lg.SetLevel(logrus.InfoLevel)
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return lg
}

// SetLevel adjusts the level used by every subsystem logger.
func SetLevel(l logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	root.SetLevel(l)
}

// For returns the shared logger entry for a subsystem ("engine", "symbols",
// "registry", "toolsurface", "nativebind", ...), creating it on first use.
func For(subsystem string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	if e, ok := entries[subsystem]; ok {
		return e
	}
	e := root.WithField("component", subsystem)
	entries[subsystem] = e
	return e
}
