// Package main implements the semtree command: an element tree with an event
// dispatcher pushing notifications over HTTP, WebSocket and NATS.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "semtree"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}
