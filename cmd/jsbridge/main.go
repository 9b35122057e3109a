// Command jsbridge hosts sandboxed JavaScript contexts behind an HTTP API or
// a framed socket protocol, and evaluates scripts from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(Version, Commit).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "jsbridge:", err)
		stop()
		os.Exit(1)
	}
}
