package main

import (
	"sourcebot/cmd/sourcebot/cmd"

	"context"
	"os"
	"os/signal"
	"syscall"
)

// main is the entry point of the sourcebot binary. SIGINT and SIGTERM cancel the
// command context, which lets serve shut down gracefully.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(cmd.Execute(ctx))
}
