package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"lifehub/cmd/lifehubctl/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.NewRootCommand(cmd.OpenEnv).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
