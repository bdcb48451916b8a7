package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/optisync/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	if err == nil {
		os.Exit(cli.ExitSuccess)
	}
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code == cli.ExitCommandError {
		fmt.Fprintf(os.Stderr, "optisync: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}
