package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanjhayes/skynet-rc1/cli"
	"github.com/alanjhayes/skynet-rc1/cli/helpers"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.RootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		// CLI errors were already reported by the command
		var cliErr *helpers.CliError
		if !errors.As(err, &cliErr) {
			fmt.Fprintln(os.Stderr, helpers.FormatError(err, helpers.OutputFormatTable))
		}
		os.Exit(1)
	}
}
