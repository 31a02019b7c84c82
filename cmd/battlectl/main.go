package main

import (
	"context"
	"os"

	"duel-engine/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		format, _ := cmd.PersistentFlags().GetString("format")
		cli.WriteError(cmd.ErrOrStderr(), format, err)
		os.Exit(cli.GetExitCode(err))
	}
}
