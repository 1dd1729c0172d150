package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aristath/agentmon/internal/cli"
)

// Run executes the command tree and returns the process exit code.
func Run(ctx context.Context, args []string) int {
	root := cli.NewRootCmd(Version)
	root.SilenceErrors = true
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
