package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/agentworkforce/deliverytrack/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := cli.NewRootCommand(version)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprint("error: ")+err.Error())
		os.Exit(cli.GetExitCode(err))
	}
}
