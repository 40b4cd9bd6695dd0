package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/speculate/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			printVersion(os.Stdout, version.Resolve())
			return nil
		},
	}
}

func printVersion(w io.Writer, info version.Info) {
	fmt.Fprintf(w, "speculate %s\n", info)
	if info.BuildTime != "" {
		fmt.Fprintf(w, "built:      %s\n", info.BuildTime)
	}
	fmt.Fprintf(w, "go:         %s\n", info.GoVersion)
}
