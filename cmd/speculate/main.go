package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/speculate/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "speculate",
		Usage: "Speculative decoding engine CLI",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := logger.ParseLevel(logLevel)
			if debug {
				level = slog.LevelDebug
			}
			return logger.WithContext(ctx, logger.Build(os.Stderr, logFormat, level)), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			benchmarkCmd(),
			serveCmd(),
			modelsCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
