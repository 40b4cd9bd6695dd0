package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/speculate/internal/speculative"
)

var (
	modelsFile          string
	draftModel          string
	verificationModel   string
	maxDraftTokens      int64
	acceptanceThreshold float64
	parallelVerify      bool
	rejectionSampling   bool
	maxResponseTime     time.Duration
	seed                int64
	bufferCapacity      int64
	logLevel            string
	logFormat           string
	debug               bool
)

func commonModelFlags() []cli.Flag {
	defaults := speculative.DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "models",
			Usage:       "path to a YAML file of toy model specs (built-in pair when unset)",
			Destination: &modelsFile,
		},
		&cli.StringFlag{
			Name:        "draft-model",
			Aliases:     []string{"draft", "d"},
			Usage:       "draft model id",
			Value:       defaults.DraftModelID,
			Destination: &draftModel,
		},
		&cli.StringFlag{
			Name:        "verification-model",
			Aliases:     []string{"target", "m"},
			Usage:       "verification (target) model id",
			Value:       defaults.VerificationModelID,
			Destination: &verificationModel,
		},
	}
}

func decodingFlags() []cli.Flag {
	defaults := speculative.DefaultConfig()
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-draft-tokens",
			Aliases:     []string{"k"},
			Usage:       "tokens drafted per round (1-64)",
			Value:       int64(defaults.MaxDraftTokens),
			Destination: &maxDraftTokens,
		},
		&cli.Float64Flag{
			Name:        "acceptance-threshold",
			Usage:       "stop drafting after a token whose draft probability is below this",
			Value:       defaults.AcceptanceThreshold,
			Destination: &acceptanceThreshold,
		},
		&cli.BoolFlag{
			Name:        "parallel-verification",
			Usage:       "verify a whole draft in one batched target pass",
			Value:       defaults.UseParallelVerification,
			Destination: &parallelVerify,
		},
		&cli.BoolFlag{
			Name:        "rejection-sampling",
			Usage:       "apply the acceptance rule; false accepts every drafted token",
			Value:       defaults.UseRejectionSampling,
			Destination: &rejectionSampling,
		},
		&cli.DurationFlag{
			Name:        "max-response-time",
			Usage:       "per-round deadline (0 disables)",
			Destination: &maxResponseTime,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed (-1 for random)",
			Value:       defaults.Seed,
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "buffer-capacity",
			Usage:       "compute pool byte limit (0 for unlimited)",
			Destination: &bufferCapacity,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// decodingConfig assembles the configuration from the flag variables.
func decodingConfig() speculative.Config {
	return speculative.Config{
		DraftModelID:            draftModel,
		VerificationModelID:     verificationModel,
		AcceptanceThreshold:     acceptanceThreshold,
		MaxDraftTokens:          int(maxDraftTokens),
		UseParallelVerification: parallelVerify,
		UseRejectionSampling:    rejectionSampling,
		MaxResponseTime:         maxResponseTime,
		Seed:                    seed,
	}
}
