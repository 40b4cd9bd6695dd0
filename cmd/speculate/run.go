package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/speculate/internal/compute"
	"github.com/samcharles93/speculate/internal/engine"
	"github.com/samcharles93/speculate/internal/logger"
	"github.com/samcharles93/speculate/internal/speculative"
)

func runCmd() *cli.Command {
	var (
		prompt     string
		maxTokens  int64
		jsonOutput bool
		showRounds bool
	)

	flags := append(commonModelFlags(), decodingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (words from the model vocabulary)",
			Value:       "Hello , world",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n"},
			Usage:       "number of tokens to generate",
			Value:       engine.DefaultMaxTokens,
			Destination: &maxTokens,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the full generation as JSON",
			Destination: &jsonOutput,
		},
		&cli.BoolFlag{
			Name:        "rounds",
			Usage:       "print every round as it completes",
			Destination: &showRounds,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate from a prompt with speculative decoding",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := LoadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			applyDecodingConfig(cmd, cfg)

			svc, pool, err := newService(log, 1)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() {
				_ = svc.Close()
				_ = pool.Close()
			}()

			var onRound func(speculative.RoundEvent)
			if showRounds && !jsonOutput {
				onRound = func(ev speculative.RoundEvent) {
					if ev.Round != nil {
						printRound(os.Stdout, ev.Round)
					}
				}
			}

			start := time.Now()
			gen, err := svc.Generate(ctx, engine.Request{Prompt: prompt, MaxTokens: int(maxTokens)}, onRound)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
			}

			if jsonOutput {
				b, err := json.MarshalIndent(gen, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode: %v", err), 1)
				}
				fmt.Println(string(b))
				return nil
			}

			fmt.Println(gen.Text)
			printSummary(os.Stdout, gen, time.Since(start))
			return nil
		},
	}
}

// newService builds the registry, pool and service shared by run and serve.
func newService(log logger.Logger, maxConcurrent int64) (*engine.Service, *compute.Pool, error) {
	reg, err := buildRegistry(modelsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load models: %w", err)
	}
	pool := compute.NewPool(compute.Options{Capacity: bufferCapacity})
	svc, err := engine.New(engine.Options{
		Registry:      reg,
		Config:        decodingConfig(),
		Pool:          pool,
		Logger:        log,
		MaxConcurrent: maxConcurrent,
	})
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	return svc, pool, nil
}

func printRound(w io.Writer, r *speculative.RoundSample) {
	draft := make([]string, len(r.Draft))
	for i, t := range r.Draft {
		draft[i] = t.Text
	}
	appended := make([]string, len(r.Appended))
	for i, t := range r.Appended {
		appended[i] = t.Text
	}
	marker := ""
	if r.Bonus {
		marker = " +bonus"
	}
	_, _ = fmt.Fprintf(w, "round %-3d draft=[%s] accepted=%d/%d -> [%s]%s (%s)\n",
		r.Index, strings.Join(draft, " "), r.Accepted, len(r.Draft),
		strings.Join(appended, " "), marker, r.Timing.Total.Round(time.Microsecond))
}

func printSummary(w io.Writer, gen engine.Generation, elapsed time.Duration) {
	s := gen.Sample
	if s == nil {
		return
	}
	_, _ = fmt.Fprintf(w, "\n--- %d tokens in %d rounds, acceptance %.1f%%, %d bonus, stop=%s, %.1f tok/s, %s\n",
		len(s.Tokens), len(s.Rounds), s.AcceptanceRate*100, s.BonusTokens, s.StopReason,
		s.Metrics.TokensPerSecond, elapsed.Round(time.Millisecond))
}
