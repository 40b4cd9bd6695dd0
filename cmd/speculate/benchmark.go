package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/speculate/internal/compute"
	"github.com/samcharles93/speculate/internal/logger"
	"github.com/samcharles93/speculate/internal/model"
	"github.com/samcharles93/speculate/internal/speculative"
	"github.com/samcharles93/speculate/internal/toy"
)

type benchResult struct {
	Mode        string
	Runs        int
	Tokens      int
	Elapsed     time.Duration
	Acceptance  float64
	Dispatches  int
	Rounds      int
	BonusTokens int
}

func (r benchResult) tokensPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Tokens) / r.Elapsed.Seconds()
}

func benchmarkCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		prompt     string
		steps      int64
	)

	flags := append(commonModelFlags(), decodingFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs per mode",
			Value:       5,
			Destination: &benchRuns,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text for benchmarking",
			Value:       "How are you today ?",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "number of tokens to generate per run",
			Value:       64,
			Destination: &steps,
		},
	)

	return &cli.Command{
		Name:  "benchmark",
		Usage: "Compare target-only decoding with speculative decoding",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			fileCfg, err := LoadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			applyDecodingConfig(cmd, fileCfg)
			cfg := decodingConfig()
			if err := cfg.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			reg, err := buildRegistry(modelsFile)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load models: %v", err), 1)
			}
			draft, err := reg.Open(ctx, cfg.DraftModelID)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer draft.Unload()
			target, err := reg.Open(ctx, cfg.VerificationModelID)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer target.Unload()

			enc, ok := target.(model.Encoder)
			if !ok {
				return cli.Exit(fmt.Sprintf("error: model %s cannot encode prompts", target.ID()), 1)
			}
			ids, err := enc.Encode(prompt)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: encode prompt: %v", err), 1)
			}

			pool := compute.NewPool(compute.Options{Capacity: bufferCapacity})
			defer func() { _ = pool.Close() }()

			fmt.Println("=== Speculate Benchmark ===")
			fmt.Printf("Draft:    %s\n", cfg.DraftModelID)
			fmt.Printf("Target:   %s\n", cfg.VerificationModelID)
			fmt.Printf("Depth:    %d tokens\n", cfg.MaxDraftTokens)
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("Steps:    %d tokens\n", steps)
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			b := bench{
				draft:  draft,
				target: target,
				prompt: ids,
				steps:  int(steps),
				pool:   pool,
				log:    log,
			}
			modes := []struct {
				name string
				run  func(context.Context, int64) (benchResult, error)
			}{
				{"target-only", b.baseline},
				{"speculative", func(ctx context.Context, s int64) (benchResult, error) {
					return b.speculative(ctx, cfg, s)
				}},
				{"always-accept", func(ctx context.Context, s int64) (benchResult, error) {
					c := cfg
					c.UseRejectionSampling = false
					return b.speculative(ctx, c, s)
				}},
			}

			results := make([]benchResult, 0, len(modes))
			for _, m := range modes {
				for i := range warmupRuns {
					log.Info("warmup run", "mode", m.name, "run", i+1)
					if _, err := m.run(ctx, seed); err != nil {
						return cli.Exit(fmt.Sprintf("error: warmup %s: %v", m.name, err), 1)
					}
				}
				total := benchResult{Mode: m.name}
				for i := range benchRuns {
					log.Info("benchmark run", "mode", m.name, "run", i+1)
					runSeed := seed
					if runSeed >= 0 {
						runSeed += i
					}
					r, err := m.run(ctx, runSeed)
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: %s run %d: %v", m.name, i+1, err), 1)
					}
					total.add(r)
				}
				if total.Runs > 0 {
					total.Acceptance /= float64(total.Runs)
				}
				results = append(results, total)
			}

			printBenchmark(os.Stdout, results)
			return nil
		},
	}
}

func (r *benchResult) add(o benchResult) {
	r.Runs++
	r.Tokens += o.Tokens
	r.Elapsed += o.Elapsed
	r.Acceptance += o.Acceptance
	r.Dispatches += o.Dispatches
	r.Rounds += o.Rounds
	r.BonusTokens += o.BonusTokens
}

type bench struct {
	draft, target model.TokenModel
	prompt        []int
	steps         int
	pool          *compute.Pool
	log           logger.Logger
}

// dispatches reports the target's batched passes when the model counts them.
func dispatches(m model.TokenModel) int {
	if s, ok := m.(interface{ Stats() toy.Stats }); ok {
		return s.Stats().Dispatches
	}
	return 0
}

func (b bench) baseline(ctx context.Context, seed int64) (benchResult, error) {
	before := dispatches(b.target)
	res, err := speculative.DecodeTarget(ctx, b.target, b.prompt, b.steps, model.NewRandom(seed))
	if err != nil {
		return benchResult{}, err
	}
	return benchResult{
		Tokens:     len(res.Tokens),
		Elapsed:    res.Elapsed,
		Dispatches: dispatches(b.target) - before,
	}, nil
}

func (b bench) speculative(ctx context.Context, cfg speculative.Config, seed int64) (benchResult, error) {
	cfg.Seed = seed
	o, err := speculative.New(cfg, b.draft, b.target, speculative.Options{
		Pool:   b.pool,
		Logger: b.log,
	})
	if err != nil {
		return benchResult{}, err
	}
	before := dispatches(b.target)
	start := time.Now()
	sample, err := o.Generate(ctx, b.prompt, b.steps)
	if err != nil {
		return benchResult{}, err
	}
	return benchResult{
		Tokens:      len(sample.Tokens),
		Elapsed:     time.Since(start),
		Acceptance:  sample.AcceptanceRate,
		Dispatches:  dispatches(b.target) - before,
		Rounds:      len(sample.Rounds),
		BonusTokens: sample.BonusTokens,
	}, nil
}

func printBenchmark(w io.Writer, results []benchResult) {
	_, _ = fmt.Fprintln(w, "=== Results ===")
	_, _ = fmt.Fprintf(w, "%-14s %8s %10s %10s %10s %10s %8s\n", "Mode", "Tokens", "tok/s", "Speedup", "Accept", "Target", "Bonus")
	_, _ = fmt.Fprintf(w, "%-14s %8s %10s %10s %10s %10s %8s\n", "---", "", "", "", "", "calls", "")
	if len(results) == 0 {
		return
	}
	base := results[0].tokensPerSecond()
	for _, r := range results {
		speedup := 0.0
		if base > 0 {
			speedup = r.tokensPerSecond() / base
		}
		accept := "-"
		if r.Rounds > 0 {
			accept = fmt.Sprintf("%.1f%%", r.Acceptance*100)
		}
		_, _ = fmt.Fprintf(w, "%-14s %8d %10.2f %9.2fx %10s %10d %8d\n",
			r.Mode, r.Tokens, r.tokensPerSecond(), speedup, accept, r.Dispatches, r.BonusTokens)
	}
	_, _ = fmt.Fprintln(w, "\nalways-accept output follows the draft model, not the target.")
}
