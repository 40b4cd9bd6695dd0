package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/speculate/internal/api"
	"github.com/samcharles93/speculate/internal/compute"
	"github.com/samcharles93/speculate/internal/engine"
	"github.com/samcharles93/speculate/internal/logger"
	"github.com/samcharles93/speculate/internal/perf"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		readTimeout   time.Duration
		maxConcurrent int64
	)

	flags := append(commonModelFlags(), decodingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Int64Flag{
			Name:        "max-concurrent",
			Usage:       "generations allowed to run at once",
			Value:       4,
			Destination: &maxConcurrent,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := LoadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			applyServeConfig(cmd, cfg, &addr, &maxConcurrent)

			reg, err := buildRegistry(modelsFile)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load models: %v", err), 1)
			}
			metrics := prometheus.NewRegistry()
			metrics.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			pool := compute.NewPool(compute.Options{Capacity: bufferCapacity})
			defer func() { _ = pool.Close() }()

			service, err := engine.New(engine.Options{
				Registry:      reg,
				Config:        decodingConfig(),
				Pool:          pool,
				Collectors:    perf.NewCollectors(metrics),
				Logger:        log,
				MaxConcurrent: maxConcurrent,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = service.Close() }()

			server := api.NewServer(service, metrics)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "models", reg.IDs(), "max_concurrent", maxConcurrent)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
