package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/speculate/internal/model"
	"github.com/samcharles93/speculate/internal/toy"
)

// buildRegistry registers the toy models described by path, or the built-in
// draft/target pair when path is empty.
func buildRegistry(path string) (*model.Registry, error) {
	specs := []toy.Spec{toy.DefaultTarget(), toy.DefaultDraft()}
	if path != "" {
		var err error
		if specs, err = toy.LoadSpecs(path); err != nil {
			return nil, err
		}
	}
	reg := model.NewRegistry()
	if err := toy.Register(reg, specs...); err != nil {
		return nil, err
	}
	return reg, nil
}

func modelsCmd() *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "List the models available to the engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "models",
				Usage:       "path to a YAML file of toy model specs (built-in pair when unset)",
				Destination: &modelsFile,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := LoadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if cfg.Models != "" && !cmd.IsSet("models") {
				modelsFile = cfg.Models
			}
			reg, err := buildRegistry(modelsFile)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load models: %v", err), 1)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tVOCAB\tEOS")
			for _, id := range reg.IDs() {
				m, err := reg.Open(ctx, id)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: open %s: %v", id, err), 1)
				}
				eos := "-"
				if e := m.EOS(); e != model.NoEOS {
					eos = m.TokenText(e)
				}
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", id, m.VocabSize(), eos)
				m.Unload()
			}
			return tw.Flush()
		},
	}
}
