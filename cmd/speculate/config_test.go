package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
draft_model: small
max_draft_tokens: 6
acceptance_threshold: 0.25
rejection_sampling: false
max_response_time: 150ms
server_address: 0.0.0.0:9000
`)
	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DraftModel != "small" || cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.MaxDraftTokens == nil || *cfg.MaxDraftTokens != 6 {
		t.Fatalf("max_draft_tokens: %v", cfg.MaxDraftTokens)
	}
	if cfg.RejectionSampling == nil || *cfg.RejectionSampling {
		t.Fatalf("rejection_sampling: %v", cfg.RejectionSampling)
	}
	if cfg.MaxResponseTime == nil || *cfg.MaxResponseTime != 150*time.Millisecond {
		t.Fatalf("max_response_time: %v", cfg.MaxResponseTime)
	}
	if cfg.Seed != nil || cfg.ParallelVerification != nil {
		t.Fatalf("unset fields should stay nil: %+v", cfg)
	}
}

func TestLoadConfigFileMissingAndInvalid(t *testing.T) {
	cfg, err := loadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if cfg.DraftModel != "" || cfg.MaxDraftTokens != nil {
		t.Fatalf("missing file should yield a zero config, got %+v", cfg)
	}
	if _, err := loadConfigFile(writeConfig(t, "max_draft_tokens: [")); err == nil {
		t.Fatal("expected a parse error")
	}
}

// Not parallel: flag destinations are package variables.
func TestApplyDecodingConfigRespectsFlags(t *testing.T) {
	k, threshold := int64(9), 0.1
	parallel := false
	cfg := Config{
		DraftModel:           "from-file",
		MaxDraftTokens:       &k,
		AcceptanceThreshold:  &threshold,
		ParallelVerification: &parallel,
	}

	cmd := &cli.Command{
		Name:  "test",
		Flags: append(commonModelFlags(), decodingFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyDecodingConfig(cmd, cfg)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"test", "--max-draft-tokens", "3"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := decodingConfig()
	if got.MaxDraftTokens != 3 {
		t.Fatalf("explicit flag overridden by the file: %d", got.MaxDraftTokens)
	}
	if got.DraftModelID != "from-file" || got.AcceptanceThreshold != 0.1 || got.UseParallelVerification {
		t.Fatalf("file values not applied: %+v", got)
	}
	if !got.UseRejectionSampling {
		t.Fatalf("unset file value changed a default: %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("resulting config invalid: %v", err)
	}
}

func TestBuildRegistry(t *testing.T) {
	t.Parallel()
	reg, err := buildRegistry("")
	if err != nil {
		t.Fatalf("built-in models: %v", err)
	}
	if !reg.Has("toy-draft") || !reg.Has("toy-target") {
		t.Fatalf("built-in pair missing: %v", reg.IDs())
	}

	path := writeConfig(t, `
models:
  - id: tiny
    vocab: [a, b, c]
`)
	reg, err = buildRegistry(path)
	if err != nil {
		t.Fatalf("spec file: %v", err)
	}
	if ids := reg.IDs(); len(ids) != 1 || ids[0] != "tiny" {
		t.Fatalf("ids: %v", ids)
	}
	if _, err := buildRegistry(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing spec file")
	}
}
