package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the speculate configuration file
// (~/.config/speculate/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Models            string `yaml:"models"`
	DraftModel        string `yaml:"draft_model"`
	VerificationModel string `yaml:"verification_model"`

	MaxDraftTokens       *int64         `yaml:"max_draft_tokens"`
	AcceptanceThreshold  *float64       `yaml:"acceptance_threshold"`
	ParallelVerification *bool          `yaml:"parallel_verification"`
	RejectionSampling    *bool          `yaml:"rejection_sampling"`
	MaxResponseTime      *time.Duration `yaml:"max_response_time"`
	Seed                 *int64         `yaml:"seed"`
	BufferCapacity       *int64         `yaml:"buffer_capacity"`

	// Server
	ServerAddress string `yaml:"server_address"`
	MaxConcurrent *int64 `yaml:"max_concurrent"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "speculate", "config.yaml")
}

// applyDecodingConfig applies config file defaults to the model and decoding
// flag variables when the corresponding flag was not explicitly set.
func applyDecodingConfig(c *cli.Command, cfg Config) {
	if cfg.Models != "" && !c.IsSet("models") {
		modelsFile = cfg.Models
	}
	if cfg.DraftModel != "" && !c.IsSet("draft-model") {
		draftModel = cfg.DraftModel
	}
	if cfg.VerificationModel != "" && !c.IsSet("verification-model") {
		verificationModel = cfg.VerificationModel
	}
	if cfg.MaxDraftTokens != nil && !c.IsSet("max-draft-tokens") {
		maxDraftTokens = *cfg.MaxDraftTokens
	}
	if cfg.AcceptanceThreshold != nil && !c.IsSet("acceptance-threshold") {
		acceptanceThreshold = *cfg.AcceptanceThreshold
	}
	if cfg.ParallelVerification != nil && !c.IsSet("parallel-verification") {
		parallelVerify = *cfg.ParallelVerification
	}
	if cfg.RejectionSampling != nil && !c.IsSet("rejection-sampling") {
		rejectionSampling = *cfg.RejectionSampling
	}
	if cfg.MaxResponseTime != nil && !c.IsSet("max-response-time") {
		maxResponseTime = *cfg.MaxResponseTime
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.BufferCapacity != nil && !c.IsSet("buffer-capacity") {
		bufferCapacity = *cfg.BufferCapacity
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, maxConcurrent *int64) {
	applyDecodingConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.MaxConcurrent != nil && !c.IsSet("max-concurrent") {
		*maxConcurrent = *cfg.MaxConcurrent
	}
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig() (Config, error) {
	path := configPath()
	if path == "" {
		return Config{}, nil
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
