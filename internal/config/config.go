// Package config loads runtime configuration for the strata CLI from an
// optional config file plus STRATA_* environment overrides. The engine
// packages never read configuration themselves; everything is passed in.
package config

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// StrataDir is the directory created next to the user's project to hold
// sessions and logs.
const StrataDir = ".strata"

// Config holds the runtime configuration for strata.
type Config struct {
	// SessionsRoot is the directory the OS-backed filesystem is rooted at.
	SessionsRoot string `mapstructure:"sessions_root"`
	// Layout selects the materialization layout: store (default) or legacy.
	Layout string `mapstructure:"layout"`
	// DefaultWorkflow is used when a command names no workflow.
	DefaultWorkflow string `mapstructure:"default_workflow"`
}

// Load reads configuration from workDir/.strata/config.yaml when present and
// from STRATA_* environment variables; missing files fall back to defaults.
func Load(workDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(workDir, StrataDir))
	v.SetEnvPrefix("STRATA")
	v.AutomaticEnv()

	v.SetDefault("sessions_root", filepath.Join(workDir, StrataDir))
	v.SetDefault("layout", "store")
	v.SetDefault("default_workflow", "fedml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Layout = strings.ToLower(strings.TrimSpace(cfg.Layout))
	return &cfg, nil
}
