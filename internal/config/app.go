package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/sandevgo/memd/pkg/log"
)

type AppConfig struct {
	RuntimePath string `env:"MEMD_RUNTIME_PATH" envDefault:".memd"`
	// One embedded store per project
	Project string `env:"MEMD_PROJECT" envDefault:"default"`
}

func NewAppConfig(ctx context.Context) *AppConfig {
	c := &AppConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse app config")
	}
	// Relative runtime paths anchor to the home directory, like
	// GetRuntimePath, so every entry point resolves the same store.
	if !filepath.IsAbs(c.RuntimePath) {
		home, _ := os.UserHomeDir()
		c.RuntimePath = filepath.Join(home, c.RuntimePath)
	}
	return c
}

func (c AppConfig) GetRuntimePath() string {
	return c.RuntimePath
}

func (c AppConfig) GetDatabasePath() string {
	return filepath.Join(c.RuntimePath, c.Project+".db")
}

func (c AppConfig) GetLockPath() string {
	return filepath.Join(c.RuntimePath, c.Project+".lock")
}
