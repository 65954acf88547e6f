package config

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sandevgo/memd/pkg/log"
)

type QueueConfig struct {
	Workers           int `env:"MEMD_QUEUE_WORKERS" envDefault:"2"`
	LaneSize          int `env:"MEMD_QUEUE_LANE_SIZE" envDefault:"1024"`
	RetainTerminalMin int `env:"MEMD_QUEUE_RETAIN_MIN" envDefault:"10"`
}

func NewQueueConfig(ctx context.Context) *QueueConfig {
	cfg := &QueueConfig{}
	if err := env.Parse(cfg); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse queue config")
	}
	return cfg
}

func (c QueueConfig) RetainTerminal() time.Duration {
	return time.Duration(c.RetainTerminalMin) * time.Minute
}
