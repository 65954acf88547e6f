package config

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sandevgo/memd/pkg/log"
)

// RecallConfig bounds the recall path. CandidateLimit caps the scan
// superset so latency stays bounded regardless of store size; that
// trades recall completeness for a hard budget, deliberately.
type RecallConfig struct {
	BudgetMS        int     `env:"MEMD_RECALL_BUDGET_MS" envDefault:"100"`
	CandidateLimit  int     `env:"MEMD_RECALL_CANDIDATES" envDefault:"500"`
	MaxResults      int     `env:"MEMD_RECALL_MAX_RESULTS" envDefault:"10"`
	AllowEmptyQuery bool    `env:"MEMD_RECALL_ALLOW_EMPTY" envDefault:"false"`
	KeywordWeight   float64 `env:"MEMD_RECALL_W_KEYWORD" envDefault:"0.4"`
	EntityWeight    float64 `env:"MEMD_RECALL_W_ENTITY" envDefault:"0.3"`
	TemporalWeight  float64 `env:"MEMD_RECALL_W_TEMPORAL" envDefault:"0.15"`
	PatternWeight   float64 `env:"MEMD_RECALL_W_PATTERN" envDefault:"0.15"`
	CacheTTLSec     int     `env:"MEMD_RECALL_CACHE_TTL_SEC" envDefault:"30"`
}

func NewRecallConfig(ctx context.Context) *RecallConfig {
	cfg := &RecallConfig{}
	if err := env.Parse(cfg); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse recall config")
	}
	return cfg
}

func (c RecallConfig) Budget() time.Duration {
	return time.Duration(c.BudgetMS) * time.Millisecond
}

func (c RecallConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}
