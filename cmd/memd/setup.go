package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/sandevgo/memd/internal/config"
	"github.com/sandevgo/memd/internal/service/extract"
	"github.com/sandevgo/memd/internal/service/learner"
	"github.com/sandevgo/memd/internal/service/recall"
	"github.com/sandevgo/memd/internal/service/store"
	"github.com/sandevgo/memd/internal/storage/sqlite"
	"github.com/sandevgo/memd/internal/transport/mcpserver"
	"github.com/sandevgo/memd/pkg/log"
)

// app wires the engine together once per invocation. Every subcommand
// goes through here so the CLI and the MCP server see the same store.
type app struct {
	cfg         *config.AppConfig
	db          *sql.DB
	store       *store.Store
	coordinator *recall.Coordinator
	learner     *learner.Learner
	server      *mcpserver.Server
}

func newApp(ctx context.Context) (*app, error) {
	logger := log.FromCtx(ctx)

	if err := initEnv(ctx, config.GetRuntimePath()); err != nil {
		logger.Fatal().Err(err).Msg("failed to init env")
	}

	appCfg := config.NewAppConfig(ctx)
	recallCfg := config.NewRecallConfig(ctx)
	queueCfg := config.NewQueueConfig(ctx)

	db, err := sqlite.NewDB(ctx, appCfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}

	st, err := store.Open(sqlite.NewGraph(db), appCfg.GetDatabasePath(), appCfg.GetLockPath(), extract.Entities)
	if err != nil {
		db.Close()
		return nil, err
	}

	coordinator, err := recall.NewCoordinator(st, recallCfg)
	if err != nil {
		st.Close()
		db.Close()
		return nil, err
	}

	lrn := learner.New(queueCfg, st, extract.New())

	return &app{
		cfg:         appCfg,
		db:          db,
		store:       st,
		coordinator: coordinator,
		learner:     lrn,
		server:      mcpserver.New(coordinator, lrn, st),
	}, nil
}

func (a *app) close(ctx context.Context) {
	logger := log.FromCtx(ctx)
	if err := a.store.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close store")
	}
	if err := a.db.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close database")
	}
}

func initEnv(ctx context.Context, runtimePath string) error {
	logger := log.FromCtx(ctx)
	envFile := filepath.Join(runtimePath, ".env")

	if _, err := os.Stat(envFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := godotenv.Load(envFile); err != nil {
		logger.Warn().Err(err).Str("path", envFile).Msg("failed to load .env file")
		return err
	}

	logger.Debug().Str("path", envFile).Msg("loaded .env file")
	return nil
}
