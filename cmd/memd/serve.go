package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/sandevgo/memd/pkg/log"
	"github.com/sandevgo/memd/pkg/srv"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve memory over MCP on stdio",
	Long:  `Starts the MCP server on stdio together with the background learn workers. Logs go to stderr; stdout carries the protocol.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		// logger setup
		var flushLog func()
		ctx, flushLog = setupLogger(ctx)
		defer flushLog()

		logger := log.FromCtx(ctx)
		logger.Info().Msg("starting memd")

		a, err := newApp(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize")
		}

		services := []srv.Service{
			a.learner,
			a.server,
			srv.NewCleanup(a.store.Close),
			srv.NewCleanup(a.db.Close),
		}

		// Start services
		srv.StartServices(ctx, services)

		// Wait for shutdown signal
		srv.ShutdownServices(ctx, services)
		logger.Info().Msg("memd has been shut down gracefully")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
