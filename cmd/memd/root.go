package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/sandevgo/memd/internal/config"
	"github.com/sandevgo/memd/pkg/log"
)

var (
	debug bool
)

var rootCmd = &cobra.Command{
	Use:   "memd",
	Short: "memd — persistent memory for AI assistants",
	Long:  `memd keeps a local, per-project memory store and serves it to assistants over the Model Context Protocol.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Global flags available to all subcommands
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", config.IsDebug(), "enable debug logging")
}

func setupLogger(ctx context.Context) (context.Context, func()) {
	isDebug := debug || config.IsDebug()
	return log.NewContextWithLogger(ctx, isDebug)
}
