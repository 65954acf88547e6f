package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sandevgo/memd/pkg/log"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory store health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, flushLog := setupLogger(cmd.Context())
		defer flushLog()

		a, err := newApp(ctx)
		if err != nil {
			log.FromCtx(ctx).Fatal().Err(err).Msg("failed to initialize")
		}
		defer a.close(ctx)

		snapshot, err := a.server.Snapshot(ctx)
		if err != nil {
			return err
		}

		b, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
