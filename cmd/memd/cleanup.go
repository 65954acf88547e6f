package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandevgo/memd/pkg/log"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired memory records",
	Long:  `Deletes records whose retention window has lapsed. Reads already filter by validity, so this only reclaims space; running it is always safe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, flushLog := setupLogger(cmd.Context())
		defer flushLog()

		a, err := newApp(ctx)
		if err != nil {
			log.FromCtx(ctx).Fatal().Err(err).Msg("failed to initialize")
		}
		defer a.close(ctx)

		removed, err := a.store.Cleanup(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d expired record(s)\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
