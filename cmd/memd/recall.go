package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sandevgo/memd/internal/service/recall"
	"github.com/sandevgo/memd/pkg/log"
)

var (
	recallStrategy string
	recallMax      int
	recallJSON     bool
)

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search stored memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, flushLog := setupLogger(cmd.Context())
		defer flushLog()

		strategy, err := recall.ParseStrategy(recallStrategy)
		if err != nil {
			return err
		}

		a, err := newApp(ctx)
		if err != nil {
			log.FromCtx(ctx).Fatal().Err(err).Msg("failed to initialize")
		}
		defer a.close(ctx)

		res, err := a.coordinator.Recall(ctx, strings.Join(args, " "), recallMax, strategy)
		if err != nil {
			return err
		}

		if recallJSON {
			b, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		}

		if len(res.Records) == 0 {
			fmt.Println("no matching memory")
			return nil
		}
		for _, rec := range res.Records {
			fmt.Printf("[%s] %s\n", rec.Kind, rec.Content)
		}
		if res.Partial {
			fmt.Println("(partial: recall budget expired)")
		}
		return nil
	},
}

func init() {
	recallCmd.Flags().StringVarP(&recallStrategy, "strategy", "s", "", "ranking strategy: keyword, entity, temporal, pattern or hybrid")
	recallCmd.Flags().IntVarP(&recallMax, "max", "m", 0, "maximum records to return")
	recallCmd.Flags().BoolVar(&recallJSON, "json", false, "print raw JSON")
	rootCmd.AddCommand(recallCmd)
}
