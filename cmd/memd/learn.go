package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sandevgo/memd/pkg/log"
)

var (
	learnSource string
	learnMeta   map[string]string
	learnWait   bool
)

var learnCmd = &cobra.Command{
	Use:   "learn [text]",
	Short: "Extract and store memory from text",
	Long:  `Extracts memory records from the given text (or stdin when no argument is passed) and stores them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, flushLog := setupLogger(cmd.Context())
		defer flushLog()
		logger := log.FromCtx(ctx)

		text := strings.Join(args, " ")
		if text == "" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			text = string(b)
		}

		a, err := newApp(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize")
		}
		defer a.close(ctx)

		// One-shot invocation: run the workers just for this task.
		workerCtx, stopWorkers := context.WithCancel(ctx)
		defer stopWorkers()
		go a.learner.Start(workerCtx)

		task, err := a.learner.Enqueue(ctx, text, learnSource, learnMeta)
		if err != nil {
			return err
		}

		if !learnWait {
			fmt.Printf("queued task %s\n", task.ID)
			return nil
		}

		task, err = a.learner.Wait(ctx, task.ID)
		if err != nil {
			return err
		}
		if task.Error != "" {
			return fmt.Errorf("learn failed: %s", task.Error)
		}
		fmt.Printf("stored %d record(s)\n", len(task.StoredIDs))
		return nil
	},
}

func init() {
	learnCmd.Flags().StringVarP(&learnSource, "source", "s", "cli", "source identifier attached to stored records")
	learnCmd.Flags().StringToStringVarP(&learnMeta, "meta", "M", nil, "metadata key=value pairs attached to stored records (natural_key makes re-ingestion idempotent)")
	learnCmd.Flags().BoolVarP(&learnWait, "wait", "w", true, "wait for the task to finish before exiting")
	rootCmd.AddCommand(learnCmd)
}
