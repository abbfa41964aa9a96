package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	botmaker "github.com/Nobunaga-N/b-maker-sub000"
	"github.com/Nobunaga-N/b-maker-sub000/internal/config"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <bot-name>",
		Short: "Show run history aggregates for a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := config.String("BOTMAKER_HISTORY_DB", "")
			if dbPath == "" {
				return errors.New("BOTMAKER_HISTORY_DB not configured")
			}
			recorder, err := botmaker.NewSQLiteRecorder(dbPath)
			if err != nil {
				return err
			}
			defer recorder.Close()
			stats, err := recorder.BotStats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("bot:        %s\n", stats.Bot)
			fmt.Printf("runs:       %d\n", stats.Runs)
			fmt.Printf("total time: %s\n", stats.TotalTime)
			if !stats.LastRun.IsZero() {
				fmt.Printf("last run:   %s\n", stats.LastRun.Format("02.01.2006 15:04"))
			}
			return nil
		},
	}
	return cmd
}
