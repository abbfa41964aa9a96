package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	botmaker "github.com/Nobunaga-N/b-maker-sub000"
	"github.com/Nobunaga-N/b-maker-sub000/imagematch"
	"github.com/Nobunaga-N/b-maker-sub000/internal/config"
	"github.com/Nobunaga-N/b-maker-sub000/internal/ldconsole"
	adbprovider "github.com/Nobunaga-N/b-maker-sub000/internal/providers/adb"
)

func newRunCmd() *cobra.Command {
	var (
		emulators string
		threads   int
		cycles    int
		workTime  time.Duration
		schedule  string
		priority  int
	)
	cmd := &cobra.Command{
		Use:   "run <bot-dir>",
		Short: "Queue a bot and run it on the requested emulators",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bot, err := botmaker.LoadBot(args[0])
			if err != nil {
				return err
			}

			transport, err := adbprovider.NewDefault()
			if err != nil {
				return err
			}
			devices := botmaker.NewDeviceManager(transport)
			console := ldconsole.New(config.String("LDCONSOLE_PATH", ""))
			emuManager := botmaker.NewEmulatorManager(console, transport)
			engine := imagematch.NewEngine()

			var recorder botmaker.RunRecorder = botmaker.NoopRecorder{}
			if dbPath := config.String("BOTMAKER_HISTORY_DB", ""); dbPath != "" {
				rec, err := botmaker.NewSQLiteRecorder(dbPath)
				if err != nil {
					return err
				}
				defer rec.Close()
				recorder = rec
			}

			sched := botmaker.NewScheduler(devices, emuManager, engine, recorder, botmaker.SchedulerConfig{})
			taskID, err := sched.Enqueue(bot, botmaker.TaskParams{
				Emulators:     emulators,
				Threads:       threads,
				Cycles:        cycles,
				WorkTime:      workTime,
				UseSchedule:   schedule != "",
				ScheduledTime: schedule,
				Priority:      priority,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			sched.Start(ctx)
			defer sched.Stop()

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					log.Info().Msg("interrupted, shutting down")
					return nil
				case <-ticker.C:
					view, ok := sched.Task(taskID)
					if !ok {
						continue
					}
					switch view.Status {
					case botmaker.TaskFinished:
						log.Info().Str("task", taskID).Msg("task finished")
						return nil
					case botmaker.TaskError:
						log.Error().Str("task", taskID).Msg("task finished with errors")
						return nil
					case botmaker.TaskCanceled:
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&emulators, "emulators", "0", "emulator range, e.g. 0:5,7")
	cmd.Flags().IntVar(&threads, "threads", 1, "max devices to occupy at once")
	cmd.Flags().IntVar(&cycles, "cycles", 0, "max cycles per device, 0 = unbounded")
	cmd.Flags().DurationVar(&workTime, "work-time", 0, "max run time per device, 0 = unbounded")
	cmd.Flags().StringVar(&schedule, "schedule", "", `start time "02.01.2006 15:04", empty = now`)
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority, higher runs first")
	return cmd
}
