package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Nobunaga-N/b-maker-sub000/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "botmaker",
	Short: "Android emulator game-bot automation runtime",
	Long: `botmaker runs scripted game bots on Android emulator farms: it drives
devices through the adb server, locates UI elements by template matching,
and schedules queued bot runs across the available emulators.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newRunCmd(),
		newDevicesCmd(),
		newEmulatorsCmd(),
		newStatsCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("botmaker command failed")
	}
}
