// Command mbobook is the CLI surface spec.md §6 describes as "harness,
// not core": it replays a recorded InputRecord file through the engine,
// optionally comparing the reconstructed book against a reference file.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"mbobook/internal/bookengine"
	"mbobook/internal/config"
	"mbobook/internal/harness"
	"mbobook/internal/runner"
)

var (
	crossingEnabled bool
	dump            bool
	logLevel        string
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&crossingEnabled, "crossing", false, "enable speculative crossing")
	runCmd.Flags().BoolVar(&dump, "dump", false, "log every reconstructed snapshot")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mbobook",
	Short: "mbobook replays and validates a Market-By-Order book builder",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if lvl, err := zerolog.ParseLevel(logLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run <input.bin> [<reference.bin>]",
	Short: "Replay an InputRecord file through the book engine",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(args)
	},
}

func runReplay(args []string) error {
	inputPath := args[0]
	var referencePath string
	if len(args) == 2 {
		referencePath = args[1]
	}

	cfg := config.Default()
	cfg.Crossing.Enabled = crossingEnabled

	inputs, err := harness.OpenInputFile(inputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer inputs.Close()

	var reference *harness.ReferenceFileReader
	if referencePath != "" {
		reference, err = harness.OpenReferenceFile(referencePath)
		if err != nil {
			return fmt.Errorf("open reference: %w", err)
		}
		defer reference.Close()
	}

	sink := harness.NewRingSink()
	run := runner.New(bookengine.Config{CrossingEnabled: cfg.Crossing.Enabled}, sink)
	h := harness.New(inputs, reference, run, sink, dump)

	result, err := h.Run(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("mbobook: replay failed")
		fmt.Fprintf(os.Stderr, "replay failed: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("processed %s events\n", humanize.Comma(int64(result.EventsProcessed)))
	if result.Divergence != nil {
		fmt.Fprintf(os.Stderr, "diverged at record %d, field %s: got %s want %s\n",
			result.Divergence.RecordIdx, result.Divergence.Field, result.Divergence.Got, result.Divergence.Want)
		os.Exit(1)
	}
	return nil
}
