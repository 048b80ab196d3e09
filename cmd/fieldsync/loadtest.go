package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openfield/fieldsync/internal/fieldsync/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure local write throughput under concurrent editors",
	Long: `Run concurrent editors against a scratch SQLite database and report
apply-and-enqueue latency.

Each editor repeatedly updates shared observations. Afterwards the queue is
checked: every editor's edits must appear in the order they were made, and
replaying each observation's queue must reproduce its stored responses.

The scratch database is created in a temporary directory unless --path is
given, and is never the configured local database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		path, _ := flags.GetString("path")
		features, _ := flags.GetInt("features")
		observations, _ := flags.GetInt("observations")
		editors, _ := flags.GetInt("editors")
		edits, _ := flags.GetInt("edits")
		seed, _ := flags.GetInt64("seed")

		if path == "" {
			dir, err := os.MkdirTemp("", "fieldsync-loadtest-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			path = filepath.Join(dir, "loadtest.db")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("Running %d editors x %d edits against %s\n", editors, edits, renderMuted(path))
		report, err := loadtest.Run(ctx, loadtest.Config{
			Path:                   path,
			Features:               features,
			ObservationsPerFeature: observations,
			Editors:                editors,
			EditsPerEditor:         edits,
			Seed:                   seed,
			Logger:                 &logger,
		})
		if err != nil {
			return err
		}

		fmt.Println()
		report.Print(os.Stdout)
		if n := len(report.OrderViolations); n > 0 {
			return fmt.Errorf("%d order violations", n)
		}
		fmt.Printf("\n%s Queue order preserved\n", renderPass("✓"))
		return nil
	},
}

func init() {
	flags := loadtestCmd.Flags()
	flags.String("path", "", "scratch database path (default: a temporary file)")
	flags.Int("features", 4, "features to spread observations over")
	flags.Int("observations", 5, "shared observations per feature")
	flags.Int("editors", 16, "concurrent editors")
	flags.Int("edits", 50, "edits per editor")
	flags.Int64("seed", 42, "random seed for choosing observations")

	rootCmd.AddCommand(loadtestCmd)
}
