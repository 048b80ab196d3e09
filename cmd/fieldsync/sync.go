package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfield/fieldsync/internal/fieldsync/db"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Show the mutation queue",
	Long: `Show mutations waiting for delivery to the remote store.

Counts are grouped by status. With --verbose every queued mutation is listed
with its retry count, next attempt and last error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")

		ctx := context.Background()
		a := &app{}
		defer a.close()
		local, err := a.openLocal(ctx)
		if err != nil {
			return err
		}

		counts, err := local.CountMutations(ctx)
		if err != nil {
			return err
		}
		total := 0
		for _, n := range counts {
			total += n
		}

		fmt.Println(renderHeader("Mutation queue"))
		fmt.Printf("  Database:    %s\n", local.Path())
		fmt.Printf("  Pending:     %d\n", counts[schema.SyncPending])
		fmt.Printf("  In progress: %d\n", counts[schema.SyncInProgress])
		failed := fmt.Sprintf("%d", counts[schema.SyncFailed])
		if counts[schema.SyncFailed] > 0 {
			failed = renderWarn(failed)
		}
		fmt.Printf("  Failed:      %s\n", failed)
		if total == 0 {
			fmt.Printf("\n%s Everything is synced\n", renderPass("✓"))
			return nil
		}
		if !verbose {
			return nil
		}

		mutations, err := local.ListMutations(ctx, db.MutationFilter{})
		if err != nil {
			return err
		}
		width := terminalWidth()
		fmt.Println()
		for _, m := range mutations {
			line := fmt.Sprintf("%6d %-7s %-12s %s", m.ID, m.Type, m.SyncStatus, m.ObservationID)
			if m.RetryCount > 0 {
				line += fmt.Sprintf(" retries=%d", m.RetryCount)
			}
			if m.NextAttemptAt != nil && m.NextAttemptAt.After(time.Now()) {
				line += fmt.Sprintf(" next=%s", time.Until(*m.NextAttemptAt).Round(time.Second))
			}
			fmt.Println(truncate(line, width))
			if m.LastError != "" {
				fmt.Printf("       %s\n", renderMuted(truncate(m.LastError, width-7)))
			}
		}
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull SURVEY FEATURE",
	GroupID: "sync",
	Short:   "Merge remote observations of a feature into the local database",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := &app{}
		defer a.close()
		local, err := a.openLocal(ctx)
		if err != nil {
			return err
		}
		feature, err := local.GetFeature(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if feature == nil {
			return schema.NewNotFound("Feature", args[1])
		}
		syncer, err := a.openSyncer(ctx)
		if err != nil {
			return err
		}

		start := time.Now()
		stats, err := syncer.Pull(ctx, feature)
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", feature.ID, err)
		}
		fmt.Printf("%s Pulled %s in %s: %d fetched, %d merged",
			renderPass("✓"), renderAccent(feature.ID), time.Since(start).Round(time.Millisecond), stats.Fetched, stats.Merged)
		if stats.Skipped > 0 {
			fmt.Printf(", %s", renderWarn(fmt.Sprintf("%d skipped", stats.Skipped)))
		}
		fmt.Println()
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Deliver queued mutations now",
	Long: `Deliver every queued mutation whose retry backoff has elapsed.

With --force, mutations waiting out a backoff are delivered too. Failures
leave mutations queued for the next attempt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := &app{}
		defer a.close()
		d, err := a.openDispatcher(ctx, nil)
		if err != nil {
			return err
		}

		before, err := a.local.GetMutationCount()
		if err != nil {
			return err
		}
		syncErr := d.SyncAll(ctx, force)
		after, err := a.local.GetMutationCount()
		if err != nil {
			return err
		}

		fmt.Printf("%s Delivered %d of %d queued mutations\n", renderPass("✓"), before-after, before)
		if after > 0 {
			fmt.Printf("%s %d mutations remain queued (see 'fieldsync queue -v')\n", renderWarn("!"), after)
		}
		return syncErr
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync in the foreground",
	Long: `Run the sync daemon until interrupted.

The daemon delivers queued mutations as they are written, retrying with
backoff while the remote store is unreachable, and follows the changefeed of
every imported feature to merge remote changes as they happen.

Example usage:
  fieldsync daemon
  fieldsync daemon --metrics-addr :9420   # expose Prometheus metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := &app{}
		defer a.close()

		reg := prometheus.NewRegistry()
		d, err := a.openDispatcher(ctx, reg)
		if err != nil {
			return err
		}
		syncer, err := a.openSyncer(ctx)
		if err != nil {
			return err
		}
		features, err := a.local.ListFeatures(ctx, "")
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return d.Start(gctx)
		})
		for _, feature := range features {
			g.Go(func() error {
				return syncer.Follow(gctx, feature)
			})
		}

		if metricsAddr != "" {
			srv := &http.Server{
				Addr:              metricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server failed: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			fmt.Printf("Serving metrics on %s/metrics\n", metricsAddr)
		}

		fmt.Printf("%s Sync daemon running: %d features, remote %s\n",
			renderPass("✓"), len(features), renderAccent(cfg.Remote.Kind))
		fmt.Println("Press Ctrl+C to stop...")

		err = g.Wait()
		fmt.Println("\nSync daemon stopped")
		return err
	},
}

func init() {
	queueCmd.Flags().BoolP("verbose", "v", false, "list every queued mutation")
	pushCmd.Flags().Bool("force", false, "ignore retry backoff")
	daemonCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(queueCmd, pullCmd, pushCmd, daemonCmd)
}
