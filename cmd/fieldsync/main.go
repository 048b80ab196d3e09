// Command fieldsync collects survey observations offline and syncs them with
// a remote store.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfield/fieldsync/internal/config"
	"github.com/openfield/fieldsync/internal/logging"
)

var (
	configPath string

	v         = config.New()
	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first survey data collection",
	Long: `fieldsync records survey observations in a local SQLite database and
syncs them with a remote store in the background.

Edits are applied locally and queued as mutations. The sync daemon delivers
queued mutations in order, retrying with backoff while the remote is
unreachable, and merges remote changes back into the local database.

Configuration is read from ~/.fieldsync/config.yaml (or --config) and
FIELDSYNC_* environment variables, e.g. FIELDSYNC_REMOTE_KIND=http.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		l, closer, err := logging.New(cfg.Logging())
		if err != nil {
			return err
		}
		logger, logCloser = l, closer
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Survey data:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default ~/.fieldsync/config.yaml)")
	flags.String("db", "", "local database path (overrides local.path)")
	flags.String("remote", "", "remote kind: memory, dir, postgres or http (overrides remote.kind)")
	flags.String("log-level", "", "log level: debug, info, warn, error (overrides log.level)")
	for key, name := range map[string]string{
		"local.path":  "db",
		"remote.kind": "remote",
		"log.level":   "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind --%s: %v", name, err))
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
		os.Exit(1)
	}
}
