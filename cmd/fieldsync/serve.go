package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openfield/fieldsync/internal/config"
	"github.com/openfield/fieldsync/internal/fieldsync/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Serve a remote store over HTTP",
	Long: `Serve the configured remote store (memory, dir or postgres) to fieldsync
clients using remote.kind=http.

Endpoints:
  GET  /v1/features/{featureID}/observations   load observations
  GET  /v1/features/{featureID}/changes        changefeed (WebSocket, CBOR frames)
  POST /v1/mutations                           apply a batch of mutations
  GET  /health                                 health check
  GET  /metrics                                Prometheus metrics

Example usage:
  fieldsync serve --remote dir
  fieldsync serve --addr 127.0.0.1:9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
		}
		if cfg.Remote.Kind == config.RemoteHTTP {
			return fmt.Errorf("cannot serve an http remote; set remote.kind to memory, dir or postgres")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := &app{}
		defer a.close()
		store, err := a.openRawStore(ctx)
		if err != nil {
			return err
		}

		srv := server.New(store, &server.Config{Addr: cfg.Server.Addr, Logger: &logger})
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		fmt.Printf("%s Serving %s remote on http://%s\n", renderPass("✓"), renderAccent(cfg.Remote.Kind), srv.Addr())
		fmt.Println("Press Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down server...")
		if err := srv.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "address to listen on (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}
