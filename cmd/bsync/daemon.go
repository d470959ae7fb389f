package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/backupsync/internal/backup/daemon"
	"github.com/steveyegge/backupsync/internal/backup/dashboard"
	"github.com/steveyegge/backupsync/internal/backup/metrics"
	"github.com/steveyegge/backupsync/internal/backup/remote"
	"github.com/steveyegge/backupsync/internal/backup/state"
	bsync "github.com/steveyegge/backupsync/internal/backup/sync"
	"github.com/steveyegge/backupsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "client",
	Short:   "Watch the configured roots and back up every change (foreground)",
	Long: `Start the backup daemon in the foreground.

The daemon will:
  1. Wait until the backup store answers ping
  2. Start watching every root recursively
  3. Run a full reconciliation pass per root, holding live changes back
  4. Apply live changes once they have been quiet for watch.debounce
  5. Re-run reconciliation passes every sync.interval, or when deletions
     have been seen, so that the store converges on the local trees

Progress is broadcast over a websocket at ws://<monitor.addr>/ws and
prometheus metrics are served at http://<monitor.addr>/metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateClient(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		clientConfig := cfg.ClientConfig()
		clientConfig.Logger = log
		client := remote.NewClient(clientConfig)

		engineConfig := cfg.EngineConfig()
		engineConfig.Logger = log
		engine := bsync.New(osFs, client, engineConfig)

		watcher, err := daemon.NewFileWatcher(bsync.NewIgnorer(cfg.Watch.Ignore))
		if err != nil {
			return err
		}

		states, err := state.New(ctx, cfg.State.Path)
		if err != nil {
			return err
		}
		opts := []daemon.Option{daemon.WithRecorder(states)}

		monitorAddr := ""
		if cfg.Monitor.Addr != "" {
			monitor := dashboard.NewServer(&dashboard.Config{Addr: cfg.Monitor.Addr, Logger: log})
			if err := monitor.Start(); err != nil {
				return fmt.Errorf("failed to start monitor: %w", err)
			}
			defer func() {
				if err := monitor.Stop(); err != nil {
					log.WithError(err).Warn("error stopping monitor")
				}
			}()
			opts = append(opts, daemon.WithObserver(dashboard.NewHandler(monitor, log)))
			monitorAddr = monitor.GetAddr()
		}

		if cfg.Metrics.Addr != "" {
			stop, err := serveMetrics(cfg.Metrics.Addr)
			if err != nil {
				return err
			}
			defer stop()
		}

		pipelineConfig := cfg.PipelineConfig()
		pipelineConfig.Logger = log
		pipeline, err := daemon.New(engine, client, watcher, pipelineConfig, opts...)
		if err != nil {
			return err
		}

		fmt.Printf("%s Starting backup daemon...\n", ui.RenderAccent("bsync"))
		fmt.Printf("   Store: %s\n", cfg.Server.URL)
		for _, root := range cfg.Watch.Roots {
			fmt.Printf("   Root: %s\n", root)
		}
		fmt.Printf("   State: %s\n", states.Path())
		if monitorAddr != "" {
			fmt.Printf("   Monitor: ws://%s/ws\n", monitorAddr)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		return pipeline.Run(ctx)
	},
}

// serveMetrics exposes /metrics on its own listener.
func serveMetrics(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server error")
		}
	}()
	log.WithField("addr", ln.Addr().String()).Info("metrics listening")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func init() {
	daemonCmd.Flags().StringSliceP("root", "r", nil, "directory to back up (repeatable, overrides watch.roots)")
	daemonCmd.Flags().String("server", "", "backup store URL (overrides server.url)")
	daemonCmd.Flags().Duration("debounce", 0, "quiet period before a change is applied (overrides watch.debounce)")
	daemonCmd.Flags().String("monitor", "", "monitor listen address, empty string disables (overrides monitor.addr)")
	daemonCmd.Flags().Duration("interval", 0, "full reconciliation interval, 0 disables (overrides sync.interval)")

	bindFlag(daemonCmd, "root", "watch.roots")
	bindFlag(daemonCmd, "server", "server.url")
	bindFlag(daemonCmd, "debounce", "watch.debounce")
	bindFlag(daemonCmd, "monitor", "monitor.addr")
	bindFlag(daemonCmd, "interval", "sync.interval")

	rootCmd.AddCommand(daemonCmd)
}
