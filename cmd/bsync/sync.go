package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/backupsync/internal/backup/remote"
	"github.com/steveyegge/backupsync/internal/backup/state"
	bsync "github.com/steveyegge/backupsync/internal/backup/sync"
	"github.com/steveyegge/backupsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [root...]",
	GroupID: "client",
	Short:   "Run one full reconciliation pass and exit",
	Long: `Run a single reconciliation pass over each root and exit.

Roots given as arguments replace watch.roots. For every directory whose
modification time differs from the store, the pass:
  1. Soft-deletes files that no longer exist locally (one batch call)
  2. Uploads new files and files strictly newer than the stored copy
  3. Records the directory's modification time once its subtree succeeded

Failed items are reported and retried by the next pass.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			cfg.Watch.Roots = cfg.Watch.Roots[:0]
			for _, arg := range args {
				abs, err := filepath.Abs(arg)
				if err != nil {
					return fmt.Errorf("invalid root %s: %w", arg, err)
				}
				cfg.Watch.Roots = append(cfg.Watch.Roots, abs)
			}
		}
		if err := cfg.ValidateClient(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		clientConfig := cfg.ClientConfig()
		clientConfig.Logger = log
		client := remote.NewClient(clientConfig)
		if !client.Ping(ctx) {
			return fmt.Errorf("backup store %s is unreachable", cfg.Server.URL)
		}

		engineConfig := cfg.EngineConfig()
		engineConfig.Logger = log
		engine := bsync.New(osFs, client, engineConfig)

		states, err := state.New(ctx, cfg.State.Path)
		if err != nil {
			return err
		}

		incomplete := 0
		for _, root := range cfg.Watch.Roots {
			fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("bsync"), root)

			stats, err := engine.SyncRoot(ctx, root)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if stats != nil {
				if rerr := states.RecordPass(stats, err); rerr != nil {
					log.WithError(rerr).Warn("failed to record pass")
				}
			}
			printPass(stats, err)
			if err != nil {
				incomplete++
			}
		}

		if incomplete > 0 {
			return fmt.Errorf("%d of %d roots incomplete: %w", incomplete, len(cfg.Watch.Roots), bsync.ErrIncomplete)
		}
		return nil
	},
}

func printPass(stats *bsync.PassStats, err error) {
	switch {
	case err == nil:
		fmt.Printf("%s Pass complete in %v\n", ui.RenderPass("✓"), stats.Duration().Round(time.Millisecond))
	case errors.Is(err, bsync.ErrIncomplete):
		fmt.Printf("%s Pass incomplete, failed items will be retried\n", ui.RenderWarn("⚠"))
	default:
		fmt.Printf("%s Pass failed: %v\n", ui.RenderFail("✗"), err)
	}
	if stats == nil {
		return
	}
	fmt.Print(ui.KeyValues(
		"Directories", fmt.Sprint(stats.Directories),
		"Uploaded", fmt.Sprint(stats.Uploaded),
		"Deleted", fmt.Sprint(stats.Deleted),
		"Dirs deleted", fmt.Sprint(stats.DirectoriesDeleted),
		"Failures", fmt.Sprint(stats.Failures),
	))
	fmt.Println()
}

func init() {
	syncCmd.Flags().String("server", "", "backup store URL (overrides server.url)")
	syncCmd.Flags().Int("concurrency", 0, "directories walked at once (overrides sync.concurrency)")

	bindFlag(syncCmd, "server", "server.url")
	bindFlag(syncCmd, "concurrency", "sync.concurrency")

	rootCmd.AddCommand(syncCmd)
}
