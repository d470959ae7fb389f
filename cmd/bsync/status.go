package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/backupsync/internal/backup/remote"
	"github.com/steveyegge/backupsync/internal/backup/state"
	"github.com/steveyegge/backupsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "client",
	Short:   "Show backup status of every root",
	Long: `Display what the client knows about each root:

  - Last complete pass and last attempted pass
  - Totals of uploads, deletions and failures
  - Whether the backup store is reachable

Status reads the state file and can be used while a daemon is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fmt.Printf("\n%s Backup Status\n\n", ui.RenderAccent("bsync"))

		clientConfig := cfg.ClientConfig()
		clientConfig.Logger = log
		clientConfig.Timeout = 5 * time.Second
		reachable := ui.RenderFail("unreachable")
		if remote.NewClient(clientConfig).Ping(ctx) {
			reachable = ui.RenderPass("reachable")
		}
		fmt.Print(ui.KeyValues(
			"Store", cfg.Server.URL+" ("+reachable+")",
			"State", cfg.State.Path,
		))
		fmt.Println()

		if _, err := os.Stat(cfg.State.Path); os.IsNotExist(err) {
			fmt.Printf("%s No passes recorded yet\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'bsync sync' or 'bsync daemon' to back up %d configured roots\n\n", len(cfg.Watch.Roots))
			return nil
		}

		states, err := state.New(ctx, cfg.State.Path)
		if err != nil {
			return err
		}
		roots, err := states.List(ctx)
		if err != nil {
			return err
		}

		now := time.Now()
		for _, rs := range roots {
			mark := ui.RenderPass("✓")
			if rs.LastError != "" {
				mark = ui.RenderWarn("⚠")
			}
			fmt.Printf("%s %s\n", mark, rs.Root)
			pairs := []string{
				"Last sync", ui.Ago(rs.LastSync, now),
				"Last pass", ui.Ago(rs.LastPass, now) + " " + ui.RenderMuted("("+rs.Duration.Round(time.Millisecond).String()+")"),
				"Passes", fmt.Sprint(rs.Passes),
				"Directories", fmt.Sprint(rs.DirsSeen),
				"Uploads", fmt.Sprint(rs.Uploads),
				"Deletes", fmt.Sprintf("%d files, %d directories", rs.Deletes, rs.DirsGone),
				"Failures", fmt.Sprint(rs.Failures),
			}
			if rs.LastError != "" {
				pairs = append(pairs, "Last error", ui.RenderFail(rs.LastError))
			}
			fmt.Print(ui.KeyValues(pairs...))
			fmt.Println()
		}

		for _, root := range cfg.Watch.Roots {
			if _, err := states.Get(ctx, root); errors.Is(err, state.ErrNotFound) {
				fmt.Printf("%s %s\n   never synced\n\n", ui.RenderWarn("⚠"), root)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
