package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/steveyegge/backupsync/internal/config"
	"github.com/steveyegge/backupsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Manage the bsync config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [root...]",
	Short: "Write a config file with the default settings",
	Long: `Write bsync.yaml with every setting at its default value.

Roots given as arguments are stored in watch.roots. The file is written to
--path, or to ` + filepath.Join(config.Dir(), "bsync.yaml") + ` by default.
An existing file is only replaced with --force.`,
	// A broken config file must not prevent writing a fresh one.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		if path == "" {
			path = filepath.Join(config.Dir(), config.FileName+".yaml")
		}

		exists, err := afero.Exists(osFs, path)
		if err != nil {
			return err
		}
		if exists && !force {
			return fmt.Errorf("%s already exists (use --force to replace it)", path)
		}

		out := config.Default()
		for _, arg := range args {
			abs, err := filepath.Abs(arg)
			if err != nil {
				return fmt.Errorf("invalid root %s: %w", arg, err)
			}
			out.Watch.Roots = append(out.Watch.Roots, abs)
		}

		if err := config.Write(osFs, path, out); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		if len(out.Watch.Roots) == 0 {
			fmt.Printf("   Add directories to watch.roots before running 'bsync daemon'\n")
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging the config file, BSYNC_* environment
variables and defaults. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Serve.Blob.S3.SecretKey != "" {
			shown.Serve.Blob.S3.SecretKey = "********"
		}
		data, err := config.Marshal(&shown)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configInitCmd.Flags().String("path", "", "where to write the config file")
	configInitCmd.Flags().Bool("force", false, "replace an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
