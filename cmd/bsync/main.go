// Command bsync backs up directory trees to a remote backup store.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/steveyegge/backupsync/internal/config"
	"github.com/steveyegge/backupsync/internal/logging"
	"github.com/steveyegge/backupsync/internal/ui"
)

var (
	// cfg and log are populated by loadConfig before any command runs.
	cfg *config.Config
	log = logrus.StandardLogger()

	cfgFile   string
	logCloser io.Closer

	// osFs is the filesystem for config files and the backup trees.
	osFs = afero.NewOsFs()

	flagBindings []flagBinding
)

// flagBinding maps a command flag onto a config key so that an explicitly
// set flag overrides the file and the environment.
type flagBinding struct {
	cmd  *cobra.Command
	flag string
	key  string
}

func bindFlag(cmd *cobra.Command, flag, key string) {
	flagBindings = append(flagBindings, flagBinding{cmd: cmd, flag: flag, key: key})
}

var rootCmd = &cobra.Command{
	Use:   "bsync",
	Short: "Continuous directory backup to a remote store",
	Long: `bsync watches local directory trees and mirrors every change to a remote
backup store. The store keeps the full history of every file and directory.

Run 'bsync serve' on the machine that keeps the backups and 'bsync daemon'
on every machine whose directories should be backed up.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func loadConfig(cmd *cobra.Command, args []string) error {
	v := config.NewViper(osFs, cfgFile)
	for _, b := range flagBindings {
		if b.cmd != cmd {
			continue
		}
		if err := v.BindPFlag(b.key, cmd.Flags().Lookup(b.flag)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", b.flag, err)
		}
	}

	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = loaded

	closer, err := logging.Setup(log, cfg.Log)
	if err != nil {
		return err
	}
	logCloser = closer

	if used := v.ConfigFileUsed(); used != "" {
		log.WithField("file", used).Debug("loaded config")
	}
	return nil
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "client", Title: "Backup client:"},
		&cobra.Group{ID: "server", Title: "Backup store:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./bsync.yaml or "+config.Dir()+"/bsync.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
