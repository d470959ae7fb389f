package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/backupsync/internal/backup/blob"
	"github.com/steveyegge/backupsync/internal/backup/server"
	"github.com/steveyegge/backupsync/internal/backup/store"
	"github.com/steveyegge/backupsync/internal/config"
	"github.com/steveyegge/backupsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the backup store server",
	Long: `Run the HTTP backup store that bsync clients upload to.

Metadata and the full history of every file and directory are kept in a
SQLite database (serve.db). File content is kept in a blob backend:

  local   files below serve.blob.root
  s3      objects in serve.blob.s3.bucket (AWS S3 or any S3-compatible store)

Example usage:
  bsync serve                            # :52671, ./backup.db, ./blobs
  bsync serve --addr :9000 --db /srv/bsync/backup.db --blob-root /srv/bsync/blobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateServe(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		blobs, err := openBlobs(ctx, cfg.Serve.Blob)
		if err != nil {
			return err
		}

		st, err := store.Open(ctx, cfg.Serve.DB, blobs, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := st.Close(); err != nil {
				log.WithError(err).Warn("error closing store")
			}
		}()

		srv := server.New(st, &server.Config{
			Addr:           cfg.Serve.Addr,
			MaxUploadBytes: cfg.Serve.MultipartLimit,
			Logger:         log,
		})
		if err := srv.Start(); err != nil {
			return err
		}

		dirs, _ := st.DirectoryCount(ctx)
		files, _ := st.FileCount(ctx)
		fmt.Printf("%s Backup store started on %s\n", ui.RenderAccent("bsync"), srv.GetAddr())
		fmt.Print(ui.KeyValues(
			"Database", st.Path(),
			"Blobs", blobs.Name(),
			"Directories", fmt.Sprint(dirs),
			"Files", fmt.Sprint(files),
		))
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down backup store...")
		if err := srv.Stop(); err != nil {
			return err
		}
		fmt.Println("Backup store stopped")
		return nil
	},
}

func openBlobs(ctx context.Context, c config.BlobConfig) (blob.Backend, error) {
	if c.Backend == config.BlobS3 {
		b, err := blob.NewS3(ctx, c.S3)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	b, err := blob.NewLocal(c.Root)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides serve.addr)")
	serveCmd.Flags().String("db", "", "SQLite database path (overrides serve.db)")
	serveCmd.Flags().String("blob-root", "", "directory for file content (overrides serve.blob.root)")
	serveCmd.Flags().Int64("multipart-limit", 0, "largest accepted upload in bytes, 0 is unlimited (overrides serve.multipart_limit)")

	bindFlag(serveCmd, "addr", "serve.addr")
	bindFlag(serveCmd, "db", "serve.db")
	bindFlag(serveCmd, "blob-root", "serve.blob.root")
	bindFlag(serveCmd, "multipart-limit", "serve.multipart_limit")

	rootCmd.AddCommand(serveCmd)
}
