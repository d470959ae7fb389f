package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/backupsync/internal/config"
)

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bsync.yaml")

	rootCmd.SetArgs([]string{"config", "init", "--path", path, "/data"})
	require.NoError(t, rootCmd.Execute())

	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })
	require.NoError(t, loadConfig(syncCmd, nil))
	assert.Equal(t, []string{"/data"}, cfg.Watch.Roots)
	assert.Equal(t, 10*time.Second, cfg.Watch.Debounce)

	rootCmd.SetArgs([]string{"config", "init", "--path", path})
	assert.Error(t, rootCmd.Execute(), "existing file needs --force")

	rootCmd.SetArgs([]string{"config", "init", "--path", path, "--force"})
	require.NoError(t, rootCmd.Execute())
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  url: http://file:1\nsync:\n  concurrency: 2\n"), 0644))

	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })

	require.NoError(t, syncCmd.Flags().Set("server", "http://flag:1"))
	t.Cleanup(func() {
		_ = syncCmd.Flags().Set("server", "")
		syncCmd.Flags().Lookup("server").Changed = false
	})

	require.NoError(t, loadConfig(syncCmd, nil))
	assert.Equal(t, "http://flag:1", cfg.Server.URL)
	assert.Equal(t, 2, cfg.Sync.Concurrency, "unset flags leave the file value")
}

func TestOpenBlobsLocal(t *testing.T) {
	c := config.Default().Serve.Blob
	c.Root = filepath.Join(t.TempDir(), "blobs")

	b, err := openBlobs(t.Context(), c)
	require.NoError(t, err)
	assert.NotEmpty(t, b.Name())
}
