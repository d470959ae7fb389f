// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steveyegge/backupsync/internal/config"
)

// VerboseEnv is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged regardless of log.level.
const VerboseEnv = "BSYNC_LOG_VERBOSE"

// Setup applies cfg to logger. The returned closer flushes the log file, if
// any, and is safe to call when logging goes to stderr.
func Setup(logger *logrus.Logger, cfg config.LogConfig) (io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", cfg.Level, err)
	}
	if os.Getenv(VerboseEnv) == "true" {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			// Show the full timestamp rather than the time elapsed since
			// start so daemon logs can be correlated with the server's.
			FullTimestamp: true,
			DisableColors: cfg.File != "",
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log.format %q: want text or json", cfg.Format)
	}

	if cfg.File == "" {
		logger.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	logger.SetOutput(rotator)
	return rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
