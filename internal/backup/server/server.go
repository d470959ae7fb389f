// Package server exposes a backup store over the HTTP API spoken by remote.Client.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/backupsync/internal/backup/metrics"
	"github.com/steveyegge/backupsync/internal/backup/remote"
	"github.com/steveyegge/backupsync/internal/backup/store"
)

// Backend is the store served by the API.
type Backend interface {
	remote.Store

	GetDirectoryByID(ctx context.Context, id int64, includeChildren bool) (*remote.Directory, error)
	GetFile(ctx context.Context, id int64) (*store.StoredFile, error)
	OpenContent(ctx context.Context, id int64) (*store.StoredFile, io.ReadCloser, error)
	History(ctx context.Context, id int64) ([]store.Version, error)
	DirectoryCount(ctx context.Context) (int64, error)
	FileCount(ctx context.Context) (int64, error)
}

var _ Backend = (*store.Store)(nil)

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: :52671)
	Addr string

	// MaxUploadBytes bounds the size of one upload request; 0 disables the limit
	MaxUploadBytes int64

	// Logger for server activity (default: standard logger)
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":52671",
		Logger: logrus.StandardLogger(),
	}
}

// Server serves the backup store API.
type Server struct {
	backend   Backend
	addr      string
	maxUpload int64
	logger    logrus.FieldLogger

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// New creates a server for backend.
func New(backend Backend, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}

	return &Server{
		backend:   backend,
		addr:      addr,
		maxUpload: config.MaxUploadBytes,
		logger:    logger.WithField("component", "server"),
	}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET "+remote.RoutePing, s.handlePing)

	// Directories
	mux.HandleFunc("POST "+remote.RouteDirectory, s.handleGetDirectory(false))
	mux.HandleFunc("POST "+remote.RouteDirectoryChildren, s.handleGetDirectory(true))
	mux.HandleFunc("POST "+remote.RouteDirectoryAdd, s.handleAddDirectory)
	mux.HandleFunc("POST "+remote.RouteDirectoryUpdate, s.handleUpdateDirectory)
	mux.HandleFunc("POST "+remote.RouteDirectoryDelete, s.handleDeleteDirectory)
	mux.HandleFunc("GET "+remote.RouteDirectory+"/{id}", s.handleDirectoryByID)
	mux.HandleFunc("GET "+remote.RouteDirectory, s.handleDirectoryCount)

	// Files
	mux.HandleFunc("POST "+remote.RouteFileUpload, s.handleUpload)
	mux.HandleFunc("POST "+remote.RouteFileUpdate, s.handleUpload)
	mux.HandleFunc("POST "+remote.RouteFileDeleteMany, s.handleDeleteFiles)
	mux.HandleFunc("GET "+remote.RouteFile+"/{id}", s.handleFileByID)
	mux.HandleFunc("GET "+remote.RouteFile+"/{id}/history", s.handleFileHistory)
	mux.HandleFunc("GET "+remote.RouteFile+"/{id}/content", s.handleFileContent)
	mux.HandleFunc("GET "+remote.RouteFile, s.handleFileCount)

	return metrics.Middleware(s.logRequests(mux))
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.WithField("addr", s.GetAddr()).Info("backup store listening")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	return nil
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("request")
	})
}
