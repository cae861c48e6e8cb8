package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxhaven/agentd/internal/config"
	"github.com/sandboxhaven/agentd/internal/haven"
	"github.com/sandboxhaven/agentd/internal/logging"
	"github.com/sandboxhaven/agentd/internal/reasoning"
	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/internal/storage"
	"github.com/sandboxhaven/agentd/internal/tool"
	"github.com/sandboxhaven/agentd/internal/vectorstore"
	"github.com/sandboxhaven/agentd/internal/worker"
	"github.com/sandboxhaven/agentd/internal/wsbridge"
)

var (
	servePort      int
	serveHostname  string
	workerPoolSize int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentd websocket server",
	Long: `Start agentd as a server that exposes the websocket event bridge at
/ws, fronting the reasoning loop and its sandboxed tool dispatch.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides SERVER_PORT)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().IntVar(&workerPoolSize, "worker-pool-size", 8, "Max concurrent blocking tool handlers")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if servePort != 0 {
		cfg.ServerPort = servePort
	}

	logging.Info().Str("version", Version).Msg("starting agentd")

	if err := os.MkdirAll(cfg.SandboxDir, 0o755); err != nil {
		return fmt.Errorf("creating sandbox directory: %w", err)
	}
	if err := os.MkdirAll(cfg.VectorStoreDir, 0o755); err != nil {
		return fmt.Errorf("creating vector store directory: %w", err)
	}

	vectorstore.Configure(vectorstore.EmbeddingConfig{
		Provider: "haven",
		BaseURL:  "http://" + cfg.HavenAddress,
		APIKey:   cfg.HavenAuthKey,
		CacheDir: filepath.Join(cfg.VectorStoreDir, ".embedcache"),
		CacheTTL: 24 * time.Hour,
		Timeout:  30 * time.Second,
	})
	embedder, err := vectorstore.Default()
	if err != nil {
		return fmt.Errorf("constructing embedder: %w", err)
	}

	store, err := vectorstore.Open(cfg.VectorStoreDir, embedder)
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	defer store.Close()

	audit := storage.New(filepath.Join(cfg.SandboxDir, ".audit"))

	havenProxy := haven.New(cfg.HavenAddress, cfg.HavenAuthKey, 120*time.Second)

	sessions := session.NewRegistry()
	tools := tool.NewRegistry()
	toolset := &tool.Toolset{
		SandboxDir:          cfg.SandboxDir,
		ProjectRoot:         ".",
		AllowedProjectFiles: cfg.AllowedProjectFiles,
		Store:               store,
		Sessions:            sessions,
		SegmentThreshold:    cfg.SegmentThreshold,
		Pool:                worker.New(workerPoolSize),
	}

	loop := reasoning.NewLoop(tools, toolset, sessions, cfg.AbsoluteMaxIterations, cfg.NominalMaxIterations, func() int64 { return time.Now().Unix() })

	bridge := wsbridge.New(tools, toolset, sessions, loop, havenProxy, store, audit, cfg.SegmentThreshold)

	mux := http.NewServeMux()
	mux.Handle("/ws", bridge)

	addr := fmt.Sprintf("%s:%d", serveHostname, cfg.ServerPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logging.Info().Str("address", addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("stopped")
	return nil
}
