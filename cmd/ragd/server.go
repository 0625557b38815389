package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/ragd/internal/api"
	"github.com/kalambet/ragd/internal/chunking"
	"github.com/kalambet/ragd/internal/config"
	"github.com/kalambet/ragd/internal/embedding"
	"github.com/kalambet/ragd/internal/graph"
	"github.com/kalambet/ragd/internal/ingest"
	"github.com/kalambet/ragd/internal/provider"
	"github.com/kalambet/ragd/internal/retrieval"
	"github.com/kalambet/ragd/internal/session"
	"github.com/kalambet/ragd/internal/source"
	"github.com/kalambet/ragd/internal/storage"
	"github.com/kalambet/ragd/internal/vectorstore"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ragd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ragd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ragd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "ragd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// persistedCatalog keeps the SQLite copy of the source catalog in step with
// the in-memory registry so registrations survive restarts.
type persistedCatalog struct {
	*source.Registry
	log *storage.AuditLog
}

func (c *persistedCatalog) Add(s source.Source) error {
	if err := c.Registry.Add(s); err != nil {
		return err
	}
	c.persist()
	return nil
}

func (c *persistedCatalog) Remove(name string) error {
	if err := c.Registry.Remove(name); err != nil {
		return err
	}
	c.persist()
	return nil
}

func (c *persistedCatalog) persist() {
	if err := c.log.SaveSources(context.Background(), c.Registry.List()); err != nil {
		slog.Warn("persisting source catalog", "error", err)
	}
}

// auditedAsker writes every finalized turn to the audit log after the graph
// completes it.
type auditedAsker struct {
	inner api.Asker
	log   *storage.AuditLog
}

func (a *auditedAsker) ExecuteTurn(ctx context.Context, sessionID, query string, sources []string) (session.Turn, error) {
	turn, err := a.inner.ExecuteTurn(ctx, sessionID, query, sources)
	if err != nil {
		return turn, err
	}
	if saveErr := a.log.SaveTurn(ctx, sessionID, turn); saveErr != nil {
		slog.Warn("persisting turn to audit log", "session", sessionID, "error", saveErr)
	}
	return turn, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "ragd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice. The health probe catches a live server whose
	// PID file was lost.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	modelProvider, err := newModelProvider(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := vectorstore.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing vector store", "error", err)
		}
	}()

	audit, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer func() {
		if err := audit.Close(); err != nil {
			slog.Warn("closing audit log", "error", err)
		}
	}()

	registry := source.NewRegistry()
	persisted, err := audit.LoadSources(ctx)
	if err != nil {
		return fmt.Errorf("loading source catalog: %w", err)
	}
	for _, s := range persisted {
		if err := registry.Add(s); err != nil {
			return fmt.Errorf("restoring source %s: %w", s.Name, err)
		}
	}
	slog.Info("source catalog loaded", "sources", len(persisted))
	catalog := &persistedCatalog{Registry: registry, log: audit}

	tokens := chunking.NewTiktokenCounter("cl100k_base")
	embedder := embedding.New(modelProvider, cfg.Providers.EmbedModel)
	ingestSvc := ingest.New(registry, store, embedder, tokens, 0)
	retriever := retrieval.New(store, embedder, cfg.Retrieval.Timeout())

	sessions := session.NewStore(
		session.WithMaxContextTurns(cfg.Session.MaxContextTurns),
		session.WithIdleTimeout(cfg.Session.Timeout()),
	)
	go sessions.RunSweeper(ctx.Done(), 10*time.Minute)

	executor := graph.New(retriever, registry, sessions, modelProvider, store, tokens, graph.Config{
		Model:            cfg.Providers.CompletionModel,
		KPerSource:       cfg.Retrieval.KPerSource,
		KFinal:           cfg.Retrieval.KFinal,
		ContextBudget:    cfg.Graph.ContextBudget,
		RouterTopN:       cfg.Graph.RouterTopN,
		DocIntentTerms:   cfg.Graph.IntentTerms(),
		MaxSiblingChunks: cfg.Graph.MaxSiblingChunks,
		SynthesisTimeout: cfg.Graph.Timeout(),
	})
	asker := &auditedAsker{inner: executor, log: audit}

	handler := api.NewAppHandler(api.AppDeps{
		Registry:   catalog,
		Ingestor:   ingestSvc,
		Asker:      asker,
		Sessions:   sessions,
		Store:      store,
		Audit:      audit,
		Token:      cfg.Server.APIToken,
		DefaultPolicy: chunking.Policy{
			MaxTokens:     cfg.Chunking.MaxTokens,
			OverlapTokens: cfg.Chunking.OverlapTokens,
			MinTokens:     cfg.Chunking.MinTokens,
		},
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP over stdio for agent clients launched as a subprocess.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Registry: catalog,
		Ingestor: ingestSvc,
		Asker:    asker,
		Store:    store,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ragd listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newModelProvider selects the completion/embedding backend: an
// OpenAI-compatible endpoint when an API key is configured, the local
// Ollama daemon otherwise.
func newModelProvider(ctx context.Context, cfg config.Config) (provider.ModelProvider, error) {
	if cfg.Providers.OpenAIAPIKey != "" {
		slog.Info("using OpenAI-compatible provider", "base_url", cfg.Providers.OpenAIBaseURL)
		return provider.NewOpenAI(cfg.Providers.OpenAIAPIKey, cfg.Providers.OpenAIBaseURL), nil
	}

	ollama := provider.NewOllama(cfg.Providers.OllamaBaseURL)
	if !ollama.IsRunning(ctx) {
		return nil, fmt.Errorf(
			"ollama is not reachable at %s; start it, or set RAGD_OPENAI_API_KEY to use an OpenAI-compatible endpoint",
			cfg.Providers.OllamaBaseURL,
		)
	}
	slog.Info("using local Ollama provider", "base_url", cfg.Providers.OllamaBaseURL)
	return ollama, nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("ragd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ragd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ragd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	serverUp := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			serverUp = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Providers.OpenAIAPIKey != "" {
		printStatus("Provider", "OpenAI-compatible")
	} else {
		ollama := provider.NewOllama(cfg.Providers.OllamaBaseURL)
		if ollama.IsRunning(ctx) {
			printStatus("Provider", "Ollama at %s", cfg.Providers.OllamaBaseURL)
		} else {
			printStatus("Provider", "Ollama not running at %s", cfg.Providers.OllamaBaseURL)
		}
	}
	printStatus("Completion model", "%s", cfg.Providers.CompletionModel)
	printStatus("Embed model", "%s", cfg.Providers.EmbedModel)

	if serverUp {
		apiClient, err := newAPIClient()
		if err == nil {
			sourcesResp, err := apiClient.get(ctx, "/v1/sources")
			if err == nil {
				var sources []struct {
					Name   string `json:"name"`
					Chunks int    `json:"chunks"`
				}
				if decodeJSON(sourcesResp, &sources) == nil {
					total := 0
					for _, s := range sources {
						total += s.Chunks
					}
					printStatus("Sources", "%d (%d chunks)", len(sources), total)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
