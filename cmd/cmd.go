// Package cmd implements the serve binary's command-line surface: a
// cobra root command wrapping the HTTP server itself plus small
// diagnostic subcommands that inspect the resolved configuration
// without starting a listener.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	serve "github.com/localmodel/serve"
	"github.com/localmodel/serve/internal/config"
	"github.com/localmodel/serve/internal/gateway"
	"github.com/localmodel/serve/internal/logging"
)

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "serve",
		Short: "OpenAI-compatible local model serving layer",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		configCmd(),
	)
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "run",
		Aliases: []string{"serve", "start"},
		Short:   "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	cfg := config.Load()
	logging.Init(cfg.Debug)

	app, err := serve.New(cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	router := gateway.NewRouter(app)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr, "engine_kind", cfg.EngineKind, "default_model", cfg.DefaultModel)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("server exited: %w", err)
	case <-sigCtx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	app.Shutdown()
	return nil
}

// configCmd prints the resolved configuration as a table, summarizing
// effective settings before a server is ever started.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			printResolvedConfig(os.Stdout, cfg)
			return nil
		},
	}
}

func printResolvedConfig(w io.Writer, cfg *config.Resolved) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	table.SetHeader([]string{"setting", "value"})

	rows := [][]string{
		{"http_port", fmt.Sprint(cfg.HTTPPort)},
		{"engine_kind", cfg.EngineKind},
		{"default_model", cfg.DefaultModel},
		{"context_window", fmt.Sprint(cfg.ContextWindow)},
		{"default_max_tokens", fmt.Sprint(cfg.DefaultMaxTokens)},
		{"worker_threads", fmt.Sprint(cfg.WorkerThreads)},
		{"max_model_queue", fmt.Sprint(cfg.MaxModelQueue)},
		{"max_session_pending", fmt.Sprint(cfg.MaxSessionPending)},
		{"max_queue_wait_ms", fmt.Sprint(cfg.MaxQueueWaitMs)},
		{"idle_ttl_seconds", fmt.Sprint(cfg.IdleTTLSeconds)},
		{"max_sessions", fmt.Sprint(cfg.MaxSessions)},
	}
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}
