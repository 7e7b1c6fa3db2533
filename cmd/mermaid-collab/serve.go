package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ben-mad-jlp/claude-mermaid-collab/auth"
	"github.com/ben-mad-jlp/claude-mermaid-collab/broadcast"
	"github.com/ben-mad-jlp/claude-mermaid-collab/broadcast/memorybus"
	"github.com/ben-mad-jlp/claude-mermaid-collab/broadcast/redisbus"
	"github.com/ben-mad-jlp/claude-mermaid-collab/collab"
	"github.com/ben-mad-jlp/claude-mermaid-collab/internal/logctx"
	"github.com/ben-mad-jlp/claude-mermaid-collab/mcp"
	"github.com/ben-mad-jlp/claude-mermaid-collab/mcpserver"
	"github.com/ben-mad-jlp/claude-mermaid-collab/streamhttp"
	"github.com/ben-mad-jlp/claude-mermaid-collab/ws"
)

var version = "dev"

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mermaid-collab",
		Short:         "MCP server for collaborative Mermaid diagram review",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(newServeCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr, diagramsDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("diagrams-dir") {
				cfg.DiagramsDir = diagramsDir
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":7070", "listen address")
	cmd.Flags().StringVar(&diagramsDir, "diagrams-dir", "./diagrams", "diagram persistence directory")
	return cmd
}

func serve(ctx context.Context, cfg Config) error {
	level, err := cfg.slogLevel()
	if err != nil {
		return err
	}
	log := slog.New(logctx.Handler{
		Handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bus broadcast.Broadcaster
	if cfg.RedisURL != "" {
		rb, err := redisbus.New(redisbus.Config{URL: cfg.RedisURL})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		bus = rb
		log.Info("bus.redis")
	} else {
		bus = memorybus.New()
		log.Info("bus.memory")
	}
	defer bus.Close()

	broker := collab.NewBroker(bus, collab.WithBrokerLogger(log))
	defer broker.Close()

	store, err := collab.NewDiagramStore(cfg.DiagramsDir, bus, collab.WithDiagramLogger(log))
	if err != nil {
		return err
	}
	defer store.Close()

	tools := mcpserver.NewToolSet(collab.Tools(broker, store)...)
	server := mcpserver.New(tools,
		mcpserver.WithLogger(log),
		mcpserver.WithServerInfo(mcpServerInfo()),
		mcpserver.WithInstructions("Use render_diagram to show a Mermaid diagram to the humans in the room; by default the call waits for their answer."),
	)

	registry, err := streamhttp.NewRegistry(
		func(sessionID string) streamhttp.ServerBinding { return server.NewBinding(sessionID) },
		streamhttp.WithRegistryLogger(log),
		streamhttp.WithIdleTimeout(cfg.SessionIdleTimeout),
		streamhttp.WithSweepInterval(cfg.SessionSweepInterval),
		streamhttp.WithTransportOptions(streamhttp.WithDefaultWait(cfg.DefaultWait)),
		streamhttp.WithTerminateHook(broker.CancelSession),
	)
	if err != nil {
		return err
	}
	defer registry.Close()

	handlerOpts := []streamhttp.HandlerOption{streamhttp.WithHandlerLogger(log)}
	authenticator, err := buildAuthenticator(ctx, cfg)
	if err != nil {
		return err
	}
	if authenticator != nil {
		handlerOpts = append(handlerOpts, streamhttp.WithAuthenticator(authenticator, "mermaid-collab"))
		log.Info("auth.enabled")
	}
	mcpHandler, err := streamhttp.NewHandler(registry, handlerOpts...)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)
	ws.NewHandler(bus, broker, ws.WithLogger(log)).Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if cfg.UIDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.UIDir)))
		log.Info("ui.static", slog.String("dir", cfg.UIDir))
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.start", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.stop")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func mcpServerInfo() mcp.ImplementationInfo {
	return mcp.ImplementationInfo{Name: "mermaid-collab", Version: version}
}

func buildAuthenticator(ctx context.Context, cfg Config) (auth.Authenticator, error) {
	switch {
	case cfg.AuthHMACSecret != "":
		return auth.NewJWTWithHMAC([]byte(cfg.AuthHMACSecret), nil)
	case cfg.AuthJWKSURL != "":
		return auth.NewJWTWithJWKS(ctx, cfg.AuthJWKSURL, nil)
	default:
		return nil, nil
	}
}
