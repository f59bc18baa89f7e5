package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/ragstarter/internal/api"
	"github.com/kalambet/ragstarter/internal/document"
	"github.com/kalambet/ragstarter/internal/evaluation"
	"github.com/kalambet/ragstarter/internal/index"
	"github.com/kalambet/ragstarter/internal/pipeline"
	"github.com/kalambet/ragstarter/internal/query"
)

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the index over HTTP, or over MCP on stdio with --mcp",
		Long: `Serve the index over HTTP on 127.0.0.1, or over the Model Context Protocol
on stdin/stdout with --mcp. The index is built first when it does not exist.

HTTP routes:
  GET  /health     liveness, never authenticated
  GET  /stats      index statistics
  GET  /documents  indexed documents
  POST /query      {"question": "..."} -> answer with sources
  POST /search     {"query": "...", "limit": 5} -> closest passages
  POST /evaluate   {"question": "..."} -> answer judged for relevancy

Set server.token (RAGSTARTER_SERVER_TOKEN) to require a bearer token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			useMCP, _ := cmd.Flags().GetBool("mcp")
			if cmd.Flags().Changed("port") {
				c.cfg.Server.Port, _ = cmd.Flags().GetInt("port")
			}
			return c.serve(cmd, useMCP)
		},
	}
	cmd.Flags().Bool("mcp", false, "speak MCP over stdin/stdout instead of HTTP")
	cmd.Flags().Int("port", 0, "HTTP port (overrides server.port)")
	return cmd
}

func (c *cli) serve(cmd *cobra.Command, useMCP bool) error {
	ctx := cmd.Context()
	cfg := c.cfg

	if !useMCP {
		probe := newAPIClient(cfg, 2*time.Second)
		if probe.healthy(ctx) {
			printWarning("ragstarter is already running on port %d", cfg.Server.Port)
			return fmt.Errorf("server already running on port %d", cfg.Server.Port)
		}
	}

	eng, err := c.readyEngine(cmd)
	if err != nil {
		return err
	}

	opts := pipeline.OptionsFromConfig(cfg)
	res, err := index.Resolve(ctx, index.GateOptions{
		Path:   cfg.Storage.IndexDir,
		Source: document.NewLoader(cfg.Docs.Dir),
		Build: index.BuildOptions{
			Chunk:    opts.Chunk,
			Embedder: index.NewEmbedder(eng, cfg.LLM.EmbedModel, cfg.Embed.Concurrency),
			Progress: progressPrinter(),
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Index.Close(); err != nil {
			slog.Warn("closing index", "error", err)
		}
	}()
	slog.Info("index ready", "outcome", res.Outcome.String(), "path", cfg.Storage.IndexDir)

	deps := api.Deps{
		Index:     res.Index,
		Answers:   query.New(res.Index, eng, cfg.LLM.Model, opts.QueryOptions(eng)),
		Evaluator: evaluation.NewRelevancyEvaluator(eng, cfg.LLM.Model),
		Token:     cfg.Server.Token,
	}

	if useMCP {
		slog.Info("MCP server started (stdio transport)")
		stdio := server.NewStdioServer(api.NewMCPServer(deps, version))
		if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	}

	return serveHTTP(ctx, fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port), api.NewHTTPHandler(deps), cfg.Server.Token != "")
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, authenticated bool) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		printSuccess("ragstarter listening on http://%s", addr)
		if !authenticated {
			printWarning("server.token is not set; routes are unauthenticated")
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		printStep("shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
