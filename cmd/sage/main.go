// Command sage is the SAGE curriculum tutoring server: it answers student
// questions from NCERT course material using retrieval-augmented generation
// over a local language model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/sage-edu/sage/internal/config"
	"github.com/sage-edu/sage/internal/core"
	"github.com/sage-edu/sage/internal/generate"
	"github.com/sage-edu/sage/internal/httpapi"
	"github.com/sage-edu/sage/internal/observe"
	"github.com/sage-edu/sage/internal/promptbuild"
	"github.com/sage-edu/sage/internal/respcache"
	"github.com/sage-edu/sage/internal/retrieval"
	"github.com/sage-edu/sage/internal/rpcapi"
	ollamaembed "github.com/sage-edu/sage/pkg/provider/embeddings/ollama"
	"github.com/sage-edu/sage/pkg/provider/model/anyllm"
	"github.com/sage-edu/sage/pkg/vectorindex"
	"github.com/sage-edu/sage/pkg/vectorindex/postgres"
)

// shutdownBudget bounds graceful teardown of the transports.
const shutdownBudget = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A .env file is optional; real environment variables win either way.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sage: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "sage"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sdCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Embeddings + vector index ──
	if cfg.Index.PostgresDSN == "" {
		fmt.Fprintln(os.Stderr, "sage: index.postgres_dsn (or DATABASE_URL) is required")
		return 1
	}
	var embedOpts []ollamaembed.Option
	if cfg.Embeddings.Dimensions > 0 {
		embedOpts = append(embedOpts, ollamaembed.WithDimensions(cfg.Embeddings.Dimensions))
	}
	embedder, err := ollamaembed.New(cfg.Embeddings.BaseURL, cfg.Embeddings.Model, embedOpts...)
	if err != nil {
		slog.Error("failed to create embeddings provider", "err", err)
		return 1
	}

	index, err := postgres.New(ctx, cfg.Index.PostgresDSN, embedder)
	if err != nil {
		slog.Error("failed to open the vector index", "err", err)
		return 1
	}
	defer index.Close()
	for classNum := vectorindex.MinClass; classNum <= vectorindex.MaxClass; classNum++ {
		if err := index.OpenOrCreate(ctx, classNum); err != nil {
			slog.Error("failed to open class collection", "class", classNum, "err", err)
			return 1
		}
	}

	// ── Language model ──
	var modelOpts []anyllmlib.Option
	if cfg.Model.APIKey != "" {
		modelOpts = append(modelOpts, anyllmlib.WithAPIKey(cfg.Model.APIKey))
	}
	if cfg.Model.BaseURL != "" {
		modelOpts = append(modelOpts, anyllmlib.WithBaseURL(cfg.Model.BaseURL))
	}
	provider, err := anyllm.New(cfg.Model.Provider, cfg.Model.Model, modelOpts...)
	if err != nil {
		slog.Error("failed to create model provider", "err", err)
		return 1
	}

	contextWindow := cfg.Model.ContextWindow
	if contextWindow <= 0 {
		contextWindow = provider.Capabilities().ContextWindow
	}

	// ── Pipeline ──
	coordOpts := []core.Option{
		core.WithMetrics(metrics),
		core.WithLogger(logger.With("component", "core")),
	}
	if cfg.Cache.Enabled {
		coordOpts = append(coordOpts, core.WithCache(respcache.New(cfg.Cache.MaxEntries)))
	}
	coord := core.New(index,
		retrieval.New(index,
			retrieval.WithTopK(cfg.Retrieval.TopK),
			retrieval.WithLogger(logger.With("component", "retrieval")),
		),
		promptbuild.New(contextWindow, cfg.Model.MaxTokens),
		generate.New(provider,
			generate.WithMaxTokens(cfg.Model.MaxTokens),
			generate.WithLogger(logger.With("component", "generate")),
		),
		coordOpts...,
	)

	// ── HTTP transport ──
	api := httpapi.New(coord,
		httpapi.WithMetrics(metrics),
		httpapi.WithLogger(logger.With("component", "httpapi")),
	)
	httpAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: streaming responses stay open for the duration of
		// generation.
	}

	httpErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// ── RPC transport ──
	var rpcSrv *rpcapi.Server
	if cfg.RPC.Enabled {
		lis, err := rpcapi.Listen(ctx, cfg.RPC.Host, cfg.RPC.Port, logger)
		if err != nil {
			slog.Warn("rpc transport disabled", "err", err)
		} else {
			rpcSrv = rpcapi.New(coord, rpcapi.WithLogger(logger.With("component", "rpcapi")))
			go func() {
				if err := rpcSrv.Serve(lis); err != nil {
					slog.Error("rpc serve error", "err", err)
				}
			}()
		}
	}

	printStartupSummary(cfg, httpAddr, rpcSrv != nil)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-httpErr:
		slog.Error("http serve error", "err", err)
		return 1
	}

	sdCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if err := httpSrv.Shutdown(sdCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if rpcSrv != nil {
		rpcSrv.Stop()
	}
	slog.Info("goodbye")
	return 0
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func printStartupSummary(cfg *config.Config, httpAddr string, rpcEnabled bool) {
	slog.Info("sage serving",
		"http_addr", httpAddr,
		"rpc_enabled", rpcEnabled,
		"model_provider", cfg.Model.Provider,
		"model", cfg.Model.Model,
		"embedding_model", cfg.Embeddings.Model,
		"top_k", cfg.Retrieval.TopK,
		"cache_enabled", cfg.Cache.Enabled,
	)
}
