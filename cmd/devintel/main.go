// Command devintel runs the development-telemetry correlation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devintel-sh/devintel/internal/config"
	"github.com/devintel-sh/devintel/pkg/adapters/analysis"
	"github.com/devintel-sh/devintel/pkg/adapters/embedding"
	"github.com/devintel-sh/devintel/pkg/adapters/vectorstore"
	"github.com/devintel-sh/devintel/pkg/changelog"
	"github.com/devintel-sh/devintel/pkg/correlate"
	"github.com/devintel-sh/devintel/pkg/ingest"
	"github.com/devintel-sh/devintel/pkg/otel"
	"github.com/devintel-sh/devintel/pkg/patterns"
	"github.com/devintel-sh/devintel/pkg/registry"
	"github.com/devintel-sh/devintel/pkg/server"
	"github.com/devintel-sh/devintel/pkg/store/relstore"
	"github.com/devintel-sh/devintel/pkg/store/sqlstore"
	"github.com/devintel-sh/devintel/pkg/store/streamstore"

	// Providers register themselves.
	_ "github.com/devintel-sh/devintel/pkg/adapters/analysis/openai"
	_ "github.com/devintel-sh/devintel/pkg/adapters/embedding/gemini"
	_ "github.com/devintel-sh/devintel/pkg/adapters/embedding/openai"
	_ "github.com/devintel-sh/devintel/pkg/adapters/vectorstore/chromadb"
	_ "github.com/devintel-sh/devintel/pkg/adapters/vectorstore/memory"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	cfg := config.Load()

	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "http listen address")
	flag.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "event store DSN (sqlite: or postgres)")
	flag.Parse()

	if showVersion {
		fmt.Printf("devintel %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceName:    "devintel",
		ServiceVersion: version,
		UseStdout:      cfg.TraceStdout,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	events, err := sqlstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer events.Close()
	if err := events.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate event store: %w", err)
	}
	stream := streamstore.New()
	relations := relstore.New()

	embedder, err := resolveEmbedder(ctx, cfg.EmbeddingProvider)
	if err != nil {
		log.Warn("embedding provider unavailable, errors will not be embedded",
			"provider", cfg.EmbeddingProvider, "err", err)
		embedder = nil
	}
	vectors, err := resolveVectorStore(ctx, cfg.VectorStoreProvider)
	if err != nil {
		log.Warn("vector store unavailable, similarity search disabled",
			"provider", cfg.VectorStoreProvider, "err", err)
		vectors = nil
	}
	analyzer, err := resolveAnalyzer(ctx, cfg.AnalysisProvider)
	if err != nil {
		return fmt.Errorf("resolve analysis provider %q: %w", cfg.AnalysisProvider, err)
	}

	fanout := ingest.NewFanout(events, stream, relations, log)
	pipeline, err := ingest.New(fanout, embedder, vectors, log)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	reg := registry.New(log)
	engine := correlate.New(events, relations, vectors, embedder, analyzer,
		&server.Notifier{Reg: reg}, log,
		correlate.WithSimilarK(cfg.SimilarK),
		correlate.WithContextWindow(cfg.ContextWindow),
	)
	detector := patterns.New(events, relations, analyzer, log,
		patterns.WithWindow(cfg.PatternWindowEvents, cfg.PatternWindowAge))
	aggregator := changelog.New(events)

	srv := server.New(reg, pipeline, engine, detector, aggregator, events, stream, log,
		server.Config{MonitorInterval: cfg.MonitorInterval})

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr, "version", version)
		errCh <- srv.Start(cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func resolveEmbedder(ctx context.Context, name string) (embedding.Embedder, error) {
	f, ok := embedding.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q", name)
	}
	return f(ctx, nil)
}

func resolveVectorStore(ctx context.Context, name string) (vectorstore.VectorStore, error) {
	f, ok := vectorstore.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("unknown vector store %q", name)
	}
	return f(ctx, nil)
}

func resolveAnalyzer(ctx context.Context, name string) (analysis.Analyzer, error) {
	f, ok := analysis.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("unknown analysis provider %q", name)
	}
	return f(ctx, nil)
}
