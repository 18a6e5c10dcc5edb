// Command server runs the docutrain-sub002 document Q&A API: it wires the
// catalog store, document registry, embedding and generation backends, the
// ingestion pipeline, and the chat request coordinator behind the HTTP
// surface in internal/httpapi.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/chat"
	"github.com/drjjw/docutrain-sub002/internal/config"
	"github.com/drjjw/docutrain-sub002/internal/embedcache"
	"github.com/drjjw/docutrain-sub002/internal/embedproviders"
	"github.com/drjjw/docutrain-sub002/internal/eventlog"
	"github.com/drjjw/docutrain-sub002/internal/generation"
	"github.com/drjjw/docutrain-sub002/internal/httpapi"
	"github.com/drjjw/docutrain-sub002/internal/identity"
	"github.com/drjjw/docutrain-sub002/internal/ingest"
	"github.com/drjjw/docutrain-sub002/internal/logging"
	"github.com/drjjw/docutrain-sub002/internal/objectstore"
	"github.com/drjjw/docutrain-sub002/internal/obs"
	"github.com/drjjw/docutrain-sub002/internal/registry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server")
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.LogPath, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	meterProvider := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(meterProvider)
	defer func() { _ = meterProvider.Shutdown(context.Background()) }()
	metrics := obs.NewOtelMetrics(meterProvider.Meter("docutrain-sub002"))

	remote := embedproviders.NewRemote(cfg.Providers.OpenAIAPIKey)
	local := embedproviders.NewLocal()

	store, closeStore, err := buildStore(ctx, cfg, remote.Dim(), local.Dim())
	if err != nil {
		return fmt.Errorf("build catalog store: %w", err)
	}
	defer closeStore()

	reg, err := registry.New(store, cfg.Registry, cfg.Redis)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("initial registry load: %w", err)
	}
	go reg.RunBackground(ctx)

	cache := embedcache.New(cfg.EmbedCache.MaxEntries, cfg.EmbedCache.EvictionTTL)
	cache.StartEvictionLoop(ctx, cfg.EmbedCache.EvictionPeriod)

	router, err := buildRouter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build generation router: %w", err)
	}

	verifier, err := buildVerifier(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build identity verifier: %w", err)
	}

	producer := eventlog.NewProducer(cfg.Kafka)
	defer producer.Close()

	sink, err := eventlog.NewSink(ctx, cfg.Kafka, cfg.ClickHouse)
	if err != nil {
		log.Warn().Err(err).Msg("conversation log sink disabled")
	}
	if sink != nil {
		go sink.Run(ctx)
		defer sink.Close()
	}

	objects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("object store disabled, retrain-from-storage will fail")
	}

	pipeline := ingest.New(store, objects, remote, local, cache, router, cfg.Generation.SummarizeModel, reg)

	coordinator := chat.New(reg, store, verifier, remote, local, cache, router, producer, metrics)

	server := httpapi.NewServer(coordinator, reg, ingestAdapter{pipeline}, store)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: server}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("server_listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}

// buildStore opens the Postgres catalog store and, when configured, wraps
// it with QdrantStore so chunk similarity search runs against Qdrant
// instead of pgvector. The returned close func always tears down whichever
// store was actually built.
func buildStore(ctx context.Context, cfg *config.Config, remoteDim, localDim int) (catalog.Store, func(), error) {
	pg, err := catalog.NewPostgres(ctx, cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Qdrant.Enabled {
		return pg, pg.Close, nil
	}
	qs, err := catalog.NewQdrantStore(ctx, pg, cfg.Qdrant.Addr, remoteDim, localDim)
	if err != nil {
		pg.Close()
		return nil, nil, err
	}
	return qs, qs.Close, nil
}

func buildRouter(ctx context.Context, cfg *config.Config) (*generation.Router, error) {
	var providers []generation.Provider
	if cfg.Providers.AnthropicAPIKey != "" {
		providers = append(providers, generation.NewAnthropic(cfg.Providers.AnthropicAPIKey))
	}
	if cfg.Providers.OpenAIAPIKey != "" {
		providers = append(providers, generation.NewOpenAI(cfg.Providers.OpenAIAPIKey))
	}
	if cfg.Providers.GeminiAPIKey != "" {
		gemini, err := generation.NewGemini(ctx, cfg.Providers.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("init gemini: %w", err)
		}
		providers = append(providers, gemini)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no generation backend configured: set at least one of ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY")
	}
	defaultBackend, _ := generation.SplitModel(cfg.Generation.DefaultModel)
	return generation.NewRouter(defaultBackend, providers...), nil
}

// buildVerifier builds an OIDC verifier when an issuer is configured, or an
// identity.NoopVerifier that routes every request through the coordinator's
// anonymous path otherwise.
func buildVerifier(ctx context.Context, cfg *config.Config) (chat.Authenticator, error) {
	if cfg.OIDC.IssuerURL == "" {
		log.Warn().Msg("no oidc.issuer_url configured; every caller is treated as anonymous")
		return identity.NoopVerifier{}, nil
	}
	return identity.NewVerifier(ctx, cfg.OIDC.IssuerURL, cfg.OIDC.ClientID)
}

// buildObjectStore builds the S3-backed blob store ProcessFromStorage reads
// PDFs from. A nil, non-error return means the bucket simply was not
// configured; the pipeline already treats a nil ObjectStore as "retrain
// from storage is unavailable" rather than a startup failure.
func buildObjectStore(ctx context.Context, cfg *config.Config) (objectstore.ObjectStore, error) {
	if cfg.S3.Bucket == "" {
		return nil, nil
	}
	s3Store, err := objectstore.NewS3Store(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}
	return s3Store, nil
}

// ingestAdapter narrows *ingest.Pipeline's Job-typed Status into the
// wire-facing httpapi.IngestStatusView the HTTP surface returns from
// GET /api/processing-status/{documentID}.
type ingestAdapter struct {
	pipeline *ingest.Pipeline
}

func (a ingestAdapter) Retrain(ctx context.Context, documentID, filename string, body []byte) error {
	return a.pipeline.Retrain(ctx, documentID, filename, body)
}

func (a ingestAdapter) Status(documentID string) (httpapi.IngestStatusView, bool) {
	job, ok := a.pipeline.Status(documentID)
	if !ok {
		return httpapi.IngestStatusView{}, false
	}
	return httpapi.IngestStatusView{
		DocumentID: job.DocumentID,
		Phase:      string(job.Phase),
		Error:      job.Error,
	}, true
}
