// Command cortex-server runs the Cortex memory service: the HTTP API, the
// MCP adapter, the dashboard, and the background lifecycle sweep, over a
// SQLite or PostgreSQL store.
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
	"syscall"
	"time"

	"github.com/rikouu/cortex/internal/backup"
	"github.com/rikouu/cortex/internal/cache"
	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/config"
	"github.com/rikouu/cortex/internal/export"
	"github.com/rikouu/cortex/internal/flush"
	"github.com/rikouu/cortex/internal/gate"
	"github.com/rikouu/cortex/internal/httpapi"
	"github.com/rikouu/cortex/internal/hybrid"
	"github.com/rikouu/cortex/internal/importer"
	"github.com/rikouu/cortex/internal/lifecycle"
	"github.com/rikouu/cortex/internal/mcp"
	"github.com/rikouu/cortex/internal/provider"
	"github.com/rikouu/cortex/internal/sieve"
	sigdetect "github.com/rikouu/cortex/internal/signal"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/store/postgres"
	"github.com/rikouu/cortex/internal/store/sqlite"
	"github.com/rikouu/cortex/internal/vectorindex"
	"github.com/rikouu/cortex/internal/webui"
	"github.com/rikouu/cortex/internal/writer"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfgPath := config.DefaultConfigPath(cfg.Storage.DBPath)
	if err := config.ApplyFile(cfg, cfgPath); err != nil {
		logger.Warn("config file ignored", "path", cfgPath, "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}
	warn := func(msg string, err error) { logger.Warn(msg, "err", err) }

	// Store + vector index, per configured engine.
	st, idx, err := openStorage(cfg, clk)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	defer func() { _ = idx.Close() }()

	// Providers: LLM/embedding cascades fronted by the LRU cache.
	embedCache := cache.NewEmbeddingCache(2048)
	providers := provider.Build(cfg.Provider, embedCache)

	// Detect embedding dimensionality and initialize the vector
	// collection. A failed probe degrades recall to text-only until the
	// provider recovers and a reindex runs.
	probeCtx, cancel := context.WithTimeout(ctx, cfg.Provider.VectorOpTimeout)
	if vec, err := providers.Embedding.Embed(probeCtx, "dimension probe"); err == nil && len(vec) > 0 {
		if err := idx.Initialize(ctx, len(vec)); err != nil {
			cancel()
			return fmt.Errorf("initialize vector index: %w", err)
		}
		cfg.Storage.VectorDim = len(vec)
	} else {
		logger.Warn("embedding probe failed; vector search degraded", "err", err)
	}
	cancel()

	// Pipeline assembly.
	detector := sigdetect.NewDetector()
	memWriter := writer.New(st, idx, providers.Embedding, providers.LLM, clk, writer.Config{
		ExactDupThreshold:    cfg.Pipeline.ExactDupThreshold,
		SimilarityThreshold:  cfg.Pipeline.SimilarityThreshold,
		LegacyDedupThreshold: cfg.Pipeline.LegacyDedupThreshold,
		SmartUpdateEnabled:   cfg.Pipeline.SmartUpdateEnabled,
		WorkingTTL:           cfg.Pipeline.WorkingTTL,
		CoreImportanceFloor:  0.8,
	}, warn)

	searcher := hybrid.NewSearcher(st, idx, providers.Embedding, clk, hybrid.Weights{
		Vector:         cfg.Pipeline.VectorWeight,
		Text:           cfg.Pipeline.TextWeight,
		AccessBoostCap: cfg.Pipeline.AccessBoostCap,
	}, warn)

	sievePipeline := sieve.New(detector, memWriter, st, providers.LLM, clk, sieve.Config{
		ParallelChannels:   cfg.Pipeline.ParallelChannels,
		MaxContextMessages: cfg.Pipeline.MaxContextMessages,
	}, warn)

	gatePipeline := gate.New(detector, searcher, providers.LLM, providers.Reranker, clk, gate.Config{
		ExpansionEnabled: true,
		PerVariantLimit:  15,
		RerankTopK:       10,
		RerankFuseWeight: cfg.Pipeline.RerankFuseWeight,
		DefaultMaxTokens: 1000,
	}, warn)

	flushPipeline := flush.New(memWriter, st, providers.LLM, clk, flush.Config{
		MaxConversationChars: cfg.Pipeline.FlushMaxChars,
		FallbackTTL:          cfg.Pipeline.WorkingTTL,
	}, warn)

	engine := lifecycle.New(st, idx, providers.LLM, providers.Embedding, clk, lifecycle.Config{
		PromotionThreshold:       cfg.Lifecycle.PromotionThreshold,
		PromotionMinAge:          24 * time.Hour,
		ArchiveThreshold:         cfg.Lifecycle.ArchiveThreshold,
		ArchiveTTL:               cfg.Lifecycle.ArchiveTTL,
		DecayLambda:              cfg.Lifecycle.DecayLambda,
		DedupSimilarityThreshold: cfg.Lifecycle.DedupSimilarityThreshold,
		DedupStripPrefixes:       cfg.Lifecycle.DedupStripPrefixes,
		CompressBackToCore:       cfg.Lifecycle.CompressBackToCore,
		ProfileCacheTTL:          cfg.Lifecycle.ProfileCacheTTL,
		WorkingExpiryBatchSize:   cfg.Lifecycle.WorkingExpiryBatchSize,
	}, warn)

	if schedule, err := lifecycle.ParseSchedule(cfg.Lifecycle.Schedule); err != nil {
		logger.Warn("lifecycle schedule invalid; timer disabled", "err", err)
	} else {
		go lifecycle.NewScheduler(engine, schedule, clk, warn).Start(ctx)
	}

	exporter := export.New(st, clk, export.Config{
		Dir: filepath.Join(filepath.Dir(cfg.Storage.DBPath), "export"),
	}, warn)
	defer exporter.Stop()

	obsidian := importer.NewObsidianImporter(memWriter, st, warn)

	// Optional in-process snapshot service (sqlite only; postgres
	// deployments run pg_dump out of band, and the cortex-backup CLI
	// covers ad-hoc use).
	if cfg.Backup.Enabled && cfg.Storage.StorageEngine != "postgres" {
		svc, err := backup.NewService(backup.Config{
			BrainPath:  cfg.Storage.DBPath,
			VectorPath: cfg.Storage.DBPath + ".vec",
			Dir:        cfg.Backup.Path,
			Interval:   cfg.Backup.Interval,
			Retention: backup.RetentionPolicy{
				Hourly:  cfg.Backup.RetentionHourly,
				Daily:   cfg.Backup.RetentionDaily,
				Weekly:  cfg.Backup.RetentionWeekly,
				Monthly: cfg.Backup.RetentionMonthly,
			},
			Verify: cfg.Backup.Verify,
		}, logger)
		if err != nil {
			logger.Warn("backup service disabled", "err", err)
		} else {
			go func() {
				if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("backup service stopped", "err", err)
				}
			}()
			defer func() { _ = svc.Stop() }()
		}
	}

	var hub *webui.Hub
	if cfg.Features.EnableWebUI {
		hub = webui.NewHub()
	}

	// HTTP surface: API + MCP + dashboard on one listener.
	api := httpapi.New(httpapi.Deps{
		Gate:     gatePipeline,
		Sieve:    sievePipeline,
		Flush:    flushPipeline,
		Engine:   engine,
		Searcher: searcher,
		Store:    st,
		Index:    idx,
		Exporter: exporter,
		Importer: obsidian,
		Embedder: providers.Embedding,
		Events:   hub,
		Logger:   logger,
		Config:   cfg,
		SaveFn:   func(c *config.Config) error { return c.SaveFile(cfgPath) },
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", api.Handler())
	if cfg.Features.EnableMCP {
		mcpServer := mcp.NewServer(gatePipeline, searcher, memWriter, st, idx, logger)
		mux.Handle("/mcp/", api.RequireAuth(mcpServer.Handler()))
	}
	if hub != nil {
		mux.Handle("/", hub.Handler())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return api.Start(ctx, addr, mux)
}

// openStorage picks the Store and VectorIndex backends from config:
// sqlite (+ sqlite-vec in a sibling file) by default, postgres (+
// pgvector on the same connection) when selected.
func openStorage(cfg *config.Config, clk clock.Clock) (store.Store, vectorindex.Index, error) {
	switch cfg.Storage.StorageEngine {
	case "postgres":
		st, err := postgres.Open(cfg.Storage.PostgresDSN, clk)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, vectorindex.NewPgVectorIndex(st.DB()), nil

	case "sqlite", "":
		if dir := filepath.Dir(cfg.Storage.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		st, err := sqlite.Open(cfg.Storage.DBPath, clk)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		vecPath := cfg.Storage.DBPath + ".vec"
		idx, err := vectorindex.OpenSQLiteVec(vecPath)
		if err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("open vector index: %w", err)
		}
		return st, idx, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.StorageEngine)
	}
}
