// Command transcriptai is the main entry point for the TranscriptAI backend.
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/transcriptai/transcriptai/internal/config"
	"github.com/transcriptai/transcriptai/internal/events"
	"github.com/transcriptai/transcriptai/internal/health"
	"github.com/transcriptai/transcriptai/internal/live"
	"github.com/transcriptai/transcriptai/internal/media"
	"github.com/transcriptai/transcriptai/internal/models"
	"github.com/transcriptai/transcriptai/internal/monitor"
	"github.com/transcriptai/transcriptai/internal/nlp"
	"github.com/transcriptai/transcriptai/internal/observe"
	"github.com/transcriptai/transcriptai/internal/pipeline"
	"github.com/transcriptai/transcriptai/internal/resilience"
	"github.com/transcriptai/transcriptai/internal/server"
	"github.com/transcriptai/transcriptai/internal/store"
	"github.com/transcriptai/transcriptai/internal/upload"
	"github.com/transcriptai/transcriptai/internal/youtube"
	"github.com/transcriptai/transcriptai/pkg/whispercpp"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	flag.Parse()

	// A local .env is a convenience for desktop installs; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcriptai: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("transcriptai starting",
		"version", version,
		"mode", cfg.Mode,
		"listen_addr", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
	)

	for _, dir := range []string{cfg.DataDir, cfg.UploadDir(), cfg.ProcessedDir(), cfg.TranscriptsDir(), cfg.ModelsDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to create data directory", "dir", dir, "err", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	var db *store.Store
	if cfg.Mode == config.ModeServer {
		db, err = store.OpenPostgres(cfg.DatabaseDSN, logger)
	} else {
		db, err = store.OpenSQLite(cfg.DatabasePath(), logger)
	}
	if err != nil {
		slog.Error("failed to open database", "err", err)
		return 1
	}

	// ── Transcription server client ───────────────────────────────────────────
	port := cfg.WhisperPort
	if port == 0 {
		port = whispercpp.ResolvePort(cfg.PortSentinelPath())
	}
	client, err := whispercpp.New(whispercpp.BaseURLForPort(port), whispercpp.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create transcription client", "err", err)
		return 1
	}
	slog.Info("transcription server", "port", port)

	// ── Domain components ─────────────────────────────────────────────────────
	proc := media.New(logger)
	analyzer := nlp.New(logger)
	bus := events.New(logger)
	mon := monitor.New(logger)
	uploads := upload.NewHandler(cfg.UploadDir(), cfg.MaxUploadBytes, db, logger)
	breaker := resilience.NewBreaker("whispercpp", 5, 30*time.Second, logger)

	modelMgr := models.NewManager(
		cfg.ModelsDir(), cfg.ModelJobsPath(), cfg.ModelPreferencePath(),
		client, logger,
		models.WithBundledDir(cfg.BundledModelsDir),
		models.WithMetrics(metrics),
	)

	pipe := pipeline.New(pipeline.Config{
		ProcessedDir:   cfg.ProcessedDir(),
		TranscriptsDir: cfg.TranscriptsDir(),
		Progressive:    cfg.LiveTranscription && !cfg.LiveBatchOnly,
		ChunkSec:       cfg.LiveChunkSec,
		StrideSec:      cfg.LiveStrideSec,
		ForceLanguage:  cfg.ForceLanguage,
	}, uploads, proc, client, analyzer, db, bus, mon, breaker, metrics, logger)

	liveMgr := live.NewManager(live.Config{
		Root:      filepath.Join(cfg.DataDir, "live_sessions"),
		BatchOnly: cfg.LiveBatchOnly,
	}, client, proc, bus, db, analyzer, logger)

	yt := youtube.New(cfg.UploadDir(), db, pipe, logger)

	healthHandler := health.New(version,
		health.StoreChecker(db),
		health.TranscriberChecker(client),
	)

	// ── Warmup ────────────────────────────────────────────────────────────────
	// Load the preferred model in the background so the first transcription
	// does not pay the model load. Startup never waits for this.
	go warmup(ctx, modelMgr, client, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(cfg, server.Deps{
		Uploads: uploads,
		Pipe:    pipe,
		Live:    liveMgr,
		Models:  modelMgr,
		YouTube: yt,
		Monitor: mon,
		Store:   db,
		Bus:     bus,
		Probe:   proc,
		Health:  healthHandler,
		Metrics: metrics,
		Logger:  logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-errCh:
		slog.Error("http server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	modelMgr.Wait()
	if err := shutdownMetrics(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown error", "err", err)
	}
	if err := db.Close(); err != nil {
		slog.Warn("database close error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// warmup waits for the transcription server and hot-loads the preferred
// model. Failures are logged only; the server keeps answering requests and
// the model loads lazily on first use instead.
func warmup(ctx context.Context, mgr *models.Manager, client *whispercpp.Client, logger *slog.Logger) {
	log := logger.With("component", "warmup")

	if !client.EnsureReady(ctx, 60*time.Second) {
		log.Warn("transcription server not reachable, skipping model warmup")
		return
	}

	name := mgr.ActiveModel()
	path, cached := mgr.Path(name)
	if !cached {
		log.Info("preferred model not downloaded, skipping warmup", "model", name)
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := client.LoadModel(loadCtx, path); err != nil {
		log.Warn("model warmup failed", "model", name, "err", err)
		return
	}
	log.Info("model warmed up", "model", name)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
