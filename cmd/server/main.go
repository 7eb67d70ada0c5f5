// mediasync server
//
// Features:
// - Cached thumbnails, optimized renditions, perceptual hashes, palettes and OCR
// - Namespaces over several watched media roots
// - WebSocket change notifications per application context
// - Prometheus metrics & structured logging (zap)
// - Local or S3 artifact storage
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediasync/internal/api"
	"github.com/fruitsalade/mediasync/internal/artifact"
	"github.com/fruitsalade/mediasync/internal/config"
	"github.com/fruitsalade/mediasync/internal/events"
	"github.com/fruitsalade/mediasync/internal/fingerprint"
	"github.com/fruitsalade/mediasync/internal/gallery"
	"github.com/fruitsalade/mediasync/internal/logging"
	"github.com/fruitsalade/mediasync/internal/media"
	"github.com/fruitsalade/mediasync/internal/metrics"
	"github.com/fruitsalade/mediasync/internal/namespace"
	"github.com/fruitsalade/mediasync/internal/ocr"
	"github.com/fruitsalade/mediasync/internal/similarity"
	"github.com/fruitsalade/mediasync/internal/storage"
	"github.com/fruitsalade/mediasync/internal/storage/local"
	s3storage "github.com/fruitsalade/mediasync/internal/storage/s3"
	"github.com/fruitsalade/mediasync/internal/watcher"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("mediasync server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Int("namespaces", len(cfg.Namespaces)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Artifact storage
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("artifact storage init failed", zap.Error(err))
	}
	defer backend.Close()
	logging.Info("artifact storage ready", zap.String("backend", backend.Type()))

	cache, err := artifact.New(backend, artifact.Options{
		MaxEntries:     cfg.ArtifactMaxEntries,
		ComputeTimeout: cfg.ComputeTimeout,
	})
	if err != nil {
		logging.Fatal("artifact cache init failed", zap.Error(err))
	}
	cache.Start(ctx)
	defer cache.Close()

	// Derivation engines
	fingerprints := fingerprint.StatService{}
	galleryEngine := gallery.NewEngine(cache, nil).WithFingerprints(fingerprints)
	similarityEngine := similarity.NewEngine(cache, similarity.Options{}).WithFingerprints(fingerprints)
	var ocrEngine *ocr.Engine
	if cfg.OCRURL != "" {
		ocrEngine = ocr.NewEngine(cache, ocr.NewWebhookRecognizer(cfg.OCRURL), cfg.OCRLang).WithFingerprints(fingerprints)
		logging.Info("ocr enabled", zap.String("url", cfg.OCRURL), zap.String("lang", cfg.OCRLang))
	}

	processor := gallery.NewProcessor(galleryEngine, cfg.GalleryWorkers)
	processor.Start(ctx)
	defer processor.Stop()

	// Change notifications
	hub := events.NewHub(events.Options{PingInterval: cfg.HeartbeatInterval})
	defer hub.Close()

	w, err := watcher.New(watcher.Options{StabilityWindow: cfg.WatchDebounce})
	if err != nil {
		logging.Fatal("watcher init failed", zap.Error(err))
	}
	defer w.Close()

	aggregator := namespace.New(namespace.Options{
		Watcher:        w,
		Cache:          cache,
		Warmer:         processor,
		Hub:            hub,
		Extensions:     media.NewAllowList(cfg.MediaExtensions),
		MaxDepth:       cfg.WatchMaxDepth,
		WarmOnRegister: cfg.WarmOnRegister,
	})
	for _, ns := range cfg.Namespaces {
		if _, err := aggregator.Register(ns.Name, ns.Root, ns.App); err != nil {
			logging.Fatal("namespace registration failed", zap.String("name", ns.Name), zap.Error(err))
		}
	}
	go aggregator.Run(ctx)

	srv := api.NewServer(api.Deps{
		Namespaces: aggregator,
		Cache:      cache,
		Gallery:    galleryEngine,
		Similarity: similarityEngine,
		OCR:        ocrEngine,
		Hub:        hub,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		// Hijacked websocket connections are not tracked by Shutdown.
		hub.Close()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}

func newBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	if cfg.ArtifactBackend == "s3" {
		return s3storage.New(ctx, s3storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	}
	return local.New(local.Config{RootPath: cfg.ArtifactDir, CreateDirs: true})
}
