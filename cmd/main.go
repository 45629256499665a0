package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	grpcapi "meeting-transcript-service/internal/api/grpc"
	"meeting-transcript-service/internal/app"
	"meeting-transcript-service/internal/config"
	"meeting-transcript-service/internal/events"
	apihttp "meeting-transcript-service/internal/http"
	"meeting-transcript-service/internal/observability"
	"meeting-transcript-service/internal/observability/metrics"
	"meeting-transcript-service/internal/service/pipeline"
	"meeting-transcript-service/internal/service/recording"
	"meeting-transcript-service/internal/service/stt"
	"meeting-transcript-service/internal/service/stt/google"
	"meeting-transcript-service/internal/service/stt/mock"
	"meeting-transcript-service/internal/service/summarize"
	"meeting-transcript-service/internal/service/transcode"
	"meeting-transcript-service/internal/store"
	"meeting-transcript-service/pkg/executor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	application := app.New(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.DefaultMetrics

	persister, err := newPersister(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session persistence")
	}

	recognizers, err := newRecognizers(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.STT.Provider).Msg("Failed to create STT provider")
	}

	summarizer, err := newSummarizer(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.Summary.Provider).Msg("Failed to create summarizer")
	}

	thresholds, err := cfg.Summary.Thresholds()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid summary thresholds")
	}
	policy := pipeline.NewPolicy(thresholds)

	broadcaster := events.NewBroadcaster(events.Options{
		QueueSize:       cfg.Events.QueueSize,
		DeliveryTimeout: cfg.Events.DeliveryTimeout,
	}, m)

	// Kafka sink with separate topics per event type; log-only when disabled
	sink := events.NewKafkaSink(&events.KafkaConfig{
		Enabled:         cfg.Kafka.Enabled,
		Brokers:         cfg.Kafka.Brokers,
		TopicTranscript: cfg.Kafka.TopicTranscript,
		TopicSummary:    cfg.Kafka.TopicSummary,
		TopicSession:    cfg.Kafka.TopicSession,
		Principal:       cfg.Kafka.Principal,
	}, m)
	broadcaster.SubscribeDurable(sink, cfg.Events.QueueSize*4)

	p := pipeline.New(pipeline.Deps{
		Transcoder:      newTranscoder(cfg),
		Summarizer:      summarizer,
		Publisher:       broadcaster,
		Policy:          policy,
		Metrics:         m,
		StageTimeout:    cfg.Limits.StageTimeout,
		SummaryMinWords: cfg.Summary.MinWords,
	})

	svc := recording.NewService(recording.Deps{
		Store:       store.NewMemoryStore(),
		Persister:   persister,
		Pipeline:    p,
		Broadcaster: broadcaster,
		Recognizers: recognizers,
		Metrics:     m,
		Limits: recording.Limits{
			MaxChunkBytes:        cfg.Limits.MaxChunkBytes,
			MaxPending:           cfg.Limits.MaxPending,
			FinalSummaryMinWords: cfg.Summary.FinalMinWords,
			FlushTimeout:         cfg.Limits.StageTimeout,
		},
	})

	go svc.RunReaper(ctx, cfg.Limits.ReapInterval, cfg.Limits.MaxSessionAge)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		watcher, err := config.NewWatcher(path, policy)
		if err != nil {
			log.Warn().Err(err).Msg("Config hot reload disabled")
		} else {
			defer watcher.Close()
			go func() {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("Config watcher stopped")
				}
			}()
		}
	}

	handler := apihttp.NewHandler(svc, apihttp.Options{
		MaxChunkBytes:     cfg.Limits.MaxChunkBytes,
		AllowedExtensions: cfg.Service.AllowedExtensions,
		IngestWorkers:     cfg.Service.IngestWorkers,
	}, m)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           apihttp.NewRouter(application, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpcapi.NewServer(m)
	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("Failed to listen")
	}

	obsServer := observability.NewServer(":"+cfg.Service.MetricsPort, application.Ready)
	obsServer.Start()

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("gRPC serve failed")
		}
	}()
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("Starting HTTP API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP serve failed")
		}
	}()

	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start application")
	}
	log.Info().
		Str("httpPort", cfg.Service.HTTPPort).
		Str("grpcPort", cfg.Service.GRPCPort).
		Str("metricsPort", cfg.Service.MetricsPort).
		Str("stt", recognizers.Name()).
		Str("summarizer", summarizer.Name()).
		Msg("Meeting transcript service started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	application.Shutdown()
	grpcServer.SetServing(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := handler.Drain(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Background ingestion did not finish before shutdown")
	}
	grpcServer.Shutdown(shutdownCtx)
	cancel()

	if err := svc.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to release recognizers")
	}
	broadcaster.Close()
	if err := recognizers.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close STT provider")
	}
	if err := persister.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close session persistence")
	}
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Observability server shutdown error")
	}
	log.Info().Msg("Meeting transcript service stopped")
}

func newPersister(cfg *config.Config) (store.Persister, error) {
	if cfg.Storage.SQLitePath == "" {
		return store.NopPersister{}, nil
	}
	log.Info().Str("path", cfg.Storage.SQLitePath).Msg("Persisting session snapshots to SQLite")
	return store.NewSQLitePersister(cfg.Storage.SQLitePath)
}

func newTranscoder(cfg *config.Config) transcode.Transcoder {
	if cfg.Transcode.Mode == "passthrough" {
		return transcode.Passthrough{SampleRate: cfg.STT.SampleRateHz}
	}
	return transcode.NewFFmpeg(executor.New(), transcode.Config{
		Binary:     cfg.Transcode.FFmpegPath,
		SampleRate: cfg.STT.SampleRateHz,
		TempDir:    cfg.Transcode.TempDir,
	})
}

func newRecognizers(ctx context.Context, cfg *config.Config) (stt.Factory, error) {
	if cfg.STT.Provider != "google" {
		log.Info().Msg("Using mock STT provider")
		return mock.NewFactory(nil), nil
	}
	gc := google.DefaultConfig()
	gc.LanguageCode = cfg.STT.LanguageCode
	gc.SampleRateHz = cfg.STT.SampleRateHz
	gc.Model = cfg.STT.Model
	gc.EnablePunctuation = cfg.STT.EnablePunctuation
	return google.NewFactory(ctx, gc)
}

// newSummarizer puts the extractive summarizer behind Gemini so a failing
// model still yields a summary.
func newSummarizer(cfg *config.Config) (summarize.Summarizer, error) {
	extractive := summarize.NewExtractive(cfg.Summary.SentenceCount)
	if cfg.Summary.Provider != "gemini" {
		return extractive, nil
	}
	gemini, err := summarize.NewGemini(cfg.Summary.GeminiAPIKeys, cfg.Summary.GeminiModel, cfg.Summary.SentenceCount)
	if err != nil {
		return nil, err
	}
	return summarize.Chain{gemini, extractive}, nil
}
