// main package for the audiobook tts-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/audiobook-tts/internal/config"
	"github.com/book-expert/audiobook-tts/internal/objectstore"
	"github.com/book-expert/audiobook-tts/internal/pipeline"
	"github.com/book-expert/audiobook-tts/internal/telemetry"
	"github.com/book-expert/audiobook-tts/internal/tts"
	"github.com/book-expert/audiobook-tts/internal/worker"
)

const (
	serviceName       = "audiobook-tts"
	metricsPath       = "/metrics"
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run(ctx context.Context) error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "tts-service-bootstrap.log")
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "tts-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	// 4. Metrics
	metrics, err := telemetry.Setup(ctx, serviceName)
	if err != nil {
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		shutdownErr := metrics.Shutdown(shutdownCtx)
		if shutdownErr != nil {
			finalLog.Warn("Failed to shut down telemetry: %v", shutdownErr)
		}
	}()

	if cfg.Telemetry.MetricsAddr != "" {
		stopMetrics := serveMetrics(ctx, cfg.Telemetry.MetricsAddr, metrics.Handler, finalLog)
		defer stopMetrics()
	}

	// 5. NATS, JetStream and the object store
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
	if err != nil {
		finalLog.Error("Failed to connect to NATS at %s: %v", cfg.NATS.URL, err)

		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	defer natsConnection.Close()

	js, err := jetstream.New(natsConnection)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(ctx, js, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		finalLog.Error("Failed to open object store: %v", err)

		return err
	}

	// 6. Pipeline and worker
	pc, err := pipeline.NewContext(cfg, finalLog, pipeline.WithMetrics(metrics.Metrics))
	if err != nil {
		return err
	}

	controller := pipeline.NewController(pc)

	// Jobs probe again before synthesis, so a backend that starts later is picked up.
	probeErr := controller.CheckBackend(ctx)
	if probeErr != nil {
		finalLog.Warn("TTS backend not reachable at startup: %v", probeErr)
	}

	natsWorker, err := worker.NewNatsWorker(natsConnection, worker.Config{
		Subject:         cfg.NATS.TextProcessedSubject,
		Queue:           cfg.NATS.TTSConsumerName,
		ProgressSubject: cfg.NATS.ProgressSubject,
		Defaults:        tts.ClientConfigFrom(&cfg.TTS).Options,
	}, store, controller, finalLog)
	if err != nil {
		return err
	}

	finalLog.System("TTS-Service successfully initialized. Listening for jobs on subject: %s",
		cfg.NATS.TextProcessedSubject)

	return natsWorker.Run(ctx)
}

// serveMetrics exposes the Prometheus handler and returns a stop function.
func serveMetrics(ctx context.Context, addr string, handler http.Handler, log *logger.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, handler)

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed: %v", err)
		}
	}()

	log.Info("Serving metrics on %s%s", addr, metricsPath)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
