package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"

	"github.com/example/sms-dispatcher/internal/app"
	"github.com/example/sms-dispatcher/internal/common"
	"github.com/example/sms-dispatcher/internal/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_ = godotenv.Load()
	cfg, err := common.LoadConfig("sms-worker")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort, logger)
	defer metricsSrv.Shutdown(context.Background())

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build dispatch service")
	}
	defer rt.Close()

	resultWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.DispatchResultTopic,
		Balancer: &kafka.Hash{},
	}
	defer resultWriter.Close()

	w := worker.Worker{
		ReaderFactory: func() worker.MessageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers: cfg.KafkaBrokers,
				GroupID: cfg.ServiceName,
				Topic:   cfg.DispatchRequestTopic,
			})
		},
		ResultWriter: resultWriter,
		Service:      rt.Service,
		Logger:       logger,
	}

	logger.Info().Str("topic", cfg.DispatchRequestTopic).Msg("sms worker started")
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("sms worker stopped")
	}
}
