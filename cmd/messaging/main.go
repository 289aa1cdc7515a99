package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"marketchat/internal/infra/broker/kafka"
	"marketchat/internal/infra/config"
	"marketchat/internal/infra/messaging"
	"marketchat/internal/infra/obs"
	"marketchat/internal/infra/storage/memory"
	"marketchat/internal/infra/storage/scylla"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadMessaging()
	if err != nil {
		logger := obs.NewLogger("dev", "messaging")
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env, "messaging")

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("store init failed", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	server := &messaging.Server{Store: store, Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, sarama.NewConfig())
		if err != nil {
			logger.Error("kafka producer init failed", "brokers", cfg.KafkaBrokers, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("kafka producer close failed", "error", err)
			}
		}()
		server.Events = kafka.NewMessageEvents(producer, cfg.KafkaTopic)
		logger.Info("publishing message events", "topic", cfg.KafkaTopic)
	}

	grpcServer := grpc.NewServer()
	messaging.Register(grpcServer, server)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen", "error", err, "addr", cfg.GRPCAddr)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down grpc server")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}()

	logger.Info("messaging service starting", "addr", cfg.GRPCAddr, "env", cfg.Env, "store", cfg.StoreDriver)
	if err := grpcServer.Serve(lis); err != nil {
		if errors.Is(err, grpc.ErrServerStopped) {
			logger.Info("grpc server stopped")
			return
		}
		logger.Error("grpc server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("messaging service stopped")
}

func openStore(cfg config.Messaging, logger *slog.Logger) (messaging.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		return memory.NewStore(), func() {}, nil
	}
	session, err := scylla.NewSession(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return scylla.NewStore(session, logger), session.Close, nil
}
