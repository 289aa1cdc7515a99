package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"marketchat/internal/infra/broker/kafka"
	"marketchat/internal/infra/cache"
	"marketchat/internal/infra/config"
	"marketchat/internal/infra/db/mongo"
	ginserver "marketchat/internal/infra/http/gin"
	"marketchat/internal/infra/messaging"
	"marketchat/internal/infra/obs"
	"marketchat/internal/infra/realtime"
	"marketchat/internal/infra/storage/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadGateway()
	if err != nil {
		logger := obs.NewLogger("dev", "gateway")
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env, "gateway")

	msgClient, err := messaging.NewClient(ctx, messaging.Config{
		Addr:        cfg.MessagingGRPCAddr,
		DialTimeout: cfg.MessagingGRPCDial,
		CallTimeout: cfg.MessagingGRPCTime,
	}, logger)
	if err != nil {
		logger.Error("messaging client init failed", "error", err)
		os.Exit(1)
	}
	defer msgClient.Close()

	health := obs.HealthHandlers{Checks: map[string]func(context.Context) error{
		"messaging": msgClient.Ping,
	}}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		health.Checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("redis configured", "addr", cfg.RedisAddr)
	}

	var avatars mongo.AvatarResolver
	if cfg.S3Endpoint != "" {
		store, err := s3.NewAvatars(s3.Options{
			Endpoint:      cfg.S3Endpoint,
			UseSSL:        cfg.S3UseSSL,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicEndpoint,
			URLTTL:        cfg.AvatarURLTTL,
		}, logger)
		if err != nil {
			logger.Error("avatar storage init failed", "error", err)
			os.Exit(1)
		}
		avatars = store
		health.Checks["s3"] = store.Ping
	}

	// per-instance group: every gateway must see every event for its own sockets
	groupID := fmt.Sprintf("%s-%s", cfg.KafkaGroupID, instanceID())
	directory := ginserver.DirectoryHandler{Logger: logger}
	var inbox kafka.Deduper
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.New(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			logger.Error("mongo connect failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Close(closeCtx)
		}()
		health.Checks["mongo"] = mongoClient.Ping

		var profiles ginserver.ProfileSource = mongo.NewProfileStore(mongoClient.DB, avatars)
		if rdb != nil {
			profiles = cache.NewProfiles(rdb, profiles, cfg.ProfileCacheTTL, logger)
		}
		directory.Profiles = profiles
		directory.Requests = mongo.NewRequestStore(mongoClient.DB)
		if len(cfg.KafkaBrokers) > 0 {
			inbox = mongo.NewInboxStore(ctx, mongoClient.DB, groupID)
		}
	} else {
		logger.Warn("MONGO_URI not set; profile and request lookups are unavailable")
	}

	hubOpts := realtime.Options{
		Authorize:  ginserver.TopicAuthorizer(msgClient),
		PingPeriod: cfg.WSPingInterval,
		Logger:     logger,
	}
	if rdb != nil {
		hubOpts.Presence = realtime.NewRedisPresence(rdb)
		hubOpts.Bus = realtime.NewRedisBus(rdb, logger)
	}
	hub := realtime.NewHub(hubOpts)
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("realtime relay stopped", "error", err)
		}
	}()

	chat := ginserver.ChatHandler{Messaging: msgClient, Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := startChangeConsumer(ctx, cfg, groupID, hub, inbox, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()
	} else {
		// without a broker the gateway that accepted the write fans it out
		chat.Changes = hub
	}

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, health, ginserver.Handlers{
		Chat:      chat,
		Directory: directory,
		Realtime:  ginserver.RealtimeHandler{Hub: hub},
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "env", cfg.Env)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("HTTP server stopped")
}

// startChangeConsumer delivers message events from the broker to this instance's sockets.
func startChangeConsumer(ctx context.Context, cfg config.Gateway, groupID string, hub *realtime.Hub, inbox kafka.Deduper, logger *slog.Logger) (*kafka.Consumer, error) {
	handler := &kafka.ChangeEventHandler{Inbox: inbox, Sink: hub.DeliverChange, Logger: logger}
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, groupID, sarama.NewConfig(), handler)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := consumer.Run(ctx, []string{cfg.KafkaTopic}); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("kafka consumer stopped", "group", groupID, "error", err)
		}
	}()
	logger.Info("consuming message events", "topic", cfg.KafkaTopic, "group", groupID)
	return consumer, nil
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
