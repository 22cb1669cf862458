package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/gateway"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/repository"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/service"
	httpTransport "github.com/xiaofeng19920506/InvictusMall-sub000/internal/transport/http"
	"github.com/xiaofeng19920506/InvictusMall-sub000/internal/transport/http/handler"
	kafkaTransport "github.com/xiaofeng19920506/InvictusMall-sub000/internal/transport/kafka"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/config"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/db"
	kafka2 "github.com/xiaofeng19920506/InvictusMall-sub000/pkg/kafka"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/mylogger"
	outboxRepository "github.com/xiaofeng19920506/InvictusMall-sub000/pkg/outbox/repository"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/outbox/worker"
	"github.com/xiaofeng19920506/InvictusMall-sub000/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := utils.InitTracer(ctx, "marketplace-core")
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}

	pool, err := db.NewPostgresDB(cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("failed to create pool: %v", err)
	}

	logger, err := config.NewLogger(config.LoggerConfig{
		Level: "Info",
		Env:   cfg.Env,
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})

	orderRepo := repository.NewOrderRepository(pool, logger)
	refundRepo := repository.NewRefundRepository(pool, logger)
	reservationRepo := repository.NewReservationRepository(pool, logger)
	outboxRepo := outboxRepository.NewOutboxRepository(pool, logger)

	paymentGateway := gateway.NewStripeGateway(gateway.StripeConfig{
		SecretKey: cfg.Gateway.SecretKey,
		BaseURL:   cfg.Gateway.BaseURL,
		Timeout:   cfg.Gateway.Timeout,
		Currency:  cfg.Gateway.Currency,
	}, logger)

	reservationService := service.NewCachedReservationService(
		service.NewReservationService(logger, reservationRepo),
		redisClient,
		cfg.Redis.SlotTTL,
	)

	reconciliationService := service.NewReconciliationService(
		pool,
		logger,
		paymentGateway,
		orderRepo,
		refundRepo,
		reservationRepo,
		outboxRepo,
		reservationService,
		service.CheckoutConfig{
			Currency:   cfg.Gateway.Currency,
			SuccessURL: cfg.Checkout.SuccessURL,
			CancelURL:  cfg.Checkout.CancelURL,
		},
	)

	kafkaProducer, err := kafka2.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		log.Fatalf("error creating kafka producer: %v", err)
	}

	outboxProcessor := worker.NewOutboxProcessor(pool, outboxRepo, kafkaProducer, logger)
	go outboxProcessor.Start(ctx)

	consumer := kafkaTransport.NewConsumer(reconciliationService, logger, cfg.Kafka.GroupID)
	go consumer.Start(ctx, cfg.Kafka.Brokers)

	app := fiber.New(fiber.Config{
		ReadTimeout: cfg.HTTP.Timeout,
	})

	httpTransport.RegisterRoutes(app, &httpTransport.Handlers{
		Checkout:    handler.NewCheckoutHandler(reconciliationService, logger),
		Order:       handler.NewOrderHandler(reconciliationService, logger),
		Refund:      handler.NewRefundHandler(reconciliationService, logger),
		Reservation: handler.NewReservationHandler(reservationService, logger),
	})

	go func() {
		mylogger.Info(ctx, logger, "HTTP server listening", zap.String("port", cfg.HTTP.Port))

		if err := app.Listen(cfg.HTTP.Port); err != nil {
			log.Fatalf("error serving http: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, exit := context.WithTimeout(context.Background(), time.Second*5)
	defer exit()

	mylogger.Info(shutdownCtx, logger, "Shutting down marketplace core")

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		mylogger.Warn(shutdownCtx, logger, "Failed to shut down http server", zap.Error(err))
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		mylogger.Warn(shutdownCtx, logger, "Failed to shut down telemetry", zap.Error(err))
	}

	if err := redisClient.Close(); err != nil {
		mylogger.Warn(shutdownCtx, logger, "Failed to close redis client", zap.Error(err))
	}

	pool.Close()
}
