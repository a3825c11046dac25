package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"settlement-svc/database"
	"settlement-svc/gateway"
	"settlement-svc/handlers"
	"settlement-svc/kafka"
	"settlement-svc/middleware"
	"settlement-svc/payments"
	"settlement-svc/reconcile"
	"settlement-svc/store"
	"settlement-svc/terminal"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database
	db, err := database.InitDB(logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()
	st := store.New(db, logger)

	// Initialize Kafka producer; settlement events are best-effort, the
	// service stays up without a broker.
	producer, err := kafka.InitProducer(logger)
	if err != nil {
		logger.Warn("Kafka unavailable, settlement events disabled", zap.Error(err))
		producer = nil
	} else {
		defer producer.Close()
	}

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("settlement-svc")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Gateway client and terminal channels
	gw := gateway.NewClient(gateway.ConfigFromEnv(), logger)
	terminal.Register(terminal.NewSocketChannel(terminal.SocketConfigFromEnv(), logger))
	terminal.Register(terminal.NewCloudChannel(terminal.CloudConfigFromEnv(), logger))
	terminal.Register(terminal.NewGatewayRoutedChannel(gw, logger))

	channelName := getEnv("TERMINAL_CHANNEL", "socket")
	channel, err := terminal.Get(channelName)
	if err != nil {
		logger.Fatal("Unknown terminal channel", zap.String("channel", channelName), zap.Error(err))
	}
	logger.Info("Terminal channel selected", zap.String("channel", channelName))

	// Reconciliation engine, with an optional Redis lease for multi-instance
	// deployments.
	reconCfg := reconcile.ConfigFromEnv()
	var lease *reconcile.Lease
	if host := os.Getenv("REDIS_HOST"); host != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", host, getEnv("REDIS_PORT", "6379")),
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		lease = reconcile.NewLease(rdb, "settlement:reconcile:lease", reconCfg.Interval, logger)
		logger.Info("Reconcile lease enabled")
	}
	reconciler := reconcile.New(reconCfg, st, gw, producer, lease, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconciler.Start(ctx)

	// Payment actions (void/refund)
	paymentSvc := payments.NewService(st, gw, producer, reconCfg.Provider, reconCfg.Topic, logger)

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	orderHandler := handlers.NewOrderHandler(st, logger)
	router.POST("/orders", orderHandler.CreateOrder)
	router.GET("/orders/:id/payment-status", orderHandler.PaymentStatus)

	terminalHandler := handlers.NewTerminalHandler(channel, st, producer, reconCfg.Provider, reconCfg.Topic, logger)
	router.POST("/payments/terminal", terminalHandler.InitiatePayment)

	paymentHandler := handlers.NewPaymentHandler(paymentSvc, logger)
	router.POST("/payments/:transactionID/void", paymentHandler.Void)
	router.POST("/payments/:transactionID/refund", paymentHandler.Refund)

	reconcileHandler := handlers.NewReconcileHandler(reconciler, logger)
	router.POST("/reconcile/run", reconcileHandler.Trigger)

	// Start REST server
	srv := &http.Server{
		Addr:    ":" + getEnv("PORT", "8084"),
		Handler: router,
	}

	go func() {
		logger.Info("Settlement service started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down settlement service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Settlement service stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
