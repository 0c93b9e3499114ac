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

	"github.com/gin-gonic/gin"

	"github.com/kevrith/kastra-pay/config"
	"github.com/kevrith/kastra-pay/internal/api"
	"github.com/kevrith/kastra-pay/internal/broker"
	"github.com/kevrith/kastra-pay/internal/redisclient"
	"github.com/kevrith/kastra-pay/internal/service"
	"github.com/kevrith/kastra-pay/internal/store"
	"github.com/kevrith/kastra-pay/internal/util"
	"github.com/kevrith/kastra-pay/internal/worker"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting kastra-pay")

	tp, err := util.InitTracer("kastra-pay", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	gateways := service.NewGatewayRegistry(cfg.Providers)
	orchestrator, err := service.NewPaymentOrchestrator(db, gateways, eventPublisher, cfg.Providers.CallbackBaseURL)
	if err != nil {
		log.Fatalf("Failed to build payment orchestrator: %v", err)
	}
	reconciler := service.NewReconciler(db, eventPublisher, cfg.Providers)
	refundService := service.NewRefundService(db, gateways, eventPublisher, redisClient)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	notifyConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
	notifyWorker := worker.NewNotificationWorker(notifyConsumer, db)
	go func() {
		if err := notifyWorker.Start(workerCtx); err != nil {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orchestrator, reconciler, refundService, db, redisClient, cfg.RateLimit)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	notifyWorker.Stop()

	log.Println("Server exited")
}
