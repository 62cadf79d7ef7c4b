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

	"courier-service/config"
	"courier-service/internal/api"
	"courier-service/internal/broker"
	"courier-service/internal/bus"
	"courier-service/internal/hub"
	"courier-service/internal/models"
	"courier-service/internal/redisclient"
	"courier-service/internal/service"
	"courier-service/internal/store"
	"courier-service/internal/util"
	"courier-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting courier service")

	tp, err := util.InitTracer("courier-service", cfg.Observ.JaegerEndpoint)
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

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)
	eventBus := bus.New(cfg.Tracking.BusBufferSize)

	tolerance, err := decimal.NewFromString(cfg.Business.AmountTolerance)
	if err != nil {
		log.Fatalf("Invalid AMOUNT_TOLERANCE: %v", err)
	}

	gateways := service.GatewaySet{
		models.GatewayPayfast:  service.NewSimulatedGateway(),
		models.GatewayPaystack: service.NewSimulatedGateway(),
		models.GatewayCash:     service.CashGateway{},
	}

	ledger := service.NewLedger()
	reconciler := service.NewReconciler(
		db,
		ledger,
		eventBus,
		eventPublisher,
		redisClient,
		gateways,
		tolerance,
		time.Duration(cfg.Business.GatewayTimeoutSeconds)*time.Second,
	)
	orderService := service.NewOrderService(db, eventBus, eventPublisher, redisClient)

	trackingHub := hub.New(eventBus, orderService, redisClient, cfg.Tracking.SendBufferSize)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	pollWorker := worker.NewPaymentPollWorker(
		db,
		reconciler,
		time.Duration(cfg.Business.PollIntervalSeconds)*time.Second,
		time.Duration(cfg.Business.PollStaleAfterSeconds)*time.Second,
	)
	go func() {
		if err := pollWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Payment poll worker error: %v", err)
		}
	}()

	notifyConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	notifyWorker := worker.NewNotificationWorker(notifyConsumer, worker.NewLogNotifier())
	go func() {
		if err := notifyWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	identity := api.HeaderIdentity{}
	wsHandler := api.NewWSHandler(trackingHub, identity)

	router := gin.Default()
	handler := api.NewHandler(orderService, reconciler, identity, wsHandler)
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
