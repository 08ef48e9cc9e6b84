package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/attendance-service/internal/attendance"
	"qms/attendance-service/internal/clock"
	"qms/attendance-service/internal/config"
	"qms/attendance-service/internal/httpapi"
	"qms/attendance-service/internal/hub"
	"qms/attendance-service/internal/logging"
	"qms/attendance-service/internal/pubsub"
	"qms/attendance-service/internal/store/postgres"
	"qms/attendance-service/internal/telemetry"
	"qms/attendance-service/internal/transport/bridge"
	"qms/attendance-service/internal/worker"
	"qms/attendance-service/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "attendance-service"

// warmMessages bounds how many logged messages seed the cache at startup.
const warmMessages = 500

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}
	cfg := config.Load()

	loggers, err := logging.NewFactory(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = loggers.Sync() }()
	logger := loggers.Create("main")

	shutdownTelemetry := telemetry.Setup(serviceName, loggers.Create("telemetry"))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	topo, err := config.LoadTopology(cfg.TopologyPath)
	if err != nil {
		logger.Fatal("load topology", zap.String("path", cfg.TopologyPath), zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal("DB_DSN is required")
	}
	if cfg.BridgeURL == "" {
		logger.Fatal("BRIDGE_URL is required")
	}
	if cfg.IngressTokenHash == "" {
		logger.Warn("INGRESS_TOKEN_HASH is empty; batch ingress is unauthenticated")
	}
	loc := cfg.Location()

	if cfg.MigrateOnStart {
		if err := postgres.Migrate(loggers.Create("migrate"), cfg.DatabaseURL, migrations.FS); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	clk := clock.Real()
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	cache := attendance.NewLinkedMessageCache(cfg.MessageCacheSize, cfg.MessageCacheTTL, clk)
	if warmed, err := attendance.WarmCache(startupCtx, store, cache, warmMessages); err != nil {
		logger.Warn("warm message cache", zap.Error(err))
	} else {
		logger.Info("message cache warmed", zap.Int("messages", warmed))
	}
	rooms := attendance.NewMemoryRoomState()
	recovered, err := attendance.RecoverRoomState(startupCtx, store, store, rooms)
	cancelStartup()
	if err != nil {
		logger.Fatal("recover room state", zap.Error(err))
	}
	logger.Info("room state recovered", zap.Int("rooms", recovered))

	display := hub.New(loggers.Create("hub"))
	buses := pubsub.Fanout{display}
	if cfg.RedisAddr != "" {
		redisClient := pubsub.NewRedisClient(pubsub.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, loggers.Create("redis"))
		defer redisClient.Close()
		buses = append(buses, pubsub.NewRedisBus(redisClient))
	}

	setter := bridge.New(bridge.Config{
		BaseURL: cfg.BridgeURL,
		Token:   cfg.BridgeToken,
		Timeout: cfg.BridgeTimeout,
	}, loggers.Create("bridge"))
	markers := attendance.NewMarkerReconciler(topo, store, setter, clk, loc, attendance.MarkerOptions{
		Attempts:  cfg.MarkerAttempts,
		BaseDelay: cfg.MarkerBaseDelay,
	}, loggers.Create("marker"))

	coordinator := attendance.NewCoordinator(attendance.Deps{
		Topology:  topo,
		Messages:  store,
		Ledger:    store,
		Rooms:     rooms,
		Cache:     cache,
		Markers:   markers,
		Publisher: attendance.NewPublisher(topo, buses, loggers.Create("publisher")),
		Clock:     clk,
		Location:  loc,
		Logger:    loggers.Create("coordinator"),
	})

	batches := worker.New(coordinator, worker.Config{QueueSize: cfg.BatchQueueSize}, loggers.Create("worker"))
	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = batches.Run(workerCtx)
	}()

	handler := httpapi.NewHandler(batches, coordinator, store, topo, httpapi.Options{
		IngressTokenHash: cfg.IngressTokenHash,
	}, loggers.Create("http"))
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", display.Handler("/realtime"))
	handler.Register(mux)

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(loggers.Create("access"), limiter.Middleware(mux)), serviceName)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	stopWorker()
	<-workerDone
}
