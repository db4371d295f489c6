package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/md-rashed-zaman/userevents/libs/db"
	"github.com/md-rashed-zaman/userevents/libs/grpcx"
	"github.com/md-rashed-zaman/userevents/libs/httpx"
	"github.com/md-rashed-zaman/userevents/libs/kafkax"
	otelx "github.com/md-rashed-zaman/userevents/libs/otel"
	"github.com/md-rashed-zaman/userevents/libs/runtime"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/handlers"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/messaging"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/service"
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/storage"
	"github.com/md-rashed-zaman/userevents/services/user-service/migrations"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := loadSettings()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.service, cfg.logLevel)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
		otelShutdown = nil
	}

	passwords, err := service.PasswordEncoderFor(cfg.passwordStorage)
	if err != nil {
		panic(err)
	}
	if _, plain := passwords.(service.PlainPasswords); plain {
		logger.Warn("passwords are stored in plain text; set PASSWORD_STORAGE=bcrypt to hash them")
	}

	pool, err := db.Open(ctx, cfg.databaseURL, db.PoolConfig{MaxConns: int32(cfg.dbMaxConns)})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	if cfg.autoMigrate {
		if err := migrations.Apply(ctx, pool); err != nil {
			logger.Error("db migration failed", "err", err)
			panic(err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	eventMetrics := messaging.NewMetrics(reg)

	var mirror *messaging.KafkaMirror
	readyChecks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
	if len(cfg.kafkaBrokers) > 0 {
		mirror = messaging.NewKafkaMirror(cfg.kafkaBrokers, cfg.kafkaTopic)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.kafkaBrokers)})
		logger.Info("kafka event mirror enabled", "topic", cfg.kafkaTopic)
	}

	publisher := messaging.NewPublisher(messaging.PublisherConfig{
		URL:            cfg.rabbitURL,
		ConnectionName: cfg.service + "-publisher",
		AppID:          cfg.service,
		Timeout:        cfg.publishTimeout,
	}, logger, eventMetrics, mirrorOrNil(mirror))
	readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "amqp", Check: publisher.ReadyCheck})

	// Broker loops outlive the signal so in-flight requests can still
	// publish while the HTTP server drains.
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		publisher.Run(bgCtx)
	}()
	if cfg.consumerEnabled {
		consumer := messaging.NewConsumer(messaging.ConsumerConfig{
			URL:            cfg.rabbitURL,
			ConnectionName: cfg.service + "-consumer",
			Prefetch:       cfg.prefetch,
		}, logger, eventMetrics, nil)
		background.Add(1)
		go func() {
			defer background.Done()
			consumer.Run(bgCtx)
		}()
	}

	svc := service.NewUserService(pool, storage.NewUserRepository(), publisher, passwords, logger).
		WithQueryTimeout(cfg.queryTimeout)

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	handlers.NewUserHandler(svc, logger).Register(mux)

	limiter, rdb := rateLimiter(cfg, logger)
	httpHandler := httpx.Chain(httpx.NewMetrics(reg).Middleware(mux),
		httpx.WithTraceID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: cfg.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", httpx.RequestIDHeader},
			ExposedHeaders: []string{httpx.TraceIDHeader},
		}),
		limiter,
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, cfg.service)
	srv := &http.Server{
		Addr:              ":" + cfg.port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Writes accepted before the first broker connection would lose their events.
	if err := publisher.WaitConnected(ctx, cfg.connectTimeout); err != nil {
		logger.Warn("event publisher not connected at startup; events are dropped until it connects", "err", err)
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	var healthSrv *grpcx.HealthServer
	if cfg.grpcPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.grpcPort)
		if err != nil {
			logger.Error("grpc listen failed", "err", err)
			panic(err)
		}
		healthSrv = grpcx.NewHealthServer(logger, cfg.service, 5*time.Second, readyChecks...)
		go func() {
			if err := healthSrv.Serve(ctx, lis); err != nil {
				logger.Error("grpc health server error", "err", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	closers := []runtime.Closer{{Name: "http", Close: srv.Shutdown}}
	if healthSrv != nil {
		closers = append(closers, runtime.Closer{Name: "grpc", Close: healthSrv.Stop})
	}
	closers = append(closers, runtime.Closer{Name: "amqp", Close: func(ctx context.Context) error {
		stopBackground()
		return waitGroup(ctx, &background)
	}})
	if mirror != nil {
		closers = append(closers, runtime.Closer{Name: "kafka", Close: mirror.Close})
	}
	if rdb != nil {
		closers = append(closers, runtime.Closer{Name: "redis", Close: func(context.Context) error { return rdb.Close() }})
	}
	closers = append(closers,
		runtime.Closer{Name: "db", Close: func(context.Context) error { pool.Close(); return nil }},
		runtime.Closer{Name: "otel", Close: otelShutdown},
	)
	runtime.Shutdown(logger, 10*time.Second, closers...)
	logger.Info("user service stopped")
}

// rateLimiter prefers the Redis limiter shared across replicas and falls back
// to the in-process one. A zero RATE_LIMIT_PER_MINUTE disables limiting.
func rateLimiter(cfg settings, logger *slog.Logger) (httpx.Middleware, *redis.Client) {
	if cfg.ratePerMinute <= 0 {
		return nil, nil
	}
	if cfg.redisURL == "" {
		return httpx.NewRateLimiter(cfg.ratePerMinute, time.Minute).Middleware(), nil
	}
	opts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL; using in-process rate limiter", "err", err)
		return httpx.NewRateLimiter(cfg.ratePerMinute, time.Minute).Middleware(), nil
	}
	rdb := redis.NewClient(opts)
	return httpx.NewRedisRateLimiter(rdb, cfg.ratePerMinute, time.Minute, cfg.service).Middleware(logger, true), rdb
}

// mirrorOrNil keeps a nil *KafkaMirror from becoming a non-nil Mirror.
func mirrorOrNil(m *messaging.KafkaMirror) messaging.Mirror {
	if m == nil {
		return nil
	}
	return m
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
