package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/numberbet/backend/docs"
	"github.com/numberbet/backend/internal/audit"
	"github.com/numberbet/backend/internal/config"
	"github.com/numberbet/backend/internal/database"
	"github.com/numberbet/backend/internal/handlers"
	"github.com/numberbet/backend/internal/logger"
	"github.com/numberbet/backend/internal/metrics"
	"github.com/numberbet/backend/internal/notify"
	"github.com/numberbet/backend/internal/services"
	"github.com/numberbet/backend/internal/worker"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// @title Wagering Backend API
// @version 1.0
// @description Fixed-odds wagering, ledger and settlement API
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	// Initialize config
	if err := config.BindEnv(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	zlog, err := logger.New("wagering-backend", logger.GetConfig())
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(zlog); err != nil {
		zlog.Fatal("server exited with error", zap.Error(err))
	}
}

func run(zlog *zap.Logger) error {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.host", "localhost:8080")
	viper.SetDefault("cors.allowed_origins", []string{"https://*", "http://*"})

	wageringCfg, err := config.LoadWageringConfig()
	if err != nil {
		return fmt.Errorf("wagering config: %w", err)
	}
	settlementCfg, err := config.LoadSettlementConfig()
	if err != nil {
		return fmt.Errorf("settlement config: %w", err)
	}
	paymentCfg, err := config.LoadPaymentConfig()
	if err != nil {
		return fmt.Errorf("payment config: %w", err)
	}
	notifyCfg := config.LoadNotifyConfig()

	jwtSecret := viper.GetString("jwt.secret_key")
	if jwtSecret == "" {
		return errors.New("jwt.secret_key is required")
	}

	// Initialize Swagger docs
	host := viper.GetString("server.host")
	docs.SwaggerInfo.Host = host
	docs.SwaggerInfo.BasePath = "/api/v1"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	db, err := database.InitDB(initCtx, database.GetConfig(), zlog)
	cancel()
	if err != nil {
		return err
	}
	defer database.CloseDB(db)

	redisClient := database.InitRedis(ctx, zlog)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Notifications
	var sinks []notify.Sink
	if len(notifyCfg.KafkaBrokers) > 0 {
		kafkaSink := notify.NewKafkaSink(notifyCfg.KafkaBrokers, notifyCfg.KafkaTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	if redisClient != nil {
		sinks = append(sinks, notify.NewRedisSink(redisClient, notifyCfg.RedisChannel))
	}
	dispatcher := notify.NewDispatcher(zlog, notifyCfg.Timeout, sinks...)

	// Initialize services
	auditLogger := audit.NewAuditLogger(zlog)
	ledgerService := services.NewLedgerService(db, auditLogger, zlog)
	wagerService := services.NewWagerService(db, ledgerService, redisClient, dispatcher, auditLogger, wageringCfg, zlog)
	settlementService := services.NewSettlementService(db, ledgerService, redisClient, dispatcher, auditLogger, settlementCfg, wageringCfg, zlog)
	paymentService := services.NewPaymentService(db, ledgerService, dispatcher, auditLogger, paymentCfg, zlog)
	referralService := services.NewReferralService(db, ledgerService, dispatcher, zlog)

	router := handlers.NewRouter(handlers.RouterConfig{
		Wagers:         wagerService,
		Ledger:         ledgerService,
		Referrals:      referralService,
		Payments:       paymentService,
		Settlement:     settlementService,
		JWTSecret:      jwtSecret,
		AllowedOrigins: viper.GetStringSlice("cors.allowed_origins"),
		SwaggerURL:     "http://" + host + "/swagger/doc.json",
		Metrics:        metrics.Handler(),
		Ready: func(ctx context.Context) error {
			return db.PingContext(ctx)
		},
		Log: zlog,
	})

	// Background sweeper
	var wg sync.WaitGroup
	worker.NewSweeper(settlementService, wagerService, settlementCfg, zlog).Start(ctx, &wg)

	port := viper.GetString("server.port")
	if env := os.Getenv("PORT"); env != "" {
		port = env
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zlog.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		stop()
		wg.Wait()
		return fmt.Errorf("server failed: %w", err)
	}

	zlog.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("server forced to shutdown", zap.Error(err))
	}
	wg.Wait()

	zlog.Info("server stopped")
	return nil
}
