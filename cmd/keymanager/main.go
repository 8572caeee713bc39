// Command keymanager runs the key pool manager service.
//
// Environment variables:
//
//	API_KEYS         Comma-separated free-tier keys (required)
//	PAID_KEY         Paid-tier key(s): single key, comma list or JSON array
//	MAX_FAILURES     Failures before a key is skipped (default: 3)
//	HTTP_PORT        Admin and metrics HTTP port (default: 9090)
//	GRPC_PORT        gRPC health port (default: 50051)
//	HEALTH_INTERVAL  Pool health refresh interval (default: 5s)
//	REDIS_ADDR       Redis address for the state mirror (default: disabled)
//	REDIS_PASSWORD   Redis password (default: "")
//	REDIS_DB         Redis database (default: 0)
//	REDIS_PREFIX     Redis key prefix (default: keymanager)
//	MIRROR_INTERVAL  State mirror publish interval (default: 15s)
//	RESET_SCHEDULE   Cron schedule for clearing failure counts (default: never)
//	RESET_TIMEZONE   Time zone for RESET_SCHEDULE (default: local)
//	ENV_FILE         File of KEY=value defaults (default: .env, optional)
//	LOG_LEVEL        debug, info, warn, error (default: info)
//	LOG_FORMAT       json or console (default: json)
//	LOG_FILE         Also log to this size-rotated file (default: disabled)
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/abdhe/llm-key-manager/pkg/api"
	"github.com/abdhe/llm-key-manager/pkg/health"
	"github.com/abdhe/llm-key-manager/pkg/keymanager"
	"github.com/abdhe/llm-key-manager/pkg/logging"
	"github.com/abdhe/llm-key-manager/pkg/scheduler"
	"github.com/abdhe/llm-key-manager/pkg/store"
)

func main() {
	envErr := loadEnvFile(os.Getenv("ENV_FILE"))
	cfg, cfgErr := loadConfig()

	logger, err := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		File:    cfg.LogFile,
		Service: "keymanager",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	defer logging.RedirectStdLog(logger)()

	if envErr != nil {
		logger.Fatal("invalid env file", zap.Error(envErr))
	}
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("key manager stopped with error", zap.Error(err))
	}
	logger.Info("key manager shut down successfully")
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	// -------------------------------------------------------------------------
	// Key manager
	// -------------------------------------------------------------------------
	var holder keymanager.Holder
	mgr, err := holder.Get(keymanager.Config{
		FreeKeys:    cfg.FreeKeys,
		PaidKeys:    cfg.PaidKeys,
		MaxFailures: cfg.MaxFailures,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// Optional scheduled failure reset
	// -------------------------------------------------------------------------
	if cfg.ResetSchedule != "" {
		reset, err := scheduler.NewFailureReset(mgr, cfg.ResetSchedule, cfg.ResetTimezone, logger)
		if err != nil {
			return err
		}
		reset.Start()
		defer reset.Stop(3 * time.Second)
	}

	// -------------------------------------------------------------------------
	// Optional redis mirror
	// -------------------------------------------------------------------------
	var mirror *store.RedisMirror
	if cfg.RedisAddr != "" {
		mirror = store.NewRedisMirror(
			store.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB),
			store.WithPrefix(cfg.RedisPrefix),
			store.WithTTL(10*cfg.MirrorInterval),
			store.WithMirrorLogger(logger),
		)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := mirror.Ping(pingCtx); err != nil {
			logger.Warn("redis connection failed, state mirror disabled",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
			_ = mirror.Close()
			mirror = nil
		} else {
			logger.Info("state mirror enabled",
				zap.String("addr", cfg.RedisAddr), zap.Duration("interval", cfg.MirrorInterval))
		}
		cancel()
	}

	// -------------------------------------------------------------------------
	// gRPC health server
	// -------------------------------------------------------------------------
	healthServer := grpchealth.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	reporter := health.NewReporter(healthServer, mgr, logger)

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen on gRPC port %s: %w", cfg.GRPCPort, err)
	}

	// -------------------------------------------------------------------------
	// HTTP admin server
	// -------------------------------------------------------------------------
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewHandler(api.Config{Manager: mgr, Logger: logger}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// -------------------------------------------------------------------------
	// Run until a signal or the first server error
	// -------------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC health server listening", zap.String("addr", grpcLis.Addr().String()))
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP admin server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reporter.Run(gctx, cfg.HealthInterval)
		return nil
	})
	if mirror != nil {
		g.Go(func() error {
			mirror.Run(gctx, mgr, cfg.MirrorInterval)
			return mirror.Close()
		})
	}

	// -------------------------------------------------------------------------
	// Graceful shutdown
	// -------------------------------------------------------------------------
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		logger.Info("HTTP server stopped")
		return nil
	})

	return g.Wait()
}
