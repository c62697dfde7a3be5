package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/rl1809/fifo-allocation/internal/adapter/handler"
	"github.com/rl1809/fifo-allocation/internal/adapter/storage"
	"github.com/rl1809/fifo-allocation/internal/config"
	"github.com/rl1809/fifo-allocation/internal/core/service"
	"github.com/rl1809/fifo-allocation/internal/port"
)

// store is what the server needs from a backend: the allocation store and the receiving side.
type store interface {
	port.BatchStore
	port.BatchWriter
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batchStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		config.LogError(logger, "server", "main", "open store", cfg.StoreDriver, err)
		os.Exit(1)
	}
	defer closeStore()

	opts := []service.CommitOption{
		service.WithLogger(logger),
		service.WithMaxCASRetries(cfg.CASMaxRetries),
		service.WithBatchWriteLimit(cfg.BatchWriteLimit),
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		redisAdapter := storage.NewRedisAdapter(rdb, cfg.TokenLockTTL)
		if err := redisAdapter.Ping(ctx); err != nil {
			config.LogError(logger, "server", "main", "connect redis", cfg.RedisAddr, err)
			os.Exit(1)
		}
		opts = append(opts, service.WithTokenLocker(redisAdapter))
		logger.WithField("addr", cfg.RedisAddr).Info("connected to redis, cross-process token guard enabled")
	}

	coordinator := service.NewCommitCoordinator(batchStore, opts...)
	allocations := service.NewAllocationService(batchStore, coordinator, logger)

	// gRPC
	grpcServer := grpc.NewServer()
	handler.RegisterAllocationServiceServer(grpcServer, handler.NewGRPCHandler(allocations))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		config.LogError(logger, "server", "main", "listen grpc", cfg.GRPCAddr, err)
		os.Exit(1)
	}

	go func() {
		logger.Infof("gRPC server listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.WithError(err).Error("gRPC server error")
		}
	}()

	// HTTP
	httpHandler := handler.NewHTTPHandler(allocations, batchStore, batchStore, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpHandler.Router([]string{"*"}),
	}

	go func() {
		logger.Infof("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	logger.Info("HTTP server stopped")

	// lets in-flight commits reach Committed or CommitFailed
	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	if rdb != nil {
		rdb.Close()
	}
	logger.Info("connections closed")
}

func openStore(ctx context.Context, cfg config.Config, logger *logrus.Logger) (store, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		adapter := storage.NewMySQLAdapter(db)
		if err := adapter.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("connected to mysql")
		return adapter, func() { db.Close() }, nil

	case config.StoreSQLite:
		adapter, err := storage.NewSQLiteAdapter(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.WithField("path", cfg.SQLitePath).Info("opened sqlite store")
		return adapter, func() { adapter.Close() }, nil

	default:
		logger.Warn("using in-memory store, stock is lost on restart")
		return storage.NewMemoryAdapter(), func() {}, nil
	}
}
