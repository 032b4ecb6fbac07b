package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/killertux/aledger/internal/clock"
	"github.com/killertux/aledger/internal/config"
	httpapi "github.com/killertux/aledger/internal/httpapi/v1"
	"github.com/killertux/aledger/internal/service/balance"
	"github.com/killertux/aledger/internal/storage/kv"
	"github.com/killertux/aledger/internal/storage/kv/dynamo"
	"github.com/killertux/aledger/internal/storage/kv/memory"
	"github.com/killertux/aledger/internal/storage/kv/postgres"
	"github.com/killertux/aledger/internal/storage/ledgerstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Logger (slog to stdout). Level via LOG_LEVEL; format via LOG_FORMAT
	// (json|text, default json).
	logger := buildLoggerFromEnv()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	store, closeFn, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise storage", "err", err)
		os.Exit(1)
	}
	if closeFn != nil {
		defer closeFn()
	}

	repo := ledgerstore.New(store, clock.System)
	svc := balance.New(repo, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.New(svc, logger).Handler(),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("aledger listening", "addr", srv.Addr, "backend", string(cfg.Backend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	case err := <-errCh:
		logger.Error("server error", "err", err)
	}
}

func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, ledgerstore.Indexes()...)
		if err != nil {
			return nil, nil, err
		}
		if cfg.CreateTable {
			if err := pg.Init(ctx); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		logger.Info("storage backend: postgres")
		return pg, pg.Close, nil
	case config.BackendDynamo:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AWSEndpoint != "" {
			// Local DynamoDB accepts any static credentials.
			awsCfg.Credentials = credentials.NewStaticCredentialsProvider("local", "local", "")
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.AWSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			}
		})
		store := dynamo.New(client, cfg.DynamoTable, ledgerstore.Indexes()...)
		if cfg.CreateTable {
			if err := store.CreateTable(ctx); err != nil {
				return nil, nil, err
			}
		}
		logger.Info("storage backend: dynamo", "table", cfg.DynamoTable)
		return store, nil, nil
	default:
		logger.Info("storage backend: memory")
		return memory.New(ledgerstore.Indexes()...), nil, nil
	}
}

// parseLogLevel maps env values to slog.Leveler
func parseLogLevel(s string) slog.Leveler {
	switch s {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "WARN", "WARNING", "warn", "warning":
		return slog.LevelWarn
	case "ERROR", "ERR", "error", "err":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildLoggerFromEnv() *slog.Logger {
	level := parseLogLevel(os.Getenv("LOG_LEVEL"))
	format := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT")))
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
