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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/blob-recognition/internal/auth"
	"github.com/example/blob-recognition/internal/callback"
	"github.com/example/blob-recognition/internal/config"
	"github.com/example/blob-recognition/internal/grpcclient"
	"github.com/example/blob-recognition/internal/handlers"
	"github.com/example/blob-recognition/internal/logging"
	"github.com/example/blob-recognition/internal/metrics"
	"github.com/example/blob-recognition/internal/objectstore"
	"github.com/example/blob-recognition/internal/repository"
	"github.com/example/blob-recognition/internal/usecase"
	"github.com/example/blob-recognition/internal/workflow"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "blob-recognition",
		Short:        "Asynchronous blob image recognition service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the workflow workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the record store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg)
		},
	})

	return root
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	repo, err := initRecordStore(initCtx, cfg, logger)
	if err != nil {
		return err
	}

	blobs, err := initObjectStore(initCtx, cfg)
	if err != nil {
		return err
	}

	var cache usecase.Cache
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(initCtx, 5*time.Second)
		defer redisCancel()
		redisClient := initRedis(redisCtx, cfg.Redis.Addr, logger)
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	}

	labels, conn, err := grpcclient.DialLabelDetector(initCtx, cfg.Detector.Addr, blobs.source, grpcclient.Options{
		MaxLabels:     cfg.Detector.MaxLabels,
		MinConfidence: cfg.Detector.MinConfidence,
		MaxImageBytes: cfg.Detector.MaxImageBytes,
		MaxPixels:     cfg.Detector.MaxPixels,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to label detector: %w", err)
	}
	defer conn.Close()

	runtime, err := workflow.NewRuntime(ctx, workflow.Config{
		DatabaseURL:       cfg.Workflow.DatabaseURL,
		AppName:           cfg.Workflow.AppName,
		QueueName:         cfg.Workflow.Queue,
		Concurrency:       cfg.Workflow.Concurrency,
		StepMaxRetries:    cfg.Workflow.StepMaxRetries,
		UploadWaitingTime: cfg.Workflow.UploadWaitingTime,
	})
	if err != nil {
		return fmt.Errorf("failed to create workflow runtime: %w", err)
	}
	engine := workflow.NewEngine(runtime, m, logger)

	invoker := callback.NewInvoker(&http.Client{}, cfg.Callback.Timeout, logger)
	gate := usecase.NewUploadGate(repo, blobs.store, engine, m, cfg.Storage.PresignTTL, logger)
	watchdog := usecase.NewWatchdog(repo, blobs.store, m, logger)
	pipeline := usecase.NewPipeline(repo, labels, invoker, engine, m, logger)
	results := usecase.NewResultReader(repo, cache, cfg.Redis.ResultTTL, logger)

	engine.Register(pipeline, watchdog)
	if err := runtime.Launch(); err != nil {
		return fmt.Errorf("failed to launch workflow runtime: %w", err)
	}
	defer func() {
		if err := runtime.Shutdown(cfg.HTTP.ShutdownTimeout); err != nil {
			logger.Warn("workflow runtime shutdown failed", zap.Error(err))
		}
	}()

	r := gin.Default()
	handlers.RegisterRoutes(r, handlers.Dependencies{
		Uploads:        gate,
		Results:        results,
		Pipeline:       pipeline,
		Watchdog:       watchdog,
		Blobs:          blobs.writer,
		UploadAuth:     blobs.uploadAuth,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		Executions:     workflow.NewExecutions(runtime.DB()),
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:         logger,
	})

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: r,
	}

	logger.Info("blob recognition API listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("store_driver", cfg.Store.Driver),
	)
	return serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger)
}

func migrate(ctx context.Context, cfg config.Config) error {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Store.Driver != config.StoreDriverPostgres {
		logger.Info("record store schema is managed outside the service", zap.String("store_driver", cfg.Store.Driver))
		return nil
	}

	db, err := initDatabase(ctx, cfg.Store.DSN)
	if err != nil {
		return err
	}
	if err := repository.NewBlobRepository(db, logger).AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	logger.Info("record store schema migrated")
	return nil
}

func initRecordStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (usecase.BlobRepository, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		return repository.NewDynamoDBRepository(dynamodb.NewFromConfig(awsCfg), cfg.Store.Table, logger), nil
	default:
		db, err := initDatabase(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		repo := repository.NewBlobRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			return nil, fmt.Errorf("auto migrate failed: %w", err)
		}
		return repo, nil
	}
}

type objectStores struct {
	store      usecase.ObjectStore
	source     grpcclient.BlobSource
	writer     handlers.BlobWriter
	uploadAuth gin.HandlerFunc
}

func initObjectStore(ctx context.Context, cfg config.Config) (*objectStores, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverLocal:
		tokens, err := auth.NewUploadTokens(cfg.Storage.UploadSecret)
		if err != nil {
			return nil, err
		}
		store, err := objectstore.NewLocalStore(cfg.Storage.LocalDir, cfg.HTTP.PublicURL, tokens, cfg.Storage.MaxUploadBytes)
		if err != nil {
			return nil, err
		}
		return &objectStores{store: store, source: store, writer: store, uploadAuth: auth.UploadTokenMiddleware(tokens)}, nil
	default:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Storage.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
				o.UsePathStyle = true
			}
		})
		store := objectstore.NewS3Store(client, s3.NewPresignClient(client), cfg.Storage.Bucket)
		return &objectStores{store: store, source: store}, nil
	}
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Info)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return db, nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Warn("redis unavailable, results are read from the record store", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
