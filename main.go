package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/IliaW/nsfw-gate/config"
	"github.com/IliaW/nsfw-gate/internal/aws_sqs"
	"github.com/IliaW/nsfw-gate/internal/broker"
	"github.com/IliaW/nsfw-gate/internal/cache"
	"github.com/IliaW/nsfw-gate/internal/censor"
	"github.com/IliaW/nsfw-gate/internal/fetcher"
	"github.com/IliaW/nsfw-gate/internal/format"
	"github.com/IliaW/nsfw-gate/internal/inference"
	"github.com/IliaW/nsfw-gate/internal/persistence"
	"github.com/IliaW/nsfw-gate/internal/server"
	"github.com/IliaW/nsfw-gate/internal/telemetry"
	"github.com/IliaW/nsfw-gate/internal/video"
	"github.com/IliaW/nsfw-gate/internal/worker"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
)

var cfg *config.Config

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	setupLogger()
	metrics := telemetry.SetupMetrics(context.Background(), cfg)
	defer metrics.Close()
	slog.Info("starting application.", slog.String("env", cfg.Env), slog.String("version", cfg.Version))

	httpClient := fetcher.NewHttpClient(cfg.HttpClientSettings)
	pool := worker.NewPool(cfg.WorkerSettings, metrics.PoolMetrics)
	nsfwModel := inference.NewHTTPModel(inference.NewModelClient(cfg.NsfwSettings), cfg.NsfwSettings.ModelURL,
		cfg.NsfwSettings.RequestTimeout)
	opts := []censor.Option{censor.WithServiceName(cfg.ServiceName)}

	// Optional sinks, closed after the pool is drained.
	var closers []func()
	var kafkaDLQ *broker.KafkaDLQClient
	if cfg.KafkaSettings.Enabled {
		producer := broker.NewVerdictProducer(metrics.KafkaMetrics, cfg.KafkaSettings.Producer)
		go producer.Run()
		kafkaDLQ = broker.NewKafkaDLQ(cfg.ServiceName, cfg.KafkaSettings.Producer)
		opts = append(opts, censor.WithEventSink(producer), censor.WithFailureSink(kafkaDLQ))
		closers = append(closers, producer.Close, kafkaDLQ.Close)
	}
	if cfg.DbSettings.Enabled {
		db := setupDatabase()
		audit := persistence.NewAuditWriter(persistence.NewVerdictRepository(db), cfg.DbSettings.BufferSize,
			metrics.AuditMetrics)
		go audit.Run()
		opts = append(opts, censor.WithEventSink(audit))
		closers = append(closers, audit.Close, func() { closeDatabase(db) })
	}

	svc := censor.NewService(
		fetcher.NewFetcher(httpClient, cfg.HttpClientSettings),
		format.NewClassifier(cfg.FormatSettings),
		video.NewExtractor(cfg.VideoSettings, pool),
		inference.NewInvoker(nsfwModel, pool, cfg.NsfwSettings),
		cache.NewLRUCache(cfg.CacheSettings),
		metrics.AppMetrics,
		opts...,
	)

	sqsWg := &sync.WaitGroup{}
	workerWg := &sync.WaitGroup{}
	var sendSqsChan chan *string
	if cfg.SQSSettings.Enabled {
		queueWorkers := cfg.WorkerSettings.QueueWorkersNum
		getSqsChan := make(chan *string, queueWorkers*2) // double the size to avoid blocking
		sendSqsChan = make(chan *string, queueWorkers*2)

		sqsWg.Add(2)
		sqs := aws_sqs.NewSQSWorker(getSqsChan, metrics.SQSMetrics, sendSqsChan, cfg, sqsWg)
		go sqs.SQSConsumer(ctx)
		go sqs.SQSProducer()

		queueWorker := &worker.QueueWorker{
			InputSqsChan:  getSqsChan,
			OutputSqsChan: sendSqsChan,
			Processor:     svc,
			Wg:            workerWg,
		}
		if kafkaDLQ != nil {
			queueWorker.KafkaDLQ = kafkaDLQ
		}
		for i := 0; i < queueWorkers; i++ {
			workerWg.Add(1)
			go queueWorker.Run()
		}
	}

	srv := server.NewServer(cfg.ServerSettings, server.NewRouter(svc, cfg.ServerSettings))
	go func() {
		if err := srv.Run(); err != nil {
			slog.Error("http server error.", slog.String("err", err.Error()))
			stop()
		}
	}()

	// Graceful shutdown.
	// 1. Stop SQS Consumer by system call. Close getSqsChan
	// 2. Stop the http server and wait for in-flight requests
	// 3. Wait till queue workers processed all messages from getSqsChan, close sendSqsChan
	// 4. Drain the worker pool
	// 5. Flush kafka producers and the audit log, close the database
	<-ctx.Done()
	slog.Info("stopping server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerSettings.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to stop http server gracefully.", slog.String("err", err.Error()))
	}
	workerWg.Wait()
	if sendSqsChan != nil {
		close(sendSqsChan)
		slog.Info("close sendSqsChan.")
	}
	sqsWg.Wait()
	pool.Close()
	for _, closeFn := range closers {
		closeFn()
	}
	slog.Info("server stopped.")
}

func setupLogger() *slog.Logger {
	envLogLevel := strings.ToLower(cfg.LogLevel)
	var slogLevel slog.Level
	err := slogLevel.UnmarshalText([]byte(envLogLevel))
	if err != nil {
		log.Printf("encountenred log level: '%s'. The package does not support custom log levels", envLogLevel)
		slogLevel = slog.LevelDebug
	}
	log.Printf("slog level overwritten to '%v'", slogLevel)
	slog.SetLogLoggerLevel(slogLevel)

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs,
			NoColor:     cfg.Env != "local",
		}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupDatabase() *sql.DB {
	slog.Info("connecting to the database...")
	connStr := fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cfg.DbSettings.User,
		cfg.DbSettings.Password,
		cfg.DbSettings.Host,
		cfg.DbSettings.Port,
		cfg.DbSettings.Name,
	)
	database, err := sql.Open("postgres", connStr)
	if err != nil {
		slog.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		slog.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			slog.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				slog.Error("failed to establish database connection.")
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	slog.Info("connected to the database!")

	return database
}

func closeDatabase(db *sql.DB) {
	slog.Info("closing database connection.")
	if err := db.Close(); err != nil {
		slog.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}
