package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"depot-notify/internal/binlog"
	"depot-notify/internal/ledger"
	"depot-notify/internal/models"
	natsx "depot-notify/internal/nats"
	"depot-notify/internal/pipeline"
	"depot-notify/internal/poll"
	"depot-notify/internal/transform"
	"depot-notify/internal/validate"
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Set log level from config
	if level, err := logrus.ParseLevel(config.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	logger.Info("Starting depot-notify service...")
	logger.Infof("Monitored tables: %v", config.Monitor.Tables)

	// Shared MySQL pool for polling, column discovery, and preflight checks
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		config.MySQL.User, config.MySQL.Password, config.MySQL.Host, config.MySQL.Port, config.Monitor.Database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		logger.Fatalf("Failed to open MySQL connection: %v", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	defer db.Close()

	checker := NewMySQLChecker(db, config.Monitor.Database, config.Monitor.Tables, logger)
	if err := checker.CheckConnectionAndPermissions(); err != nil {
		logger.Fatalf("MySQL preflight check failed: %v", err)
	}

	// NATS connection shared by dispatcher and alerter
	conn, err := natsx.Connect(config.NATS.URL, config.NATS.MaxReconnect, config.NATS.ReconnectWait, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer conn.Close()

	dispatcher := natsx.NewDispatcher(conn, config.NATS.SubjectPrefix, logger)
	alerter := natsx.NewAlerter(conn, config.NATS.AlertSubject, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Dedup ledger: Redis when configured, otherwise in-memory with a
	// periodic retention sweep
	var led ledger.Ledger
	if config.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		defer client.Close()
		led = ledger.NewRedis(client, config.Redis.KeyPrefix, config.Monitor.DedupRetention)
		logger.Infof("Using Redis dedup ledger at %s", config.Redis.Addr)
	} else {
		mem := ledger.NewMemory()
		led = mem
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if evicted, _ := mem.EvictOlderThan(ctx, config.Monitor.DedupRetention); evicted > 0 {
						logger.Debugf("Evicted %d dedup entries beyond retention", evicted)
					}
				}
			}
		}()
	}

	validator := validate.New(config.Monitor.Tables, config.Monitor.HashColumn, config.Monitor.HashLength,
		config.Monitor.RequiredColumns, logger)

	transformer, err := transform.New(config.Monitor.TransformScript, logger)
	if err != nil {
		logger.Fatalf("Failed to load transform script: %v", err)
	}

	pipe := pipeline.New(validator, led, transformer, dispatcher, alerter,
		config.Monitor.DispatchMaxAttempts, config.Monitor.DispatchRetryBackoff, logger)

	// One live watcher per monitored table
	var wg sync.WaitGroup
	watchers := make(map[string]*binlog.Watcher, len(config.Monitor.Tables))
	for i, table := range config.Monitor.Tables {
		source := binlog.NewSyncerSource(binlog.SyncerConfig{
			Host:            config.MySQL.Host,
			Port:            uint16(config.MySQL.Port),
			User:            config.MySQL.User,
			Password:        config.MySQL.Password,
			Flavor:          config.MySQL.Flavor,
			ServerID:        config.MySQL.ServerID + uint32(i),
			Schema:          config.Monitor.Database,
			Table:           table,
			HeartbeatPeriod: config.Monitor.HeartbeatPeriod,
		}, db, logger)

		watcher := binlog.NewWatcher(binlog.WatcherConfig{
			Table:            table,
			BackoffBase:      config.Monitor.BackoffBase,
			BackoffCap:       config.Monitor.BackoffCap,
			MaxAttempts:      config.Monitor.MaxAttempts,
			AlertEvery:       config.Monitor.AlertEvery,
			HealthInterval:   config.Monitor.HeartbeatPeriod,
			HeartbeatTimeout: config.Monitor.HeartbeatTimeout,
		}, source, pipe, alerter, logger)
		watchers[table] = watcher

		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	}

	// Poll reconciler as the safety net behind the live channel
	reconciler := poll.New(poll.Config{
		Tables:           config.Monitor.Tables,
		Interval:         config.Monitor.PollInterval,
		PageSize:         config.Monitor.PageSize,
		FailureThreshold: config.Monitor.FailureThreshold,
	}, poll.NewSQLFetcher(db, config.Monitor.OrderColumn), pipe, alerter, func(table string) models.SubscriptionState {
		if w, ok := watchers[table]; ok {
			return w.State()
		}
		return models.StateFailed
	}, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Infof("Received signal: %v, shutting down...", sig)
	cancel()

	// Let any in-flight poll pass finish within a bounded grace period
	reconciler.Wait(10 * time.Second)
	wg.Wait()

	logger.Info("depot-notify service stopped")
}
