package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/config"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/event"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/journal"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/packet"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/retry"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/server"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/session"
)

func main() {
	flag.StringVar(&config.Path, "config", config.Path, "path of the configuration file")
	flag.Parse()

	cfg, err := config.ReadConfig()
	if err != nil && !errors.Is(err, config.ErrCreated) {
		_, _ = fmt.Fprintf(os.Stderr, "Error occured while reading config %v\n", err)
		os.Exit(1)
	}

	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogPath)
	if errors.Is(err, config.ErrCreated) {
		logger.WarnF("Configuration file %s not found, created with default values", config.Path)
	}
	logger.Debug("Application initializing...")

	if err := run(cfg, loggerCallback); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config, loggerCallback event.Callable) error {
	cleaner := event.NewCleaner()
	defer func() { _ = cleaner.Shutdown(loggerCallback) }()

	ctx, stop := cleaner.NotifyContext(context.Background())
	defer stop()

	table := session.NewTable(cfg.Broker.MaxSessions, cfg.Broker.MaxTopics, cfg.Broker.MaxQueue)
	connections := connection.NewConnectionManager(cfg.WriteTimeout())

	var opts []packet.Option
	if cfg.Database.Enabled {
		store, err := journal.ConnectDatabase(ctx, cfg)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return err
		}
		j := journal.New(store, cfg.Database.JournalBuffer)
		cleaner.Add(j)
		opts = append(opts, packet.WithJournal(j))
	}

	handler := packet.NewHandler(table, connections, opts...)
	broker := server.NewServer(handler, connections, server.Options{
		ConnectTimeout:   cfg.ConnectTimeout(),
		EnforceKeepAlive: cfg.Broker.EnforceKeepAlive,
		MaxConnections:   cfg.Broker.MaxConnections,
		MaxPacketSize:    cfg.Broker.MaxPacketSize,
	})
	engine := retry.NewEngine(table, connections.SendMessage, cfg.RetryInterval(), cfg.SweepInterval())

	logger.InfoF("Session table capacity %d, %d topics and %d in-flight messages per session",
		table.Capacity(), cfg.Broker.MaxTopics, cfg.Broker.MaxQueue)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broker.ListenAndServe(ctx, cfg.Broker.Port)
	})
	g.Go(func() error {
		return engine.Run(ctx)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.ListenAndServe(ctx, cfg.Metrics.Address)
		})
	}

	if err := g.Wait(); err != nil {
		logger.FatalF("Broker stopped with error: %v", err)
		return err
	}
	logger.Info("Received interrupt signal, shutting down")
	return nil
}
