package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"

	"lattice/searchindex/internal/app"
	"lattice/searchindex/internal/config"
	"lattice/searchindex/internal/logger"
	"lattice/searchindex/internal/worker"
)

func main() {
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer deps.DB.Close()
	defer deps.Redis.Close()

	var consumers []*nsq.Consumer
	if cfg.EnableIndexWorker {
		nsqCfg := nsq.NewConfig()
		// NSQMaxMsgSize is enforced on nsqd itself; the client config has no
		// counterpart in go-nsq v1.1.0.

		indexConsumer, err := nsq.NewConsumer(config.TopicChunkBatches, config.IndexerChannel, nsqCfg)
		if err != nil {
			slog.Error("failed to create chunk batch consumer", "error", err)
			os.Exit(1)
		}
		indexHandler := worker.NewIndexerConsumer(deps.Index, deps.Hierarchy)
		indexConsumer.AddHandler(nsq.HandlerFunc(indexHandler.HandleMessage))
		if err := indexConsumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
			slog.Error("failed to connect chunk batch consumer to lookupd", "error", err)
			os.Exit(1)
		}
		consumers = append(consumers, indexConsumer)

		deleteConsumer, err := nsq.NewConsumer(config.TopicDocumentDeletes, config.IndexerChannel, nsqCfg)
		if err != nil {
			slog.Error("failed to create delete consumer", "error", err)
			os.Exit(1)
		}
		deleteHandler := worker.NewDeleteConsumer(deps.Index)
		deleteConsumer.AddHandler(nsq.HandlerFunc(deleteHandler.HandleMessage))
		if err := deleteConsumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
			slog.Error("failed to connect delete consumer to lookupd", "error", err)
			os.Exit(1)
		}
		consumers = append(consumers, deleteConsumer)

		slog.Info("index workers connected",
			"topics", []string{config.TopicChunkBatches, config.TopicDocumentDeletes},
			"channel", config.IndexerChannel)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	for _, c := range consumers {
		c.Stop()
	}
	for _, c := range consumers {
		<-c.StopChan
	}
	deps.NSQProducer.Stop()
}
