package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"

	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/actorqueue"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/config"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/document"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/leader"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/logging"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outbox"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/outgoing"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/payload"
	"github.com/Energinet-DataHub/opengeh-edi-sub020/internal/server"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "1"
	}
	logger, closeLog, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}, "instance", instanceID)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLog()

	if err := run(cfg, logger); err != nil {
		logger.Error("edihub stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	documents, err := document.NewDefaultFactory()
	if err != nil {
		return err
	}
	if err := documents.Validate(requiredWriters()...); err != nil {
		return fmt.Errorf("document writers: %w", err)
	}

	var (
		store    outgoing.Store
		events   outbox.Store
		isLeader = func() bool { return true }
	)
	switch cfg.Store.Driver {
	case "memory":
		memEvents := outbox.NewMemoryStore()
		events = memEvents
		store = outgoing.NewMemoryStore(memEvents)
		logger.Warn("using the in-memory store, queues are lost on restart")
	default:
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return err
		}
		db.SetMaxOpenConns(cfg.Database.MaxConnections)
		defer db.Close()

		if err := outgoing.Migrate(ctx, db); err != nil {
			return err
		}
		pgEvents := outbox.NewPostgresStore(db)
		events = pgEvents
		store = outgoing.NewPostgresStore(db, pgEvents)

		election := leader.NewElection(db, leader.ElectionConfig{Key: cfg.Worker.LockKey, Logger: logger})
		election.Start(ctx)
		defer election.Stop()
		isLeader = election.IsLeader
	}

	var payloads payload.Store
	if cfg.MongoDB.URI != "" {
		gridfs, err := payload.NewGridFSStore(ctx, payload.GridFSConfig{
			URI:              cfg.MongoDB.URI,
			Database:         cfg.MongoDB.Database,
			Bucket:           cfg.MongoDB.Bucket,
			ChunkSizeBytes:   cfg.MongoDB.ChunkSizeBytes,
			OperationTimeout: cfg.MongoDB.OperationTimeout,
		})
		if err != nil {
			return err
		}
		defer gridfs.Close(context.Background())
		payloads = gridfs
	}

	role, err := outgoing.ParseActorRole(cfg.Hub.Role)
	if err != nil {
		return fmt.Errorf("hub role: %w", err)
	}
	svc, err := actorqueue.NewService(actorqueue.ServiceConfig{
		Store:       store,
		Documents:   documents,
		Payloads:    payloads,
		Logger:      logger,
		Sender:      outgoing.Receiver{Number: cfg.Hub.Number, Role: role},
		MaxMessages: cfg.Bundling.MaxMessages,
		InlineLimit: cfg.Documents.InlineLimit,
		MaxAttempts: cfg.Queue.ConflictRetries,
		Backoff:     cfg.Queue.ConflictBackoff,
	})
	if err != nil {
		return err
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.MaxReconnects(cfg.NATS.MaxReconnects))
		if err != nil {
			return err
		}
		defer nc.Close()

		worker := outbox.NewWorker(outbox.WorkerConfig{
			Store:        events,
			Publisher:    nc,
			Logger:       logger,
			PollInterval: cfg.Worker.PollInterval,
			BatchSize:    cfg.Worker.BatchSize,
			MaxRetries:   cfg.Worker.MaxRetries,
			RetryBackoff: cfg.Worker.RetryBackoff,
			IsLeader:     isLeader,
		})
		if err := worker.Start(ctx); err != nil {
			return err
		}
		defer worker.Stop()
	}

	srv := server.New(svc, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requiredWriters lists the (document type, format) pairs the hub must be able
// to produce before it accepts traffic.
func requiredWriters() []document.Key {
	var keys []document.Key
	for _, t := range outgoing.DocumentTypes() {
		keys = append(keys,
			document.Key{DocumentType: t, Format: outgoing.FormatXML},
			document.Key{DocumentType: t, Format: outgoing.FormatJSON},
		)
	}
	keys = append(keys,
		document.Key{DocumentType: outgoing.DocumentNotifyAggregatedMeasureData, Format: outgoing.FormatEbix},
		document.Key{DocumentType: outgoing.DocumentNotifyValidatedMeasureData, Format: outgoing.FormatEbix},
	)
	return keys
}
