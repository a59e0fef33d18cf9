package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/fangqiank/pgdrift/internal/cdc"
	"github.com/fangqiank/pgdrift/internal/checkpoint"
	"github.com/fangqiank/pgdrift/internal/config"
	"github.com/fangqiank/pgdrift/internal/outbox"
	"github.com/fangqiank/pgdrift/internal/poller"
	"github.com/fangqiank/pgdrift/internal/postgres"
	"github.com/fangqiank/pgdrift/internal/processor"
	"github.com/fangqiank/pgdrift/internal/replication"
	"github.com/fangqiank/pgdrift/internal/sink"
	"github.com/fangqiank/pgdrift/internal/telemetry"
)

// Run wires the capture components together and blocks until the context
// is cancelled. The outbox drain worker and change poller always run;
// the replication coordinator, health monitor and NATS sink are toggled
// by configuration.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Environment)
	telemetry.SetServiceName(cfg.Telemetry.ServiceName)

	pool, err := newPool(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	db, err := sql.Open("pgx", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open sql database: %w", err)
	}
	defer db.Close()

	var publisher *sink.NATSPublisher
	if cfg.NATS.Enabled {
		publisher, err = sink.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
	}

	registry := cdc.NewRegistry(logger)
	proc := newProcessor(cfg, logger)
	for _, table := range cfg.Poller.Tables {
		registry.Subscribe(table, func(ctx context.Context, event cdc.ChangeEvent) error {
			return proc.ProcessEvent(ctx, event)
		})
	}
	if publisher != nil {
		registry.SubscribeAll(publisher.Publish)
	}
	registry.SubscribeAll(func(_ context.Context, event cdc.ChangeEvent) error {
		logger.WithFields(logrus.Fields{
			"table":     event.QualifiedTable(),
			"operation": event.Operation,
		}).Debug("change event observed")
		return nil
	})

	worker, err := newDrainWorker(ctx, cfg, db, publisher, logger)
	if err != nil {
		return err
	}
	worker.Start(ctx)
	defer worker.Stop()

	watermarks := checkpoint.NewWatermarkStore(pool, cfg.Outbox.Schema, "watermarks")
	if err := watermarks.Ensure(ctx); err != nil {
		return err
	}

	source := poller.NewPgSource(pool, cfg.Poller.Schema, logger)
	changePoller := poller.New(source, registry, cfg.Poller.Tables, logger,
		poller.WithPollInterval(cfg.Poller.Interval),
		poller.WithStatusInterval(cfg.Poller.StatusInterval),
		poller.WithWatermarkStore(watermarks))
	changePoller.Start(ctx)
	defer changePoller.Stop()

	if cfg.Replication.Enabled {
		admin, cleanup, err := newAdmin(ctx, cfg, pool)
		if err != nil {
			return err
		}
		defer cleanup()

		coordinator := replication.NewCoordinator(admin, replication.CoordinatorConfig{
			SlotName:             cfg.Replication.SlotName,
			Publication:          cfg.Replication.Publication,
			PublicationTables:    cfg.Poller.Tables,
			Subscription:         cfg.Replication.Subscription,
			SourceConnInfo:       cfg.Replication.SourceConnInfo,
			CopyData:             cfg.Replication.CopyData,
			Heartbeat:            cfg.Replication.Heartbeat,
			BaseRetryDelay:       cfg.Replication.BaseRetryDelay,
			MaxConsecutiveErrors: cfg.Replication.MaxConsecutiveErrors,
		}, logger)
		coordinator.Start(ctx)
		defer coordinator.Stop()

		monitor := replication.NewMonitor(admin, replication.MonitorConfig{
			SlotName:              cfg.Replication.SlotName,
			Interval:              cfg.Replication.HealthInterval,
			LagThresholdBytes:     cfg.Replication.LagThresholdBytes,
			ThroughputBytesPerSec: cfg.Replication.ThroughputBytesPerSec,
		}, logger)
		monitor.Start(ctx)
		defer monitor.Stop()

		stream := replication.NewStream(cfg.Postgres.DSN, logger,
			replication.WithStreamCreateSlot(false))
		events, err := stream.Start(ctx, cfg.Replication.SlotName, cfg.Replication.Publication)
		if err != nil {
			// The poller keeps capturing; the coordinator will repair
			// the replication objects in the background.
			logger.WithError(err).Warn("logical stream unavailable, relying on poller capture")
		} else {
			go consumeStream(ctx, events, stream, coordinator, registry)
			defer stream.Stop(context.Background())
		}
	}

	logger.WithFields(logrus.Fields{
		"tables":      cfg.Poller.Tables,
		"replication": cfg.Replication.Enabled,
		"nats":        cfg.NATS.Enabled,
	}).Info("pgdrift started")

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newLogger(environment string) *logrus.Logger {
	logger := logrus.New()
	if environment == "dev" {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func newPool(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*pgxpool.Pool, error) {
	var iam *postgres.RDSIAMTokenProvider
	if cfg.Postgres.IAMAuth {
		provider, err := postgres.NewRDSIAMTokenProvider(ctx, cfg.Postgres.DSN, iamConfig(cfg))
		if err != nil {
			return nil, err
		}
		iam = provider
		logger.Info("rds iam token authentication enabled")
	}
	return postgres.NewPool(ctx, cfg.Postgres.DSN, iam)
}

func iamConfig(cfg *config.Config) postgres.IAMConfig {
	return postgres.IAMConfig{
		Enabled: cfg.Postgres.IAMAuth,
		Region:  cfg.Postgres.AWSRegion,
		Profile: cfg.Postgres.AWSProfile,
		RoleARN: cfg.Postgres.AWSRoleARN,
	}
}

func newProcessor(cfg *config.Config, logger *logrus.Logger) *processor.Processor {
	orderHandler := processor.NewOrderHandler(logger)
	opts := []processor.Option{
		processor.WithChunkSize(cfg.Processor.ChunkSize),
		processor.WithGateTimeout(cfg.Processor.GateTimeout),
		processor.WithHandler("orders", orderHandler.Handle),
		processor.WithHandler(cfg.Outbox.Table, processor.OutboxRowHandler(logger)),
	}
	return processor.New(cfg.Poller.Tables, logger, opts...)
}

// newDrainWorker ensures the outbox table exists and returns a worker
// that forwards drained entries to the sink when one is configured.
func newDrainWorker(ctx context.Context, cfg *config.Config, db *sql.DB, publisher *sink.NATSPublisher, logger *logrus.Logger) (*outbox.Worker, error) {
	store, err := outbox.NewStore(db, cfg.Outbox.Schema, cfg.Outbox.Table)
	if err != nil {
		return nil, err
	}
	if err := store.Ensure(ctx); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, entry outbox.Entry) error {
		logger.WithFields(logrus.Fields{
			"id":         entry.ID,
			"event_type": entry.EventType,
		}).Info("draining outbox entry")
		if publisher == nil {
			return nil
		}
		return publisher.Publish(ctx, outboxChangeEvent(cfg, entry))
	}

	return outbox.NewWorker(store, logger,
		outbox.WithInterval(cfg.Outbox.Interval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithHandler(handler)), nil
}

// outboxChangeEvent presents a drained entry in the same envelope as
// table-capture events so downstream consumers see one shape.
func outboxChangeEvent(cfg *config.Config, entry outbox.Entry) cdc.ChangeEvent {
	var payload map[string]any
	if len(entry.Payload) > 0 {
		_ = json.Unmarshal(entry.Payload, &payload)
	}
	return cdc.ChangeEvent{
		Operation:  cdc.OpInsert,
		SchemaName: cfg.Outbox.Schema,
		TableName:  cfg.Outbox.Table,
		After: map[string]any{
			"id":             entry.ID.String(),
			"aggregate_type": entry.AggregateType,
			"aggregate_id":   entry.AggregateID,
			"event_type":     entry.EventType,
			"payload":        payload,
		},
		EventTime: entry.CreatedAt,
	}
}

// newAdmin builds the replication admin surface. When a consumer DSN is
// configured, subscription management runs there while slot and
// publication management stay on the primary.
func newAdmin(ctx context.Context, cfg *config.Config, primary *pgxpool.Pool) (replication.Admin, func(), error) {
	primaryAdmin := replication.NewPgAdmin(primary)
	if cfg.Postgres.ConsumerDSN == "" {
		return primaryAdmin, func() {}, nil
	}

	consumerPool, err := postgres.NewPool(ctx, cfg.Postgres.ConsumerDSN, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connect consumer database: %w", err)
	}
	admin := &splitAdmin{
		Admin:    primaryAdmin,
		consumer: replication.NewPgAdmin(consumerPool),
	}
	return admin, consumerPool.Close, nil
}

// splitAdmin delegates subscription management to the consumer side.
type splitAdmin struct {
	replication.Admin
	consumer replication.Admin
}

func (s *splitAdmin) EnsureSubscription(ctx context.Context, name, connInfo, publication, slot string, copyData bool) (bool, error) {
	return s.consumer.EnsureSubscription(ctx, name, connInfo, publication, slot, copyData)
}

func consumeStream(ctx context.Context, events <-chan cdc.ChangeEvent, stream *replication.Stream, coordinator *replication.Coordinator, registry *cdc.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			registry.Dispatch(ctx, event)
			coordinator.RecordReplicated(1)
			if event.Position != 0 {
				stream.Ack(event.Position)
			}
		}
	}
}
