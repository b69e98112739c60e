package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-eventhubs/amqp"
	"github.com/infigaming-com/go-eventhubs/amqp/driver/inmem"
	"github.com/infigaming-com/go-eventhubs/checkpoint"
	"github.com/infigaming-com/go-eventhubs/eventhubs"
	"github.com/infigaming-com/go-eventhubs/metrics"
	"github.com/infigaming-com/go-eventhubs/recoverable"
	"github.com/infigaming-com/go-eventhubs/util"
	"github.com/infigaming-com/go-eventhubs/web"
)

const (
	envPath        = "eventhubs/example/.env"
	eventsPerShard = 5
)

// claimFunc takes ownership of a partition for ownerID.
type claimFunc func(ctx context.Context, o checkpoint.Ownership) (checkpoint.Ownership, error)

func main() {
	lg, undo := util.NewLogger(zap.String("app", "eventhubs-example"))
	defer undo()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, lg); err != nil {
		lg.Fatal("example failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger) error {
	cfg, err := eventhubs.LoadConfigFromEnv(envPath)
	if err != nil {
		return err
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "amqps://example.servicebus.local"
	}
	if cfg.EventHub == "" {
		cfg.EventHub = "telemetry"
	}

	recorder, shutdownMetrics, err := newRecorder(ctx, lg)
	if err != nil {
		return err
	}
	defer shutdownMetrics()

	store, claim, closeStore, err := newStore(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer closeStore()

	broker := inmem.New(inmem.WithEventHub(cfg.EventHub, 2))
	client, err := eventhubs.NewClient(broker, *cfg,
		recoverable.WithLogger(lg),
		recoverable.WithRecorder(recorder),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(context.WithoutCancel(ctx)); err != nil {
			lg.Warn("failed to close client", zap.Error(err))
		}
	}()

	props, err := client.GetEventHubProperties(ctx)
	if err != nil {
		return err
	}
	lg.Info("event hub properties", zap.String("name", props.Name), zap.Strings("partitions", props.PartitionIDs))

	ownerID := util.NewOwnerID("example")
	for _, partitionID := range props.PartitionIDs {
		if err := processPartition(ctx, lg, client, broker, store, claim, ownerID, partitionID); err != nil {
			return err
		}
	}

	checkpoints, err := store.ListCheckpoints(ctx, client.Namespace(), cfg.EventHub, cfg.ConsumerGroup)
	if err != nil {
		return err
	}
	for _, cp := range checkpoints {
		lg.Info("checkpoint", zap.String("partition_id", cp.PartitionID), zap.Int64p("sequence_number", cp.SequenceNumber))
	}

	port := os.Getenv("EXAMPLE_HTTP_PORT")
	if port == "" {
		return nil
	}
	p, err := strconv.ParseInt(port, 10, 64)
	if err != nil {
		return fmt.Errorf("EXAMPLE_HTTP_PORT: %w", err)
	}
	return web.NewServer(
		web.WithPort(p),
		web.WithLogger(lg),
		web.WithStatus(client),
		web.WithCheckpointStore(store),
	).Run(ctx)
}

// processPartition claims a partition, sends a batch through a producer,
// drops the connection midway to show recovery, and reads the batch back
// before recording a checkpoint.
func processPartition(ctx context.Context, lg *zap.Logger, client *eventhubs.Client, broker *inmem.Broker,
	store checkpoint.Store, claim claimFunc, ownerID, partitionID string) error {
	cfg := client.Config()
	owned, err := claim(ctx, checkpoint.Ownership{
		Namespace:     client.Namespace(),
		EventHub:      cfg.EventHub,
		ConsumerGroup: cfg.ConsumerGroup,
		PartitionID:   partitionID,
		OwnerID:       lo.ToPtr(ownerID),
	})
	if err != nil {
		return err
	}
	lg.Info("partition claimed", zap.String("partition_id", partitionID), zap.Stringp("etag", owned.ETag))

	producer, err := client.NewProducer(partitionID)
	if err != nil {
		return err
	}
	for i := 0; i < eventsPerShard; i++ {
		if i == eventsPerShard/2 {
			broker.DropConnections()
		}
		msg := &amqp.Message{
			MessageID: util.NewUUID(),
			Body:      []byte(fmt.Sprintf("event %d for partition %s", i, partitionID)),
		}
		if err := producer.Send(ctx, msg); err != nil {
			return err
		}
	}

	consumer, err := client.NewConsumer(partitionID, amqp.StartPosition{Earliest: true}, eventsPerShard)
	if err != nil {
		return err
	}
	var last *amqp.Message
	for i := 0; i < eventsPerShard; i++ {
		receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msg, err := consumer.Receive(receiveCtx)
		cancel()
		if err != nil {
			return err
		}
		last = msg
		lg.Debug("event received", zap.String("partition_id", partitionID), zap.Int64("sequence_number", msg.SequenceNumber), zap.ByteString("body", msg.Body))
	}

	return store.UpdateCheckpoint(ctx, checkpoint.Checkpoint{
		Namespace:      client.Namespace(),
		EventHub:       cfg.EventHub,
		ConsumerGroup:  cfg.ConsumerGroup,
		PartitionID:    partitionID,
		Offset:         lo.ToPtr(last.Offset),
		SequenceNumber: lo.ToPtr(last.SequenceNumber),
	})
}

// newRecorder exports connection metrics over OTLP when an endpoint is
// configured.
func newRecorder(ctx context.Context, lg *zap.Logger) (metrics.Recorder, func(), error) {
	grpcEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_GRPC_ENDPOINT")
	httpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if grpcEndpoint == "" && httpEndpoint == "" {
		return metrics.Noop{}, func() {}, nil
	}
	provider, shutdown, err := metrics.NewMeterProvider(ctx,
		metrics.WithServiceName("eventhubs-example"),
		metrics.WithOTLPEndpoint(httpEndpoint),
		metrics.WithOTLPGRPCEndpoint(grpcEndpoint),
		metrics.WithEnvironment(lo.CoalesceOrEmpty(os.Getenv("ENVIRONMENT"), "development")),
	)
	if err != nil {
		return nil, nil, err
	}
	recorder, err := metrics.NewOTelRecorder(provider.Meter("github.com/infigaming-com/go-eventhubs"))
	if err != nil {
		shutdown()
		return nil, nil, err
	}
	lg.Info("exporting metrics", zap.String("otlp_endpoint", httpEndpoint), zap.String("otlp_grpc_endpoint", grpcEndpoint))
	return recorder, shutdown, nil
}

// newStore uses redis with etag-checked claims when EVENTHUBS_REDIS_ADDR is
// set, and an in-memory store otherwise.
func newStore(ctx context.Context, cfg *eventhubs.Config, lg *zap.Logger) (checkpoint.Store, claimFunc, func(), error) {
	if cfg.Redis.Addr == "" {
		store := checkpoint.NewInMemoryStore(checkpoint.WithLogger(lg))
		return store, store.UpdateOwnership, func() {}, nil
	}
	client, err := util.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		time.Duration(cfg.Redis.ConnectTimeout)*time.Second)
	if err != nil {
		return nil, nil, nil, err
	}
	store := checkpoint.NewRedisStore(client, cfg.Redis.KeyPrefix, checkpoint.WithLogger(lg))
	claimer := checkpoint.NewClaimer(store, client, checkpoint.WithClaimLogger(lg))
	claim := func(ctx context.Context, o checkpoint.Ownership) (checkpoint.Ownership, error) {
		owners, err := store.ListOwnership(ctx, o.Namespace, o.EventHub, o.ConsumerGroup)
		if err != nil {
			return checkpoint.Ownership{}, err
		}
		if current, ok := lo.Find(owners, func(c checkpoint.Ownership) bool { return c.PartitionID == o.PartitionID }); ok {
			o.ETag = current.ETag
		}
		return claimer.Claim(ctx, o)
	}
	return store, claim, func() { _ = client.Close() }, nil
}
