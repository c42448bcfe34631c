package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rbalashov/microshop/libs/db"
	"github.com/rbalashov/microshop/libs/kafkax"
	"github.com/rbalashov/microshop/libs/metrics"
	otelx "github.com/rbalashov/microshop/libs/otel"
)

// messageWriter is the slice of kafka.Writer the relay needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Relay polls the outbox table and forwards pending rows to the broker.
// Rows are marked published only after broker acknowledgment, so a crash in
// between republishes them on restart. Broker outages back off and retry
// forever; rows are never dropped.
type Relay struct {
	pool      *db.Pool
	repo      *Repository
	logger    *slog.Logger
	sink      metrics.Sink
	brokers   []string
	pollEvery time.Duration
	batchSize int
}

type RelayConfig struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
}

func NewRelay(pool *db.Pool, repo *Repository, logger *slog.Logger, sink metrics.Sink, cfg RelayConfig) *Relay {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if sink == nil {
		sink = metrics.Nop()
	}
	return &Relay{
		pool:      pool,
		repo:      repo,
		logger:    logger,
		sink:      sink,
		brokers:   brokers,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if len(r.brokers) == 0 {
		r.logger.Warn("outbox relay disabled (no kafka brokers configured)")
		return
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  r.brokers,
		Balancer: &kafka.Hash{},
	})
	defer writer.Close()

	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = 30 * time.Second

	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.relayBatch(ctx, writer); err != nil {
				wait := retry.NextBackOff()
				r.logger.Error("outbox relay batch failed", "err", err, "retry_in", wait.String())
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			retry.Reset()
		}
	}
}

func (r *Relay) relayBatch(ctx context.Context, writer messageWriter) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := r.repo.FetchUnpublished(ctx, tx, r.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return tx.Commit(ctx)
	}

	acked, pubErr := publish(ctx, writer, records)
	if len(acked) > 0 {
		if err := r.repo.MarkPublished(ctx, tx, acked); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		r.sink.Inc(ctx, "outbox.published", attribute.Int("batch", len(acked)))
	}
	return pubErr
}

// publish forwards records in creation order and returns the ids the broker
// acknowledged. It stops at the first failure so a retry cannot reorder
// events within an aggregate.
func publish(ctx context.Context, writer messageWriter, records []Record) ([]int64, error) {
	var acked []int64
	for _, rcd := range records {
		msgCtx := otelx.ContextWithTraceContext(ctx, rcd.Traceparent, rcd.Tracestate)
		msg := kafka.Message{
			Topic: rcd.Topic,
			Key:   []byte(rcd.AggregateID),
			Value: rcd.Payload,
			Headers: []kafka.Header{
				{Key: kafkax.HeaderEventID, Value: []byte(rcd.EventID)},
				{Key: kafkax.HeaderEventType, Value: []byte(rcd.EventType)},
				{Key: kafkax.HeaderCorrelationID, Value: []byte(rcd.CorrelationID)},
				{Key: kafkax.HeaderCausationID, Value: []byte(rcd.CausationID)},
			},
		}
		msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
		if err := writer.WriteMessages(ctx, msg); err != nil {
			return acked, err
		}
		acked = append(acked, rcd.ID)
	}
	return acked, nil
}
