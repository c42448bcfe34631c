// Package consumer runs the at-least-once event-processing loop: fetch,
// dedup against the inbox ledger, execute the use case in one transaction,
// and acknowledge manually only on a terminal outcome.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbalashov/microshop/libs/db"
	"github.com/rbalashov/microshop/libs/events"
	"github.com/rbalashov/microshop/libs/inbox"
	"github.com/rbalashov/microshop/libs/kafkax"
	"github.com/rbalashov/microshop/libs/metrics"
	"github.com/rbalashov/microshop/libs/retry"
)

// Handler executes the business use case for one event. Enrichment calls to
// other services run first, then the handler finishes through scope.Atomic.
type Handler func(ctx context.Context, env events.Envelope, scope *Scope) Result

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
	// EventType filters the shared topic: messages of other types are
	// acknowledged untouched. Each event type runs its own consumer group.
	EventType string
}

type Processor struct {
	reader    messageReader
	logger    *slog.Logger
	ledger    Ledger
	exec      *retry.Executor
	sink      metrics.Sink
	handler   Handler
	beginTx   func(ctx context.Context) (pgx.Tx, error)
	groupID   string
	eventType string
}

func New(logger *slog.Logger, pool *db.Pool, ledger *inbox.Ledger, exec *retry.Executor, sink metrics.Sink, cfg Config, handler Handler) *Processor {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	if sink == nil {
		sink = metrics.Nop()
	}
	return &Processor{
		reader:    reader,
		logger:    logger,
		ledger:    ledger,
		exec:      exec,
		sink:      sink,
		handler:   handler,
		beginTx:   pool.Begin,
		groupID:   cfg.GroupID,
		eventType: cfg.EventType,
	}
}

// Run consumes until ctx is cancelled. It returns a non-nil error only for
// the inconsistent-state class, which must stop the consumer rather than be
// absorbed.
func (p *Processor) Run(ctx context.Context) error {
	defer p.reader.Close()

	for {
		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("kafka fetch error", "err", err)
			time.Sleep(1 * time.Second)
			continue
		}

		if err := p.processOne(ctx, msg); err != nil {
			return err
		}
	}
}

func (p *Processor) processOne(ctx context.Context, msg kafka.Message) error {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "event.process",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.consumer.group", p.groupID),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	if p.eventType != "" && meta.EventType != p.eventType {
		return p.ack(ctxSpan, msg)
	}

	env, err := events.Decode(msg.Value)
	if err != nil {
		p.logger.Error("dropping undecodable event",
			"err", err,
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"event_id", meta.EventID,
		)
		span.RecordError(err)
		p.sink.Inc(ctxSpan, "events.dropped", attribute.String("reason", "decode"))
		return p.ack(ctxSpan, msg)
	}

	// The pre-check is a fast path only. When it cannot be answered the
	// handler still runs: the in-transaction ledger record is the
	// authoritative duplicate check, and skipping the message here would
	// lose it once a later offset on the partition is committed.
	processed, err := p.ledger.Exists(ctxSpan, env.EventID)
	if err != nil {
		p.logger.Warn("ledger pre-check unavailable, continuing to handler",
			"err", err, "event_id", env.EventID)
		span.RecordError(err)
	}
	if processed {
		p.logger.Info("duplicate event ignored",
			"event_id", env.EventID, "event_type", env.EventType,
			"correlation_id", env.CorrelationID,
		)
		p.sink.Inc(ctxSpan, "events.duplicate")
		return p.ack(ctxSpan, msg)
	}

	var res Result
	attempts := 0
	err = p.exec.Do(ctxSpan, p.groupID, func(ctx context.Context) error {
		attempts++
		res = p.handler(ctx, env, p.newScope(env))
		if res.Failed() {
			return res.Err()
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrInconsistentState) {
			return fmt.Errorf("event %s (%s): %w", env.EventID, env.EventType, err)
		}
		// Retry budget exhausted. There is no dead-letter sink: the event is
		// dropped here and recoverable only from this log line.
		p.logger.Error("dropping event after exhausted retries",
			"err", err,
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"event_id", env.EventID, "event_type", env.EventType,
			"correlation_id", env.CorrelationID,
			"attempts", attempts,
		)
		p.sink.Inc(ctxSpan, "events.dropped", attribute.String("reason", "retries_exhausted"))
		return p.ack(ctxSpan, msg)
	}

	if res.AlreadyApplied() {
		p.logger.Info("event already applied",
			"event_id", env.EventID, "event_type", env.EventType, "reason", res.Reason(),
		)
		p.sink.Inc(ctxSpan, "events.duplicate")
	} else {
		p.sink.Inc(ctxSpan, "events.processed", attribute.String("event_type", env.EventType))
	}
	return p.ack(ctxSpan, msg)
}

func (p *Processor) newScope(env events.Envelope) *Scope {
	return &Scope{begin: p.beginTx, ledger: p.ledger, env: env}
}

func (p *Processor) ack(ctx context.Context, msg kafka.Message) error {
	if err := p.reader.CommitMessages(ctx, msg); err != nil {
		// The offset commit failed; the message will be redelivered and the
		// ledger will collapse it to a no-op.
		p.logger.Error("offset commit failed", "err", err,
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	}
	return nil
}
