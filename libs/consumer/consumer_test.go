package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"

	"github.com/rbalashov/microshop/libs/events"
	"github.com/rbalashov/microshop/libs/inbox"
	"github.com/rbalashov/microshop/libs/kafkax"
	"github.com/rbalashov/microshop/libs/metrics"
	"github.com/rbalashov/microshop/libs/retry"
)

// fakeTx implements just enough of pgx.Tx for the orchestration logic; any
// unexpected call panics through the embedded nil interface.
type fakeTx struct {
	pgx.Tx
	mu         sync.Mutex
	committed  bool
	rolledBack bool
	onCommit   []func()
	onRollback []func()
}

func (t *fakeTx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return errors.New("tx already closed")
	}
	t.committed = true
	for _, fn := range t.onCommit {
		fn()
	}
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	for _, fn := range t.onRollback {
		fn()
	}
	return nil
}

// fakeLedger mimics the processed_events unique constraint: Record reserves
// the id immediately and the reservation becomes durable on commit or is
// released on rollback.
type fakeLedger struct {
	mu        sync.Mutex
	committed map[string]bool
	reserved  map[string]bool
	existsErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{committed: map[string]bool{}, reserved: map[string]bool{}}
}

func (l *fakeLedger) Exists(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.existsErr != nil {
		return false, l.existsErr
	}
	return l.committed[eventID], nil
}

func (l *fakeLedger) Record(_ context.Context, tx pgx.Tx, eventID, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.committed[eventID] || l.reserved[eventID] {
		return inbox.ErrAlreadyProcessed
	}
	l.reserved[eventID] = true
	ft := tx.(*fakeTx)
	ft.onCommit = append(ft.onCommit, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.reserved, eventID)
		l.committed[eventID] = true
	})
	ft.onRollback = append(ft.onRollback, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.reserved, eventID)
	})
	return nil
}

type fakeReader struct {
	mu        sync.Mutex
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(context.Context) (kafka.Message, error) {
	return kafka.Message{}, io.EOF
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func testProcessor(t *testing.T, ledger *fakeLedger, handler Handler) (*Processor, *fakeReader) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reader := &fakeReader{}
	return &Processor{
		reader:  reader,
		logger:  logger,
		ledger:  ledger,
		exec: retry.NewExecutor(logger, retry.Policy{
			Base:       time.Millisecond,
			Multiplier: 2.0,
			Cap:        4 * time.Millisecond,
			MaxRetries: 5,
		}),
		sink:    metrics.Nop(),
		handler: handler,
		beginTx: func(context.Context) (pgx.Tx, error) { return &fakeTx{}, nil },
		groupID: "test-group",
	}, reader
}

func testMessage(t *testing.T, env events.Envelope) kafka.Message {
	t.Helper()
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return kafka.Message{
		Topic: "customer.events",
		Key:   []byte(env.AggregateID),
		Value: raw,
		Headers: []kafka.Header{
			{Key: kafkax.HeaderEventID, Value: []byte(env.EventID)},
			{Key: kafkax.HeaderEventType, Value: []byte(env.EventType)},
		},
	}
}

func TestProcessOneAppliesAndAcks(t *testing.T) {
	ledger := newFakeLedger()
	effects := 0
	p, reader := testProcessor(t, ledger, func(ctx context.Context, env events.Envelope, scope *Scope) Result {
		return scope.Atomic(ctx, func(pgx.Tx) error {
			effects++
			return nil
		})
	})

	env, _ := events.New("customer.registered.v1", "1.0", "customer", "cust-1", nil)
	if err := p.processOne(context.Background(), testMessage(t, env)); err != nil {
		t.Fatalf("processOne failed: %v", err)
	}
	if effects != 1 {
		t.Fatalf("expected exactly one effect, got %d", effects)
	}
	if ok, _ := ledger.Exists(context.Background(), env.EventID); !ok {
		t.Fatal("ledger should hold the event after processing")
	}
	if len(reader.committed) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(reader.committed))
	}
}

func TestProcessOneSecondDeliveryIsNoOp(t *testing.T) {
	ledger := newFakeLedger()
	effects := 0
	p, reader := testProcessor(t, ledger, func(ctx context.Context, env events.Envelope, scope *Scope) Result {
		return scope.Atomic(ctx, func(pgx.Tx) error {
			effects++
			return nil
		})
	})

	env, _ := events.New("customer.registered.v1", "1.0", "customer", "cust-1", nil)
	msg := testMessage(t, env)
	for i := 0; i < 2; i++ {
		if err := p.processOne(context.Background(), msg); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}
	if effects != 1 {
		t.Fatalf("second delivery must not re-apply: got %d effects", effects)
	}
	if len(reader.committed) != 2 {
		t.Fatalf("both deliveries should be acked, got %d", len(reader.committed))
	}
}

func TestProcessOneUseCaseAlreadyExists(t *testing.T) {
	ledger := newFakeLedger()
	p, reader := testProcessor(t, ledger, func(ctx context.Context, env events.Envelope, scope *Scope) Result {
		return scope.Atomic(ctx, func(pgx.Tx) error {
			return ErrAlreadyApplied
		})
	})

	env, _ := events.New("user.registered.v1", "1.0", "user", "user-1", nil)
	if err := p.processOne(context.Background(), testMessage(t, env)); err != nil {
		t.Fatalf("processOne failed: %v", err)
	}
	// The idempotent no-op still commits the ledger entry.
	if ok, _ := ledger.Exists(context.Background(), env.EventID); !ok {
		t.Fatal("ledger entry should be committed for the idempotent path")
	}
	if len(reader.committed) != 1 {
		t.Fatal("idempotent outcome must be acked")
	}
}

func TestProcessOneLedgerPreCheckUnavailable(t *testing.T) {
	ledger := newFakeLedger()
	ledger.existsErr = errors.New("connection refused")
	effects := 0
	p, reader := testProcessor(t, ledger, func(ctx context.Context, env events.Envelope, scope *Scope) Result {
		return scope.Atomic(ctx, func(pgx.Tx) error {
			effects++
			return nil
		})
	})

	env, _ := events.New("customer.registered.v1", "1.0", "customer", "cust-1", nil)
	if err := p.processOne(context.Background(), testMessage(t, env)); err != nil {
		t.Fatalf("processOne failed: %v", err)
	}
	// An unanswerable pre-check must not skip the message: the next acked
	// offset on the partition would commit past it and the event would be
	// lost. The in-transaction ledger record does the real dedup work.
	if effects != 1 {
		t.Fatalf("handler must still run, got %d effects", effects)
	}
	if len(reader.committed) != 1 {
		t.Fatalf("message must reach a terminal outcome and be acked, got %d acks", len(reader.committed))
	}
}

func TestProcessOneRollsBackOnFailure(t *testing.T) {
	ledger := newFakeLedger()
	attempts := 0
	p, reader := testProcessor(t, ledger, func(ctx context.Context, env events.Envelope, scope *Scope) Result {
		return scope.Atomic(ctx, func(pgx.Tx) error {
			attempts++
			return errors.New("downstream unavailable")
		})
	})

	env, _ := events.New("customer.registered.v1", "1.0", "customer", "cust-1", nil)
	if err := p.processOne(context.Background(), testMessage(t, env)); err != nil {
		t.Fatalf("exhausted retries must not surface as fatal: %v", err)
	}
	if attempts != 6 {
		t.Fatalf("expected 6 attempts (1 + 5 retries), got %d", attempts)
	}
	if ok, _ := ledger.Exists(context.Background(), env.EventID); ok {
		t.Fatal("failed processing must leave no ledger entry")
	}
	// Dropped after exhausted retries, and acked so the partition moves on.
	if len(reader.committed) != 1 {
		t.Fatal("dropped event must still be acked")
	}
}

func TestProcessOneInconsistentStateEscalates(t *testing.T) {
	ledger := newFakeLedger()
	p, reader := testProcessor(t, ledger, func(ctx context.Context, env events.Envelope, scope *Scope) Result {
		return Failure(retry.Permanent(ErrInconsistentState))
	})

	env, _ := events.New("customer.registered.v1", "1.0", "customer", "cust-1", nil)
	err := p.processOne(context.Background(), testMessage(t, env))
	if !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected inconsistent-state error to escalate, got %v", err)
	}
	if len(reader.committed) != 0 {
		t.Fatal("inconsistent state must not be acked")
	}
}

func TestProcessOneFiltersOtherEventTypes(t *testing.T) {
	ledger := newFakeLedger()
	called := false
	p, reader := testProcessor(t, ledger, func(ctx context.Context, env events.Envelope, scope *Scope) Result {
		called = true
		return Success()
	})
	p.eventType = "user.registered.v1"

	env, _ := events.New("user.updated.v1", "1.0", "user", "user-1", nil)
	if err := p.processOne(context.Background(), testMessage(t, env)); err != nil {
		t.Fatalf("processOne failed: %v", err)
	}
	if called {
		t.Fatal("handler must not run for other event types")
	}
	if len(reader.committed) != 1 {
		t.Fatal("filtered message must still be acked")
	}
}

func TestProcessOneDropsUndecodable(t *testing.T) {
	ledger := newFakeLedger()
	called := false
	p, reader := testProcessor(t, ledger, func(ctx context.Context, env events.Envelope, scope *Scope) Result {
		called = true
		return Success()
	})

	msg := kafka.Message{Topic: "customer.events", Value: []byte("{nope")}
	if err := p.processOne(context.Background(), msg); err != nil {
		t.Fatalf("processOne failed: %v", err)
	}
	if called {
		t.Fatal("handler must not run for undecodable payloads")
	}
	if len(reader.committed) != 1 {
		t.Fatal("undecodable message must be acked")
	}
}

func TestConcurrentRedeliveryHasOneEffect(t *testing.T) {
	// Two workers receive the same event id, as after a partition rebalance.
	// The ledger uniqueness decides the race: exactly one effect.
	ledger := newFakeLedger()
	var mu sync.Mutex
	effects := 0
	handler := func(ctx context.Context, env events.Envelope, scope *Scope) Result {
		return scope.Atomic(ctx, func(pgx.Tx) error {
			mu.Lock()
			effects++
			mu.Unlock()
			return nil
		})
	}

	env, _ := events.New("user.registered.v1", "1.0", "user", "user-1", nil)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		p, _ := testProcessor(t, ledger, handler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.processOne(context.Background(), testMessage(t, env)); err != nil {
				t.Errorf("processOne failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if effects != 1 {
		t.Fatalf("expected exactly one effect across both workers, got %d", effects)
	}
	if ok, _ := ledger.Exists(context.Background(), env.EventID); !ok {
		t.Fatal("ledger should hold the event")
	}
}
