package consumer

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/rbalashov/microshop/libs/events"
	"github.com/rbalashov/microshop/libs/inbox"
)

// ErrAlreadyApplied is returned by a use case from inside Scope.Atomic when
// the aggregate it would create already exists. The transaction still
// commits, so the ledger entry is written and the event is acknowledged.
// The transaction must be healthy at that point: duplicates have to be
// detected without tripping a constraint (ON CONFLICT DO NOTHING, or a
// savepoint), because a raised violation aborts the tx and the commit of
// the ledger entry with it.
var ErrAlreadyApplied = errors.New("effect already applied")

// ErrInconsistentState marks a correctness bug: the ledger and the business
// state disagree (for example, a processed marker without the record it
// implies). It is never retried and escalates out of the processor.
var ErrInconsistentState = errors.New("inconsistent state")

// Ledger is the slice of the inbox ledger the orchestration needs.
type Ledger interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, tx pgx.Tx, eventID, eventType string) error
}

// BeginFunc opens the database transaction a Scope runs in.
type BeginFunc func(ctx context.Context) (pgx.Tx, error)

// Scope is the explicit transaction boundary handed to every event handler.
// Network calls (enrichment lookups) belong before Atomic so no database
// connection is held across network I/O.
type Scope struct {
	begin  BeginFunc
	ledger Ledger
	env    events.Envelope
}

func NewScope(begin BeginFunc, ledger Ledger, env events.Envelope) *Scope {
	return &Scope{begin: begin, ledger: ledger, env: env}
}

// Atomic runs fn inside one database transaction together with the ledger
// write for the event. The ledger insert happens first: a unique-constraint
// hit there means another worker already processed the event, and the whole
// transaction is abandoned without side effects. fn stages its state change
// and any outbox rows on the supplied tx; an error from fn rolls everything
// back, so no partial ledger or outbox writes can survive.
func (s *Scope) Atomic(ctx context.Context, fn func(tx pgx.Tx) error) Result {
	tx, err := s.begin(ctx)
	if err != nil {
		return Failure(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.ledger.Record(ctx, tx, s.env.EventID, s.env.EventType); err != nil {
		if errors.Is(err, inbox.ErrAlreadyProcessed) {
			return AlreadyExists("ledger")
		}
		return Failure(err)
	}

	if err := fn(tx); err != nil {
		if errors.Is(err, ErrAlreadyApplied) {
			if err := tx.Commit(ctx); err != nil {
				return Failure(err)
			}
			return AlreadyExists("use case")
		}
		return Failure(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Failure(err)
	}
	return Success()
}
