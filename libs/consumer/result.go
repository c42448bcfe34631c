package consumer

// Result is the sealed outcome of handling one event. Expected outcomes
// (applied, idempotent no-op) are values, not errors; only Failure carries an
// error for the retry boundary.
type Result struct {
	kind   resultKind
	reason string
	err    error
}

type resultKind int

const (
	kindSuccess resultKind = iota
	kindAlreadyExists
	kindFailure
)

// Success reports the business effect was applied and committed.
func Success() Result {
	return Result{kind: kindSuccess}
}

// AlreadyExists reports the effect was already in place (ledger hit inside
// the transaction, or the use case found its aggregate already created).
// It is a terminal success: the event is acknowledged and never retried.
func AlreadyExists(reason string) Result {
	return Result{kind: kindAlreadyExists, reason: reason}
}

// Failure reports the transaction rolled back; err goes to the retry
// executor.
func Failure(err error) Result {
	return Result{kind: kindFailure, err: err}
}

func (r Result) Applied() bool        { return r.kind == kindSuccess }
func (r Result) AlreadyApplied() bool { return r.kind == kindAlreadyExists }
func (r Result) Failed() bool         { return r.kind == kindFailure }

// Reason names why an AlreadyExists result was taken.
func (r Result) Reason() string { return r.reason }

func (r Result) Err() error { return r.err }
