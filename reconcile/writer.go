package reconcile

import (
	"context"
	"errors"
	"os"

	"github.com/roomwatch/occupancy/internal"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Txn is the view of the session store inside a single transaction.
type Txn interface {
	// LatestSession returns the most recently created session, or nil if there are none.
	LatestSession(ctx context.Context) (*internal.Session, error)
	// LatestReading returns the most recent reading of this kind in the session, or nil.
	LatestReading(ctx context.Context, sessionID string, kind internal.Kind) (*internal.Reading, error)
	CreateSession(ctx context.Context) (*internal.Session, error)
	CreateReading(ctx context.Context, sessionID string, in internal.Incoming, synthetic bool) (*internal.Reading, error)
}

// Store runs fn inside one transaction which is at least serializable with respect to every
// other Store transaction. If fn returns an error the transaction is rolled back. The store
// may call fn more than once if the transaction has to be retried.
type Store interface {
	InSerializableTxn(ctx context.Context, fn func(ctx context.Context, txn Txn) error) error
}

// Result is the outcome of one applied sensor event.
type Result struct {
	Outcome Outcome
	// Set iff Outcome is OutcomeRejected.
	Rejection *Rejection
	Plan      *Plan
	// The session the incoming reading ended up in. Empty on rejection.
	SessionID string
	// Readings written, in write order.
	Readings []internal.Reading
}

// Writer applies sensor events to the store. For each event it reads the latest state,
// decides and writes inside one serializable transaction, so two concurrent events can
// never both act on the same door state.
type Writer struct {
	store Store
}

// NewWriter returns a Writer which persists through store.
func NewWriter(store Store) *Writer {
	return &Writer{store: store}
}

var errRejected = errors.New("rejected")

// Apply records an incoming sensor event. Rejections are returned as a Result with
// OutcomeRejected and a nil error. Errors are either StorageError or InvariantError, and
// in both cases nothing has been committed.
func (w *Writer) Apply(ctx context.Context, in internal.Incoming) (*Result, error) {
	var res *Result
	err := w.store.InSerializableTxn(ctx, func(ctx context.Context, txn Txn) error {
		// the store may re-run us, so start afresh each time
		res = nil
		latest, currentDoor, err := loadState(ctx, txn)
		if err != nil {
			return err
		}
		decision := Decide(latest, currentDoor, in)
		if decision.Rejected() {
			res = &Result{
				Outcome:   OutcomeRejected,
				Rejection: decision.Rejection,
			}
			// roll back: nothing was written but there is nothing to commit either
			return errRejected
		}
		res, err = applyPlan(ctx, txn, decision.Plan)
		return err
	})
	if errors.Is(err, errRejected) {
		return res, nil
	}
	if err != nil {
		return nil, storageErr("transaction", err)
	}
	logger.Trace().Str("outcome", string(res.Outcome)).Str("session", res.SessionID).
		Int("num_readings", len(res.Readings)).Msg("applied plan")
	return res, nil
}

func loadState(ctx context.Context, txn Txn) (*internal.Session, *internal.Reading, error) {
	latest, err := txn.LatestSession(ctx)
	if err != nil {
		return nil, nil, storageErr("LatestSession", err)
	}
	if latest == nil {
		return nil, nil, nil
	}
	if latest.ID == "" {
		return nil, nil, invariantErr("latest session has no id")
	}
	currentDoor, err := txn.LatestReading(ctx, latest.ID, internal.KindDoor)
	if err != nil {
		return nil, nil, storageErr("LatestReading", err)
	}
	if currentDoor != nil {
		if currentDoor.SessionID != latest.ID {
			return nil, nil, invariantErr("door reading %s belongs to session %s, not %s", currentDoor.ID, currentDoor.SessionID, latest.ID)
		}
		if currentDoor.Kind != internal.KindDoor || !internal.KindDoor.Allows(currentDoor.Value) {
			return nil, nil, invariantErr("door reading %s has %s=%s", currentDoor.ID, currentDoor.Kind, currentDoor.Value)
		}
	}
	return latest, currentDoor, nil
}

func applyPlan(ctx context.Context, txn Txn, plan *Plan) (*Result, error) {
	res := &Result{
		Outcome: plan.Outcome,
		Plan:    plan,
	}
	var created *internal.Session
	for i, op := range plan.Ops {
		switch op.Kind {
		case OpCreateSession:
			sess, err := txn.CreateSession(ctx)
			if err != nil {
				return nil, storageErr("CreateSession", err)
			}
			if sess == nil || sess.ID == "" {
				return nil, invariantErr("op %d: created session has no id", i)
			}
			created = sess
		case OpAppendReading:
			sessionID := op.SessionID
			if sessionID == "" {
				if created == nil {
					return nil, invariantErr("op %d: %s has no target session", i, op)
				}
				sessionID = created.ID
			}
			reading, err := txn.CreateReading(ctx, sessionID, op.Reading, op.Synthetic)
			if err != nil {
				return nil, storageErr("CreateReading", err)
			}
			if reading == nil || reading.SessionID != sessionID {
				return nil, invariantErr("op %d: reading was not filed under session %s", i, sessionID)
			}
			res.Readings = append(res.Readings, *reading)
			res.SessionID = sessionID
		default:
			return nil, invariantErr("op %d: unknown op %s", i, op.Kind)
		}
	}
	if created != nil && res.SessionID != created.ID {
		return nil, invariantErr("session %s was created without readings", created.ID)
	}
	return res, nil
}
