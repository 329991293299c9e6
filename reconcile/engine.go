package reconcile

import (
	"fmt"
	"strings"

	"github.com/roomwatch/occupancy/internal"
)

// Decide works out what to do with an incoming sensor event given the latest session
// and the latest door reading in that session. Either may be nil. Decide never touches
// storage and holds no state between calls: the door state is always re-derived from
// currentDoor, so callers must load both inside the same transaction they apply the plan in.
//
// The rules, in order:
//   - no session yet: start one with the event as its first reading, whatever its kind.
//   - door reading repeating the current door value: rejected.
//   - door OPEN -> CLOSED: someone may be inside; start a new session holding the
//     CLOSED reading followed by a synthetic MOTION reading.
//   - door CLOSED -> OPEN: the episode ends; append a synthetic MOTION reading then the
//     OPEN reading to the current session.
//   - door reading with no door history in the session: append it.
//   - motion while the door is OPEN: rejected, nobody can be inside.
//   - any other motion: append it.
func Decide(latest *internal.Session, currentDoor *internal.Reading, in internal.Incoming) Decision {
	if latest == nil {
		return plan(OutcomeCreated,
			Op{Kind: OpCreateSession},
			Op{Kind: OpAppendReading, Reading: in},
		)
	}
	switch in.Kind {
	case internal.KindDoor:
		return decideDoor(latest, currentDoor, in)
	case internal.KindMotion:
		if currentDoor != nil && currentDoor.Value == internal.DoorOpen {
			return reject(in, "no occupant while door is open")
		}
		return plan(OutcomeAppended, Op{Kind: OpAppendReading, SessionID: latest.ID, Reading: in})
	}
	// ParseIncoming never lets an unknown kind through
	internal.Assert(fmt.Sprintf("known sensor kind, got %q", in.Kind), false)
	return reject(in, fmt.Sprintf("unknown sensor type %s", in.Kind))
}

func decideDoor(latest *internal.Session, currentDoor *internal.Reading, in internal.Incoming) Decision {
	if currentDoor == nil {
		return plan(OutcomeAppended, Op{Kind: OpAppendReading, SessionID: latest.ID, Reading: in})
	}
	if currentDoor.Value == in.Value {
		return reject(in, "door already "+strings.ToLower(string(in.Value)))
	}
	motion := internal.Incoming{Kind: internal.KindMotion, Value: internal.MotionMotion}
	switch {
	case currentDoor.Value == internal.DoorOpen && in.Value == internal.DoorClosed:
		return plan(OutcomeNewSession,
			Op{Kind: OpCreateSession},
			Op{Kind: OpAppendReading, Reading: in},
			Op{Kind: OpAppendReading, Reading: motion, Synthetic: true},
		)
	case currentDoor.Value == internal.DoorClosed && in.Value == internal.DoorOpen:
		return plan(OutcomeAppended,
			Op{Kind: OpAppendReading, SessionID: latest.ID, Reading: motion, Synthetic: true},
			Op{Kind: OpAppendReading, SessionID: latest.ID, Reading: in},
		)
	}
	internal.Assert(fmt.Sprintf("door transition %s -> %s is handled", currentDoor.Value, in.Value), false)
	return reject(in, fmt.Sprintf("unknown door transition %s -> %s", currentDoor.Value, in.Value))
}

func plan(outcome Outcome, ops ...Op) Decision {
	return Decision{Plan: &Plan{Outcome: outcome, Ops: ops}}
}

func reject(in internal.Incoming, reason string) Decision {
	return Decision{Rejection: &Rejection{Incoming: in, Reason: reason}}
}
