package reconcile

import (
	"fmt"

	"github.com/roomwatch/occupancy/internal"
)

// Outcome describes what a sensor event did to the session timeline.
type Outcome string

const (
	// The event seeded the very first session.
	OutcomeCreated Outcome = "created"
	// The event was appended to the latest session.
	OutcomeAppended Outcome = "appended"
	// The door closed behind someone and a new session was started.
	OutcomeNewSession Outcome = "new_session"
	// The event broke a rule and nothing was written.
	OutcomeRejected Outcome = "rejected"
)

// OpKind is the kind of write an Op performs.
type OpKind int

const (
	OpCreateSession OpKind = iota
	OpAppendReading
)

func (k OpKind) String() string {
	switch k {
	case OpCreateSession:
		return "create_session"
	case OpAppendReading:
		return "append_reading"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Op is a single storage operation in a Plan.
type Op struct {
	Kind OpKind
	// SessionID is the session an OpAppendReading targets. It is empty when the reading
	// belongs to the session created by an earlier OpCreateSession in the same plan.
	SessionID string
	Reading   internal.Incoming
	// Synthetic is true for companion readings which were not sent by a sensor.
	Synthetic bool
}

func (o Op) String() string {
	if o.Kind == OpCreateSession {
		return o.Kind.String()
	}
	target := o.SessionID
	if target == "" {
		target = "<new>"
	}
	s := fmt.Sprintf("%s(%s, %s)", o.Kind, target, o.Reading)
	if o.Synthetic {
		s += "*"
	}
	return s
}

// Plan is the ordered list of writes which must be applied atomically for one event.
type Plan struct {
	Outcome Outcome
	Ops     []Op
}

// CreatesSession returns true if applying the plan starts a new session.
func (p *Plan) CreatesSession() bool {
	for _, op := range p.Ops {
		if op.Kind == OpCreateSession {
			return true
		}
	}
	return false
}

// Rejection is a well-formed event which the room's rules do not allow. It is a normal
// outcome, not an error.
type Rejection struct {
	Incoming internal.Incoming
	Reason   string
}

func (r *Rejection) String() string {
	return fmt.Sprintf("rejected %s: %s", r.Incoming, r.Reason)
}

// Decision is exactly one of Plan or Rejection.
type Decision struct {
	Plan      *Plan
	Rejection *Rejection
}

// Rejected reports whether the incoming reading is refused.
func (d Decision) Rejected() bool {
	return d.Rejection != nil
}
