package calls

// Event is a change notification delivered by the relay.
//
// Delivery is at-least-once with no global ordering. Events published by a
// single writer arrive in the order they were persisted.
type Event struct {
	Kind EventKind `json:"kind"`
	Op   Op        `json:"op"`

	Call      *CallRecord      `json:"call,omitempty"`
	Candidate *CandidateRecord `json:"candidate,omitempty"`
}

type EventKind string

const (
	EventCall      EventKind = "call"
	EventCandidate EventKind = "candidate"
)

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

func CallInserted(r CallRecord) Event {
	return Event{Kind: EventCall, Op: OpInsert, Call: &r}
}

func CallUpdated(r CallRecord) Event {
	return Event{Kind: EventCall, Op: OpUpdate, Call: &r}
}

func CandidateInserted(c CandidateRecord) Event {
	return Event{Kind: EventCandidate, Op: OpInsert, Candidate: &c}
}

// Valid reports whether the event carries the payload its kind requires.
func (e Event) Valid() bool {
	switch e.Kind {
	case EventCall:
		return e.Call != nil && (e.Op == OpInsert || e.Op == OpUpdate)
	case EventCandidate:
		return e.Candidate != nil && e.Op == OpInsert
	default:
		return false
	}
}
