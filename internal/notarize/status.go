package notarize

import "fmt"

// Status is the attestation submission state. Transitions are monotonic:
// Unsubmitted -> Pending -> {Accepted, Rejected}, nothing after a terminal
// state.
type Status int

const (
	Unsubmitted Status = iota
	Pending
	Accepted
	Rejected
)

func (s Status) String() string {
	switch s {
	case Unsubmitted:
		return "unsubmitted"
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == Accepted || s == Rejected }

// Submission tracks one artifact through the trust service.
type Submission struct {
	ID     string
	Status Status
	// Log holds the service's audit log, fetched when the submission is
	// rejected.
	Log string
}

// transition advances the submission, rejecting regressions and any movement
// out of a terminal state.
func (s *Submission) transition(to Status) error {
	if s.Status.Terminal() {
		return fmt.Errorf("submission %s is terminal (%s), cannot move to %s", s.ID, s.Status, to)
	}
	if to < s.Status {
		return fmt.Errorf("submission %s: disallowed transition %s -> %s", s.ID, s.Status, to)
	}
	s.Status = to
	return nil
}
