package model

type SessionStatus string

const (
	SessionStatusWaiting SessionStatus = "waiting"
	SessionStatusActive  SessionStatus = "active"
	SessionStatusEnded   SessionStatus = "ended"
)

func (s SessionStatus) IsValid() bool {
	return s.rank() > 0
}

func (s SessionStatus) rank() int {
	switch s {
	case SessionStatusWaiting:
		return 1
	case SessionStatusActive:
		return 2
	case SessionStatusEnded:
		return 3
	default:
		return 0
	}
}

// CanTransitionTo reports whether moving from s to next follows
// waiting -> active -> ended. Skipping active is allowed, going back is not.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	return next.rank() > s.rank()
}

type MessageKind string

const (
	MessageKindUser   MessageKind = "user"
	MessageKindSystem MessageKind = "system"
)
