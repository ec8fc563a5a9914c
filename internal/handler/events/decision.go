package events

import (
	"errors"

	"orderprocessor/internal/domain"
)

// ErrPoisonMessage marks a delivery that can never succeed, however often it is retried.
var ErrPoisonMessage = errors.New("poison message")

type Decision int

const (
	DecisionAck Decision = iota + 1
	DecisionRequeue
	DecisionDeadLetter
)

func (d Decision) String() string {
	switch d {
	case DecisionAck:
		return "ack"
	case DecisionRequeue:
		return "requeue"
	case DecisionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Decide maps a processing result to an acknowledgement. maxAttempts <= 0
// disables the redelivery limit.
func Decide(err error, attempt, maxAttempts int) Decision {
	switch {
	case err == nil:
		return DecisionAck
	case errors.Is(err, ErrPoisonMessage), errors.Is(err, domain.ErrInvalidEvent):
		return DecisionDeadLetter
	case maxAttempts > 0 && attempt >= maxAttempts:
		return DecisionDeadLetter
	default:
		return DecisionRequeue
	}
}
