package app

import (
	"errors"

	"github.com/dkeye/dmeet/internal/domain"
)

type FailureAction int

const (
	// Degrade logs the error and keeps the session running.
	Degrade FailureAction = iota
	// Hangup drains the session to Closed.
	Hangup
)

func (a FailureAction) String() string {
	if a == Hangup {
		return "hangup"
	}
	return "degrade"
}

type Policy interface {
	OnFailure(err error) FailureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnFailure(err error) FailureAction {
	switch {
	case errors.Is(err, domain.ErrAdmission),
		errors.Is(err, domain.ErrNegotiation),
		errors.Is(err, domain.ErrSignalingTransport):
		return Hangup
	default:
		return Degrade
	}
}
