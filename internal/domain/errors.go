package domain

import (
	"errors"
	"fmt"
)

// Error classes. Every typed error below matches its class with errors.Is.
var (
	ErrAdmission           = errors.New("admission failed")
	ErrVerificationTimeout = errors.New("payment verification not confirmed")
	ErrSignalingTransport  = errors.New("signaling transport closed")
	ErrNegotiation         = errors.New("negotiation failed")
	ErrMediaAcquisition    = errors.New("media acquisition failed")
	ErrE2EEKey             = errors.New("e2ee key error")
)

type AdmissionError struct {
	Reason string
	Status int
	Err    error
}

func (e *AdmissionError) Error() string {
	msg := "admission: " + e.Reason
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AdmissionError) Unwrap() error        { return e.Err }
func (e *AdmissionError) Is(target error) bool { return target == ErrAdmission }

type VerificationTimeout struct {
	Attempts int
	Err      error
}

func (e *VerificationTimeout) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification: not confirmed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("verification: not confirmed after %d attempts", e.Attempts)
}

func (e *VerificationTimeout) Unwrap() error        { return e.Err }
func (e *VerificationTimeout) Is(target error) bool { return target == ErrVerificationTimeout }

type SignalingTransportError struct {
	Err error
}

func (e *SignalingTransportError) Error() string {
	if e.Err == nil {
		return "signaling: channel closed"
	}
	return "signaling: " + e.Err.Error()
}

func (e *SignalingTransportError) Unwrap() error        { return e.Err }
func (e *SignalingTransportError) Is(target error) bool { return target == ErrSignalingTransport }

// NegotiationError is reported by the media transport. Target is 0 for the
// publisher transport and 1 for the subscriber.
type NegotiationError struct {
	Target int
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation (target %d): %v", e.Target, e.Err)
}

func (e *NegotiationError) Unwrap() error        { return e.Err }
func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiation }

type MediaAcquisitionError struct {
	Kind MediaKind
	Err  error
}

func (e *MediaAcquisitionError) Error() string {
	if e.Kind == "" {
		return "media: " + e.Err.Error()
	}
	return fmt.Sprintf("media %s: %v", e.Kind, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error        { return e.Err }
func (e *MediaAcquisitionError) Is(target error) bool { return target == ErrMediaAcquisition }

type E2EEKeyError struct {
	Reason string
	Err    error
}

func (e *E2EEKeyError) Error() string {
	if e.Err != nil {
		return "e2ee: " + e.Reason + ": " + e.Err.Error()
	}
	return "e2ee: " + e.Reason
}

func (e *E2EEKeyError) Unwrap() error        { return e.Err }
func (e *E2EEKeyError) Is(target error) bool { return target == ErrE2EEKey }
