package funnel

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of tracking failures. The HTTP boundary
// maps every kind to the fixed always-succeed response; the kinds exist so
// that the swallow-and-log policy lives in one place instead of per call
// site.
type ErrorKind int

const (
	// KindCorrelation: token absent or unknown. Never fatal; callers degrade
	// to anonymous recording.
	KindCorrelation ErrorKind = iota
	// KindDuplicate: target stage not later than the current one.
	KindDuplicate
	// KindPersistence: the store failed. Logged with full context, concealed
	// from the tracked page.
	KindPersistence
	// KindMalformed: a correlation-independent required field is missing.
	// The one kind surfaced to the caller, as a client error.
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindCorrelation:
		return "correlation"
	case KindDuplicate:
		return "duplicate"
	case KindPersistence:
		return "persistence"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// TrackingError carries the failure kind plus the correlation context needed
// for operational diagnosis.
type TrackingError struct {
	Kind  ErrorKind
	Op    string
	Token string
	Stage Stage
	Err   error
}

func (e *TrackingError) Error() string {
	msg := fmt.Sprintf("%s: %s (token=%q stage=%s)", e.Op, e.Kind, e.Token, e.Stage)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TrackingError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind; non-tracking errors are treated as
// persistence failures so the boundary still conceals them.
func KindOf(err error) ErrorKind {
	var te *TrackingError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindPersistence
}

func persistenceErr(op, token string, stage Stage, err error) *TrackingError {
	return &TrackingError{Kind: KindPersistence, Op: op, Token: token, Stage: stage, Err: err}
}
