package narrative

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session failures.
type ErrorKind string

const (
	KindPlanningFailed          ErrorKind = "PlanningFailed"
	KindMalformedDirectorOutput ErrorKind = "MalformedDirectorOutput"
	KindGeneration              ErrorKind = "GenerationError"
	KindNotFound                ErrorKind = "NotFound"
	KindPersistence             ErrorKind = "PersistenceError"
	KindConfiguration           ErrorKind = "ConfigurationError"
	KindCancelled               ErrorKind = "Cancelled"
	KindTransitionLimit         ErrorKind = "TransitionLimit"
	KindUnknown                 ErrorKind = "Unknown"
)

// ErrNotFound is returned by lookups that have nothing for the key.
var ErrNotFound = errors.New("not found")

type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// WithKind tags err with a taxonomy kind. A nil err stays nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf returns the outermost kind attached to err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindUnknown
}

// SessionError is the terminal error of a session run: what went wrong and
// in which phase, so the caller can resume from the last saved phase.
type SessionError struct {
	SessionID string
	Kind      ErrorKind
	Phase     Phase
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s failed in %s (%s): %v", e.SessionID, e.Phase, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Failure converts the error into its persisted form.
func (e *SessionError) Failure() *Failure {
	return &Failure{Kind: e.Kind, Phase: e.Phase, Message: e.Err.Error()}
}
