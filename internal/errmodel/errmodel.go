// Package errmodel defines the error kinds shared by every component.
//
// Components classify failures once, where they happen, and callers decide
// what to do from the kind: transient upstream failures are retried, storage
// failures get a bounded retry, everything else surfaces.
package errmodel

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error.
type Kind string

const (
	KindUnknown           Kind = ""
	KindTransientUpstream Kind = "transient_upstream"
	KindMalformedData     Kind = "malformed_data"
	KindConfiguration     Kind = "configuration"
	KindStorage           Kind = "storage"
	KindCertificate       Kind = "certificate"
)

// ErrNotFound is returned by bundle openers when the named object does not exist.
var ErrNotFound = errors.New("not found")

// Error carries a kind, the failing operation and the affected subject
// (a sink name, a range id, a stream).
type Error struct {
	Kind    Kind
	Op      string
	Subject string
	Err     error

	// RetryAfter is set when upstream told us how long to wait.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Subject != "" {
		msg += " [" + e.Subject + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an error of the given kind.
func New(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

func Transient(op string, err error) *Error {
	return New(KindTransientUpstream, op, "", err)
}

// TransientAfter is a transient error that should not be retried before d.
func TransientAfter(op string, err error, d time.Duration) *Error {
	e := Transient(op, err)
	e.RetryAfter = d
	return e
}

func Malformed(op string, err error) *Error {
	return New(KindMalformedData, op, "", err)
}

func Malformedf(op, format string, args ...any) *Error {
	return Malformed(op, fmt.Errorf(format, args...))
}

func Configuration(op string, err error) *Error {
	return New(KindConfiguration, op, "", err)
}

func Configf(format string, args ...any) *Error {
	return Configuration("config", fmt.Errorf(format, args...))
}

func Storage(op, subject string, err error) *Error {
	return New(KindStorage, op, subject, err)
}

func Certificate(op string, err error) *Error {
	return New(KindCertificate, op, "", err)
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfter returns the upstream-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// WithSubject returns a copy of err naming subject. Unclassified errors are
// returned wrapped with the subject in the message.
func WithSubject(err error, subject string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Subject = subject
		return &cp
	}
	return fmt.Errorf("%s: %w", subject, err)
}

// HTTPStatus maps an error to the status the proxy answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindTransientUpstream:
		return http.StatusBadGateway
	case KindMalformedData:
		return http.StatusBadGateway
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindStorage:
		return http.StatusServiceUnavailable
	case KindCertificate:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
