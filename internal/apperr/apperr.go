// Package apperr is the error taxonomy shared by the queue, the workers and
// the API layer.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindPermanent   Kind = "permanent"
)

type Error struct {
	Kind Kind
	// Field names the offending input for validation errors.
	Field string
	// NoRetry short-circuits the retry budget for permanent failures.
	NoRetry bool
	// RetryAfter is the provider's hint, if it sent one. The queue's
	// configured cooldown still wins.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Field, e.Err.Error())
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func Validation(field, msg string) *Error {
	return &Error{Kind: KindValidation, Field: field, Err: errors.New(msg)}
}

func NotFound(what string, id any) *Error {
	return &Error{Kind: KindNotFound, Err: fmt.Errorf("%s %v not found", what, id)}
}

func RateLimited(err error) *Error {
	return &Error{Kind: KindRateLimited, Err: err}
}

func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

func Permanent(err error) *Error {
	return &Error{Kind: KindPermanent, Err: err}
}

// Fatal is a permanent failure that must not be retried.
func Fatal(err error) *Error {
	return &Error{Kind: KindPermanent, NoRetry: true, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Unclassified
// errors are reported as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func Field(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

func IsNoRetry(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.NoRetry
}

func IsValidation(err error) bool  { return err != nil && KindOf(err) == KindValidation }
func IsNotFound(err error) bool    { return err != nil && KindOf(err) == KindNotFound }
func IsRateLimited(err error) bool { return err != nil && KindOf(err) == KindRateLimited }
