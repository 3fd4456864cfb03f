// Package syncerr defines the failure taxonomy shared by every sync component.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindAuth        Kind = "auth"
	KindTransient   Kind = "transient_network"
	KindValidation  Kind = "validation"
	KindCorrelation Kind = "correlation"
	KindDelivery    Kind = "delivery"
)

var (
	ErrAuth        = errors.New("credential exchange rejected")
	ErrTransient   = errors.New("transient network failure")
	ErrValidation  = errors.New("validation failed")
	ErrCorrelation = errors.New("source order not resolvable")
	ErrDelivery    = errors.New("delivery rejected")
)

// Error is the structured failure carried across component boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Entity  string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Entity != "" {
		fmt.Fprintf(&b, " [%s]", e.Entity)
	}
	if len(e.Details) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Details, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

func sentinel(kind Kind) error {
	switch kind {
	case KindAuth:
		return ErrAuth
	case KindTransient:
		return ErrTransient
	case KindValidation:
		return ErrValidation
	case KindCorrelation:
		return ErrCorrelation
	case KindDelivery:
		return ErrDelivery
	default:
		return nil
	}
}

func Auth(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Validation(op, entity string, details []string) error {
	return &Error{Kind: KindValidation, Op: op, Entity: entity, Details: append([]string(nil), details...)}
}

func Correlation(op, entity string) error {
	return &Error{Kind: KindCorrelation, Op: op, Entity: entity}
}

func Delivery(op, entity string, err error) error {
	return &Error{Kind: KindDelivery, Op: op, Entity: entity, Err: err}
}

// KindOf returns the outermost taxonomy kind in err's chain, or "" when err
// carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuth reports whether err must end the current cycle without further retries.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}
