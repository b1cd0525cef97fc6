package dotpaths

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of failure classes the engine reports.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindNotPending
	KindCodeNotFound
	KindMissingCounterDocument
	KindAuthMismatch
	KindBatchDelete
	KindInvalidInput
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNotPending:
		return "not_pending"
	case KindCodeNotFound:
		return "code_not_found"
	case KindMissingCounterDocument:
		return "missing_counter_document"
	case KindAuthMismatch:
		return "auth_mismatch"
	case KindBatchDelete:
		return "batch_delete"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrNotPending             = &Error{Kind: KindNotPending}
	ErrCodeNotFound           = &Error{Kind: KindCodeNotFound}
	ErrMissingCounterDocument = &Error{Kind: KindMissingCounterDocument}
	ErrAuthMismatch           = &Error{Kind: KindAuthMismatch}
	ErrBatchDelete            = &Error{Kind: KindBatchDelete}
	ErrInvalidInput           = &Error{Kind: KindInvalidInput}
)

// Error carries the kind plus whatever context identifies the failing record.
type Error struct {
	Kind       ErrorKind
	Collection string
	ID         string
	Code       string
	Status     Status
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Collection != "" {
		fmt.Fprintf(&b, " collection=%s", e.Collection)
	}
	if e.ID != "" {
		fmt.Fprintf(&b, " id=%s", e.ID)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%q", e.Code)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, " status=%s", e.Status)
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
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NotFoundError(collection, id string) error {
	return &Error{Kind: KindNotFound, Collection: collection, ID: id}
}

func NotPendingError(id string, status Status) error {
	return &Error{Kind: KindNotPending, Collection: CollectionUploads, ID: id, Status: status}
}

func CodeNotFoundError(code string) error {
	return &Error{Kind: KindCodeNotFound, Collection: CollectionCodes, Code: code}
}

func MissingCounterError(name string) error {
	return &Error{Kind: KindMissingCounterDocument, Collection: CollectionCounters, ID: name}
}

func BatchDeleteError(collection string, err error) error {
	return &Error{Kind: KindBatchDelete, Collection: collection, Err: err}
}

func InvalidInputError(format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Retryable reports whether a trigger failing with err should be redelivered.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindNotFound:
		return true
	case KindNotPending, KindCodeNotFound, KindMissingCounterDocument, KindAuthMismatch, KindInvalidInput:
		return false
	case KindBatchDelete:
		return true
	default:
		return true
	}
}
