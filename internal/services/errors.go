package services

import (
	"errors"
	"fmt"

	"github.com/huangang/reviewpulse/internal/models"
)

// ErrorKind classifies coordinator failures for callers and the HTTP layer.
type ErrorKind string

const (
	KindLockUnavailable        ErrorKind = "LOCK_UNAVAILABLE"
	KindAlreadyQueued          ErrorKind = "ALREADY_QUEUED"
	KindInvalidTransition      ErrorKind = "INVALID_TRANSITION"
	KindConcurrentModification ErrorKind = "CONCURRENT_MODIFICATION"
	KindNotFound               ErrorKind = "NOT_FOUND"
	KindStorageUnavailable     ErrorKind = "STORAGE_UNAVAILABLE"
	KindExternalTriggerFailed  ErrorKind = "EXTERNAL_TRIGGER_FAILED"
	KindTargetBusy             ErrorKind = "TARGET_BUSY"
	KindInvalidRequest         ErrorKind = "INVALID_REQUEST"
)

// Error is the coordinator's error type. Compare with errors.Is against the Err* sentinels,
// which match on Kind only.
type Error struct {
	Kind  ErrorKind
	Op    string
	JobID string
	From  models.JobStatus
	To    models.JobStatus
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.JobID != "" {
		msg += " (job " + e.JobID + ")"
	}
	if e.Kind == KindInvalidTransition {
		msg += fmt.Sprintf(": %s -> %s", e.From, e.To)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrLockUnavailable        = &Error{Kind: KindLockUnavailable}
	ErrAlreadyQueued          = &Error{Kind: KindAlreadyQueued}
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrStorageUnavailable     = &Error{Kind: KindStorageUnavailable}
	ErrExternalTriggerFailed  = &Error{Kind: KindExternalTriggerFailed}
	ErrTargetBusy             = &Error{Kind: KindTargetBusy}
	ErrInvalidRequest         = &Error{Kind: KindInvalidRequest}
)

// KindOf returns the coordinator kind carried by err, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func invalidRequest(op, format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidRequest, Op: op, Err: fmt.Errorf(format, args...)}
}
