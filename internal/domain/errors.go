package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	ErrAuthRequired           = errors.New("auth required")
	ErrEntitlementCheckFailed = errors.New("entitlement check failed")
	ErrInsufficientTier       = errors.New("insufficient tier")
	ErrGenerationSubmitFailed = errors.New("generation submit failed")
	ErrPollingFailed          = errors.New("polling failed")
	ErrTaskFailed             = errors.New("task failed")
	ErrDownloadFailed         = errors.New("download failed")
	ErrValidation             = errors.New("validation error")
	ErrBusy                   = errors.New("operation already in progress")
	ErrNoFile                 = errors.New("no file selected")
)

// Error pairs a failure kind with the message shown to the user. Kind is one
// of the sentinel errors above so callers can classify with errors.Is.
type Error struct {
	Kind    error
	Message string
	Err     error
}

// NewError builds an Error of the given kind.
func NewError(kind error, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return e.Kind != nil && e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage returns the most specific user-facing text carried by err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return err.Error()
}

// Recoverable reports whether err is a soft outcome that should not be shown
// as an error banner.
func Recoverable(err error) bool {
	return errors.Is(err, ErrInsufficientTier) || errors.Is(err, ErrAuthRequired)
}
