package session

import (
	"fmt"

	"github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Behaviour codes carried by Error so callers can react without matching on
// message text
const (
	// CodeNotFound means the session ID does not exist
	CodeNotFound = iota
	// CodeNoSlots means the server is at its concurrent session cap
	CodeNoSlots
	// CodeAlreadyDone means the session's episode has finished
	CodeAlreadyDone
	// CodeContainer means a docker or worker communication failure
	CodeContainer
)

// WrapError wraps an error for the sake of showing a stack trace at the top level
// the go-errors package, for some reason, does not return nil when you try to wrap
// a non-error, so we're just doing it here
func WrapError(err error) error {
	if err == nil {
		return err
	}

	return errors.Wrap(err, 0)
}

// Error is an error which carries a code so that calling code has an easier job to do
// adapted from https://medium.com/yakka/better-go-error-handling-with-xerrors-1987650e0c79
type Error struct {
	Message string
	Code    int
	frame   xerrors.Frame
}

// FormatError is a function
func (e Error) FormatError(p xerrors.Printer) error {
	p.Print(e.Message)
	e.frame.Format(p)
	return nil
}

// Format is a function
func (e Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

func (e Error) Error() string {
	return e.Message
}

// HasCode is a function
func HasCode(err error, code int) bool {
	var sessionErr Error
	if xerrors.As(err, &sessionErr) {
		return sessionErr.Code == code
	}
	return false
}

// NewNotFoundError is returned when a session ID does not exist
func NewNotFoundError(sessionID string) Error {
	return Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("Session not found: %s", sessionID),
		frame:   xerrors.Caller(1),
	}
}

// NewNoSlotsError is returned when the maximum number of sessions is reached
func NewNoSlotsError(maxSessions int) Error {
	return Error{
		Code:    CodeNoSlots,
		Message: fmt.Sprintf("No slots available (max %d sessions)", maxSessions),
		frame:   xerrors.Caller(1),
	}
}

// NewAlreadyDoneError is returned when stepping a session whose episode has
// finished
func NewAlreadyDoneError(sessionID string) Error {
	return Error{
		Code:    CodeAlreadyDone,
		Message: fmt.Sprintf("Session already done: %s", sessionID),
		frame:   xerrors.Caller(1),
	}
}

// NewContainerError is returned when a docker operation or a worker exchange
// fails
func NewContainerError(format string, args ...interface{}) Error {
	return Error{
		Code:    CodeContainer,
		Message: fmt.Sprintf(format, args...),
		frame:   xerrors.Caller(1),
	}
}
