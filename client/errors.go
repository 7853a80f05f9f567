package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed call.
type ErrorKind int

const (
	// KindApplication is a non-zero envelope code or a non-2xx status carrying a server message
	KindApplication ErrorKind = iota + 1
	// KindAuthentication is an HTTP 401 that was not resolved by a refresh
	KindAuthentication
	// KindRefresh means the refresh call failed and the session was terminated
	KindRefresh
	// KindConnectivity means no response was received (dial error, timeout, cancellation)
	KindConnectivity
	// KindValidation means a response body could not be understood
	KindValidation
	// KindStore means the credential store could not be read or written
	KindStore
)

func (k ErrorKind) String() string {
	switch k {
	case KindApplication:
		return "application"
	case KindAuthentication:
		return "authentication"
	case KindRefresh:
		return "refresh"
	case KindConnectivity:
		return "connectivity"
	case KindValidation:
		return "validation"
	case KindStore:
		return "store"
	}
	return "unknown"
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrApplication   = &Error{Kind: KindApplication}
	ErrUnauthorized  = &Error{Kind: KindAuthentication}
	ErrRefreshFailed = &Error{Kind: KindRefresh}
	ErrConnectivity  = &Error{Kind: KindConnectivity}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrStore         = &Error{Kind: KindStore}
)

var (
	// ErrNoRefreshToken is the refresh failure cause when the store holds no refresh token
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrSessionEnded is the refresh failure cause when the session was cleared
	// after the request was issued
	ErrSessionEnded = errors.New("session already ended")
)

// defaultMessage is used when the server gives no usable message.
const defaultMessage = "request failed"

// Error is returned by every Client call that fails.
type Error struct {
	Kind    ErrorKind
	Status  int    // HTTP status, 0 when no response was received
	Code    int    // envelope code, 0 when absent
	Message string // server message or a generic description
	Method  string
	Path    string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = defaultMessage
	}
	if e.Path == "" {
		return fmt.Sprintf("portal %s error: %s", e.Kind, msg)
	}
	return fmt.Sprintf("portal %s error: %s %s: %s", e.Kind, e.Method, e.Path, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func connectivityError(c *call, err error) *Error {
	return &Error{
		Kind:    KindConnectivity,
		Message: "no response from server",
		Method:  c.method,
		Path:    c.path,
		Err:     err,
	}
}

func storeError(message string, err error) *Error {
	return &Error{Kind: KindStore, Message: message, Err: err}
}

func statusError(c *call, kind ErrorKind, status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{
		Kind:    kind,
		Status:  status,
		Message: message,
		Method:  c.method,
		Path:    c.path,
	}
}

// refreshFailure wraps the original 401 and the refresh cause so callers can
// match ErrRefreshFailed, ErrUnauthorized and the cause itself.
func refreshFailure(cause *Error, reason error) *Error {
	var wrapped []error
	if cause != nil {
		wrapped = append(wrapped, cause)
	}
	if reason != nil {
		wrapped = append(wrapped, reason)
	}
	e := &Error{
		Kind:    KindRefresh,
		Status:  http.StatusUnauthorized,
		Message: "session expired",
		Err:     errors.Join(wrapped...),
	}
	if cause != nil {
		e.Method = cause.Method
		e.Path = cause.Path
	}
	if reason != nil {
		e.Message = "session expired: " + reason.Error()
	}
	return e
}
