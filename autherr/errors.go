// Package autherr holds the error taxonomy shared by the credential store,
// the session API client, the authenticated caller and the session manager.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	// ErrInvalidCredentials is returned when a credential set is missing a field.
	// It is a programmer error, never a backend rejection.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrSessionRequired is returned when no credentials are stored.
	ErrSessionRequired = errors.New("session required")

	// ErrSessionExpired is returned when a refresh failed or the single retry was exhausted.
	ErrSessionExpired = errors.New("session expired")

	// ErrPermissionDenied is returned for a 403 from the backend.
	ErrPermissionDenied = errors.New("permission denied")
)

// AuthAPIError is a non-2xx response from one of the auth endpoints.
type AuthAPIError struct {
	Message     string
	StatusCode  int
	FieldErrors map[string][]string
}

func (e *AuthAPIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if len(e.FieldErrors) == 0 {
		return fmt.Sprintf("auth api: %d: %s", e.StatusCode, msg)
	}
	fields := make([]string, 0, len(e.FieldErrors))
	for f := range e.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fmt.Sprintf("auth api: %d: %s (fields: %s)", e.StatusCode, msg, strings.Join(fields, ", "))
}

// Status implements StatusCoder.
func (e *AuthAPIError) Status() int {
	return e.StatusCode
}

// TransportError is a network level failure: the backend was never reached
// or the connection broke before a response arrived.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPError is any non-2xx response from a data endpoint other than 401/403.
type HTTPError struct {
	StatusCode int
	Path       string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Path)
}

// Status implements StatusCoder.
func (e *HTTPError) Status() int {
	return e.StatusCode
}

// PermissionError is a 403 from a data endpoint. It matches ErrPermissionDenied
// but not *HTTPError, which covers every other non-2xx status.
type PermissionError struct {
	Path string
	Body []byte
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%v: %s", ErrPermissionDenied, e.Path)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Status implements StatusCoder.
func (e *PermissionError) Status() int {
	return http.StatusForbidden
}

// SessionError ties a terminal session sentinel to the failure that caused it.
// errors.Is matches both the sentinel and the cause.
type SessionError struct {
	Kind  error
	Cause error
}

func (e *SessionError) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
}

func (e *SessionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Expired wraps cause as an ErrSessionExpired.
func Expired(cause error) error {
	return &SessionError{Kind: ErrSessionExpired, Cause: cause}
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	Status() int
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.Status()
	}
	return 0
}

// IsUnauthorized reports whether err carries a 401.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsTerminalSession reports whether err means the user must log in again.
func IsTerminalSession(err error) bool {
	return errors.Is(err, ErrSessionRequired) || errors.Is(err, ErrSessionExpired)
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
