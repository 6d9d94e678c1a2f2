package databend

import (
	"errors"
	"fmt"
)

// ErrorKind classifies client errors so callers can branch on failure class
// without string matching.
type ErrorKind int

const (
	// KindBadArgument is a malformed DSN, header, or other local input,
	// detected before any network call.
	KindBadArgument ErrorKind = iota
	// KindIO is a local file or stream failure.
	KindIO
	// KindRequest is a network or transport failure.
	KindRequest
	// KindDecode means the response bytes are not valid JSON or fail
	// structural decoding.
	KindDecode
	// KindQueryFailed is a 200 response whose body carries a server-side
	// error object.
	KindQueryFailed
	// KindLogic is a non-200 response with a structured error code.
	KindLogic
	// KindResponse is a non-200 response with an unstructured body.
	KindResponse
	// KindQueryNotFound is a 404 on a page fetch. Session expiry, rerouting,
	// and server restart are indistinguishable here and reported as one kind.
	KindQueryNotFound
	// KindAuthFailure is a structured auth error, surfaced after refresh and
	// reload options are exhausted.
	KindAuthFailure
)

var kindNames = map[ErrorKind]string{
	KindBadArgument:   "BadArgument",
	KindIO:            "IO",
	KindRequest:       "Request",
	KindDecode:        "Decode",
	KindQueryFailed:   "QueryFailed",
	KindLogic:         "Logic",
	KindResponse:      "Response",
	KindQueryNotFound: "QueryNotFound",
	KindAuthFailure:   "AuthFailure",
}

// String returns the name of the error kind.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the client's error type. Context wrappers (method, URL) preserve
// the kind and the cause, so errors.As and KindOf recover the root failure
// through any number of wraps.
type Error struct {
	Kind    ErrorKind
	Message string
	// Status is the HTTP status code, when the error originated from a
	// non-200 response.
	Status int
	cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// withContext annotates err with the HTTP method and URL of the failed call.
// The original kind and cause chain are preserved.
func withContext(err error, method, url string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Kind:    e.Kind,
			Message: fmt.Sprintf("%s %s", method, url),
			Status:  e.Status,
			cause:   err,
		}
	}
	return wrapError(KindRequest, err, "%s %s", method, url)
}

// KindOf reports the ErrorKind of err, unwrapping as needed. The second
// return value is false if err is not a client error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// ServerError is the structured error object the server embeds in response
// bodies, both inside 200-level query responses and in non-200 replies.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("code: %d, message: %s, detail: %s", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
}

// Server error codes that mark a session token as refresh-eligible on a 401.
const (
	errCodeSessionTokenExpired  = 5100
	errCodeSessionTokenNotFound = 5101
)

// refreshEligible reports whether a 401 carrying this error can be resolved
// by a session-token refresh round trip.
func (e *ServerError) refreshEligible() bool {
	return e.Code == errCodeSessionTokenExpired || e.Code == errCodeSessionTokenNotFound
}
