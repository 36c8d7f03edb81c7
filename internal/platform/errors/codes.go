// Package errors provides the coded error type shared by chat transports.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeAuthenticationFailure means the identity token is invalid or expired.
	// Callers must refresh the token instead of retrying with it.
	CodeAuthenticationFailure Code = "AUTHENTICATION_FAILURE"
	// CodeAuthorizationFailure means the caller is not allowed to act on a channel.
	CodeAuthorizationFailure Code = "AUTHORIZATION_FAILURE"
	// CodeTransientTransport covers socket close/error; always retried.
	CodeTransientTransport Code = "TRANSIENT_TRANSPORT_FAILURE"
	// CodeMalformedFrame means a frame could not be decoded.
	CodeMalformedFrame Code = "MALFORMED_FRAME"
	// CodeStoreFailure means the durable store rejected a write or read.
	CodeStoreFailure Code = "STORE_FAILURE"

	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
)

// WireCode returns the code carried by error frames sent to clients.
func (c Code) WireCode() string {
	switch c {
	case CodeAuthorizationFailure:
		return "FORBIDDEN"
	case CodeMalformedFrame:
		return "INVALID_ARGUMENT"
	case "":
		return string(CodeUnknown)
	default:
		return string(c)
	}
}

// HTTPStatus maps the code onto the REST fallback status space.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeAuthenticationFailure:
		return http.StatusUnauthorized
	case CodeAuthorizationFailure:
		return http.StatusForbidden
	case CodeMalformedFrame, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeFailedPrecondition:
		return http.StatusConflict
	case CodeTransientTransport, CodeStoreFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
