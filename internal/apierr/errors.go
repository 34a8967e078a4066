// Package apierr defines the stable error-code taxonomy shared by every
// core component, so the HTTP envelope (and tests) can switch on a code
// string instead of parsing error messages.
package apierr

import "fmt"

// Code is a stable machine-readable error identifier (spec.md §7).
type Code string

const (
	CodeMissingCredentials Code = "missing_credentials"
	CodeInvalidFormat      Code = "invalid_format"
	CodeInvalidCredentials Code = "invalid_credentials"
	CodeClientSuspended    Code = "client_suspended"
	CodeRateLimitExceeded  Code = "rate_limit_exceeded"

	CodeNotAuthorized  Code = "not_authorized"
	CodeCycleDetected  Code = "cycle_detected"

	CodeValidationError          Code = "validation_error"
	CodeDisallowedPattern        Code = "disallowed_pattern"
	CodeExceedsMaximumLength     Code = "exceeds_maximum_length"
	CodeTypeMismatch             Code = "type_mismatch"
	CodeMissingRequiredArgument  Code = "missing_required_argument"

	CodeNotFound                     Code = "not_found"
	CodeConflict                     Code = "conflict"
	CodeReloadInProgress             Code = "reload_in_progress"
	CodeForbidden                    Code = "forbidden"
	CodeUnprocessable                Code = "unprocessable"
	CodePublishedStructuralChange    Code = "published_mcp_structural_change"

	CodeUpstreamTimeout      Code = "upstream_timeout"
	CodeUpstreamDisconnected Code = "upstream_disconnected"
	CodeCapacityExceeded     Code = "capacity_exceeded"
	CodeShuttingDown         Code = "shutting_down"

	CodeToolNotFound Code = "tool_not_found"

	CodeInternal Code = "internal_error"
)

// Error is the typed error every core component returns on the hot path.
// Message is safe to show to callers; Detail is for logs only.
type Error struct {
	Code    Code
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with the given code and caller-facing message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error with an additional internal-only detail string.
func Wrap(code Code, message string, detail error) *Error {
	d := ""
	if detail != nil {
		d = detail.Error()
	}
	return &Error{Code: code, Message: message, Detail: d}
}

// Internal builds a generic internal_error, hiding detail from the caller
// while preserving it for logs (spec.md §7: "always logs full detail but
// exposes only a generic message").
func Internal(detail error) *Error {
	d := ""
	if detail != nil {
		d = detail.Error()
	}
	return &Error{Code: CodeInternal, Message: "internal error", Detail: d}
}

// As extracts an *Error from err, if any.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// HTTPStatus maps a Code to the HTTP status spec.md §6/§8 prescribes.
func HTTPStatus(code Code) int {
	switch code {
	case CodeMissingCredentials, CodeInvalidFormat, CodeInvalidCredentials:
		return 401
	case CodeClientSuspended, CodeForbidden, CodeNotAuthorized:
		return 403
	case CodeRateLimitExceeded:
		return 429
	case CodeNotFound, CodeToolNotFound:
		return 404
	case CodeConflict, CodeReloadInProgress:
		return 409
	case CodeValidationError, CodeDisallowedPattern, CodeExceedsMaximumLength,
		CodeTypeMismatch, CodeMissingRequiredArgument, CodeUnprocessable,
		CodePublishedStructuralChange:
		return 422
	case CodeUpstreamTimeout:
		return 504
	case CodeUpstreamDisconnected:
		return 502
	case CodeCapacityExceeded:
		return 503
	case CodeShuttingDown:
		return 503
	default:
		return 500
	}
}
