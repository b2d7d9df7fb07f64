// Package errs defines the closed error taxonomy shared by the browser
// manager, tool bus, agent loop and task runner.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies an error class. The set is closed: callers switch on it,
// and the agent recovery policy keys off it.
type Code string

const (
	// Input
	CodeInvalidParameter Code = "INVALID_PARAMETER"
	CodeInvalidRequest   Code = "INVALID_REQUEST"

	// Resource
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
	CodeElementNotFound  Code = "ELEMENT_NOT_FOUND"
	CodeTabNotFound      Code = "TAB_NOT_FOUND"
	CodeRunNotFound      Code = "RUN_NOT_FOUND"
	CodeArtifactNotFound Code = "ARTIFACT_NOT_FOUND"
	CodeTemplateNotFound Code = "TEMPLATE_NOT_FOUND"

	// Browser
	CodeNavigationTimeout Code = "NAVIGATION_TIMEOUT"
	CodePageCrashed       Code = "PAGE_CRASHED"
	CodePageLoadTimeout   Code = "PAGE_LOAD_TIMEOUT"

	// Policy
	CodeTrustLevelNotAllowed Code = "TRUST_LEVEL_NOT_ALLOWED"
	CodeLoginFieldNotFound   Code = "TPL_LOGIN_FIELD_NOT_FOUND"

	// Execution
	CodeExecutionError Code = "EXECUTION_ERROR"
	CodeRunTimeout     Code = "RUN_TIMEOUT"
	CodeRunCanceled    Code = "RUN_CANCELED"
)

// Error carries a taxonomy code, a message, and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Cause }

// New creates a coded error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping a cause. The cause's message is kept
// visible so tool results stay actionable for the LLM.
func Wrap(code Code, message string, cause error) error {
	if cause != nil {
		message = message + ": " + cause.Error()
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the taxonomy code from err, walking the wrap chain.
// Unclassified errors map to EXECUTION_ERROR.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeExecutionError
}

// Classify maps a raw driver/tool error message onto the taxonomy by
// pattern. It is used at the tool-bus boundary where chromedp errors
// arrive untyped.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "navigation") && strings.Contains(msg, "timeout"),
		strings.Contains(msg, "net::err_timed_out"),
		strings.Contains(msg, "net::err_connection_timed_out"):
		return CodeNavigationTimeout
	case strings.Contains(msg, "crashed"), strings.Contains(msg, "target closed"),
		strings.Contains(msg, "target crashed"):
		return CodePageCrashed
	case strings.Contains(msg, "deadline exceeded") && strings.Contains(msg, "load"):
		return CodePageLoadTimeout
	case strings.Contains(msg, "element not found"), strings.Contains(msg, "no element"),
		strings.Contains(msg, "not found in current"):
		return CodeElementNotFound
	case strings.Contains(msg, "session not found"):
		return CodeSessionNotFound
	case strings.Contains(msg, "tab not found"):
		return CodeTabNotFound
	default:
		return CodeExecutionError
	}
}

// IsTemporary reports whether the code represents a condition worth an
// automatic retry (timeouts and transient network failures).
func IsTemporary(code Code) bool {
	switch code {
	case CodeNavigationTimeout, CodePageLoadTimeout, CodeRunTimeout:
		return true
	}
	return false
}
