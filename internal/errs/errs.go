// Package errs provides structured errors for the worker with numeric
// codes for machine parsing, family-tagged process exit codes, and
// user-facing hints for CLI output.
package errs

import (
	"errors"
	"fmt"
)

// Code is a numeric error code. The hundreds digit tags the error family.
type Code uint16

const (
	// Configuration errors (1xx)
	CodeConfigNotFound   Code = 100
	CodeConfigParse      Code = 101
	CodeConfigValidation Code = 102
	CodeConfigPermission Code = 103

	// IO errors (2xx)
	CodeIORead       Code = 200
	CodeIOWrite      Code = 201
	CodeIOPermission Code = 202
	CodeIONotFound   Code = 203

	// Connection errors (3xx)
	CodeConnectionFailed  Code = 300
	CodeConnectionTimeout Code = 301
	CodeConnectionRefused Code = 302
	CodeConnectionLost    Code = 303

	// Protocol errors (4xx)
	CodeProtocolVersion      Code = 400
	CodeProtocolMalformed    Code = 401
	CodeProtocolUnexpected   Code = 402
	CodeAuthenticationFailed Code = 403

	// Execution errors (5xx)
	CodeExecutionFailed    Code = 500
	CodeExecutionTimeout   Code = 501
	CodeExecutionCancelled Code = 502
	CodeExecutionOOM       Code = 503

	// Model errors (6xx)
	CodeModelNotFound     Code = 600
	CodeModelLoadFailed   Code = 601
	CodeModelIncompatible Code = 602

	// Resource errors (7xx)
	CodeResourceMemory   Code = 700
	CodeResourceGPU      Code = 701
	CodeResourceDisk     Code = 702
	CodeResourceCapacity Code = 703

	// GPU/plugin errors (8xx)
	CodeGPUNotFound    Code = 810
	CodePluginNotFound Code = 820
	CodePluginLoad     Code = 822

	// Internal errors (9xx)
	CodeInternal       Code = 900
	CodeNotImplemented Code = 901
	CodeNotSupported   Code = 902
)

// String returns the wire form of the code, e.g. "E501".
func (c Code) String() string {
	return fmt.Sprintf("E%d", uint16(c))
}

// ExitCode maps the code family to a process exit code.
func (c Code) ExitCode() int {
	switch {
	case c >= 100 && c < 200:
		return 10
	case c >= 200 && c < 300:
		return 20
	case c >= 300 && c < 400:
		return 30
	case c >= 400 && c < 500:
		return 40
	case c >= 500 && c < 600:
		return 50
	case c >= 600 && c < 700:
		return 60
	case c >= 700 && c < 800:
		return 70
	case c >= 800 && c < 900:
		return 80
	case c >= 900 && c < 1000:
		return 90
	default:
		return 1
	}
}

// Error is the worker's structured error type.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New creates a structured error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a structured error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a code and message.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the operation may succeed.
func (e *Error) Retryable() bool {
	switch {
	case e.Code >= 200 && e.Code < 400:
		return true
	case e.Code == CodeExecutionTimeout:
		return true
	default:
		return false
	}
}

// Fatal reports whether the worker should exit instead of recovering.
func (e *Error) Fatal() bool {
	switch e.Code {
	case CodeConfigNotFound, CodeConfigParse, CodeConfigValidation, CodeConfigPermission,
		CodeAuthenticationFailed, CodeProtocolVersion, CodeInternal:
		return true
	}
	return false
}

// CodeOf extracts the Code from an error chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether any error in the chain is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// IsFatal reports whether any error in the chain is fatal.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal()
	}
	return false
}

// ExitCodeOf returns the exit code for an error chain, 1 for plain errors.
func ExitCodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code.ExitCode()
	}
	return 1
}

// Hint returns a user-facing suggestion for fixing the error, or "".
func Hint(err error) string {
	switch CodeOf(err) {
	case CodeConfigNotFound:
		return "Run 'ai4all-worker config init' to create a default configuration file."
	case CodeConfigParse:
		return "Check your configuration file syntax. Run 'ai4all-worker config validate' to see details."
	case CodeConfigValidation:
		return "Review the configuration file and fix the invalid values."
	case CodeConnectionFailed:
		return "Check your network connection and verify the coordinator URL is correct."
	case CodeConnectionTimeout:
		return "The coordinator may be down or unreachable. Check your firewall settings."
	case CodeConnectionLost:
		return "Connection was interrupted. The worker will automatically attempt to reconnect."
	case CodeAuthenticationFailed:
		return "Verify your worker credentials. You may need to re-register with the coordinator."
	case CodeProtocolVersion:
		return "Your worker version may be outdated. Run 'ai4all-worker version' and check for updates."
	case CodeModelNotFound:
		return "The requested model is not available. It may need to be downloaded first."
	case CodeModelLoadFailed:
		return "The model file may be corrupted. Try re-downloading it."
	case CodeResourceMemory:
		return "Reduce 'resources.max_memory_mb' in config or close other applications to free memory."
	default:
		return ""
	}
}

// FormatTerminal renders the error for terminal display with ANSI colours
// and an optional hint line.
func FormatTerminal(err error) string {
	out := fmt.Sprintf("\x1b[31mError [%s]\x1b[0m: %v\n", CodeOf(err), err)
	if hint := Hint(err); hint != "" {
		out += fmt.Sprintf("\n\x1b[33mHint\x1b[0m: %s\n", hint)
	}
	return out
}

// FormatLog renders the error for log output without colours.
func FormatLog(err error) string {
	return fmt.Sprintf("[%s] %v", CodeOf(err), err)
}
