package analysis

import (
	"errors"
	"fmt"
)

// Code is a short machine-parseable failure code. Codes surface as the
// job's error_reason and map onto CLI exit codes; no stack traces are
// ever persisted alongside them.
type Code string

const (
	CodeBadInput          Code = "bad_input"
	CodeRulepackMissing   Code = "rulepack_missing"
	CodeRulepackMalformed Code = "rulepack_malformed"
	CodeRegexInvalid      Code = "regex_invalid"
	CodeLexiconUnresolved Code = "lexicon_unresolved"
	CodeExtractionFailed  Code = "extraction_failed"
	CodeDetectionFailed   Code = "detection_failed"
	CodeTokenCap          Code = "token_cap"
	CodeDiskIO            Code = "disk_io_error"
	CodeCancelled         Code = "cancelled"
	CodeInternal          Code = "internal"
)

// ExitCode maps a failure code to the CLI exit-code contract.
func (c Code) ExitCode() int {
	switch c {
	case "":
		return 0
	case CodeBadInput:
		return 2
	case CodeRulepackMissing, CodeRulepackMalformed, CodeRegexInvalid, CodeLexiconUnresolved:
		return 3
	case CodeExtractionFailed:
		return 4
	case CodeDetectionFailed:
		return 5
	case CodeTokenCap:
		return 6
	default:
		return 7
	}
}

// Error is a coded pipeline error. Transient errors (I/O, decode, timeout)
// are eligible for the orchestrator's retry policy; everything else is
// fatal on first occurrence.
type Error struct {
	Code      Code
	Detail    string
	Transient bool
	Wrapped   error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// ErrCancelled is the terminal error for cancelled jobs; it surfaces as
// error_reason "cancelled" with no further detail.
var ErrCancelled = &Error{Code: CodeCancelled}

// Errorf builds a fatal coded error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// TransientErrorf builds a retryable coded error.
func TransientErrorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...), Transient: true}
}

// Wrap attaches a code to an underlying error, preserving the chain.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Detail: err.Error(), Wrapped: err}
}

// WrapTransient attaches a code to a retryable underlying error.
func WrapTransient(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Detail: err.Error(), Wrapped: err, Transient: true}
}

// ErrorCode extracts the failure code from an error chain.
// Unknown errors report CodeInternal.
func ErrorCode(err error) Code {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// IsTransient reports whether the error is eligible for retry.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return false
}
