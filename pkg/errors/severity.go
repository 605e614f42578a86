// Package errors provides severity-aware error types for the quote pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error codes
const (
	ErrCodeRetrievalUnavailable = "RETRIEVAL_UNAVAILABLE"
	ErrCodeInsufficientData     = "INSUFFICIENT_DATA"
	ErrCodeRuleConflict         = "RULE_CONFLICT"
	ErrCodeBoundsViolation      = "OPTIMIZATION_BOUNDS_VIOLATION"
	ErrCodeStageTimeout         = "STAGE_TIMEOUT"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeCancelled            = "CANCELLED"
)

// Sentinels for errors.Is matching against a QuoteError code.
var (
	ErrRetrievalUnavailable = stderrors.New("retrieval unavailable")
	ErrInsufficientData     = stderrors.New("insufficient data")
	ErrRuleConflict         = stderrors.New("rule conflict")
	ErrBoundsViolation      = stderrors.New("optimization bounds violation")
	ErrStageTimeout         = stderrors.New("stage timeout")
	ErrInvalidRequest       = stderrors.New("invalid request")
	ErrCancelled            = stderrors.New("cancelled")
)

var sentinels = map[string]error{
	ErrCodeRetrievalUnavailable: ErrRetrievalUnavailable,
	ErrCodeInsufficientData:     ErrInsufficientData,
	ErrCodeRuleConflict:         ErrRuleConflict,
	ErrCodeBoundsViolation:      ErrBoundsViolation,
	ErrCodeStageTimeout:         ErrStageTimeout,
	ErrCodeInvalidRequest:       ErrInvalidRequest,
	ErrCodeCancelled:            ErrCancelled,
}

// QuoteError is a structured error with pipeline context.
type QuoteError struct {
	Code        string   `json:"code"`
	Stage       string   `json:"stage,omitempty"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Recoverable bool     `json:"recoverable"`
	Err         error    `json:"-"`
}

func (e *QuoteError) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Severity, e.Code, e.Message)
	if e.Stage != "" {
		msg = fmt.Sprintf("[%s] %s: %s (stage: %s)", e.Severity, e.Code, e.Message, e.Stage)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *QuoteError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's code.
func (e *QuoteError) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// NewInsufficientDataError is returned when no price basis exists for a material.
func NewInsufficientDataError(material string) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeInsufficientData,
		Message:     fmt.Sprintf("no historical benchmark and no catalog price for material: %s", material),
		Severity:    SeverityFatal,
		Recoverable: false,
	}
}

// NewRetrievalUnavailableError wraps a retriever failure. Analysis degrades on it.
func NewRetrievalUnavailableError(err error) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeRetrievalUnavailable,
		Message:     "historical retrieval failed, continuing without history",
		Severity:    SeverityWarning,
		Recoverable: true,
		Err:         err,
	}
}

// NewRuleConflictError describes a resolved conflict between rules. It is
// logged and recorded, never returned from a stage.
func NewRuleConflictError(kind, winner string, overridden []string) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeRuleConflict,
		Message:     fmt.Sprintf("%s governed by %s, overriding %v", kind, winner, overridden),
		Severity:    SeverityWarning,
		Recoverable: true,
	}
}

// NewBoundsViolationError describes an optimizer candidate clamped to its bounds.
func NewBoundsViolationError(candidate, bound string) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeBoundsViolation,
		Message:     fmt.Sprintf("candidate %s outside allowed range, clamped to %s", candidate, bound),
		Severity:    SeverityInfo,
		Recoverable: true,
	}
}

// NewStageTimeoutError reports a stage that exceeded its deadline.
func NewStageTimeoutError(stage string, err error) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeStageTimeout,
		Stage:       stage,
		Message:     "stage exceeded its deadline",
		Severity:    SeverityError,
		Recoverable: true,
		Err:         err,
	}
}

// NewCancelledError reports a run cancelled between stages.
func NewCancelledError(stage string, err error) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeCancelled,
		Stage:       stage,
		Message:     "pipeline cancelled before stage",
		Severity:    SeverityError,
		Recoverable: true,
		Err:         err,
	}
}

// NewInvalidRequestError reports a request that failed validation.
func NewInvalidRequestError(reason string) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeInvalidRequest,
		Message:     reason,
		Severity:    SeverityError,
		Recoverable: false,
	}
}

// IsRecoverable reports whether err carries a QuoteError marked recoverable.
func IsRecoverable(err error) bool {
	var qe *QuoteError
	if stderrors.As(err, &qe) {
		return qe.Recoverable
	}
	return false
}

// CodeOf extracts the QuoteError code from err, or "" when err is unstructured.
func CodeOf(err error) string {
	var qe *QuoteError
	if stderrors.As(err, &qe) {
		return qe.Code
	}
	return ""
}
