package orchestrator

import (
	"errors"
	"fmt"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/resilience"
)

// Code classifies a fatal query error for callers.
type Code string

const (
	CodeValidation         Code = "validation_error"
	CodeProvidersExhausted Code = "all_providers_exhausted"
	CodeBudgetExceeded     Code = "budget_exceeded"
	CodeCancelled          Code = "cancelled"
	CodeInternal           Code = "internal_error"
)

// QueryError is returned when a query produced no usable output. It always
// carries the trace id so failures can be correlated with logs and audits.
type QueryError struct {
	Code    Code
	Message string
	TraceID string
	State   model.State
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %s (trace %s)", e.Code, e.Message, e.TraceID)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// AsQueryError extracts a *QueryError from err's chain.
func AsQueryError(err error) (*QueryError, bool) {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// codeFor maps an underlying failure to its error code.
func codeFor(err error) Code {
	switch {
	case errors.Is(err, resilience.ErrValidation):
		return CodeValidation
	case errors.Is(err, resilience.ErrAllProvidersExhausted):
		return CodeProvidersExhausted
	case errors.Is(err, resilience.ErrBudgetExceeded):
		return CodeBudgetExceeded
	default:
		return CodeInternal
	}
}

func newQueryError(err error, traceID string) *QueryError {
	return &QueryError{
		Code:    codeFor(err),
		Message: err.Error(),
		TraceID: traceID,
		State:   model.StateFailed,
		Err:     err,
	}
}
