package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ProblemDetails represents RFC 7807 compliant error response
// RFC 7807: Problem Details for HTTP APIs
type ProblemDetails struct {
	// Type is a URI reference that identifies the problem type
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Status is the HTTP status code
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence of the problem
	Detail string `json:"detail"`
	// Instance is a URI reference that identifies the specific occurrence of the problem
	Instance string `json:"instance,omitempty"`
	// Timestamp when the error occurred
	Timestamp time.Time `json:"timestamp"`
	// Retryable tells the client whether repeating the request may succeed
	Retryable bool `json:"retryable,omitempty"`
	// Errors contains field-specific validation errors
	Errors []FieldError `json:"errors,omitempty"`
}

// FieldError represents a field-specific validation error
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Standard error types with URIs
const (
	TypeValidationError   = "https://api.p2pex.io/errors/validation-error"
	TypeUnauthorized      = "https://api.p2pex.io/errors/unauthorized"
	TypeNotFound          = "https://api.p2pex.io/errors/not-found"
	TypeInsufficientFunds = "https://api.p2pex.io/errors/insufficient-funds"
	TypeOfferUnavailable  = "https://api.p2pex.io/errors/offer-unavailable"
	TypeConflict          = "https://api.p2pex.io/errors/conflict"
	TypeNoResult          = "https://api.p2pex.io/errors/no-result"
	TypeChainUnavailable  = "https://api.p2pex.io/errors/chain-unavailable"
	TypeRateLimited       = "https://api.p2pex.io/errors/rate-limited"
	TypeInternalError     = "https://api.p2pex.io/errors/internal-error"
)

// Standard error titles
const (
	TitleValidationError   = "Validation Error"
	TitleUnauthorized      = "Unauthorized"
	TitleNotFound          = "Not Found"
	TitleInsufficientFunds = "Insufficient Funds"
	TitleOfferUnavailable  = "Offer Unavailable"
	TitleConflict          = "Conflict"
	TitleNoResult          = "No Result"
	TitleChainUnavailable  = "Chain Unavailable"
	TitleRateLimited       = "Too Many Requests"
	TitleInternalError     = "Internal Server Error"
)

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
}

// AddFieldError adds a single validation error
func (p *ProblemDetails) AddFieldError(field, message, code string) *ProblemDetails {
	p.Errors = append(p.Errors, FieldError{
		Field:   field,
		Message: message,
		Code:    code,
	})
	return p
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

// NewValidationError creates a validation error
func NewValidationError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeValidationError, TitleValidationError, http.StatusBadRequest, detail, instance)
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeUnauthorized, TitleUnauthorized, http.StatusUnauthorized, detail, instance)
}

// NewInternalError creates an internal server error
func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, TitleInternalError, http.StatusInternalServerError, detail, instance)
}

// ToProblem classifies err against the taxonomy and renders it as problem details.
// Internal failures never leak their detail to the client.
func ToProblem(err error, instance string) *ProblemDetails {
	var pd *ProblemDetails
	if As(err, &pd) {
		return pd
	}

	var p *ProblemDetails
	switch {
	case Is(err, ErrValidation):
		p = NewValidationError(err.Error(), instance)
	case Is(err, ErrInsufficientFunds):
		p = NewProblemDetails(TypeInsufficientFunds, TitleInsufficientFunds, http.StatusUnprocessableEntity, err.Error(), instance)
	case Is(err, ErrOfferUnavailable):
		p = NewProblemDetails(TypeOfferUnavailable, TitleOfferUnavailable, http.StatusConflict, err.Error(), instance)
	case Is(err, ErrConflict):
		p = NewProblemDetails(TypeConflict, TitleConflict, http.StatusConflict, err.Error(), instance)
	case Is(err, ErrNotFound):
		p = NewProblemDetails(TypeNotFound, TitleNotFound, http.StatusNotFound, err.Error(), instance)
	case Is(err, ErrNoResult):
		p = NewProblemDetails(TypeNoResult, TitleNoResult, http.StatusNotFound, err.Error(), instance)
	case Is(err, ErrChainTransient):
		p = NewProblemDetails(TypeChainUnavailable, TitleChainUnavailable, http.StatusBadGateway, "chain rpc unavailable", instance)
	default:
		p = NewInternalError("internal error", instance)
	}
	p.Retryable = Retryable(err)
	return p
}
