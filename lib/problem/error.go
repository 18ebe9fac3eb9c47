// Package problem maps errors to plain-text HTTP error responses.
package problem

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// ErrorWithCode is a wrapped error struct that can take an error message as well as an HTTP status code
type ErrorWithCode struct {
	Message    string
	StatusCode int
	cause      error
}

func (e ErrorWithCode) Error() string {
	return e.Message
}

func (e ErrorWithCode) Unwrap() error {
	return e.cause
}

// NewErrorWithCode constructs a new ErrorWithCode custom wrapped error
func NewErrorWithCode(message string, statusCode int) error {
	return &ErrorWithCode{
		Message:    message,
		StatusCode: statusCode,
	}
}

// BadRequestError wraps an error with a status code of 400
func BadRequestError(err error) error {
	return &ErrorWithCode{
		Message:    err.Error(),
		StatusCode: http.StatusBadRequest,
		cause:      err,
	}
}

// BadRequest creates an error with a status code of 400
func BadRequest(msg string, args ...any) error {
	return BadRequestError(fmt.Errorf(msg, args...))
}

// Internal wraps an error with a status code of 500. Its message is not disclosed to the client.
func Internal(err error) error {
	return &ErrorWithCode{
		Message:    err.Error(),
		StatusCode: http.StatusInternalServerError,
		cause:      err,
	}
}

// StatusCode returns the HTTP status code for the error: the code of a wrapped ErrorWithCode, or 500.
func StatusCode(err error) int {
	var errorWithCode *ErrorWithCode
	if errors.As(err, &errorWithCode) && errorWithCode.StatusCode > 0 {
		return errorWithCode.StatusCode
	}
	return http.StatusInternalServerError
}

// Write writes the error as plain-text HTTP response. Only bad request messages are returned to the client,
// other errors are reported by their status text.
func Write(ctx context.Context, httpResponse http.ResponseWriter, err error, desc string) {
	statusCode := StatusCode(err)
	body := http.StatusText(statusCode)
	if statusCode == http.StatusBadRequest {
		body = err.Error()
		log.Ctx(ctx).Info().Msgf("%s rejected: %v", desc, err)
	} else {
		log.Ctx(ctx).Error().Err(err).Msgf("%s failed", desc)
		body = desc + " failed: " + body
	}
	httpResponse.Header().Set("Content-Type", "text/plain; charset=utf-8")
	httpResponse.WriteHeader(statusCode)
	_, _ = httpResponse.Write([]byte(body))
}
