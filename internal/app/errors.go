package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/molpadia/molpadrive/internal/apperr"
)

// AppError is the error envelope of every API response.
type AppError struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("app error %d: %s", e.Code, e.Message)
}

// Build the envelope of err. Internal errors never leak their cause.
func newAppError(err error) *AppError {
	return &AppError{
		Message: apperr.PublicMessage(err),
		Code:    apperr.KindOf(err).HTTPStatus(),
	}
}

// Turn the field errors of the validator into one ValidationError.
func validationError(err error) error {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return apperr.Validation("invalid request: %v", err)
	}
	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", f.Field(), f.Tag(), f.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s is %s", f.Field(), f.Tag()))
		}
	}
	return apperr.Validation("%s", strings.Join(msgs, "; "))
}
