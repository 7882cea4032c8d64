package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() func(interface{}) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return func(s interface{}) error {
		err := v.Struct(s)
		if err == nil {
			return nil
		}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return &ValidationError{Fields: fieldErrs}
		}
		return fmt.Errorf("protocol: validate: %w", err)
	}
}

// ValidationError lists the fields of a client command that failed their
// checks.
type ValidationError struct {
	Fields validator.ValidationErrors
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s failed %q", strings.ToLower(f.Field()), f.Tag()))
	}
	return "protocol: invalid fields: " + strings.Join(parts, ", ")
}
