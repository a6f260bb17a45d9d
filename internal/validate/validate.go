// Package validate wraps the one validator instance shared by the client and
// the dev backend.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yourorg/artmarket/conversation-sync/internal/apperr"
)

var v = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// FieldError is one failed rule, in the shape sent back in error envelopes.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Error is returned by Struct. It unwraps to apperr.ErrMalformed.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return strings.Join(msgs, "; ")
}

func (e *Error) Unwrap() error { return apperr.ErrMalformed }

// Struct checks s against its validate tags and any registered struct rules.
func Struct(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	if fields := Format(err); fields != nil {
		return &Error{Fields: fields}
	}
	return fmt.Errorf("%w: %w", apperr.ErrMalformed, err)
}

// RegisterStructValidation adds a cross-field rule for the given types. Call
// it from package init only: the validator is not safe to configure once in use.
func RegisterStructValidation(fn validator.StructLevelFunc, types ...any) {
	v.RegisterStructValidation(fn, types...)
}

// Format converts validator.ValidationErrors into FieldErrors. Other errors give nil.
func Format(err error) []FieldError {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make([]FieldError, len(ve))
	for i, fe := range ve {
		out[i] = FieldError{
			Field: fe.Field(),
			Tag:   fe.Tag(),
			Value: fmt.Sprintf("%v", fe.Value()),
		}
		switch fe.Tag() {
		case "required", "required_without":
			out[i].Message = fmt.Sprintf("%s is required", fe.Field())
		case "max":
			out[i].Message = fmt.Sprintf("%s must be at most %s characters long", fe.Field(), fe.Param())
		case "oneof":
			out[i].Message = fmt.Sprintf("%s must be one of %s", fe.Field(), fe.Param())
		case "conversation":
			out[i].Message = fmt.Sprintf("%s does not match the participants", fe.Field())
		default:
			out[i].Message = fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag())
		}
	}
	return out
}
