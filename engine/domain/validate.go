package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// ValidateStruct checks the `validate` tags of s and returns the first failure
// as a *ValidationError. Missing required values wrap ErrMissingField, every
// other failed rule wraps ErrInvalidField.
func ValidateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate: %w", err)
	}
	fe := verrs[0]
	sentinel := ErrInvalidField
	if fe.Tag() == "required" {
		sentinel = ErrMissingField
	}
	return NewValidationError(fieldPath(fe.Namespace()), fmt.Sprint(fe.Value()), sentinel)
}

// fieldPath drops the top-level struct name: "QueryRequest.top_k" -> "top_k".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// ValidateTurns checks every turn's role.
func ValidateTurns(turns []Turn) error {
	for i, t := range turns {
		if err := validate.Struct(t); err != nil {
			return NewValidationError(fmt.Sprintf("messages[%d].role", i), t.Role, ErrInvalidField)
		}
	}
	return nil
}

// ValidateUploadName checks that filename is non-empty and carries one of the
// allowed extensions (case-insensitive, without the dot).
func ValidateUploadName(filename string, allowed []string) error {
	if strings.TrimSpace(filename) == "" {
		return NewValidationError("file", filename, ErrMissingField)
	}
	dot := strings.LastIndexByte(filename, '.')
	if dot == -1 {
		return NewValidationError("file", filename, ErrUnsupportedFileType)
	}
	ext := strings.ToLower(filename[dot+1:])
	for _, a := range allowed {
		if ext == strings.ToLower(a) {
			return nil
		}
	}
	return NewValidationError("file", filename, ErrUnsupportedFileType)
}
