// Package validate checks broker requests before they reach a manager.
package validate

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/manchtools/splitplay/broker/internal/apierr"
)

// usernamePattern is the account name policy for managed accounts.
var usernamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// validate is the shared validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterValidation("username", validateUsername)
	validate.RegisterValidation("abspath", validateAbsPath)
	validate.RegisterValidation("dirspec", validateDirSpec)
}

// Username reports whether name is an acceptable managed account name.
func Username(name string) bool {
	return usernamePattern.MatchString(name)
}

// validateUsername validates a managed account name.
func validateUsername(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true // Let 'required' handle empty values
	}
	return Username(value)
}

// validateAbsPath validates an absolute path without NUL bytes.
func validateAbsPath(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return filepath.IsAbs(value) && !strings.ContainsRune(value, 0)
}

// validateDirSpec validates a "source[|alias]" shared directory spec.
func validateDirSpec(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	source, _, _ := strings.Cut(value, "|")
	return filepath.IsAbs(strings.TrimSpace(source)) && !strings.ContainsRune(value, 0)
}

// Struct validates a struct using the go-playground validator. Failures are
// InvalidArgs errors.
func Struct(v any) error {
	if err := validate.Struct(v); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(validationErrors)
		}
		return apierr.InvalidArgs("%v", err)
	}
	return nil
}

// formatValidationErrors formats validation errors into a human-readable error.
func formatValidationErrors(errs validator.ValidationErrors) error {
	var messages []string
	for _, e := range errs {
		messages = append(messages, formatFieldError(e))
	}
	return apierr.InvalidArgs("validation failed: %s", strings.Join(messages, "; "))
}

// formatFieldError formats a single field error into a human-readable message.
func formatFieldError(e validator.FieldError) string {
	field := toSnakeCase(e.Field())

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "username":
		return fmt.Sprintf("%s must match %s", field, usernamePattern.String())
	case "abspath":
		return fmt.Sprintf("%s must be an absolute path", field)
	case "dirspec":
		return fmt.Sprintf("%s must be an absolute source path with an optional |alias", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be > %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, e.Param())
	case "ne":
		return fmt.Sprintf("%s must not be %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}

// toSnakeCase converts a PascalCase or camelCase string to snake_case.
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result.WriteByte('_')
		}
		if r >= 'A' && r <= 'Z' {
			result.WriteRune(r + 32) // Convert to lowercase
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
