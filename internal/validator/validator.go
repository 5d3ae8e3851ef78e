// Package validator provides struct-tag validation shared by the manifest
// validator and the queue manager's job-options parsing.
package validator

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("pluginname", validatePluginName)
	validate.RegisterValidation("queuename", validateQueueName)
}

// ValidateStruct validates a struct and returns the raw validator error.
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// ValidateRequest validates a struct and returns a field -> message map,
// or nil if validation passed.
func ValidateRequest(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrors := make(map[string]string)
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrs {
			field := strings.ToLower(e.Field())
			fieldErrors[field] = formatValidationError(e)
		}
	}
	return fieldErrors
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "pluginname":
		return "must match ^[a-z0-9-]+$"
	case "queuename":
		return "must be a non-empty alphanumeric/dash/underscore identifier"
	default:
		return fmt.Sprintf("validation failed on %s", e.Tag())
	}
}

// validatePluginName enforces the manifest name regex: kebab-case,
// lowercase letters, digits, and hyphens only.
func validatePluginName(fl validator.FieldLevel) bool {
	return isPluginName(fl.Field().String())
}

func isPluginName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return false
		}
	}
	return true
}

// IsPluginName exports the manifest name check for use outside struct tags.
func IsPluginName(name string) bool { return isPluginName(name) }

func validateQueueName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_') {
			return false
		}
	}
	return true
}
