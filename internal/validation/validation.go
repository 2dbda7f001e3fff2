// Package validation registers the request validation rules used by gin's binding
// engine and turns validator failures into client-facing messages.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/license-server/license-server/internal/db/models"
)

const (
	// TagLicenseCode validates an opaque license code
	TagLicenseCode = "license_code"
	// TagLicenseStatus validates a license status, canonical or legacy
	TagLicenseStatus = "license_status"

	maxLicenseCodeLength = 64
)

// Register installs the json tag name func and the custom rules on v
func Register(v *validator.Validate) error {
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	rules := map[string]validator.Func{
		TagLicenseCode:   validateLicenseCode,
		TagLicenseStatus: validateLicenseStatus,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register validation tag %q: %w", tag, err)
		}
	}
	return nil
}

// RegisterWithGin installs the rules on gin's default validator engine
func RegisterWithGin() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("gin validator engine is not go-playground/validator")
	}
	return Register(v)
}

// validateLicenseCode accepts codes of any format: surrounding whitespace is
// ignored, the rest must be 1-64 printable characters without inner whitespace.
func validateLicenseCode(fl validator.FieldLevel) bool {
	code := strings.TrimSpace(fl.Field().String())
	if code == "" {
		// required handles presence
		return true
	}
	if len(code) > maxLicenseCodeLength {
		return false
	}
	for _, r := range code {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func validateLicenseStatus(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return models.NormalizeLicenseStatus(value).Valid()
}

// Message converts a binding or validation error into a single client message
func Message(err error) string {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		parts := make([]string, 0, len(validationErrors))
		for _, fe := range validationErrors {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fieldMessage(fe)))
		}
		return strings.Join(parts, "; ")
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return "Malformed JSON body"
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("%s: wrong type, expected %s", typeErr.Field, typeErr.Type.String())
	}

	msg := err.Error()
	if strings.HasPrefix(msg, "json: unknown field ") {
		return "Unknown field " + strings.TrimPrefix(msg, "json: unknown field ")
	}
	if msg == "EOF" {
		return "Request body is required"
	}
	return "Invalid request body"
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return fmt.Sprintf("is required when %s is absent", fe.Param())
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "uuid", "uuid4":
		return "must be a valid UUID"
	case TagLicenseCode:
		return "must be a license code of at most 64 characters without spaces"
	case TagLicenseStatus:
		return "must be one of available, reserved, redeemed"
	default:
		return fmt.Sprintf("failed on '%s' rule", fe.Tag())
	}
}
