package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	auditadapter "github.com/arboric/arboric/internal/adapter/outbound/audit"
	"github.com/arboric/arboric/internal/domain/policy"
)

// RegisterCustomValidators registers arboric-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"audit_output": validateAuditOutput,
		"key_encoding": validateKeyEncoding,
		"pattern":      validatePattern,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	v.RegisterStructValidation(validateCondition, ConditionConfig{})
	return nil
}

// validateAuditOutput accepts the outputs the audit adapter can open.
func validateAuditOutput(fl validator.FieldLevel) bool {
	return auditadapter.ValidOutput(fl.Field().String())
}

func validateKeyEncoding(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case EncodingBytes, EncodingHex, EncodingBase64:
		return true
	}
	return false
}

func validatePattern(fl validator.FieldLevel) bool {
	_, err := policy.ParsePattern(fl.Field().String())
	return err == nil
}

// validateCondition reports a condition that names no form, or more than one.
func validateCondition(sl validator.StructLevel) {
	c := sl.Current().Interface().(ConditionConfig)

	forms := 0
	if c.ClaimIsPresent != "" {
		forms++
	}
	if c.Claim != "" || c.Equals != nil || c.Includes != nil {
		forms++
		switch {
		case c.Claim == "":
			sl.ReportError(c.Claim, "Claim", "claim", "claim_operand", "")
		case (c.Equals == nil) == (c.Includes == nil):
			sl.ReportError(c.Claim, "Claim", "claim", "claim_operand", "")
		}
	}
	if c.Expr != "" {
		forms++
	}
	if forms != 1 {
		sl.ReportError(c, "ConditionConfig", "", "condition_form", "")
	}
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateSigningKey(); err != nil {
		return err
	}

	return nil
}

// validateSigningKey requires exactly one key source.
func (c *Config) validateSigningKey() error {
	switch c.JWT.SigningKey.sources() {
	case 0:
		return errors.New("jwt.signing_key: one of value, from_env or file is required")
	case 1:
		return nil
	default:
		return errors.New("jwt.signing_key: specify value, from_env or file, not several")
	}
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'none', 'stdout', 'influxdb', 'file:///<dir>' or 'sqlite:///<path>'", field)
	case "key_encoding":
		return fmt.Sprintf("%s must be 'bytes', 'hex' or 'base64'", field)
	case "pattern":
		return fmt.Sprintf("%s: invalid pattern %q", field, e.Value())
	case "claim_operand":
		return fmt.Sprintf("%s: claim needs a name and exactly one of equals or includes", strings.TrimSuffix(field, ".Claim"))
	case "condition_form":
		return fmt.Sprintf("%s must set exactly one of claim_is_present, claim or expr", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
