package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags and custom cross-field
// rules. Returns an error if validation fails, with actionable messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateBackendNamesUnique(); err != nil {
		return err
	}
	if err := c.validateTokenNamesUnique(); err != nil {
		return err
	}

	return nil
}

// validateBackendNamesUnique ensures no two backends share a service name;
// a duplicate would make namespaced tool names ambiguous to the aggregator.
func (c *Config) validateBackendNamesUnique() error {
	seen := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if _, ok := seen[b.Name]; ok {
			return fmt.Errorf("backends: duplicate service name %q", b.Name)
		}
		seen[b.Name] = struct{}{}
	}
	return nil
}

// validateTokenNamesUnique ensures control-plane token names are unique so
// revocation-by-name (future admin tooling) stays unambiguous.
func (c *Config) validateTokenNamesUnique() error {
	seen := make(map[string]struct{}, len(c.ControlPlane.Tokens))
	for _, t := range c.ControlPlane.Tokens {
		if _, ok := seen[t.Name]; ok {
			return fmt.Errorf("control_plane.tokens: duplicate name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors into
// user-friendly messages.
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

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
