package validation

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ConfigValidator collects configuration errors fluently so that a single
// Validate call reports every problem at once.
type ConfigValidator struct {
	name   string
	errors []error
}

// NewConfigValidator creates a validator whose errors are prefixed with name.
func NewConfigValidator(name string) *ConfigValidator {
	return &ConfigValidator{name: name}
}

func (cv *ConfigValidator) addf(field, format string, args ...any) *ConfigValidator {
	cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %s", cv.name, field, fmt.Sprintf(format, args...)))
	return cv
}

// Required fails when value is empty.
func (cv *ConfigValidator) Required(field, value string) *ConfigValidator {
	if value == "" {
		return cv.addf(field, "required field is empty")
	}
	return cv
}

// HostPort fails unless value is a host:port pair.
func (cv *ConfigValidator) HostPort(field, value string) *ConfigValidator {
	if _, _, err := net.SplitHostPort(value); err != nil {
		return cv.addf(field, "%q is not host:port", value)
	}
	return cv
}

// Positive fails when value <= 0.
func (cv *ConfigValidator) Positive(field string, value int) *ConfigValidator {
	if value <= 0 {
		return cv.addf(field, "value %d must be positive", value)
	}
	return cv
}

// RangeInt fails when value is outside [min, max].
func (cv *ConfigValidator) RangeInt(field string, value, min, max int) *ConfigValidator {
	if value < min || value > max {
		return cv.addf(field, "value %d is outside range [%d, %d]", value, min, max)
	}
	return cv
}

// MinDuration fails when value < min.
func (cv *ConfigValidator) MinDuration(field string, value, min time.Duration) *ConfigValidator {
	if value < min {
		return cv.addf(field, "duration %v is below minimum %v", value, min)
	}
	return cv
}

// DurationBelow fails unless value < limit. Used for timeouts that must
// fit inside an interval.
func (cv *ConfigValidator) DurationBelow(field string, value, limit time.Duration, limitName string) *ConfigValidator {
	if value >= limit {
		return cv.addf(field, "duration %v must be less than %s (%v)", value, limitName, limit)
	}
	return cv
}

// OneOf fails unless value is in allowed.
func (cv *ConfigValidator) OneOf(field, value string, allowed ...string) *ConfigValidator {
	for _, a := range allowed {
		if value == a {
			return cv
		}
	}
	return cv.addf(field, "value %q must be one of %v", value, allowed)
}

// Custom records the error returned by fn, if any.
func (cv *ConfigValidator) Custom(field string, fn func() error) *ConfigValidator {
	if err := fn(); err != nil {
		cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %w", cv.name, field, err))
	}
	return cv
}

// Nested validates a sub-configuration and records its error.
func (cv *ConfigValidator) Nested(field string, v Validatable) *ConfigValidator {
	if v == nil {
		return cv.addf(field, "missing")
	}
	if err := v.Validate(); err != nil {
		cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %w", cv.name, field, err))
	}
	return cv
}

// When applies validations only if condition holds.
func (cv *ConfigValidator) When(condition bool, validations func(*ConfigValidator)) *ConfigValidator {
	if condition {
		validations(cv)
	}
	return cv
}

func (cv *ConfigValidator) HasErrors() bool { return len(cv.errors) > 0 }

func (cv *ConfigValidator) Errors() []error { return cv.errors }

// Validate joins every collected error, or returns nil.
func (cv *ConfigValidator) Validate() error {
	return errors.Join(cv.errors...)
}

// Validatable is implemented by configuration types.
type Validatable interface {
	Validate() error
}

// DefaultOr returns value unless it is the zero value.
func DefaultOr[T comparable](value, def T) T {
	var zero T
	if value == zero {
		return def
	}
	return value
}

// DefaultOrDuration returns value if positive, otherwise def.
func DefaultOrDuration(value, def time.Duration) time.Duration {
	if value <= 0 {
		return def
	}
	return value
}

// DefaultOrInt returns value if positive, otherwise def.
func DefaultOrInt(value, def int) int {
	if value <= 0 {
		return def
	}
	return value
}
