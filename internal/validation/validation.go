package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/reconcile/internal/types"
)

// Field limits for API requests.
const (
	MaxEntityLength = 64
	MaxIDLength     = 256
	MaxTagLength    = 64
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidatePresent returns an error if value is nil.
func ValidatePresent(field string, value any) *ValidationError {
	if value == nil {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// validateName checks a required, bounded, printable identifier.
func validateName(c *Collector, field, value string, max int) {
	if err := ValidateRequired(field, value); err != nil {
		c.Add(err)
		return
	}
	c.Add(ValidateUTF8(field, value))
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateMaxLength(field, value, max))
}

// ValidateResolveRequest checks a conflict submitted for resolution.
// Unparseable timestamps are not rejected; the resolver substitutes the
// current time for them.
func ValidateResolveRequest(req types.ResolveRequest) []ValidationError {
	var c Collector
	validateName(&c, "data_type", req.DataType, MaxEntityLength)
	validateName(&c, "id", req.ID, MaxIDLength)
	c.Add(ValidatePresent("local", req.Local))
	c.Add(ValidatePresent("remote", req.Remote))
	if req.Strategy != "" {
		c.Add(ValidateEnum("strategy", req.Strategy, types.ResolveStrategies))
	}
	return c.Errors()
}

// ValidateEnqueueRequest checks a mutation submitted to the queue.
func ValidateEnqueueRequest(req types.EnqueueRequest) []ValidationError {
	var c Collector
	validateName(&c, "entity", req.Entity, MaxEntityLength)
	c.Add(ValidateEnum("operation", req.Operation, types.Operations))
	return c.Errors()
}

// ValidateSyncRequest checks a sync trigger.
func ValidateSyncRequest(req types.SyncRequest) []ValidationError {
	var c Collector
	validateName(&c, "tag", req.Tag, MaxTagLength)
	return c.Errors()
}
