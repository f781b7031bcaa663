// Package validation checks operator API input and collects every field
// error instead of stopping at the first.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/keel/internal/types"
)

const (
	MaxAgentNameLength = 128
	MaxTargets         = 64
	MaxPayloadBytes    = 1 << 20
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

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateAgentName accepts printable names without whitespace or null
// bytes, up to MaxAgentNameLength runes.
func ValidateAgentName(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if !utf8.ValidString(value) {
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	}
	if utf8.RuneCountInString(value) > MaxAgentNameLength {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", MaxAgentNameLength),
		}
	}
	if strings.ContainsAny(value, " \t\r\n\x00/") {
		return &ValidationError{Field: field, Message: "must not contain whitespace, slashes or null bytes"}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID.
// ULIDs are 26 characters of Crockford Base32 (no I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{Field: field, Message: "must be a valid ULID (26 characters)"}
	}
	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range strings.ToUpper(value) {
		if !strings.ContainsRune(crockfordBase32, r) {
			return &ValidationError{Field: field, Message: "must be a valid ULID (invalid character)"}
		}
	}
	return nil
}

// ValidatePayload requires a JSON object or array no larger than
// MaxPayloadBytes.
func ValidatePayload(field string, payload json.RawMessage) *ValidationError {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "null" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if len(payload) > MaxPayloadBytes {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", MaxPayloadBytes),
		}
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return &ValidationError{Field: field, Message: "must be a JSON object or array"}
	}
	if !json.Valid(payload) {
		return &ValidationError{Field: field, Message: "must be valid JSON"}
	}
	return nil
}

// ValidateStatus accepts an empty filter or a known memory status.
func ValidateStatus(field, value string) *ValidationError {
	if value == "" {
		return nil
	}
	if _, err := types.ParseMemoryStatus(value); err != nil {
		allowed := make([]string, len(types.AllStatuses))
		for i, s := range types.AllStatuses {
			allowed[i] = string(s)
		}
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
		}
	}
	return nil
}

// ValidateStoreMemoryRequest checks a memory submission. Targets must be
// distinct and must not include the producing agent.
func ValidateStoreMemoryRequest(req types.StoreMemoryRequest) []ValidationError {
	var c Collector
	c.Add(ValidateAgentName("agent", req.Agent))
	c.Add(ValidatePayload("payload", req.Payload))

	if len(req.Targets) == 0 {
		c.Add(&ValidationError{Field: "targets", Message: "must list at least one target agent"})
	}
	if len(req.Targets) > MaxTargets {
		c.Add(&ValidationError{
			Field:   "targets",
			Message: fmt.Sprintf("exceeds maximum of %d targets", MaxTargets),
		})
	}

	seen := make(map[string]bool, len(req.Targets))
	for i, target := range req.Targets {
		field := fmt.Sprintf("targets[%d]", i)
		if err := ValidateAgentName(field, target); err != nil {
			c.Add(err)
			continue
		}
		if target == req.Agent {
			c.Add(&ValidationError{Field: field, Message: "must differ from agent"})
		}
		if seen[target] {
			c.Add(&ValidationError{Field: field, Message: "is a duplicate target"})
		}
		seen[target] = true
	}
	return c.Errors()
}
