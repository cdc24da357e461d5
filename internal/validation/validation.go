package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sfdcai/mediasync/internal/types"
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

// TableSchema declares a syncable table and the fields a producer may write.
// An empty Fields list means the table is schema-less and accepts any field.
type TableSchema struct {
	Name   string   `yaml:"name"`
	Fields []string `yaml:"fields"`
}

// Registry holds the per-table field allow-lists enforced at the put boundary.
type Registry struct {
	tables map[string]map[string]struct{}
}

// NewRegistry builds a Registry from the configured table schemas.
func NewRegistry(schemas []TableSchema) *Registry {
	r := &Registry{tables: make(map[string]map[string]struct{}, len(schemas))}
	for _, schema := range schemas {
		var allowed map[string]struct{}
		if len(schema.Fields) > 0 {
			allowed = make(map[string]struct{}, len(schema.Fields))
			for _, f := range schema.Fields {
				allowed[f] = struct{}{}
			}
		}
		r.tables[schema.Name] = allowed
	}
	return r
}

// Tables returns the registered table names in no particular order.
func (r *Registry) Tables() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	return names
}

// Known reports whether a table is registered.
func (r *Registry) Known(table string) bool {
	_, ok := r.tables[table]
	return ok
}

// ValidateRecord checks a table/id/fields triple against the registry.
// Unknown tables are rejected; fields outside a table's allow-list are
// rejected; a table with no declared fields accepts anything.
func (r *Registry) ValidateRecord(table, id string, fields types.Fields) []ValidationError {
	var c Collector
	c.Add(ValidateRequired("id", id))
	c.Add(ValidateNoNullBytes("id", id))
	c.Add(ValidateMaxLength("id", id, 256))

	allowed, ok := r.tables[table]
	if !ok {
		c.Add(&ValidationError{
			Field:   "table",
			Message: fmt.Sprintf("unknown table %q", table),
		})
		return c.Errors()
	}

	if allowed != nil {
		for name := range fields {
			if _, ok := allowed[name]; !ok {
				c.Add(&ValidationError{
					Field:   "fields." + name,
					Message: "not in table allow-list",
				})
			}
		}
	}

	for name := range fields {
		if err := ValidateUTF8("fields."+name, name); err != nil {
			c.Add(err)
		}
	}

	return c.Errors()
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
