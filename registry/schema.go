package registry

import (
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/glowstream/glowstream/errs"
)

// Kind enumerates the value kinds a schema field accepts.
type Kind int

const (
	// KindString accepts a JSON string.
	KindString Kind = iota
	// KindInt accepts a JSON number with an integral value.
	KindInt
	// KindBool accepts a JSON boolean.
	KindBool
	// KindObject accepts a JSON object, optionally validated by a sub-schema.
	KindObject
	// KindStringList accepts a JSON array of strings.
	KindStringList
	// KindList accepts any JSON array.
	KindList
	// KindAny accepts any JSON value.
	KindAny
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindStringList:
		return "string list"
	case KindList:
		return "list"
	case KindAny:
		return "any"
	default:
		return "unknown"
	}
}

// Field describes one property of an object schema.
type Field struct {
	Kind     Kind
	Required bool
	Schema   *Schema
}

// Schema validates JSON object payloads against a closed field table. Schemas
// reject unknown fields unless marked Open.
type Schema struct {
	fields map[string]Field
	open   bool
}

// NewSchema constructs a closed object schema from the given field table.
func NewSchema(fields map[string]Field) *Schema {
	copied := make(map[string]Field, len(fields))
	for name, f := range fields {
		copied[strings.TrimSpace(name)] = f
	}
	return &Schema{fields: copied, open: false}
}

// Open marks the schema as tolerant of fields outside its table and returns it.
func (s *Schema) Open() *Schema {
	s.open = true
	return s
}

// Parse decodes raw JSON and validates it, returning the decoded object.
func (s *Schema) Parse(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, errs.New("schema", errs.CodeValidation, errs.WithMessage("empty payload"))
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errs.New("schema", errs.CodeValidation,
			errs.WithMessage("payload is not a JSON object"), errs.WithCause(err))
	}
	if err := s.Validate(decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// Validate checks a decoded object against the schema's field table.
func (s *Schema) Validate(value map[string]any) error {
	for name, field := range s.fields {
		if !field.Required {
			continue
		}
		if v, ok := value[name]; !ok || v == nil {
			return validationError("missing required field " + strconv.Quote(name))
		}
	}
	if !s.open {
		for name := range value {
			if _, ok := s.fields[name]; !ok {
				return validationError("unknown field " + strconv.Quote(name))
			}
		}
	}
	for name, field := range s.fields {
		raw, ok := value[name]
		if !ok || raw == nil {
			continue
		}
		if err := checkKind(name, field, raw); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCondition checks a subscription condition against the schema.
func (s *Schema) ValidateCondition(condition map[string]string) error {
	value := make(map[string]any, len(condition))
	for k, v := range condition {
		value[k] = v
	}
	return s.Validate(value)
}

// ValidateQuery checks request query parameters against the schema. String
// fields accept exactly one value; string-list fields accept one or more.
func (s *Schema) ValidateQuery(query url.Values) error {
	for name, field := range s.fields {
		if field.Required && len(query[name]) == 0 {
			return validationError("missing required query parameter " + strconv.Quote(name))
		}
	}
	keys := make([]string, 0, len(query))
	for name := range query {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	for _, name := range keys {
		field, ok := s.fields[name]
		if !ok {
			if s.open {
				continue
			}
			return validationError("unknown query parameter " + strconv.Quote(name))
		}
		values := query[name]
		switch field.Kind {
		case KindString:
			if len(values) != 1 {
				return validationError("query parameter " + strconv.Quote(name) + " takes exactly one value")
			}
		case KindStringList:
			if len(values) == 0 {
				return validationError("query parameter " + strconv.Quote(name) + " takes at least one value")
			}
		default:
			return validationError("query parameter " + strconv.Quote(name) + " has non-query kind " + field.Kind.String())
		}
	}
	return nil
}

func checkKind(name string, field Field, raw any) error {
	switch field.Kind {
	case KindString:
		if _, ok := raw.(string); !ok {
			return kindError(name, field.Kind)
		}
	case KindInt:
		switch n := raw.(type) {
		case float64:
			if n != float64(int64(n)) {
				return kindError(name, field.Kind)
			}
		case int, int32, int64:
		default:
			return kindError(name, field.Kind)
		}
	case KindBool:
		if _, ok := raw.(bool); !ok {
			return kindError(name, field.Kind)
		}
	case KindObject:
		obj, ok := raw.(map[string]any)
		if !ok {
			return kindError(name, field.Kind)
		}
		if field.Schema != nil {
			if err := field.Schema.Validate(obj); err != nil {
				return validationError("field " + strconv.Quote(name) + ": " + validationMessage(err))
			}
		}
	case KindStringList:
		items, ok := raw.([]any)
		if !ok {
			if _, isStrings := raw.([]string); isStrings {
				return nil
			}
			return kindError(name, field.Kind)
		}
		for _, item := range items {
			if _, ok := item.(string); !ok {
				return kindError(name, field.Kind)
			}
		}
	case KindList:
		switch raw.(type) {
		case []any, []string, []map[string]any:
		default:
			return kindError(name, field.Kind)
		}
	case KindAny:
	default:
		return validationError("field " + strconv.Quote(name) + " has unknown kind")
	}
	return nil
}

func validationError(msg string) error {
	return errs.New("schema", errs.CodeValidation, errs.WithMessage(msg))
}

func kindError(name string, kind Kind) error {
	return validationError("field " + strconv.Quote(name) + " must be a " + kind.String())
}

func validationMessage(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
