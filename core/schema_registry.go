package core

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

type FieldType string

const (
	FieldTypeString   FieldType = "string"
	FieldTypeInteger  FieldType = "integer"
	FieldTypeDecimal  FieldType = "decimal"
	FieldTypeBoolean  FieldType = "boolean"
	FieldTypeDatetime FieldType = "datetime"
	FieldTypeArray    FieldType = "array"
	FieldTypeObject   FieldType = "object"
)

func (t FieldType) IsValid() bool {
	switch t {
	case FieldTypeString, FieldTypeInteger, FieldTypeDecimal, FieldTypeBoolean,
		FieldTypeDatetime, FieldTypeArray, FieldTypeObject:
		return true
	default:
		return false
	}
}

func canonicalFieldType(value string) FieldType {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "string", "text":
		return FieldTypeString
	case "integer", "int", "int64":
		return FieldTypeInteger
	case "decimal", "number", "float", "money":
		return FieldTypeDecimal
	case "boolean", "bool":
		return FieldTypeBoolean
	case "datetime", "date", "timestamp":
		return FieldTypeDatetime
	case "array", "list":
		return FieldTypeArray
	case "object", "map":
		return FieldTypeObject
	default:
		return FieldType(strings.TrimSpace(strings.ToLower(value)))
	}
}

// FieldDefinition is immutable after load.
type FieldDefinition struct {
	Name          string    `json:"name" yaml:"name"`
	Type          FieldType `json:"type" yaml:"type"`
	Mandatory     bool      `json:"mandatory" yaml:"mandatory"`
	MaxLength     int       `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Pattern       string    `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Enum          []any     `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default       any       `json:"default,omitempty" yaml:"default,omitempty"`
	Readonly      bool      `json:"readonly,omitempty" yaml:"readonly,omitempty"`
	AutoGenerated bool      `json:"auto_generated,omitempty" yaml:"auto_generated,omitempty"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`

	pattern *regexp.Regexp
}

func (f FieldDefinition) HasDefault() bool {
	return f.Default != nil
}

// SchemaDocument is the declarative per-system, per-entity field list.
// Unknown keys are ignored.
type SchemaDocument struct {
	System     System            `json:"system" yaml:"system"`
	EntityType EntityType        `json:"entity_type" yaml:"entity_type"`
	Fields     []FieldDefinition `json:"fields" yaml:"fields"`
}

type schemaKey struct {
	system System
	entity EntityType
}

type SchemaRegistry struct {
	fields map[schemaKey][]FieldDefinition
	index  map[schemaKey]map[string]int
}

// NewSchemaRegistry validates every document eagerly and fails with a
// MappingLoadError listing all structural problems.
func NewSchemaRegistry(docs ...NamedSchemaDocument) (*SchemaRegistry, error) {
	registry := &SchemaRegistry{
		fields: map[schemaKey][]FieldDefinition{},
		index:  map[schemaKey]map[string]int{},
	}
	var issues []MappingIssue
	for _, named := range docs {
		issues = append(issues, registry.add(named.Name, named.Document)...)
	}
	if len(issues) > 0 {
		sortMappingIssues(issues)
		return nil, &MappingLoadError{Issues: issues}
	}
	return registry, nil
}

type NamedSchemaDocument struct {
	Name     string
	Document SchemaDocument
}

// LoadSchemaRegistry reads every document matching the glob patterns in fsys.
func LoadSchemaRegistry(fsys fs.FS, patterns ...string) (*SchemaRegistry, error) {
	files, err := readDocuments(fsys, patterns...)
	if err != nil {
		return nil, err
	}
	docs := make([]NamedSchemaDocument, 0, len(files))
	var issues []MappingIssue
	for _, file := range files {
		var doc SchemaDocument
		if err := decodeDocument(file.name, file.content, &doc); err != nil {
			issues = append(issues, MappingIssue{Document: file.name, Index: -1, Code: "decode_failed", Message: err.Error()})
			continue
		}
		docs = append(docs, NamedSchemaDocument{Name: file.name, Document: doc})
	}
	if len(issues) > 0 {
		sortMappingIssues(issues)
		return nil, &MappingLoadError{Issues: issues}
	}
	return NewSchemaRegistry(docs...)
}

func (r *SchemaRegistry) add(name string, doc SchemaDocument) []MappingIssue {
	var issues []MappingIssue
	issue := func(index int, field, code, message string) {
		issues = append(issues, MappingIssue{
			Document: name,
			Entity:   doc.EntityType,
			Index:    index,
			Field:    field,
			Code:     code,
			Message:  message,
		})
	}

	system, err := ParseSystem(string(doc.System))
	if err != nil {
		issue(-1, "", "invalid_system", fmt.Sprintf("unknown system %q", doc.System))
	}
	entity, err := ParseEntityType(string(doc.EntityType))
	if err != nil {
		issue(-1, "", "invalid_entity_type", fmt.Sprintf("unknown entity type %q", doc.EntityType))
	}
	if len(issues) > 0 {
		return issues
	}

	key := schemaKey{system: system, entity: entity}
	if _, exists := r.fields[key]; exists {
		issue(-1, "", "duplicate_schema", fmt.Sprintf("schema for %s %s declared twice", system, entity))
		return issues
	}

	fields := make([]FieldDefinition, 0, len(doc.Fields))
	index := make(map[string]int, len(doc.Fields))
	for idx, field := range doc.Fields {
		field.Name = strings.TrimSpace(field.Name)
		field.Type = canonicalFieldType(string(field.Type))
		if field.Name == "" {
			issue(idx, "", "missing_name", "field name is required")
			continue
		}
		if _, dup := index[field.Name]; dup {
			issue(idx, field.Name, "duplicate_field", fmt.Sprintf("field %q declared twice", field.Name))
			continue
		}
		if !field.Type.IsValid() {
			issue(idx, field.Name, "invalid_type", fmt.Sprintf("unknown field type %q", field.Type))
			continue
		}
		if field.MaxLength < 0 {
			issue(idx, field.Name, "invalid_max_length", "max_length must not be negative")
			continue
		}
		if pattern := strings.TrimSpace(field.Pattern); pattern != "" {
			compiled, err := regexp.Compile(pattern)
			if err != nil {
				issue(idx, field.Name, "invalid_pattern", err.Error())
				continue
			}
			field.pattern = compiled
		}
		index[field.Name] = len(fields)
		fields = append(fields, field)
	}
	r.fields[key] = fields
	r.index[key] = index
	return issues
}

// Fields returns the ordered definitions for a (system, entity) pair.
func (r *SchemaRegistry) Fields(system System, entity EntityType) []FieldDefinition {
	if r == nil {
		return nil
	}
	fields := r.fields[schemaKey{system: system, entity: entity}]
	return append([]FieldDefinition(nil), fields...)
}

func (r *SchemaRegistry) Field(system System, entity EntityType, name string) (FieldDefinition, bool) {
	if r == nil {
		return FieldDefinition{}, false
	}
	key := schemaKey{system: system, entity: entity}
	idx, ok := r.index[key][strings.TrimSpace(name)]
	if !ok {
		return FieldDefinition{}, false
	}
	return r.fields[key][idx], true
}

func (r *SchemaRegistry) Has(system System, entity EntityType) bool {
	if r == nil {
		return false
	}
	_, ok := r.fields[schemaKey{system: system, entity: entity}]
	return ok
}

// Validate checks mandatory presence, type, max_length, pattern and enum.
// Unknown extra fields are ignored and the input is never mutated.
// Auto-generated fields are assigned by the owning system and are not
// required on outbound records.
func (r *SchemaRegistry) Validate(system System, entity EntityType, fields map[string]any) []SchemaViolation {
	if r == nil {
		return nil
	}
	var violations []SchemaViolation
	violate := func(field string, code ViolationCode, message string) {
		violations = append(violations, SchemaViolation{
			System:     system,
			EntityType: entity,
			Field:      field,
			Code:       code,
			Message:    message,
		})
	}

	for _, def := range r.fields[schemaKey{system: system, entity: entity}] {
		value, present := lookupPathValue(fields, def.Name)
		if !present || isEmptyValue(value) {
			if def.Mandatory && !def.AutoGenerated {
				violate(def.Name, ViolationMissingMandatory, "mandatory field is missing")
			}
			continue
		}
		if !conformsToType(def.Type, value) {
			violate(def.Name, ViolationTypeMismatch, fmt.Sprintf("expected %s, got %T", def.Type, value))
			continue
		}
		if def.MaxLength > 0 {
			if length, ok := valueLength(value); ok && length > def.MaxLength {
				violate(def.Name, ViolationMaxLength, fmt.Sprintf("length %d exceeds max_length %d", length, def.MaxLength))
			}
		}
		if def.pattern != nil {
			if text, ok := value.(string); ok && !def.pattern.MatchString(text) {
				violate(def.Name, ViolationPattern, fmt.Sprintf("value %q does not match pattern %q", text, def.Pattern))
			}
		}
		if len(def.Enum) > 0 && !enumContains(def.Enum, value) {
			violate(def.Name, ViolationEnum, fmt.Sprintf("value %v is not one of %v", value, def.Enum))
		}
	}
	return violations
}

// ApplyDefaults returns a copy of fields with declared defaults filled in for
// absent values.
func (r *SchemaRegistry) ApplyDefaults(system System, entity EntityType, fields map[string]any) map[string]any {
	out := copyFieldMap(fields)
	if r == nil {
		return out
	}
	for _, def := range r.fields[schemaKey{system: system, entity: entity}] {
		if !def.HasDefault() {
			continue
		}
		if value, present := lookupPathValue(out, def.Name); present && !isEmptyValue(value) {
			continue
		}
		setPathValue(out, def.Name, copyFieldValue(def.Default))
	}
	return out
}

// Entities lists the entity types with a schema for system, sorted.
func (r *SchemaRegistry) Entities(system System) []EntityType {
	if r == nil {
		return nil
	}
	var out []EntityType
	for key := range r.fields {
		if key.system == system {
			out = append(out, key.entity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func isEmptyValue(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	default:
		return false
	}
}

func conformsToType(fieldType FieldType, value any) bool {
	switch fieldType {
	case FieldTypeString:
		_, ok := value.(string)
		return ok
	case FieldTypeInteger:
		parsed, err := toIntValue(value)
		if err != nil {
			return false
		}
		if f, ok := value.(float64); ok {
			return float64(parsed) == f
		}
		if _, ok := value.(bool); ok {
			return false
		}
		return true
	case FieldTypeDecimal:
		if _, ok := value.(bool); ok {
			return false
		}
		_, err := toDecimalValue(value)
		return err == nil
	case FieldTypeBoolean:
		_, ok := value.(bool)
		return ok
	case FieldTypeDatetime:
		switch typed := value.(type) {
		case time.Time:
			return true
		case string:
			_, err := parseDateTime(typed)
			return err == nil
		default:
			return false
		}
	case FieldTypeArray:
		switch value.(type) {
		case []any, []string, []map[string]any:
			return true
		default:
			return false
		}
	case FieldTypeObject:
		_, ok := value.(map[string]any)
		return ok
	default:
		return false
	}
}

func valueLength(value any) (int, bool) {
	switch typed := value.(type) {
	case string:
		return utf8.RuneCountInString(typed), true
	case []any:
		return len(typed), true
	case []string:
		return len(typed), true
	default:
		return 0, false
	}
}

func enumContains(enum []any, value any) bool {
	candidate := stringify(value)
	for _, allowed := range enum {
		if stringify(allowed) == candidate {
			return true
		}
	}
	return false
}

func toDecimalValue(value any) (decimal.Decimal, error) {
	switch typed := value.(type) {
	case decimal.Decimal:
		return typed, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(typed))
	case json.Number:
		return decimal.NewFromString(typed.String())
	case float64:
		return decimal.NewFromFloat(typed), nil
	case float32:
		return decimal.NewFromFloat32(typed), nil
	default:
		parsed, err := toIntValue(value)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromInt(parsed), nil
	}
}

type documentFile struct {
	name    string
	content []byte
}

func readDocuments(fsys fs.FS, patterns ...string) ([]documentFile, error) {
	if fsys == nil {
		return nil, fmt.Errorf("core: document filesystem is required")
	}
	if len(patterns) == 0 {
		patterns = []string{"*.json", "*.yaml", "*.yml"}
	}
	seen := map[string]struct{}{}
	var names []string
	for _, pattern := range patterns {
		matches, err := fs.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("core: glob %q: %w", pattern, err)
		}
		for _, match := range matches {
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			names = append(names, match)
		}
	}
	sort.Strings(names)
	files := make([]documentFile, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("core: read %q: %w", name, err)
		}
		files = append(files, documentFile{name: name, content: content})
	}
	return files, nil
}

func decodeDocument(name string, content []byte, out any) error {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		return decodeYAMLDocument(content, out)
	default:
		return json.Unmarshal(content, out)
	}
}
