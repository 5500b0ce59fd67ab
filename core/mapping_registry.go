package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// FieldMapping links a System A field to a System B field. SourceField always
// names the A side; a B→A pass reads TargetField and writes SourceField.
type FieldMapping struct {
	SourceField string          `json:"source_field"`
	TargetField string          `json:"target_field"`
	Direction   Direction       `json:"direction"`
	Transform   TransformKind   `json:"transform"`
	Params      TransformParams `json:"transform_params,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ReadField is the field read for the given pass flow.
func (m FieldMapping) ReadField(flow Direction) string {
	if flow == DirectionBToA {
		return m.TargetField
	}
	return m.SourceField
}

// WriteField is the field assigned for the given pass flow.
func (m FieldMapping) WriteField(flow Direction) string {
	if flow == DirectionBToA {
		return m.SourceField
	}
	return m.TargetField
}

// ValidationRules tell the orchestrator which violations stop a write.
// Fields listed as advisory are reported but never block; every other
// violation blocks. RequiredForCreate names target fields that must be present
// before a create is issued, keyed by target system.
type ValidationRules struct {
	Advisory          []string            `json:"advisory,omitempty"`
	RequiredForCreate map[System][]string `json:"required_for_create,omitempty"`
}

// Blocks reports whether a violation prevents the write.
func (r ValidationRules) Blocks(violation SchemaViolation) bool {
	for _, field := range r.Advisory {
		if field == violation.Field {
			return false
		}
	}
	return true
}

// RequiredOnCreate lists create-only mandatory fields for a target system.
func (r ValidationRules) RequiredOnCreate(target System) []string {
	return append([]string(nil), r.RequiredForCreate[target]...)
}

// MappingDocument is the declarative mapping file format. Both the neutral
// source/target keys and the system-named sap/shopify keys are accepted.
type MappingDocument struct {
	EntityType      EntityType             `json:"entity_type"`
	FieldMappings   []FieldMappingDocument `json:"field_mappings"`
	ValidationRules ValidationRules        `json:"validation_rules"`
}

type FieldMappingDocument struct {
	SourceField     string         `json:"source_field"`
	SAPField        string         `json:"sap_field"`
	TargetField     string         `json:"target_field"`
	ShopifyField    string         `json:"shopify_field"`
	Direction       string         `json:"direction"`
	Transform       TransformRef   `json:"transform"`
	TransformParams map[string]any `json:"transform_params"`
	Description     string         `json:"description"`
}

// TransformRef decodes either "prefix" or {"type": "prefix", "params": {...}}.
type TransformRef struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

func (r *TransformRef) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*r = TransformRef{}
		return nil
	}
	if trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return err
		}
		*r = TransformRef{Type: name}
		return nil
	}
	type plain TransformRef
	var decoded plain
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return err
	}
	*r = TransformRef(decoded)
	return nil
}

type NamedMappingDocument struct {
	Name     string
	Document MappingDocument
}

type MappingRegistry struct {
	mappings map[EntityType][]FieldMapping
	rules    map[EntityType]ValidationRules
}

// NewMappingRegistry validates every document eagerly. A broken document
// fails the whole load with a MappingLoadError listing every issue found.
func NewMappingRegistry(docs ...NamedMappingDocument) (*MappingRegistry, error) {
	registry := &MappingRegistry{
		mappings: map[EntityType][]FieldMapping{},
		rules:    map[EntityType]ValidationRules{},
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

func LoadMappingRegistry(fsys fs.FS, patterns ...string) (*MappingRegistry, error) {
	files, err := readDocuments(fsys, patterns...)
	if err != nil {
		return nil, err
	}
	docs := make([]NamedMappingDocument, 0, len(files))
	var issues []MappingIssue
	for _, file := range files {
		var doc MappingDocument
		if err := decodeDocument(file.name, file.content, &doc); err != nil {
			issues = append(issues, MappingIssue{Document: file.name, Index: -1, Code: "decode_failed", Message: err.Error()})
			continue
		}
		docs = append(docs, NamedMappingDocument{Name: file.name, Document: doc})
	}
	if len(issues) > 0 {
		sortMappingIssues(issues)
		return nil, &MappingLoadError{Issues: issues}
	}
	return NewMappingRegistry(docs...)
}

func (r *MappingRegistry) add(name string, doc MappingDocument) []MappingIssue {
	var issues []MappingIssue
	entity, err := ParseEntityType(string(doc.EntityType))
	if err != nil {
		return append(issues, MappingIssue{
			Document: name,
			Index:    -1,
			Code:     "invalid_entity_type",
			Message:  fmt.Sprintf("unknown entity type %q", doc.EntityType),
		})
	}
	issue := func(index int, field, code, message string) {
		issues = append(issues, MappingIssue{
			Document: name,
			Entity:   entity,
			Index:    index,
			Field:    field,
			Code:     code,
			Message:  message,
		})
	}
	if _, exists := r.mappings[entity]; exists {
		issue(-1, "", "duplicate_mapping", fmt.Sprintf("mappings for %s declared twice", entity))
		return issues
	}

	writers := map[Direction]map[string]int{
		DirectionAToB: {},
		DirectionBToA: {},
	}
	mappings := make([]FieldMapping, 0, len(doc.FieldMappings))
	for idx, raw := range doc.FieldMappings {
		mapping, problems := compileFieldMapping(raw)
		for _, problem := range problems {
			issue(idx, problem.field, problem.code, problem.message)
		}
		if len(problems) > 0 {
			continue
		}
		for _, flow := range []Direction{DirectionAToB, DirectionBToA} {
			if !mapping.Direction.Applies(flow) {
				continue
			}
			field := mapping.WriteField(flow)
			if previous, dup := writers[flow][field]; dup {
				issue(idx, field, "duplicate_target", fmt.Sprintf(
					"field %q is written by entries %d and %d in %s",
					field, previous, idx, flow,
				))
				continue
			}
			writers[flow][field] = idx
		}
		mappings = append(mappings, mapping)
	}

	rules := doc.ValidationRules
	if len(rules.RequiredForCreate) > 0 {
		normalized := make(map[System][]string, len(rules.RequiredForCreate))
		for system, fields := range rules.RequiredForCreate {
			parsed, err := ParseSystem(string(system))
			if err != nil {
				issue(-1, "", "invalid_validation_rules", fmt.Sprintf("unknown system %q in required_for_create", system))
				continue
			}
			normalized[parsed] = append(normalized[parsed], fields...)
		}
		rules.RequiredForCreate = normalized
	}

	r.mappings[entity] = mappings
	r.rules[entity] = rules
	return issues
}

type mappingProblem struct {
	field   string
	code    string
	message string
}

func compileFieldMapping(raw FieldMappingDocument) (FieldMapping, []mappingProblem) {
	var problems []mappingProblem
	source := firstNonEmpty(raw.SourceField, raw.SAPField)
	target := firstNonEmpty(raw.TargetField, raw.ShopifyField)
	if source == "" {
		problems = append(problems, mappingProblem{code: "missing_source_field", message: "source_field is required"})
	}
	if target == "" {
		problems = append(problems, mappingProblem{field: source, code: "missing_target_field", message: "target_field is required"})
	}

	direction, err := ParseDirection(raw.Direction)
	if err != nil {
		problems = append(problems, mappingProblem{
			field:   source,
			code:    "invalid_direction",
			message: fmt.Sprintf("invalid direction %q", raw.Direction),
		})
	}

	kind, err := ParseTransformKind(raw.Transform.Type)
	if err != nil {
		problems = append(problems, mappingProblem{
			field:   source,
			code:    "unknown_transform",
			message: fmt.Sprintf("unknown transform %q", raw.Transform.Type),
		})
	}

	params := TransformParams{}
	for key, value := range raw.Transform.Params {
		params[key] = value
	}
	for key, value := range raw.TransformParams {
		params[key] = value
	}
	if err == nil {
		if paramErr := kind.ValidateParams(params); paramErr != nil {
			problems = append(problems, mappingProblem{
				field:   source,
				code:    "invalid_transform_params",
				message: paramErr.Error(),
			})
		}
	}
	if len(problems) > 0 {
		return FieldMapping{}, problems
	}
	if len(params) == 0 {
		params = nil
	}
	return FieldMapping{
		SourceField: source,
		TargetField: target,
		Direction:   direction,
		Transform:   kind,
		Params:      params,
		Description: strings.TrimSpace(raw.Description),
	}, nil
}

// Mappings returns the ordered entries for an entity. Order is significant:
// later entries may read fields assigned by earlier ones.
func (r *MappingRegistry) Mappings(entity EntityType) []FieldMapping {
	if r == nil {
		return nil
	}
	return append([]FieldMapping(nil), r.mappings[entity]...)
}

// OverrideParam replaces one transform parameter of the entry whose System A
// field is sourceField. It is meant for startup configuration and must not
// race with Translate.
func (r *MappingRegistry) OverrideParam(entity EntityType, sourceField string, key string, value any) error {
	if r == nil {
		return fmt.Errorf("core: mapping registry is required")
	}
	entries := r.mappings[entity]
	for idx := range entries {
		if entries[idx].SourceField != strings.TrimSpace(sourceField) {
			continue
		}
		params := TransformParams{}
		for k, v := range entries[idx].Params {
			params[k] = v
		}
		params[key] = value
		if err := entries[idx].Transform.ValidateParams(params); err != nil {
			return fmt.Errorf("core: override %s.%s %s: %w", entity, sourceField, key, err)
		}
		entries[idx].Params = params
		return nil
	}
	return fmt.Errorf("%w: no %s mapping for field %q", ErrNotFound, entity, sourceField)
}

func (r *MappingRegistry) Has(entity EntityType) bool {
	if r == nil {
		return false
	}
	_, ok := r.mappings[entity]
	return ok
}

func (r *MappingRegistry) ValidationRules(entity EntityType) ValidationRules {
	if r == nil {
		return ValidationRules{}
	}
	return r.rules[entity]
}

// MappingDescription is a stable, display-ready view of one entity's mappings.
type MappingDescription struct {
	EntityType EntityType      `json:"entity_type"`
	Mappings   []FieldMapping  `json:"mappings"`
	Rules      ValidationRules `json:"validation_rules"`
	Flows      []Direction     `json:"flows"`
}

func (r *MappingRegistry) Describe(entity EntityType) (MappingDescription, error) {
	if !r.Has(entity) {
		return MappingDescription{}, fmt.Errorf("%w: no mappings for %q", ErrNotFound, entity)
	}
	mappings := r.Mappings(entity)
	flows := map[Direction]struct{}{}
	for _, mapping := range mappings {
		for _, flow := range []Direction{DirectionAToB, DirectionBToA} {
			if mapping.Direction.Applies(flow) {
				flows[flow] = struct{}{}
			}
		}
	}
	out := MappingDescription{
		EntityType: entity,
		Mappings:   mappings,
		Rules:      r.ValidationRules(entity),
	}
	for flow := range flows {
		out.Flows = append(out.Flows, flow)
	}
	sort.Slice(out.Flows, func(i, j int) bool { return out.Flows[i] < out.Flows[j] })
	return out, nil
}

// Entities lists entity types with mappings, sorted.
func (r *MappingRegistry) Entities() []EntityType {
	if r == nil {
		return nil
	}
	out := make([]EntityType, 0, len(r.mappings))
	for entity := range r.mappings {
		out = append(out, entity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
