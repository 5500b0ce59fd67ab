package core

import (
	"context"
	"fmt"
)

// Translation is a translated record plus every schema violation found on it.
// An empty violation list means the record is fully valid.
type Translation struct {
	Record     CanonicalRecord
	Violations []SchemaViolation
}

func (t Translation) Valid() bool {
	return len(t.Violations) == 0
}

type Translator struct {
	schemas  *SchemaRegistry
	mappings *MappingRegistry
}

func NewTranslator(schemas *SchemaRegistry, mappings *MappingRegistry) (*Translator, error) {
	if schemas == nil {
		return nil, fmt.Errorf("core: schema registry is required")
	}
	if mappings == nil {
		return nil, fmt.Errorf("core: mapping registry is required")
	}
	return &Translator{schemas: schemas, mappings: mappings}, nil
}

func (t *Translator) Schemas() *SchemaRegistry {
	if t == nil {
		return nil
	}
	return t.schemas
}

func (t *Translator) Mappings() *MappingRegistry {
	if t == nil {
		return nil
	}
	return t.mappings
}

// Translate maps record into target's field space. Entries whose direction
// excludes the flow are skipped, absent source values leave the target unset
// unless a schema default applies, and violations are accumulated rather than
// returned as an error. A failing transform aborts only this record.
func (t *Translator) Translate(ctx context.Context, record CanonicalRecord, target System) (Translation, error) {
	if t == nil {
		return Translation{}, fmt.Errorf("core: translator is required")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return Translation{}, err
		}
	}
	flow, err := FlowBetween(record.System(), target)
	if err != nil {
		return Translation{}, err
	}
	entity := record.EntityType()
	if !t.mappings.Has(entity) {
		return Translation{}, fmt.Errorf("%w: no mappings for %q", ErrNotFound, entity)
	}

	source := record.Fields()
	out := map[string]any{}
	for _, mapping := range t.mappings.Mappings(entity) {
		if !mapping.Direction.Applies(flow) {
			continue
		}
		readField := mapping.ReadField(flow)
		value, present := lookupPathValue(source, readField)
		if (!present || value == nil) && !mapping.Transform.AppliesToAbsent() {
			continue
		}
		converted, err := mapping.Transform.Apply(flow, TransformInput{
			Value:  value,
			Params: mapping.Params,
			Source: source,
			Target: out,
		})
		if err != nil {
			return Translation{}, &TransformError{
				Transform: mapping.Transform,
				Field:     readField,
				Err:       err,
			}
		}
		if converted == nil {
			continue
		}
		setPathValue(out, mapping.WriteField(flow), converted)
	}

	out = t.schemas.ApplyDefaults(target, entity, out)
	translated := NewCanonicalRecord(target, entity, "", out).WithMarker(record.Marker())
	return Translation{
		Record:     translated,
		Violations: t.schemas.Validate(target, entity, out),
	}, nil
}

// CreateViolations reports create-only mandatory fields missing from a
// translated record.
func (t *Translator) CreateViolations(translated CanonicalRecord) []SchemaViolation {
	if t == nil {
		return nil
	}
	rules := t.mappings.ValidationRules(translated.EntityType())
	var violations []SchemaViolation
	for _, field := range rules.RequiredOnCreate(translated.System()) {
		value, present := translated.Get(field)
		if present && !isEmptyValue(value) {
			continue
		}
		violations = append(violations, SchemaViolation{
			System:     translated.System(),
			EntityType: translated.EntityType(),
			Field:      field,
			Code:       ViolationMissingMandatory,
			Message:    "field is required to create the entity",
		})
	}
	return violations
}

// BlockingViolations filters violations down to those that prevent a write.
func (t *Translator) BlockingViolations(entity EntityType, violations []SchemaViolation) []SchemaViolation {
	if t == nil || len(violations) == 0 {
		return nil
	}
	rules := t.mappings.ValidationRules(entity)
	var blocking []SchemaViolation
	for _, violation := range violations {
		if rules.Blocks(violation) {
			blocking = append(blocking, violation)
		}
	}
	return blocking
}
