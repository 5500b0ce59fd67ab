package core

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"testing/fstest"
)

const testGroupMappings = `{
  "entity_type": "group",
  "field_mappings": [
    {"sap_field": "Code", "shopify_field": "id", "direction": "shopify-to-sap",
     "transform": {"type": "prefix", "params": {"prefix": "SH"}}},
    {"sap_field": "Name", "shopify_field": "title", "direction": "both", "transform": "identity"},
    {"sap_field": "Active", "shopify_field": "published", "direction": "both", "transform": "boolean_token"},
    {"sap_field": "Number", "shopify_field": "handle", "direction": "sap-to-shopify",
     "transform": {"type": "handle", "params": {"name_field": "Name"}}},
    {"sap_field": "U_Description", "shopify_field": "body_html", "direction": "both", "transform": "strip_html"}
  ],
  "validation_rules": {"advisory": ["body_html"]},
  "future_key": {"ignored": true}
}`

const testSAPGroupSchema = `{
  "system": "sap",
  "entity_type": "group",
  "fields": [
    {"name": "Number", "type": "integer", "mandatory": true, "auto_generated": true},
    {"name": "Code", "type": "string", "mandatory": true, "max_length": 20},
    {"name": "Name", "type": "string", "mandatory": true, "max_length": 20},
    {"name": "Active", "type": "string", "enum": ["tYES", "tNO"]},
    {"name": "U_Description", "type": "string"}
  ]
}`

const testShopifyGroupSchema = `{
  "system": "shopify",
  "entity_type": "group",
  "fields": [
    {"name": "id", "type": "integer", "readonly": true, "auto_generated": true},
    {"name": "title", "type": "string", "mandatory": true, "max_length": 255},
    {"name": "handle", "type": "string", "pattern": "^[a-z0-9-]+$"},
    {"name": "published", "type": "boolean", "default": false},
    {"name": "body_html", "type": "string"}
  ]
}`

func newTestTranslator(t *testing.T) *Translator {
	t.Helper()
	fsys := fstest.MapFS{
		"schemas/sap/group.json":     {Data: []byte(testSAPGroupSchema)},
		"schemas/shopify/group.json": {Data: []byte(testShopifyGroupSchema)},
		"mappings/group.json":        {Data: []byte(testGroupMappings)},
	}
	schemas, err := LoadSchemaRegistry(fsys, "schemas/*/*.json")
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	mappings, err := LoadMappingRegistry(fsys, "mappings/*.json")
	if err != nil {
		t.Fatalf("load mappings: %v", err)
	}
	translator, err := NewTranslator(schemas, mappings)
	if err != nil {
		t.Fatalf("new translator: %v", err)
	}
	return translator
}

func TestTranslateCollectionToGroup(t *testing.T) {
	translator := newTestTranslator(t)
	source := NewCanonicalRecord(SystemB, EntityGroup, "1032025", map[string]any{
		"id":        1032025,
		"title":     "Widget",
		"published": true,
	})

	translation, err := translator.Translate(context.Background(), source, SystemA)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if !translation.Valid() {
		t.Fatalf("expected no violations, got %#v", translation.Violations)
	}
	want := map[string]any{"Code": "SH1032025", "Name": "Widget", "Active": "tYES"}
	if got := translation.Record.Fields(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %#v, got %#v", want, got)
	}
	if translation.Record.System() != SystemA || translation.Record.EntityType() != EntityGroup {
		t.Fatalf("unexpected translated identity %s/%s", translation.Record.System(), translation.Record.EntityType())
	}
}

func TestTranslateIsDeterministic(t *testing.T) {
	translator := newTestTranslator(t)
	source := NewCanonicalRecord(SystemA, EntityGroup, "100", map[string]any{
		"Number":        100,
		"Code":          "100",
		"Name":          "Widgets & More",
		"Active":        "tNO",
		"U_Description": "plain",
	})

	first, err := translator.Translate(context.Background(), source, SystemB)
	if err != nil {
		t.Fatalf("translate (first): %v", err)
	}
	second, err := translator.Translate(context.Background(), source, SystemB)
	if err != nil {
		t.Fatalf("translate (second): %v", err)
	}
	if !reflect.DeepEqual(first.Record.Fields(), second.Record.Fields()) {
		t.Fatalf("expected identical output, got %#v and %#v", first.Record.Fields(), second.Record.Fields())
	}
	if got := first.Record.String("handle"); got != "100-widgets-more" {
		t.Fatalf("expected derived handle, got %q", got)
	}
	if got, _ := first.Record.Get("published"); got != false {
		t.Fatalf("expected published=false, got %#v", got)
	}
	if source.String("Name") != "Widgets & More" {
		t.Fatalf("source record mutated")
	}
}

func TestTranslateDirectionFiltering(t *testing.T) {
	translator := newTestTranslator(t)

	fromA := NewCanonicalRecord(SystemA, EntityGroup, "7", map[string]any{
		"Number": 7,
		"Code":   "SH1",
		"Name":   "Tools",
	})
	toB, err := translator.Translate(context.Background(), fromA, SystemB)
	if err != nil {
		t.Fatalf("translate a->b: %v", err)
	}
	if _, ok := toB.Record.Get("id"); ok {
		t.Fatalf("b->a only mapping applied on a->b: %#v", toB.Record.Fields())
	}

	fromB := NewCanonicalRecord(SystemB, EntityGroup, "9", map[string]any{
		"id":     9,
		"title":  "Tools",
		"handle": "9-tools",
	})
	toA, err := translator.Translate(context.Background(), fromB, SystemA)
	if err != nil {
		t.Fatalf("translate b->a: %v", err)
	}
	if _, ok := toA.Record.Get("Number"); ok {
		t.Fatalf("a->b only mapping applied on b->a: %#v", toA.Record.Fields())
	}
}

func TestTranslateReportsMissingMandatoryField(t *testing.T) {
	translator := newTestTranslator(t)
	source := NewCanonicalRecord(SystemB, EntityGroup, "55", map[string]any{
		"id":        55,
		"published": false,
	})

	translation, err := translator.Translate(context.Background(), source, SystemA)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	fields := ViolationFields(translation.Violations)
	if len(fields) != 1 || fields[0] != "Name" {
		t.Fatalf("expected violation naming Name, got %#v", translation.Violations)
	}
	if translation.Violations[0].Code != ViolationMissingMandatory {
		t.Fatalf("expected missing_mandatory, got %q", translation.Violations[0].Code)
	}
	if blocking := translator.BlockingViolations(EntityGroup, translation.Violations); len(blocking) != 1 {
		t.Fatalf("expected blocking violation, got %#v", blocking)
	}
}

func TestTranslateTransformErrorIsRecordScoped(t *testing.T) {
	translator := newTestTranslator(t)
	source := NewCanonicalRecord(SystemA, EntityGroup, "8", map[string]any{
		"Number": 8,
		"Name":   "Broken",
		"Active": "maybe",
	})

	_, err := translator.Translate(context.Background(), source, SystemB)
	var transformErr *TransformError
	if !errors.As(err, &transformErr) {
		t.Fatalf("expected transform error, got %v", err)
	}
	if transformErr.Transform != TransformBooleanToken || transformErr.Field != "Active" {
		t.Fatalf("unexpected transform error %#v", transformErr)
	}
}

func TestTranslateRejectsSameSystem(t *testing.T) {
	translator := newTestTranslator(t)
	source := NewCanonicalRecord(SystemA, EntityGroup, "1", map[string]any{"Name": "x"})
	if _, err := translator.Translate(context.Background(), source, SystemA); !errors.Is(err, ErrInvalidDirection) {
		t.Fatalf("expected invalid direction, got %v", err)
	}
}

func TestAdvisoryViolationsDoNotBlock(t *testing.T) {
	translator := newTestTranslator(t)
	violations := []SchemaViolation{
		{System: SystemB, EntityType: EntityGroup, Field: "body_html", Code: ViolationTypeMismatch},
		{System: SystemB, EntityType: EntityGroup, Field: "title", Code: ViolationMaxLength},
	}
	blocking := translator.BlockingViolations(EntityGroup, violations)
	if len(blocking) != 1 || blocking[0].Field != "title" {
		t.Fatalf("expected only title to block, got %#v", blocking)
	}
}

func TestTranslateFractionalIntegerIsTransformError(t *testing.T) {
	fsys := fstest.MapFS{
		"schemas/sap/group.json":     {Data: []byte(testSAPGroupSchema)},
		"schemas/shopify/group.json": {Data: []byte(testShopifyGroupSchema)},
		"mappings/group.json": {Data: []byte(`{"entity_type": "group", "field_mappings": [
			{"sap_field": "Number", "shopify_field": "id", "direction": "shopify-to-sap", "transform": "to_integer"},
			{"sap_field": "Name", "shopify_field": "title", "direction": "both", "transform": "identity"}
		]}`)},
	}
	schemas, err := LoadSchemaRegistry(fsys, "schemas/*/*.json")
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	mappings, err := LoadMappingRegistry(fsys, "mappings/*.json")
	if err != nil {
		t.Fatalf("load mappings: %v", err)
	}
	translator, err := NewTranslator(schemas, mappings)
	if err != nil {
		t.Fatalf("new translator: %v", err)
	}

	source := NewCanonicalRecord(SystemB, EntityGroup, "12", map[string]any{"id": 12.7, "title": "Fraction"})
	_, err = translator.Translate(context.Background(), source, SystemA)
	var transformErr *TransformError
	if !errors.As(err, &transformErr) || transformErr.Transform != TransformToInteger || transformErr.Field != "id" {
		t.Fatalf("expected to_integer transform error on id, got %v", err)
	}

	whole := NewCanonicalRecord(SystemB, EntityGroup, "12", map[string]any{"id": 12.0, "title": "Whole"})
	translation, err := translator.Translate(context.Background(), whole, SystemA)
	if err != nil {
		t.Fatalf("translate whole id: %v", err)
	}
	if got, _ := translation.Record.Get("Number"); got != int64(12) {
		t.Fatalf("expected Number 12, got %#v", got)
	}
}
