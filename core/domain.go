package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidSystem     = errors.New("core: invalid system")
	ErrInvalidEntityType = errors.New("core: invalid entity type")
	ErrInvalidDirection  = errors.New("core: invalid direction")
	ErrInvalidSyncMode   = errors.New("core: invalid sync mode")
)

// System identifies one of the two synchronized platforms.
type System string

const (
	// SystemA is the ERP (SAP Business One Service Layer).
	SystemA System = "sap"
	// SystemB is the e-commerce platform (Shopify Admin API).
	SystemB System = "shopify"
)

func (s System) IsValid() bool {
	switch s {
	case SystemA, SystemB:
		return true
	default:
		return false
	}
}

// Other returns the counterpart system.
func (s System) Other() System {
	if s == SystemA {
		return SystemB
	}
	return SystemA
}

func ParseSystem(value string) (System, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "sap", "a", "erp":
		return SystemA, nil
	case "shopify", "b", "ecommerce":
		return SystemB, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSystem, value)
	}
}

type EntityType string

const (
	EntityGroup    EntityType = "group"
	EntityItem     EntityType = "item"
	EntityOrder    EntityType = "order"
	EntityPayment  EntityType = "payment"
	EntityCredit   EntityType = "credit"
	EntityCustomer EntityType = "customer"
)

func (e EntityType) IsValid() bool {
	switch e {
	case EntityGroup, EntityItem, EntityOrder, EntityPayment, EntityCredit, EntityCustomer:
		return true
	default:
		return false
	}
}

func ParseEntityType(value string) (EntityType, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "group", "groups", "collection", "collections":
		return EntityGroup, nil
	case "item", "items", "product", "products":
		return EntityItem, nil
	case "order", "orders":
		return EntityOrder, nil
	case "payment", "payments", "transaction", "transactions":
		return EntityPayment, nil
	case "credit", "credits", "refund", "refunds":
		return EntityCredit, nil
	case "customer", "customers", "business_partner":
		return EntityCustomer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, value)
	}
}

// Direction is either a mapping scope or the flow of one sync pass.
// Passes only ever use DirectionAToB or DirectionBToA.
type Direction string

const (
	DirectionAToB Direction = "a_to_b"
	DirectionBToA Direction = "b_to_a"
	DirectionBoth Direction = "both"
)

func (d Direction) IsValid() bool {
	switch d {
	case DirectionAToB, DirectionBToA, DirectionBoth:
		return true
	default:
		return false
	}
}

// ParseDirection accepts the canonical tokens, arrow notation and the CLI
// system-named tokens.
func ParseDirection(value string) (Direction, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "a_to_b", "a→b", "a->b", "sap_to_shopify", "sap-to-shopify":
		return DirectionAToB, nil
	case "b_to_a", "b→a", "b->a", "shopify_to_sap", "shopify-to-sap":
		return DirectionBToA, nil
	case "both":
		return DirectionBoth, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, value)
	}
}

// FlowBetween returns the pass direction for a source to target pair.
func FlowBetween(source, target System) (Direction, error) {
	switch {
	case source == SystemA && target == SystemB:
		return DirectionAToB, nil
	case source == SystemB && target == SystemA:
		return DirectionBToA, nil
	default:
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidDirection, source, target)
	}
}

func (d Direction) Source() System {
	if d == DirectionBToA {
		return SystemB
	}
	return SystemA
}

func (d Direction) Target() System {
	return d.Source().Other()
}

// Reverse swaps a pass direction. Both is its own reverse.
func (d Direction) Reverse() Direction {
	switch d {
	case DirectionAToB:
		return DirectionBToA
	case DirectionBToA:
		return DirectionAToB
	default:
		return d
	}
}

// Applies reports whether a mapping scoped to d participates in the pass flow.
func (d Direction) Applies(flow Direction) bool {
	return d == DirectionBoth || d == flow
}

// Label renders the CLI token for a direction.
func (d Direction) Label() string {
	switch d {
	case DirectionAToB:
		return "sap-to-shopify"
	case DirectionBToA:
		return "shopify-to-sap"
	default:
		return string(d)
	}
}

type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

func (m SyncMode) IsValid() bool {
	return m == SyncModeFull || m == SyncModeIncremental
}

func ParseSyncMode(value string) (SyncMode, error) {
	mode := SyncMode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return SyncModeFull, nil
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSyncMode, value)
	}
	return mode, nil
}

// CanonicalRecord is an entity instance tagged with its origin. Fields are
// unexported so a record cannot be mutated after creation; accessors copy.
type CanonicalRecord struct {
	system     System
	entityType EntityType
	id         string
	marker     string
	fields     map[string]any
}

func NewCanonicalRecord(system System, entityType EntityType, id string, fields map[string]any) CanonicalRecord {
	return CanonicalRecord{
		system:     system,
		entityType: entityType,
		id:         strings.TrimSpace(id),
		fields:     copyFieldMap(fields),
	}
}

func (r CanonicalRecord) System() System         { return r.system }
func (r CanonicalRecord) EntityType() EntityType { return r.entityType }
func (r CanonicalRecord) ID() string             { return r.id }

// Marker is the source-side modification marker (timestamp or cursor).
func (r CanonicalRecord) Marker() string { return r.marker }

func (r CanonicalRecord) Fields() map[string]any {
	return copyFieldMap(r.fields)
}

func (r CanonicalRecord) FieldNames() []string {
	names := make([]string, 0, len(r.fields))
	for name := range r.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get resolves a dotted path against the record fields.
func (r CanonicalRecord) Get(path string) (any, bool) {
	value, ok := lookupPathValue(r.fields, path)
	if !ok {
		return nil, false
	}
	return copyFieldValue(value), true
}

// String returns the field at path rendered as text, or "".
func (r CanonicalRecord) String(path string) string {
	value, ok := lookupPathValue(r.fields, path)
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(stringify(value))
}

func (r CanonicalRecord) IsZero() bool {
	return r.system == "" && r.entityType == "" && r.id == "" && len(r.fields) == 0
}

// WithMarker returns a copy carrying the given modification marker.
func (r CanonicalRecord) WithMarker(marker string) CanonicalRecord {
	out := r.clone()
	out.marker = strings.TrimSpace(marker)
	return out
}

func (r CanonicalRecord) WithID(id string) CanonicalRecord {
	out := r.clone()
	out.id = strings.TrimSpace(id)
	return out
}

// WithField returns a copy with path set to value.
func (r CanonicalRecord) WithField(path string, value any) CanonicalRecord {
	out := r.clone()
	setPathValue(out.fields, path, copyFieldValue(value))
	return out
}

func (r CanonicalRecord) clone() CanonicalRecord {
	return CanonicalRecord{
		system:     r.system,
		entityType: r.entityType,
		id:         r.id,
		marker:     r.marker,
		fields:     copyFieldMap(r.fields),
	}
}

type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeCreated, OutcomeUpdated, OutcomeSkipped, OutcomeFailed:
		return true
	default:
		return false
	}
}

// Succeeded reports whether the outcome leaves source and target aligned.
func (o Outcome) Succeeded() bool {
	return o == OutcomeCreated || o == OutcomeUpdated || o == OutcomeSkipped
}

// SyncResult is the per-record outcome of a run.
type SyncResult struct {
	EntityType EntityType
	Direction  Direction
	Identity   string
	SourceID   string
	TargetID   string
	Marker     string
	Outcome    Outcome
	Detail     string
	Err        error
	Violations []SchemaViolation
}

func (r SyncResult) ErrorDetail() string {
	if r.Err == nil {
		return strings.TrimSpace(r.Detail)
	}
	return r.Err.Error()
}

type CheckpointStatus string

const (
	CheckpointStatusInProgress CheckpointStatus = "in_progress"
	CheckpointStatusComplete   CheckpointStatus = "complete"
	CheckpointStatusFailed     CheckpointStatus = "failed"
)

type SyncCheckpoint struct {
	EntityType EntityType
	Direction  Direction
	Marker     string
	Status     CheckpointStatus
	RunID      string
	UpdatedAt  time.Time
}

func (c SyncCheckpoint) IsZero() bool {
	return strings.TrimSpace(c.Marker) == ""
}

type IDMapping struct {
	EntityType   EntityType
	SourceSystem System
	SourceID     string
	TargetSystem System
	TargetID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IDMappingKey addresses one source to target correspondence.
type IDMappingKey struct {
	EntityType   EntityType
	SourceSystem System
	SourceID     string
	TargetSystem System
}

func (k IDMappingKey) Normalize() IDMappingKey {
	return IDMappingKey{
		EntityType:   EntityType(strings.TrimSpace(strings.ToLower(string(k.EntityType)))),
		SourceSystem: System(strings.TrimSpace(strings.ToLower(string(k.SourceSystem)))),
		SourceID:     strings.TrimSpace(k.SourceID),
		TargetSystem: System(strings.TrimSpace(strings.ToLower(string(k.TargetSystem)))),
	}
}

func (k IDMappingKey) Validate() error {
	if !k.EntityType.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidEntityType, k.EntityType)
	}
	if !k.SourceSystem.IsValid() || !k.TargetSystem.IsValid() || k.SourceSystem == k.TargetSystem {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSystem, k.SourceSystem, k.TargetSystem)
	}
	if k.SourceID == "" {
		return fmt.Errorf("core: id mapping source id is required")
	}
	return nil
}

// Reverse returns the key addressing the same correspondence from the other side.
func (k IDMappingKey) Reverse(targetID string) IDMappingKey {
	return IDMappingKey{
		EntityType:   k.EntityType,
		SourceSystem: k.TargetSystem,
		SourceID:     strings.TrimSpace(targetID),
		TargetSystem: k.SourceSystem,
	}
}

type FailedRecordStatus string

const (
	FailedRecordStatusFailed   FailedRecordStatus = "failed"
	FailedRecordStatusResolved FailedRecordStatus = "resolved"
)

type FailedRecord struct {
	ID         string
	RunID      string
	EntityType EntityType
	Direction  Direction
	Identity   string
	SourceID   string
	Error      string
	Payload    map[string]any
	Attempts   int
	Status     FailedRecordStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type FailedRecordFilter struct {
	EntityType EntityType
	Direction  Direction
	Status     FailedRecordStatus
	Limit      int
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// SyncRun is the durable ledger entry for one orchestrator run.
type SyncRun struct {
	ID         string
	EntityType EntityType
	Direction  Direction
	Mode       SyncMode
	Status     RunStatus
	Counts     OutcomeCounts
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

type OutcomeCounts struct {
	Created int
	Updated int
	Skipped int
	Failed  int
}

func (c OutcomeCounts) Total() int {
	return c.Created + c.Updated + c.Skipped + c.Failed
}

func (c *OutcomeCounts) Add(outcome Outcome) {
	if c == nil {
		return
	}
	switch outcome {
	case OutcomeCreated:
		c.Created++
	case OutcomeUpdated:
		c.Updated++
	case OutcomeSkipped:
		c.Skipped++
	case OutcomeFailed:
		c.Failed++
	}
}

func (c OutcomeCounts) Plus(other OutcomeCounts) OutcomeCounts {
	return OutcomeCounts{
		Created: c.Created + other.Created,
		Updated: c.Updated + other.Updated,
		Skipped: c.Skipped + other.Skipped,
		Failed:  c.Failed + other.Failed,
	}
}

func copyFieldMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = copyFieldValue(value)
	}
	return out
}

func copyFieldValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return copyFieldMap(typed)
	case []any:
		out := make([]any, len(typed))
		for idx, item := range typed {
			out[idx] = copyFieldValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(typed))
		for idx, item := range typed {
			out[idx] = copyFieldMap(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return value
	}
}
