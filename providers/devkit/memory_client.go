package devkit

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-erpsync/core"
)

// FailureFunc injects an error for one client call. op is one of fetch, get,
// create, update or ping; id is the entity id, or the record identity on
// create.
type FailureFunc func(op string, entity core.EntityType, id string) error

type MemoryOption func(*MemoryClient)

// MemoryClient is an in-memory SystemClient. Fetches list records by
// ascending marker, ties in insertion order, and page with an offset cursor.
type MemoryClient struct {
	mu          sync.Mutex
	system      core.System
	pageSize    int
	records     map[core.EntityType][]core.CanonicalRecord
	index       map[core.EntityType]map[string]int
	keyFields   map[core.EntityType]string
	idFields    map[core.EntityType]string
	groupFields map[core.EntityType]string
	orderFields map[core.EntityType]string
	nameFields  map[core.EntityType]string
	nextID      int64
	failure     FailureFunc
	latency     time.Duration
	clock       core.Clock
	unordered   bool
	calls       map[string]int
}

func WithPageSize(size int) MemoryOption {
	return func(c *MemoryClient) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

// WithFailure installs fn ahead of every call.
func WithFailure(fn FailureFunc) MemoryOption {
	return func(c *MemoryClient) {
		c.failure = fn
	}
}

// WithLatency delays writes, honouring context cancellation.
func WithLatency(latency time.Duration) MemoryOption {
	return func(c *MemoryClient) {
		c.latency = latency
	}
}

// WithMarkerClock stamps written records with the clock instead of keeping
// the marker they carried.
func WithMarkerClock(clock core.Clock) MemoryOption {
	return func(c *MemoryClient) {
		c.clock = clock
	}
}

// WithUnorderedFetch lists records in insertion order and stops the client
// from reporting marker ordered fetches.
func WithUnorderedFetch() MemoryOption {
	return func(c *MemoryClient) {
		c.unordered = true
	}
}

// WithKeyField makes create use the value of field as the record id.
func WithKeyField(entity core.EntityType, field string) MemoryOption {
	return func(c *MemoryClient) {
		c.keyFields[entity] = strings.TrimSpace(field)
	}
}

// NewMemoryClient returns a client preconfigured with the field layout of
// system: SAP keys items and customers by code, Shopify assigns numeric ids.
func NewMemoryClient(system core.System, opts ...MemoryOption) *MemoryClient {
	client := &MemoryClient{
		system:   system,
		pageSize: 50,
		records:  map[core.EntityType][]core.CanonicalRecord{},
		index:    map[core.EntityType]map[string]int{},
		nextID:   1000,
		calls:    map[string]int{},
	}
	switch system {
	case core.SystemA:
		client.keyFields = map[core.EntityType]string{core.EntityItem: "ItemCode", core.EntityCustomer: "CardCode"}
		client.idFields = map[core.EntityType]string{
			core.EntityGroup:   "Number",
			core.EntityOrder:   "DocEntry",
			core.EntityPayment: "DocEntry",
			core.EntityCredit:  "DocEntry",
		}
		client.groupFields = map[core.EntityType]string{core.EntityItem: "ItemsGroupCode"}
		client.orderFields = map[core.EntityType]string{core.EntityOrder: "U_ShopifyOrderId"}
		client.nameFields = map[core.EntityType]string{
			core.EntityGroup:    "Name",
			core.EntityItem:     "ItemName",
			core.EntityCustomer: "CardName",
		}
	default:
		client.keyFields = map[core.EntityType]string{}
		client.idFields = map[core.EntityType]string{}
		for _, entity := range []core.EntityType{core.EntityGroup, core.EntityItem, core.EntityOrder, core.EntityCustomer} {
			client.idFields[entity] = "id"
		}
		client.groupFields = map[core.EntityType]string{core.EntityItem: "collection_id"}
		client.orderFields = map[core.EntityType]string{core.EntityPayment: "order_id", core.EntityCredit: "order_id"}
		client.nameFields = map[core.EntityType]string{
			core.EntityGroup:    "title",
			core.EntityItem:     "title",
			core.EntityCustomer: "full_name",
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// Put seeds records as if they already existed in the system.
func (c *MemoryClient) Put(records ...core.CanonicalRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range records {
		c.store(record.EntityType(), record)
	}
}

// Records returns a snapshot of the stored records for entity.
func (c *MemoryClient) Records(entity core.EntityType) []core.CanonicalRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.CanonicalRecord(nil), c.records[entity]...)
}

// Calls reports how many times op was invoked.
func (c *MemoryClient) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *MemoryClient) System() core.System {
	return c.system
}

func (c *MemoryClient) FetchEntities(ctx context.Context, entity core.EntityType, req core.FetchRequest) (core.Page, error) {
	if err := c.begin(ctx, "fetch", entity, req.Cursor); err != nil {
		return core.Page{}, err
	}
	offset := 0
	if cursor := strings.TrimSpace(req.Cursor); cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return core.Page{}, core.NewPermanentError(c.system, "fetch", 0, fmt.Errorf("devkit: invalid cursor %q", req.Cursor))
		}
		offset = parsed
	}
	limit := req.Limit
	if limit <= 0 {
		limit = c.pageSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []core.CanonicalRecord
	scope := req.Scope.Normalize()
	for _, record := range c.records[entity] {
		if c.matches(entity, record, scope, req.Since) {
			matched = append(matched, record)
		}
	}
	if !c.unordered {
		slices.SortStableFunc(matched, func(a, b core.CanonicalRecord) int {
			return core.CompareMarkers(a.Marker(), b.Marker())
		})
	}
	if offset >= len(matched) {
		return core.Page{}, nil
	}
	end := min(offset+limit, len(matched))
	page := core.Page{Records: append([]core.CanonicalRecord(nil), matched[offset:end]...)}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (c *MemoryClient) FetchesInMarkerOrder(core.EntityType) bool {
	return !c.unordered
}

func (c *MemoryClient) GetEntity(ctx context.Context, entity core.EntityType, id string) (core.CanonicalRecord, error) {
	if err := c.begin(ctx, "get", entity, id); err != nil {
		return core.CanonicalRecord{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.index[entity][strings.TrimSpace(id)]
	if !ok {
		return core.CanonicalRecord{}, c.notFound("get", entity, id)
	}
	return c.records[entity][idx], nil
}

func (c *MemoryClient) CreateEntity(ctx context.Context, entity core.EntityType, record core.CanonicalRecord) (string, error) {
	identity := record.ID()
	if field := c.keyFields[entity]; field != "" && record.String(field) != "" {
		identity = record.String(field)
	}
	if err := c.begin(ctx, "create", entity, identity); err != nil {
		return "", err
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id := ""
	if field := c.keyFields[entity]; field != "" {
		id = record.String(field)
		if id == "" {
			return "", core.NewPermanentError(c.system, "create", 422, fmt.Errorf("devkit: %s %s is required", entity, field))
		}
		if _, exists := c.index[entity][id]; exists {
			return "", core.NewPermanentError(c.system, "create", 409, fmt.Errorf("devkit: %s %q already exists", entity, id))
		}
	} else {
		c.nextID++
		id = strconv.FormatInt(c.nextID, 10)
		if field := c.idFields[entity]; field != "" {
			record = record.WithField(field, c.nextID)
		}
	}
	stored := core.NewCanonicalRecord(c.system, entity, id, record.Fields()).WithMarker(c.marker(record))
	c.store(entity, stored)
	return id, nil
}

// UpdateEntity merges the record fields into the stored record. An update
// that changes nothing is reported as skipped.
func (c *MemoryClient) UpdateEntity(ctx context.Context, entity core.EntityType, targetID string, record core.CanonicalRecord) (core.Outcome, error) {
	if err := c.begin(ctx, "update", entity, targetID); err != nil {
		return core.OutcomeFailed, err
	}
	if err := c.wait(ctx); err != nil {
		return core.OutcomeFailed, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	targetID = strings.TrimSpace(targetID)
	idx, ok := c.index[entity][targetID]
	if !ok {
		return core.OutcomeFailed, c.notFound("update", entity, targetID)
	}
	existing := c.records[entity][idx]
	merged := existing.Fields()
	for key, value := range record.Fields() {
		merged[key] = value
	}
	if reflect.DeepEqual(merged, existing.Fields()) {
		return core.OutcomeSkipped, nil
	}
	c.records[entity][idx] = core.NewCanonicalRecord(c.system, entity, targetID, merged).WithMarker(c.marker(record))
	return core.OutcomeUpdated, nil
}

func (c *MemoryClient) Ping(ctx context.Context) error {
	return c.begin(ctx, "ping", "", "")
}

func (c *MemoryClient) begin(ctx context.Context, op string, entity core.EntityType, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.calls[op]++
	failure := c.failure
	c.mu.Unlock()
	if failure != nil {
		return failure(op, entity, id)
	}
	return nil
}

func (c *MemoryClient) wait(ctx context.Context) error {
	if c.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(c.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *MemoryClient) marker(record core.CanonicalRecord) string {
	if c.clock != nil {
		return core.FormatMarker(c.clock())
	}
	return record.Marker()
}

func (c *MemoryClient) store(entity core.EntityType, record core.CanonicalRecord) {
	if c.index[entity] == nil {
		c.index[entity] = map[string]int{}
	}
	if idx, ok := c.index[entity][record.ID()]; ok {
		c.records[entity][idx] = record
		return
	}
	c.index[entity][record.ID()] = len(c.records[entity])
	c.records[entity] = append(c.records[entity], record)
}

func (c *MemoryClient) matches(entity core.EntityType, record core.CanonicalRecord, scope core.Scope, since string) bool {
	if since = strings.TrimSpace(since); since != "" && core.CompareMarkers(record.Marker(), since) < 0 {
		return false
	}
	if scope.GroupID != "" {
		if entity == core.EntityGroup {
			if record.ID() != scope.GroupID {
				return false
			}
		} else if field := c.groupFields[entity]; field == "" || record.String(field) != scope.GroupID {
			return false
		}
	}
	if scope.OrderID != "" {
		field := c.orderFields[entity]
		if field == "" && entity == core.EntityOrder {
			if record.ID() != scope.OrderID {
				return false
			}
		} else if field == "" || record.String(field) != scope.OrderID {
			return false
		}
	}
	if scope.Name != "" {
		if field := c.nameFields[entity]; field == "" || record.String(field) != scope.Name {
			return false
		}
	}
	if len(scope.IDs) > 0 {
		found := false
		for _, id := range scope.IDs {
			if id == record.ID() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *MemoryClient) notFound(op string, entity core.EntityType, id string) error {
	return core.NewPermanentError(c.system, op, 404, fmt.Errorf("%w: %s %q", core.ErrNotFound, entity, id))
}

// Unreachable returns the error a client reports when its system cannot be
// contacted at all.
func Unreachable(system core.System, op string) error {
	err := core.NewTransientError(system, op, 0, fmt.Errorf("devkit: connection refused"))
	err.Unreachable = true
	return err
}

var (
	_ core.SystemClient         = (*MemoryClient)(nil)
	_ core.MarkerOrderedFetcher = (*MemoryClient)(nil)
)
