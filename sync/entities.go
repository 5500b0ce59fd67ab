package sync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goliatone/go-erpsync/core"
	"github.com/shopspring/decimal"
)

// Resolver is what an entity service may consult while preparing a record.
type Resolver interface {
	// MappedID returns the target id bound to a source entity, if any.
	MappedID(ctx context.Context, entity core.EntityType, source core.System, sourceID string) (string, bool, error)
	// Ensure writes record to the other system and returns the target id.
	Ensure(ctx context.Context, record core.CanonicalRecord) (string, error)
	Client(system core.System) core.SystemClient
	Config() core.Config
}

// EntityService carries the entity-specific parts of a sync pass.
type EntityService struct {
	EntityType core.EntityType
	// Flows lists the pass directions the entity supports.
	Flows []core.Direction
	// IdentityOf names the logical entity across systems. Defaults to the record id.
	IdentityOf func(record core.CanonicalRecord) string
	// PrepareFor enriches a source record before translation.
	PrepareFor func(ctx context.Context, record core.CanonicalRecord, deps Resolver) (core.CanonicalRecord, error)
	// AdoptKey returns the target id a translated record would already have in
	// the target system, so an unmapped entity that exists there is updated.
	AdoptKey func(translated core.CanonicalRecord) string
}

func (s EntityService) Supports(flow core.Direction) bool {
	for _, candidate := range s.Flows {
		if candidate == flow {
			return true
		}
	}
	return false
}

func (s EntityService) Identity(record core.CanonicalRecord) string {
	if s.IdentityOf != nil {
		if identity := strings.TrimSpace(s.IdentityOf(record)); identity != "" {
			return identity
		}
	}
	return record.ID()
}

// Fetch streams the records of the entity modified at or after since.
func (s EntityService) Fetch(
	ctx context.Context,
	client core.SystemClient,
	scope core.Scope,
	since string,
	pageSize int,
	yield func(core.CanonicalRecord) bool,
) error {
	_, err := core.Iterate(ctx, client, s.EntityType, core.FetchRequest{
		Scope: scope.Normalize(),
		Since: since,
		Limit: pageSize,
	}, yield)
	return err
}

func (s EntityService) Prepare(ctx context.Context, record core.CanonicalRecord, deps Resolver) (core.CanonicalRecord, error) {
	if s.PrepareFor == nil {
		return record, nil
	}
	return s.PrepareFor(ctx, record, deps)
}

func (s EntityService) adoptKey(translated core.CanonicalRecord) string {
	if s.AdoptKey == nil {
		return ""
	}
	return strings.TrimSpace(s.AdoptKey(translated))
}

// DefaultServices returns the services for every synchronized entity.
func DefaultServices() map[core.EntityType]EntityService {
	services := []EntityService{
		GroupService(),
		ItemService(),
		OrderService(),
		PaymentService(),
		CreditService(),
		CustomerService(),
	}
	out := make(map[core.EntityType]EntityService, len(services))
	for _, service := range services {
		out[service.EntityType] = service
	}
	return out
}

var (
	bothFlows    = []core.Direction{core.DirectionAToB, core.DirectionBToA}
	inboundToSAP = []core.Direction{core.DirectionBToA}
)

// GroupService syncs SAP item groups with Shopify collections.
func GroupService() EntityService {
	return EntityService{
		EntityType: core.EntityGroup,
		Flows:      bothFlows,
		IdentityOf: func(record core.CanonicalRecord) string {
			if record.System() == core.SystemA {
				return firstText(record.String("Number"), record.ID())
			}
			return record.ID()
		},
	}
}

// ItemService syncs SAP items with Shopify products. The group reference is
// rewritten to the id the group has in the target system.
func ItemService() EntityService {
	return EntityService{
		EntityType: core.EntityItem,
		Flows:      bothFlows,
		IdentityOf: func(record core.CanonicalRecord) string {
			if record.System() == core.SystemA {
				return firstText(record.String("ItemCode"), record.ID())
			}
			return firstText(record.String("sku"), record.ID())
		},
		PrepareFor: prepareItem,
		AdoptKey: func(translated core.CanonicalRecord) string {
			if translated.System() == core.SystemA {
				return translated.String("ItemCode")
			}
			return ""
		},
	}
}

func prepareItem(ctx context.Context, record core.CanonicalRecord, deps Resolver) (core.CanonicalRecord, error) {
	field := "ItemsGroupCode"
	if record.System() == core.SystemB {
		field = "collection_id"
	}
	groupID := record.String(field)
	if groupID == "" || groupID == "0" {
		return record, nil
	}
	targetID, ok, err := deps.MappedID(ctx, core.EntityGroup, record.System(), groupID)
	if err != nil {
		return record, err
	}
	if !ok {
		return record, dependencyMissing(record, "group %s is not synchronized", groupID)
	}
	return record.WithField(field, wireNumber(targetID)), nil
}

// OrderService creates SAP sales orders from Shopify orders.
func OrderService() EntityService {
	return EntityService{
		EntityType: core.EntityOrder,
		Flows:      inboundToSAP,
		PrepareFor: prepareOrder,
	}
}

func prepareOrder(ctx context.Context, record core.CanonicalRecord, deps Resolver) (core.CanonicalRecord, error) {
	cfg := deps.Config()
	cardCode, err := resolveCustomer(ctx, record, deps)
	if err != nil {
		return record, err
	}
	raw, _ := record.Get("line_items")
	items, _ := raw.([]any)
	lines := make([]any, 0, len(items))
	for _, entry := range items {
		line, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		itemCode, err := resolveItemCode(ctx, record, line, deps)
		if err != nil {
			return record, err
		}
		discount, err := discountPercent(line)
		if err != nil {
			return record, core.NewPermanentError(record.System(), "prepare", 0, fmt.Errorf("sync: order %s line %v: %w", record.ID(), line["id"], err))
		}
		lines = append(lines, map[string]any{
			"item_code":        itemCode,
			"quantity":         line["quantity"],
			"price":            line["price"],
			"discount_percent": discount,
			"warehouse_code":   cfg.SAP.Warehouse,
			"vat_group":        cfg.SAP.TaxCode,
			"account_code":     cfg.SAP.RevenueAccount,
			"line_id":          fieldText(line["id"]),
		})
	}
	return record.
		WithField("card_code", cardCode).
		WithField("branch_id", cfg.SAP.Branch).
		WithField("line_items", lines), nil
}

// discountPercent is the line discount relative to the gross line amount,
// rounded to two places.
func discountPercent(line map[string]any) (float64, error) {
	discountText := fieldText(line["total_discount"])
	if discountText == "" {
		return 0, nil
	}
	discount, err := decimal.NewFromString(discountText)
	if err != nil {
		return 0, fmt.Errorf("total_discount %q: %w", discountText, err)
	}
	price, err := decimal.NewFromString(firstText(fieldText(line["price"]), "0"))
	if err != nil {
		return 0, fmt.Errorf("price %v: %w", line["price"], err)
	}
	quantity, err := decimal.NewFromString(firstText(fieldText(line["quantity"]), "0"))
	if err != nil {
		return 0, fmt.Errorf("quantity %v: %w", line["quantity"], err)
	}
	gross := price.Mul(quantity)
	if gross.IsZero() || discount.IsZero() {
		return 0, nil
	}
	return discount.Div(gross).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64(), nil
}

// resolveCustomer returns the SAP CardCode of the order's customer, creating
// the business partner the first time the customer is seen.
func resolveCustomer(ctx context.Context, order core.CanonicalRecord, deps Resolver) (string, error) {
	customerID := order.String("customer_id")
	if customerID == "" {
		customerID = order.String("customer.id")
	}
	if customerID == "" {
		return "", dependencyMissing(order, "order has no customer")
	}
	if cardCode, ok, err := deps.MappedID(ctx, core.EntityCustomer, core.SystemB, customerID); err != nil {
		return "", err
	} else if ok {
		return cardCode, nil
	}

	var customer core.CanonicalRecord
	if client := deps.Client(core.SystemB); client != nil {
		loaded, err := client.GetEntity(ctx, core.EntityCustomer, customerID)
		switch {
		case err == nil:
			customer = loaded
		case !core.IsNotFound(err):
			return "", err
		}
	}
	if customer.IsZero() {
		embedded, _ := order.Get("customer")
		fields, _ := embedded.(map[string]any)
		if len(fields) == 0 {
			return "", dependencyMissing(order, "customer %s not found", customerID)
		}
		customer = core.NewCanonicalRecord(core.SystemB, core.EntityCustomer, customerID, fields).WithMarker(order.Marker())
	}
	return deps.Ensure(ctx, customer)
}

func resolveItemCode(ctx context.Context, parent core.CanonicalRecord, line map[string]any, deps Resolver) (string, error) {
	if productID := fieldText(line["product_id"]); productID != "" {
		itemCode, ok, err := deps.MappedID(ctx, core.EntityItem, core.SystemB, productID)
		if err != nil {
			return "", err
		}
		if ok {
			return itemCode, nil
		}
	}
	if sku := firstText(fieldText(line["item_code"]), fieldText(line["sku"])); sku != "" {
		return sku, nil
	}
	return "", dependencyMissing(parent, "line %v has neither a synchronized product nor a sku", line["id"])
}

// PaymentService records Shopify transactions as SAP incoming payments
// against the SAP order created for the same Shopify order.
func PaymentService() EntityService {
	return EntityService{
		EntityType: core.EntityPayment,
		Flows:      inboundToSAP,
		PrepareFor: func(ctx context.Context, record core.CanonicalRecord, deps Resolver) (core.CanonicalRecord, error) {
			docEntry, cardCode, err := resolveOrderDocument(ctx, record, deps)
			if err != nil {
				return record, err
			}
			return record.
				WithField("card_code", cardCode).
				WithField("invoices", []any{map[string]any{
					"doc_entry":    wireNumber(docEntry),
					"amount":       record.String("amount"),
					"invoice_type": "it_Order",
				}}), nil
		},
	}
}

// CreditService records Shopify refunds as SAP credit documents.
func CreditService() EntityService {
	return EntityService{
		EntityType: core.EntityCredit,
		Flows:      inboundToSAP,
		PrepareFor: func(ctx context.Context, record core.CanonicalRecord, deps Resolver) (core.CanonicalRecord, error) {
			_, cardCode, err := resolveOrderDocument(ctx, record, deps)
			if err != nil {
				return record, err
			}
			raw, _ := record.Get("lines")
			entries, _ := raw.([]any)
			lines := make([]any, 0, len(entries))
			for _, entry := range entries {
				line, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				itemCode, err := resolveItemCode(ctx, record, line, deps)
				if err != nil {
					return record, err
				}
				lines = append(lines, map[string]any{
					"item_code":      itemCode,
					"quantity":       line["quantity"],
					"price":          line["price"],
					"warehouse_code": deps.Config().SAP.Warehouse,
				})
			}
			return record.WithField("card_code", cardCode).WithField("lines", lines), nil
		},
	}
}

// resolveOrderDocument finds the SAP order created for the parent Shopify
// order and returns its DocEntry and CardCode.
func resolveOrderDocument(ctx context.Context, record core.CanonicalRecord, deps Resolver) (string, string, error) {
	orderID := record.String("order_id")
	if orderID == "" {
		return "", "", dependencyMissing(record, "missing order_id")
	}
	docEntry, ok, err := deps.MappedID(ctx, core.EntityOrder, core.SystemB, orderID)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", dependencyMissing(record, "order %s is not synchronized", orderID)
	}
	client := deps.Client(core.SystemA)
	if client == nil {
		return "", "", fmt.Errorf("sync: %s client is not configured", core.SystemA)
	}
	order, err := client.GetEntity(ctx, core.EntityOrder, docEntry)
	if err != nil {
		if core.IsNotFound(err) {
			return "", "", dependencyMissing(record, "sap order %s no longer exists", docEntry)
		}
		return "", "", err
	}
	cardCode := order.String("CardCode")
	if cardCode == "" {
		return "", "", dependencyMissing(record, "sap order %s has no CardCode", docEntry)
	}
	return docEntry, cardCode, nil
}

// CustomerService creates SAP business partners for Shopify customers.
func CustomerService() EntityService {
	return EntityService{
		EntityType: core.EntityCustomer,
		Flows:      inboundToSAP,
		PrepareFor: func(_ context.Context, record core.CanonicalRecord, deps Resolver) (core.CanonicalRecord, error) {
			if record.String("full_name") == "" {
				name := strings.TrimSpace(record.String("first_name") + " " + record.String("last_name"))
				record = record.WithField("full_name", firstText(name, record.String("email"), record.ID()))
			}
			return record.WithField("customer_group", deps.Config().SAP.CustomerGroup), nil
		},
		AdoptKey: func(translated core.CanonicalRecord) string {
			if translated.System() == core.SystemA {
				return translated.String("CardCode")
			}
			return ""
		},
	}
}

// MissingField is one member item lacking a field the target requires.
type MissingField struct {
	ItemID   string   `json:"item_id"`
	Identity string   `json:"identity"`
	Fields   []string `json:"fields"`
}

// CheckItems lists the items of a group that would fail mandatory checks when
// written to target.
func CheckItems(
	ctx context.Context,
	client core.SystemClient,
	translator *core.Translator,
	groupID string,
	target core.System,
) ([]MissingField, error) {
	if client == nil || translator == nil {
		return nil, fmt.Errorf("sync: client and translator are required")
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("sync: group id is required")
	}
	service := ItemService()
	var (
		missing []MissingField
		walkErr error
	)
	err := service.Fetch(ctx, client, core.Scope{GroupID: groupID}, "", 0, func(record core.CanonicalRecord) bool {
		translation, err := translator.Translate(ctx, record, target)
		if err != nil {
			walkErr = err
			return false
		}
		violations := append([]core.SchemaViolation(nil), translation.Violations...)
		violations = append(violations, translator.CreateViolations(translation.Record)...)
		var fields []string
		for _, violation := range violations {
			if violation.Code == core.ViolationMissingMandatory {
				fields = append(fields, violation.Field)
			}
		}
		if len(fields) > 0 {
			sort.Strings(fields)
			missing = append(missing, MissingField{ItemID: record.ID(), Identity: service.Identity(record), Fields: fields})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return missing, walkErr
}

func dependencyMissing(record core.CanonicalRecord, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	return core.NewPermanentError(record.System(), "prepare", 0,
		fmt.Errorf("%w: %s %s: %s", core.ErrDependencyMissing, record.EntityType(), record.ID(), detail))
}

// wireNumber returns numeric ids as int64 so integer-typed fields validate.
func wireNumber(id string) any {
	if parsed, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64); err == nil {
		return parsed
	}
	return id
}

func fieldText(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

func firstText(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
