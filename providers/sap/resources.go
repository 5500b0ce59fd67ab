package sap

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-erpsync/core"
	"github.com/shopspring/decimal"
)

const creditKindRefund = "refund"

// refundTargetPrefix marks credit target ids that live under VendorPayments.
const refundTargetPrefix = "refund:"

type resource struct {
	path      string
	keyField  string
	quotedKey bool
	// aliases maps canonical field names onto Service Layer property names.
	aliases map[string]string
	// createDefaults are merged into create payloads when absent.
	createDefaults map[string]any
}

var resources = map[core.EntityType]resource{
	core.EntityGroup: {
		path:     "ItemGroups",
		keyField: "Number",
		aliases:  map[string]string{"Name": "GroupName"},
		createDefaults: map[string]any{
			"ProcurementMethod": "bom_Buy",
			"InventorySystem":   "bis_MovingAverage",
			"PlanningSystem":    "bop_None",
			"Alert":             "tNO",
		},
	},
	core.EntityItem: {
		path:      "Items",
		keyField:  "ItemCode",
		quotedKey: true,
		createDefaults: map[string]any{
			"ItemType":            "itItems",
			"InventoryItem":       "tYES",
			"SalesItem":           "tYES",
			"PurchaseItem":        "tYES",
			"ManageBatchNumbers":  "tNO",
			"ManageSerialNumbers": "tNO",
		},
	},
	core.EntityOrder: {
		path:     "Orders",
		keyField: "DocEntry",
	},
	core.EntityPayment: {
		path:     "IncomingPayments",
		keyField: "DocEntry",
		createDefaults: map[string]any{
			"DocType": "rCustomer",
		},
	},
	core.EntityCredit: {
		path:     "CreditNotes",
		keyField: "DocEntry",
	},
	core.EntityCustomer: {
		path:      "BusinessPartners",
		keyField:  "CardCode",
		quotedKey: true,
		createDefaults: map[string]any{
			"CardType": "cCustomer",
		},
	},
}

var refundResource = resource{
	path:     "VendorPayments",
	keyField: "DocEntry",
	createDefaults: map[string]any{
		"DocType": "rCustomer",
	},
}

// orderBy sorts listings by the fields updateMarker reads, so records arrive
// in checkpoint order. The key breaks ties within a second.
func (res resource) orderBy() string {
	return "UpdateDate asc,UpdateTime asc," + res.keyField + " asc"
}

// numericFields are sent as JSON numbers even when a transform produced text.
var numericFields = map[string]struct{}{
	"Price":           {},
	"CashSum":         {},
	"SumApplied":      {},
	"UnitPrice":       {},
	"Quantity":        {},
	"DiscountPercent": {},
	"QuantityOnStock": {},
}

func resourceFor(entity core.EntityType) (resource, error) {
	res, ok := resources[entity]
	if !ok {
		return resource{}, fmt.Errorf("%w: %q", core.ErrInvalidEntityType, entity)
	}
	return res, nil
}

// entityPath renders Resource(key) with OData key quoting.
func (r resource) entityPath(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("providers/sap: %s key is required", r.path)
	}
	if r.quotedKey {
		return fmt.Sprintf("%s('%s')", r.path, escapeODataString(id)), nil
	}
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return "", fmt.Errorf("providers/sap: %s key must be numeric, got %q", r.path, id)
	}
	return fmt.Sprintf("%s(%s)", r.path, id), nil
}

func escapeODataString(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

// toCanonical converts a Service Layer payload into a canonical record.
func (c *Client) toCanonical(entity core.EntityType, res resource, raw map[string]any) core.CanonicalRecord {
	fields := make(map[string]any, len(raw))
	for key, value := range raw {
		if strings.HasPrefix(key, "odata.") || strings.HasPrefix(key, "@odata") {
			continue
		}
		fields[key] = value
	}
	for canonical, wire := range res.aliases {
		if value, ok := fields[wire]; ok {
			fields[canonical] = value
			delete(fields, wire)
		}
	}
	if entity == core.EntityItem {
		if price, ok := c.itemPrice(fields["ItemPrices"]); ok {
			fields["Price"] = price
		}
		delete(fields, "ItemPrices")
	}

	id := stringValue(fields[res.keyField])
	record := core.NewCanonicalRecord(core.SystemA, entity, id, fields)
	return record.WithMarker(updateMarker(fields))
}

// toWire converts a canonical record into a Service Layer payload.
func (c *Client) toWire(entity core.EntityType, res resource, record core.CanonicalRecord, create bool) map[string]any {
	payload := record.Fields()
	for canonical, wire := range res.aliases {
		if value, ok := payload[canonical]; ok {
			payload[wire] = value
			delete(payload, canonical)
		}
	}
	if entity == core.EntityItem {
		if price, ok := payload["Price"]; ok {
			payload["ItemPrices"] = []any{map[string]any{
				"PriceList": c.cfg.PriceList,
				"Price":     numberValue(price),
			}}
			delete(payload, "Price")
		}
		if create && strings.TrimSpace(c.cfg.Warehouse) != "" {
			payload["ItemWarehouseInfoCollection"] = []any{map[string]any{"WarehouseCode": c.cfg.Warehouse}}
		}
		delete(payload, "QuantityOnStock")
	}
	if entity == core.EntityCustomer && create {
		if _, ok := payload["GroupCode"]; !ok && c.cfg.CustomerGroup > 0 {
			payload["GroupCode"] = c.cfg.CustomerGroup
		}
	}
	delete(payload, "UpdateDate")
	delete(payload, "UpdateTime")
	if !create {
		delete(payload, res.keyField)
	}
	if create {
		for key, value := range res.createDefaults {
			if _, ok := payload[key]; !ok {
				payload[key] = value
			}
		}
	}
	return coerceNumbers(payload).(map[string]any)
}

func (c *Client) itemPrice(raw any) (any, bool) {
	prices, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	for _, entry := range prices {
		price, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if list, err := strconv.Atoi(stringValue(price["PriceList"])); err == nil && list == c.cfg.PriceList {
			return price["Price"], true
		}
	}
	return nil, false
}

func coerceNumbers(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		for key, nested := range typed {
			if _, ok := numericFields[key]; ok {
				typed[key] = numberValue(nested)
				continue
			}
			typed[key] = coerceNumbers(nested)
		}
		return typed
	case []any:
		for idx, nested := range typed {
			typed[idx] = coerceNumbers(nested)
		}
		return typed
	default:
		return value
	}
}

func numberValue(value any) any {
	text, ok := value.(string)
	if !ok {
		return value
	}
	parsed, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return value
	}
	return json.Number(parsed.String())
}

// updateMarker combines UpdateDate and UpdateTime into an RFC3339 marker.
func updateMarker(fields map[string]any) string {
	date := stringValue(fields["UpdateDate"])
	if date == "" {
		return ""
	}
	day, err := time.Parse("2006-01-02", date[:min(len(date), 10)])
	if err != nil {
		return date
	}
	if clock := stringValue(fields["UpdateTime"]); clock != "" {
		if parsed, err := time.Parse("15:04:05", clock); err == nil {
			day = day.Add(time.Duration(parsed.Hour())*time.Hour +
				time.Duration(parsed.Minute())*time.Minute +
				time.Duration(parsed.Second())*time.Second)
		}
	}
	return core.FormatMarker(day)
}

func stringValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}
