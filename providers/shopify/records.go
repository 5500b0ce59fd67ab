package shopify

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goliatone/go-erpsync/core"
	"github.com/shopspring/decimal"
)

// identity separator for payment and credit records, which Shopify only
// addresses through their parent order.
const childIDSeparator = ":"

func childID(orderID string, sequence int) string {
	return orderID + childIDSeparator + strconv.Itoa(sequence)
}

func splitChildID(id string) (string, int, error) {
	orderID, seq, found := strings.Cut(strings.TrimSpace(id), childIDSeparator)
	if !found || orderID == "" {
		return "", 0, fmt.Errorf("providers/shopify: expected order_id:sequence, got %q", id)
	}
	sequence, err := strconv.Atoi(seq)
	if err != nil || sequence < 1 {
		return "", 0, fmt.Errorf("providers/shopify: invalid sequence in %q", id)
	}
	return orderID, sequence, nil
}

// normalizeNumbers turns integral floats produced by encoding/json into
// int64 so ids survive string conversion without exponent notation.
func normalizeNumbers(value any) any {
	switch typed := value.(type) {
	case float64:
		if typed == math.Trunc(typed) && math.Abs(typed) < 1<<53 {
			return int64(typed)
		}
		return typed
	case map[string]any:
		for key, nested := range typed {
			typed[key] = normalizeNumbers(nested)
		}
		return typed
	case []any:
		for idx, nested := range typed {
			typed[idx] = normalizeNumbers(nested)
		}
		return typed
	default:
		return value
	}
}

func collectionRecord(raw map[string]any, collectionType string) core.CanonicalRecord {
	fields := pick(raw, "id", "title", "handle", "body_html", "updated_at")
	if published, ok := raw["published"].(bool); ok {
		fields["published"] = published
	} else {
		fields["published"] = raw["published_at"] != nil
	}
	fields["collection_type"] = collectionType
	if rules, ok := raw["rules"].([]any); ok {
		fields["rules"] = rules
	}
	return newRecord(core.EntityGroup, stringValue(raw["id"]), fields)
}

// productRecord flattens the first variant onto the product.
func productRecord(raw map[string]any, collectionID string) core.CanonicalRecord {
	fields := pick(raw, "id", "title", "body_html", "vendor", "product_type", "status", "handle", "updated_at")
	if variants, ok := raw["variants"].([]any); ok && len(variants) > 0 {
		if variant, ok := variants[0].(map[string]any); ok {
			fields["variant_id"] = variant["id"]
			for _, key := range []string{"sku", "price", "inventory_quantity"} {
				if value, ok := variant[key]; ok && value != nil {
					fields[key] = value
				}
			}
		}
	}
	if collectionID != "" {
		if id, err := strconv.ParseInt(collectionID, 10, 64); err == nil {
			fields["collection_id"] = id
		}
	}
	return newRecord(core.EntityItem, stringValue(raw["id"]), fields)
}

func orderRecord(raw map[string]any) core.CanonicalRecord {
	fields := pick(raw, "id", "name", "order_number", "email", "created_at", "currency",
		"total_price", "total_discounts", "financial_status", "updated_at")
	if customer, ok := raw["customer"].(map[string]any); ok {
		fields["customer_id"] = customer["id"]
		fields["customer"] = pick(customer, "id", "email", "first_name", "last_name", "phone")
	}
	var lines []any
	if items, ok := raw["line_items"].([]any); ok {
		for _, entry := range items {
			item, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			lines = append(lines, pick(item, "id", "product_id", "variant_id", "sku", "title", "quantity", "price", "total_discount"))
		}
	}
	fields["line_items"] = lines
	return newRecord(core.EntityOrder, stringValue(raw["id"]), fields)
}

func customerRecord(raw map[string]any) core.CanonicalRecord {
	fields := pick(raw, "id", "email", "first_name", "last_name", "phone", "updated_at")
	fields["full_name"] = strings.TrimSpace(stringValue(raw["first_name"]) + " " + stringValue(raw["last_name"]))
	return newRecord(core.EntityCustomer, stringValue(raw["id"]), fields)
}

// paymentRecords keeps successful sale and capture transactions, numbered
// in the order Shopify reports them.
func paymentRecords(order map[string]any, transactions []map[string]any) []core.CanonicalRecord {
	orderID := stringValue(order["id"])
	var out []core.CanonicalRecord
	sequence := 0
	for _, txn := range transactions {
		kind := strings.ToLower(stringValue(txn["kind"]))
		if kind != "sale" && kind != "capture" {
			continue
		}
		if !strings.EqualFold(stringValue(txn["status"]), "success") {
			continue
		}
		sequence++
		fields := pick(txn, "id", "kind", "status", "amount", "gateway", "created_at", "currency")
		fields["order_id"] = order["id"]
		fields["sequence"] = sequence
		record := newRecord(core.EntityPayment, childID(orderID, sequence), fields)
		out = append(out, record.WithMarker(stringValue(order["updated_at"])))
	}
	return out
}

// creditRecords turns refunds into credits. A refund that returned money is
// kind "refund"; one that only restocked lines is a "credit_memo".
func creditRecords(order map[string]any, refunds []map[string]any) []core.CanonicalRecord {
	orderID := stringValue(order["id"])
	out := make([]core.CanonicalRecord, 0, len(refunds))
	for idx, refund := range refunds {
		sequence := idx + 1
		fields := pick(refund, "id", "note", "created_at")
		fields["order_id"] = order["id"]
		fields["sequence"] = sequence

		amount := decimal.Zero
		if txns, ok := refund["transactions"].([]any); ok {
			for _, entry := range txns {
				txn, ok := entry.(map[string]any)
				if !ok || !strings.EqualFold(stringValue(txn["status"]), "success") {
					continue
				}
				if value, err := decimal.NewFromString(stringValue(txn["amount"])); err == nil {
					amount = amount.Add(value)
				}
			}
		}
		fields["amount"] = amount.StringFixed(2)
		if amount.IsPositive() {
			fields["kind"] = "refund"
		} else {
			fields["kind"] = "credit_memo"
		}

		var lines []any
		if items, ok := refund["refund_line_items"].([]any); ok {
			for _, entry := range items {
				item, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				line := map[string]any{"quantity": item["quantity"]}
				if lineItem, ok := item["line_item"].(map[string]any); ok {
					line["item_code"] = lineItem["sku"]
					line["price"] = lineItem["price"]
					line["product_id"] = lineItem["product_id"]
				}
				lines = append(lines, line)
			}
		}
		fields["lines"] = lines

		record := newRecord(core.EntityCredit, childID(orderID, sequence), fields)
		out = append(out, record.WithMarker(stringValue(order["updated_at"])))
	}
	return out
}

func newRecord(entity core.EntityType, id string, fields map[string]any) core.CanonicalRecord {
	record := core.NewCanonicalRecord(core.SystemB, entity, id, fields)
	return record.WithMarker(stringValue(fields["updated_at"]))
}

func pick(raw map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		if value, ok := raw[key]; ok && value != nil {
			out[key] = value
		}
	}
	return out
}

// writable copies the record fields the Admin API accepts on write.
func writable(record core.CanonicalRecord, keys ...string) map[string]any {
	fields := record.Fields()
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		if value, ok := fields[key]; ok && value != nil {
			out[key] = value
		}
	}
	return out
}

func stringValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case int:
		return strconv.Itoa(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}
