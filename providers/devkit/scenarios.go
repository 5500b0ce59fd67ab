package devkit

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goliatone/go-erpsync/core"
)

// WidgetCollection is the Shopify custom collection used across sync tests.
func WidgetCollection(updatedAt time.Time) core.CanonicalRecord {
	record := core.NewCanonicalRecord(core.SystemB, core.EntityGroup, "1032025", map[string]any{
		"id":              int64(1032025),
		"title":           "Widget",
		"published":       true,
		"collection_type": "custom",
		"updated_at":      core.FormatMarker(updatedAt),
	})
	return record.WithMarker(core.FormatMarker(updatedAt))
}

// SAPGroupWithItems builds an item group and count items assigned to it. Item
// markers advance one minute apart starting at updatedAt.
func SAPGroupWithItems(number int, count int, updatedAt time.Time) (core.CanonicalRecord, []core.CanonicalRecord) {
	groupID := strconv.Itoa(number)
	group := core.NewCanonicalRecord(core.SystemA, core.EntityGroup, groupID, map[string]any{
		"Number": int64(number),
		"Code":   "G" + groupID,
		"Name":   "Group " + groupID,
		"Active": "tYES",
	}).WithMarker(core.FormatMarker(updatedAt))

	items := make([]core.CanonicalRecord, 0, count)
	for idx := 1; idx <= count; idx++ {
		code := fmt.Sprintf("ITM-%d-%03d", number, idx)
		marker := core.FormatMarker(updatedAt.Add(time.Duration(idx) * time.Minute))
		item := core.NewCanonicalRecord(core.SystemA, core.EntityItem, code, map[string]any{
			"ItemCode":        code,
			"ItemName":        fmt.Sprintf("Item %d", idx),
			"ItemsGroupCode":  int64(number),
			"Valid":           "tYES",
			"Price":           fmt.Sprintf("%d.50", 10+idx),
			"QuantityOnStock": float64(idx),
		})
		items = append(items, item.WithMarker(marker))
	}
	return group, items
}

// ShopifyOrder builds a paid order for customerID with the given line SKUs.
func ShopifyOrder(id int64, customerID int64, updatedAt time.Time, skus ...string) core.CanonicalRecord {
	lines := make([]any, 0, len(skus))
	for idx, sku := range skus {
		lines = append(lines, map[string]any{
			"id":             id*10 + int64(idx),
			"sku":            sku,
			"title":          sku,
			"quantity":       int64(idx + 1),
			"price":          "10.00",
			"total_discount": "1.00",
		})
	}
	marker := core.FormatMarker(updatedAt)
	record := core.NewCanonicalRecord(core.SystemB, core.EntityOrder, strconv.FormatInt(id, 10), map[string]any{
		"id":               id,
		"name":             "#" + strconv.FormatInt(id, 10),
		"order_number":     id,
		"email":            "buyer@example.com",
		"created_at":       marker,
		"currency":         "usd",
		"total_price":      "20.00",
		"financial_status": "paid",
		"customer_id":      customerID,
		"customer": map[string]any{
			"id":         customerID,
			"email":      "buyer@example.com",
			"first_name": "Ada",
			"last_name":  "Lovelace",
		},
		"line_items": lines,
		"updated_at": marker,
	})
	return record.WithMarker(marker)
}

// ShopifyCustomer builds the customer referenced by ShopifyOrder.
func ShopifyCustomer(id int64, updatedAt time.Time) core.CanonicalRecord {
	marker := core.FormatMarker(updatedAt)
	record := core.NewCanonicalRecord(core.SystemB, core.EntityCustomer, strconv.FormatInt(id, 10), map[string]any{
		"id":         id,
		"email":      "buyer@example.com",
		"first_name": "Ada",
		"last_name":  "Lovelace",
		"full_name":  "Ada Lovelace",
		"updated_at": marker,
	})
	return record.WithMarker(marker)
}

// ShopifyPayment builds the sequence-th successful transaction of an order.
func ShopifyPayment(orderID int64, sequence int, amount string, updatedAt time.Time) core.CanonicalRecord {
	marker := core.FormatMarker(updatedAt)
	id := strconv.FormatInt(orderID, 10) + ":" + strconv.Itoa(sequence)
	record := core.NewCanonicalRecord(core.SystemB, core.EntityPayment, id, map[string]any{
		"id":         orderID*100 + int64(sequence),
		"order_id":   orderID,
		"sequence":   int64(sequence),
		"kind":       "sale",
		"status":     "success",
		"amount":     amount,
		"gateway":    "manual",
		"created_at": marker,
	})
	return record.WithMarker(marker)
}

// ShopifyRefund builds a refund credit returning amount for one line.
func ShopifyRefund(orderID int64, sequence int, sku string, amount string, updatedAt time.Time) core.CanonicalRecord {
	marker := core.FormatMarker(updatedAt)
	id := strconv.FormatInt(orderID, 10) + ":" + strconv.Itoa(sequence)
	record := core.NewCanonicalRecord(core.SystemB, core.EntityCredit, id, map[string]any{
		"id":         orderID*1000 + int64(sequence),
		"order_id":   orderID,
		"sequence":   int64(sequence),
		"kind":       "refund",
		"note":       "damaged",
		"amount":     amount,
		"created_at": marker,
		"lines": []any{
			map[string]any{"item_code": sku, "quantity": int64(1), "price": amount},
		},
	})
	return record.WithMarker(marker)
}
