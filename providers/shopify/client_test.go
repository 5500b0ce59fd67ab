package shopify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-erpsync/core"
	"github.com/goliatone/go-erpsync/transport"
)

type fakeAdmin struct {
	mu       sync.Mutex
	server   *httptest.Server
	requests []string
	bodies   map[string]map[string]any
	handlers map[string]http.HandlerFunc
}

func newFakeAdmin(t *testing.T) *fakeAdmin {
	t.Helper()
	fake := &fakeAdmin{bodies: map[string]map[string]any{}, handlers: map[string]http.HandlerFunc{}}
	fake.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/admin/api/2024-01/")
		key := r.Method + " " + path

		fake.mu.Lock()
		fake.requests = append(fake.requests, key+"?"+r.URL.RawQuery)
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			var body map[string]any
			_ = json.Unmarshal(raw, &body)
			fake.bodies[key] = body
		}
		handler, ok := fake.handlers[key]
		fake.mu.Unlock()

		if r.Header.Get("X-Shopify-Access-Token") != "shpat_test" {
			t.Errorf("missing access token on %s", key)
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":"Not Found"}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeAdmin) on(key string, handler http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[key] = handler
}

func (f *fakeAdmin) respond(key string, status int, body any) {
	f.on(key, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
}

func (f *fakeAdmin) client(t *testing.T) *Client {
	t.Helper()
	cfg := core.DefaultConfig().Shopify
	cfg.ShopURL = f.server.URL
	cfg.AccessToken = "shpat_test"
	client, err := New(cfg, transport.WithHTTPClient(f.server.Client()), transport.WithRetry(1, time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewRequiresShopAndToken(t *testing.T) {
	if _, err := New(core.ShopifyConfig{AccessToken: "x"}); err == nil {
		t.Fatalf("expected missing shop url error")
	}
	if _, err := New(core.ShopifyConfig{ShopURL: "demo.myshopify.com"}); err == nil {
		t.Fatalf("expected missing token error")
	}
	base, err := apiBaseURL(core.ShopifyConfig{ShopURL: "demo.myshopify.com/", APIVersion: "2024-04"})
	if err != nil {
		t.Fatalf("base url: %v", err)
	}
	if base != "https://demo.myshopify.com/admin/api/2024-04" {
		t.Fatalf("unexpected base url %q", base)
	}
}

func TestClient_FetchGroupsWalksCustomThenSmartCollections(t *testing.T) {
	fake := newFakeAdmin(t)
	fake.on("GET custom_collections.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page_info") == "" {
			w.Header().Set("Link", `<`+fake.server.URL+`/admin/api/2024-01/custom_collections.json?limit=250&page_info=next1>; rel="next"`)
			_ = json.NewEncoder(w).Encode(map[string]any{"custom_collections": []any{
				map[string]any{"id": 1032025, "title": "Widget", "published_at": "2024-01-01T00:00:00Z", "updated_at": "2024-03-01T10:00:00Z"},
			}})
			return
		}
		if r.URL.Query().Get("updated_at_min") != "" {
			t.Errorf("page_info request must not carry filters")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"custom_collections": []any{
			map[string]any{"id": 2, "title": "Gadgets", "published_at": nil},
		}})
	})
	fake.respond("GET smart_collections.json", http.StatusOK, map[string]any{"smart_collections": []any{
		map[string]any{"id": 3, "title": "Sale", "rules": []any{map[string]any{"column": "tag", "relation": "equals", "condition": "sale"}}},
	}})

	records, err := core.FetchAll(context.Background(), fake.client(t), core.EntityGroup, core.FetchRequest{Since: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("fetch groups: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected three collections, got %d", len(records))
	}
	widget := records[0]
	if widget.ID() != "1032025" || widget.Marker() != "2024-03-01T10:00:00Z" {
		t.Fatalf("unexpected widget %s %q", widget.ID(), widget.Marker())
	}
	if published, _ := widget.Get("published"); published != true {
		t.Fatalf("expected published widget, got %v", published)
	}
	if published, _ := records[1].Get("published"); published != false {
		t.Fatalf("expected unpublished collection, got %v", published)
	}
	if kind := records[2].String("collection_type"); kind != "smart" {
		t.Fatalf("expected smart collection, got %q", kind)
	}
}

func TestClient_FetchItemsInCollectionFlattensVariant(t *testing.T) {
	fake := newFakeAdmin(t)
	fake.respond("GET collections/100/products.json", http.StatusOK, map[string]any{"products": []any{
		map[string]any{
			"id": 7, "title": "Alpha", "status": "active",
			"variants": []any{map[string]any{"id": 70, "sku": "A1", "price": "12.50", "inventory_quantity": 4}},
		},
	}})

	page, err := fake.client(t).FetchEntities(context.Background(), core.EntityItem, core.FetchRequest{Scope: core.Scope{GroupID: "100"}})
	if err != nil {
		t.Fatalf("fetch items: %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("expected one product, got %d", len(page.Records))
	}
	item := page.Records[0]
	if item.String("sku") != "A1" || item.String("price") != "12.50" {
		t.Fatalf("expected flattened variant, got %+v", item.Fields())
	}
	if id, _ := item.Get("collection_id"); id != int64(100) {
		t.Fatalf("expected collection id from scope, got %#v", id)
	}
	if id, _ := item.Get("variant_id"); id != int64(70) {
		t.Fatalf("expected integral variant id, got %#v", id)
	}
}

func TestClient_FetchPaymentsKeepsSuccessfulCaptures(t *testing.T) {
	fake := newFakeAdmin(t)
	fake.respond("GET orders/55.json", http.StatusOK, map[string]any{"order": map[string]any{"id": 55, "updated_at": "2024-04-02T08:00:00Z"}})
	fake.respond("GET orders/55/transactions.json", http.StatusOK, map[string]any{"transactions": []any{
		map[string]any{"id": 1, "kind": "authorization", "status": "success", "amount": "20.00"},
		map[string]any{"id": 2, "kind": "capture", "status": "failure", "amount": "20.00"},
		map[string]any{"id": 3, "kind": "capture", "status": "success", "amount": "20.00", "gateway": "bogus"},
		map[string]any{"id": 4, "kind": "sale", "status": "success", "amount": "5.00"},
	}})

	page, err := fake.client(t).FetchEntities(context.Background(), core.EntityPayment, core.FetchRequest{Scope: core.Scope{OrderID: "55"}})
	if err != nil {
		t.Fatalf("fetch payments: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("expected two payments, got %d", len(page.Records))
	}
	if page.Records[0].ID() != "55:1" || page.Records[1].ID() != "55:2" {
		t.Fatalf("unexpected payment ids %q %q", page.Records[0].ID(), page.Records[1].ID())
	}
	if page.Records[0].Marker() != "2024-04-02T08:00:00Z" {
		t.Fatalf("expected order marker on payment, got %q", page.Records[0].Marker())
	}

	record, err := fake.client(t).GetEntity(context.Background(), core.EntityPayment, "55:2")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if record.String("amount") != "5.00" {
		t.Fatalf("expected second payment, got %+v", record.Fields())
	}
	if _, err := fake.client(t).GetEntity(context.Background(), core.EntityPayment, "55:9"); !core.IsNotFound(err) {
		t.Fatalf("expected not found for unknown sequence, got %v", err)
	}
}

func TestClient_FetchCreditsClassifiesRefunds(t *testing.T) {
	fake := newFakeAdmin(t)
	fake.respond("GET orders/55.json", http.StatusOK, map[string]any{"order": map[string]any{"id": 55}})
	fake.respond("GET orders/55/refunds.json", http.StatusOK, map[string]any{"refunds": []any{
		map[string]any{
			"id": 900, "note": "damaged",
			"transactions":      []any{map[string]any{"status": "success", "amount": "7.5"}},
			"refund_line_items": []any{map[string]any{"quantity": 1, "line_item": map[string]any{"sku": "A1", "price": "7.50"}}},
		},
		map[string]any{"id": 901, "refund_line_items": []any{}},
	}})

	page, err := fake.client(t).FetchEntities(context.Background(), core.EntityCredit, core.FetchRequest{Scope: core.Scope{OrderID: "55"}})
	if err != nil {
		t.Fatalf("fetch credits: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("expected two credits, got %d", len(page.Records))
	}
	refund := page.Records[0]
	if refund.String("kind") != "refund" || refund.String("amount") != "7.50" {
		t.Fatalf("unexpected refund %+v", refund.Fields())
	}
	lines, _ := refund.Get("lines")
	if list, ok := lines.([]any); !ok || len(list) != 1 {
		t.Fatalf("expected one credit line, got %#v", lines)
	}
	if kind := page.Records[1].String("kind"); kind != "credit_memo" {
		t.Fatalf("expected credit memo, got %q", kind)
	}
}

func TestClient_CreateItemLinksCollection(t *testing.T) {
	fake := newFakeAdmin(t)
	fake.respond("POST products.json", http.StatusCreated, map[string]any{"product": map[string]any{"id": 8001}})
	fake.respond("POST collects.json", http.StatusUnprocessableEntity, map[string]any{"errors": map[string]any{"product_id": []any{"already exists in this collection"}}})

	record := core.NewCanonicalRecord(core.SystemB, core.EntityItem, "", map[string]any{
		"title": "Alpha", "sku": "A1", "price": "12.50", "collection_id": int64(100), "status": "active",
	})
	id, err := fake.client(t).CreateEntity(context.Background(), core.EntityItem, record)
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	if id != "8001" {
		t.Fatalf("expected product id 8001, got %q", id)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	product, _ := fake.bodies["POST products.json"]["product"].(map[string]any)
	variants, _ := product["variants"].([]any)
	if len(variants) != 1 {
		t.Fatalf("expected one variant, got %#v", product)
	}
	if variant := variants[0].(map[string]any); variant["sku"] != "A1" || variant["price"] != "12.50" {
		t.Fatalf("unexpected variant %#v", variant)
	}
	collect, _ := fake.bodies["POST collects.json"]["collect"].(map[string]any)
	if collect["product_id"] != float64(8001) || collect["collection_id"] != float64(100) {
		t.Fatalf("unexpected collect %#v", collect)
	}
}

func TestClient_UpdateItemTargetsExistingVariant(t *testing.T) {
	fake := newFakeAdmin(t)
	fake.respond("GET products/8001.json", http.StatusOK, map[string]any{"product": map[string]any{
		"id": 8001, "variants": []any{map[string]any{"id": 9001, "sku": "A1"}},
	}})
	fake.respond("PUT products/8001.json", http.StatusOK, map[string]any{"product": map[string]any{"id": 8001}})

	record := core.NewCanonicalRecord(core.SystemB, core.EntityItem, "", map[string]any{"title": "Alpha 2", "sku": "A1", "price": "13.00"})
	outcome, err := fake.client(t).UpdateEntity(context.Background(), core.EntityItem, "8001", record)
	if err != nil {
		t.Fatalf("update item: %v", err)
	}
	if outcome != core.OutcomeUpdated {
		t.Fatalf("expected updated, got %q", outcome)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	product, _ := fake.bodies["PUT products/8001.json"]["product"].(map[string]any)
	variant := product["variants"].([]any)[0].(map[string]any)
	if variant["id"] != float64(9001) {
		t.Fatalf("expected existing variant id, got %#v", variant)
	}
}

func TestClient_OrdersAreReadOnly(t *testing.T) {
	fake := newFakeAdmin(t)
	record := core.NewCanonicalRecord(core.SystemB, core.EntityOrder, "", map[string]any{"name": "#1001"})
	_, err := fake.client(t).CreateEntity(context.Background(), core.EntityOrder, record)
	if !errors.Is(err, core.ErrUnsupportedFlow) || !core.IsPermanent(err) {
		t.Fatalf("expected permanent unsupported flow, got %v", err)
	}
}

func TestClient_GetGroupFallsBackToSmartCollection(t *testing.T) {
	fake := newFakeAdmin(t)
	fake.respond("GET smart_collections/3.json", http.StatusOK, map[string]any{"smart_collection": map[string]any{"id": 3, "title": "Sale"}})

	record, err := fake.client(t).GetEntity(context.Background(), core.EntityGroup, "3")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if record.String("collection_type") != "smart" {
		t.Fatalf("expected smart collection, got %+v", record.Fields())
	}
}

func TestClient_PingReadsShop(t *testing.T) {
	fake := newFakeAdmin(t)
	fake.respond("GET shop.json", http.StatusOK, map[string]any{"shop": map[string]any{"id": 1, "name": "Demo"}})
	if err := fake.client(t).Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestNextPageInfo(t *testing.T) {
	link := `<https://demo.myshopify.com/admin/api/2024-01/products.json?limit=50&page_info=prev1>; rel="previous", ` +
		`<https://demo.myshopify.com/admin/api/2024-01/products.json?limit=50&page_info=next2>; rel="next"`
	if got := nextPageInfo(link); got != "next2" {
		t.Fatalf("expected next2, got %q", got)
	}
	if got := nextPageInfo(""); got != "" {
		t.Fatalf("expected empty page info, got %q", got)
	}
}
